package resolver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/authcore-io/authcore/internal/platform/httpx"
	"github.com/authcore-io/authcore/internal/shared"
	"github.com/authcore-io/authcore/internal/tenantctx"
)

// Handler serves permission check requests for the session's bound tenant.
type Handler struct {
	logger    *slog.Logger
	resolver  *Resolver
	tenants   *tenantctx.Manager
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, r *Resolver, tenants *tenantctx.Manager) *Handler {
	return &Handler{logger: logger, resolver: r, tenants: tenants, validator: validator.New()}
}

// MountRoutes registers check routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
}

type checkRequest struct {
	ResourceType string `json:"resourceType" validate:"required,min=1,max=64"`
	Action       string `json:"action" validate:"required,min=1,max=64"`
	ResourceID   string `json:"resourceId" validate:"max=128"`
}

type checkResponse struct {
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
	FromCache bool   `json:"fromCache"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || !sess.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}

	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request failed validation")
		return
	}

	snap, bound := h.snapshot(sess.ID)
	if !bound {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "tenant scope required")
		return
	}

	// The binding's memo rides along as the request-local cache tier; the
	// resolver applies the same generation check and audit to its hits.
	decision, err := h.resolver.Resolve(r.Context(), Request{
		UserID:       sess.User(),
		TenantID:     snap.TenantID(),
		ResourceType: req.ResourceType,
		Action:       req.Action,
		ResourceID:   req.ResourceID,
		SessionID:    sess.ID,
		Local:        snap,
	})
	if err != nil {
		traceID := middleware.GetReqID(r.Context())
		if errors.Is(err, ErrUnavailable) {
			h.logger.Error("permission check unavailable", slog.Any("error", err), slog.String("trace_id", traceID))
			httpx.ProblemWithTrace(w, http.StatusServiceUnavailable, "Service Unavailable", "", traceID)
			return
		}
		h.logger.Error("permission check failed", slog.Any("error", err), slog.String("trace_id", traceID))
		httpx.ProblemWithTrace(w, http.StatusInternalServerError, "Internal Error", "", traceID)
		return
	}

	httpx.JSON(w, http.StatusOK, checkResponse{
		Granted:   decision.Granted,
		Reason:    decision.Reason,
		FromCache: decision.FromCache,
	})
}

func (h *Handler) snapshot(sessionID string) (tenantctx.Snapshot, bool) {
	tc, ok := h.tenants.Lookup(sessionID)
	if !ok {
		return tenantctx.Snapshot{}, false
	}
	return tc.Snapshot()
}
