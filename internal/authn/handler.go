package authn

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/authcore-io/authcore/internal/platform/httpx"
	"github.com/authcore-io/authcore/internal/shared"
	"github.com/authcore-io/authcore/internal/tenantctx"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	sessions  *shared.SessionManager
	tenants   *tenantctx.Manager
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, tenants *tenantctx.Manager) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		sessions:  sessions,
		tenants:   tenants,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/tenant", h.handleSelectTenant)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	UserID int64 `json:"userId"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email and password are required")
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		var locked *LockedError
		switch {
		case errors.As(err, &locked):
			w.Header().Set("Retry-After", formatSeconds(locked.RetryAfter))
			httpx.Problem(w, http.StatusTooManyRequests, "Locked", "too many failed attempts")
		case errors.Is(err, shared.ErrInvalidCredentials):
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
		default:
			// Lockout counter unreadable or store down: not a credential
			// verdict, so do not answer with one.
			h.logger.Error("authenticate", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
		}
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	sess.SetUser(user.ID)
	httpx.JSON(w, http.StatusOK, loginResponse{UserID: user.ID})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		h.tenants.Release(sess.ID)
		h.sessions.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

type selectTenantRequest struct {
	TenantID int64 `json:"tenantId" validate:"required,gt=0"`
}

// handleSelectTenant binds (or re-binds) the session to a tenant scope.
func (h *Handler) handleSelectTenant(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || !sess.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return
	}
	var req selectTenantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenantId is required")
		return
	}

	if _, err := h.tenants.Bind(r.Context(), sess.ID, sess.User(), req.TenantID); err != nil {
		switch {
		case errors.Is(err, tenantctx.ErrUnknownTenant), errors.Is(err, tenantctx.ErrNotMember):
			// One response for both: do not disclose which tenants exist.
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "not permitted")
		default:
			h.logger.Error("bind tenant", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	sess.SetTenant(req.TenantID)
	w.WriteHeader(http.StatusNoContent)
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
