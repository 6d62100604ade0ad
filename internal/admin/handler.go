package admin

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/authcore-io/authcore/internal/platform/httpx"
	"github.com/authcore-io/authcore/internal/shared"
)

// Handler exposes the administrative mutation endpoints. Every endpoint
// requires an authenticated grantor identity and a bound tenant scope.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/roles", h.createRole)
	r.Post("/roles/assign", h.assignRole)
	r.Post("/roles/revoke", h.revokeRole)
	r.Post("/roles/{roleID}/permissions", h.addPermission)
	r.Delete("/roles/{roleID}/permissions/{permissionID}", h.removePermission)
	r.Post("/elevations", h.elevate)
}

type mutationResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type createRoleResponse struct {
	mutationResponse
	RoleID int64 `json:"roleId,omitempty"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	actor, tenant, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, res, err := h.service.CreateRole(r.Context(), actor, tenant, req.Name, req.Description)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if !res.OK {
		httpx.JSON(w, http.StatusForbidden, createRoleResponse{mutationResponse: mutationResponse{Reason: res.Reason}})
		return
	}
	httpx.JSON(w, http.StatusCreated, createRoleResponse{mutationResponse: mutationResponse{OK: true}, RoleID: role.ID})
}

type roleUserRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
	RoleID int64 `json:"roleId" validate:"required,gt=0"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	actor, tenant, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req roleUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.AssignRole(r.Context(), actor, req.UserID, req.RoleID, tenant)
	h.respond(w, r, res, err)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	actor, tenant, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req roleUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.RevokeRole(r.Context(), actor, req.UserID, req.RoleID, tenant)
	h.respond(w, r, res, err)
}

type permissionRequest struct {
	ResourceType string `json:"resourceType" validate:"required,min=1,max=64"`
	Action       string `json:"action" validate:"required,min=1,max=64"`
	ResourceID   string `json:"resourceId" validate:"max=128"`
}

func (h *Handler) addPermission(w http.ResponseWriter, r *http.Request) {
	actor, tenant, ok := h.identity(w, r)
	if !ok {
		return
	}
	roleID, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, svcErr := h.service.AddPermissionToRole(r.Context(), actor, tenant, roleID, PermissionSpec{
		ResourceType: req.ResourceType,
		Action:       req.Action,
		ResourceID:   req.ResourceID,
	})
	h.respond(w, r, res, svcErr)
}

func (h *Handler) removePermission(w http.ResponseWriter, r *http.Request) {
	actor, tenant, ok := h.identity(w, r)
	if !ok {
		return
	}
	roleID, err1 := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	permissionID, err2 := strconv.ParseInt(chi.URLParam(r, "permissionID"), 10, 64)
	if err1 != nil || err2 != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid identifier")
		return
	}
	res, err := h.service.RemovePermissionFromRole(r.Context(), actor, tenant, roleID, permissionID)
	h.respond(w, r, res, err)
}

type elevateRequest struct {
	UserID       int64  `json:"userId" validate:"required,gt=0"`
	ResourceType string `json:"resourceType" validate:"required,min=1,max=64"`
	Action       string `json:"action" validate:"required,min=1,max=64"`
	ResourceID   string `json:"resourceId" validate:"max=128"`
	Reason       string `json:"reason" validate:"required,min=4,max=255"`
	TTLSeconds   int64  `json:"ttlSeconds" validate:"required,gt=0"`
}

func (h *Handler) elevate(w http.ResponseWriter, r *http.Request) {
	actor, tenant, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req elevateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.ElevatePermissions(r.Context(), actor, req.UserID, tenant, PermissionSpec{
		ResourceType: req.ResourceType,
		Action:       req.Action,
		ResourceID:   req.ResourceID,
	}, req.Reason, time.Duration(req.TTLSeconds)*time.Second)
	h.respond(w, r, res, err)
}

// identity extracts the authenticated actor and bound tenant from the
// session, rejecting requests without both.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (actorID, tenantID int64, ok bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || !sess.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return 0, 0, false
	}
	if sess.Tenant() == 0 {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "tenant scope required")
		return 0, 0, false
	}
	return sess.User(), sess.Tenant(), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "request failed validation")
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, res Result, err error) {
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if !res.OK {
		status := http.StatusForbidden
		if res.Reason == ReasonNotFound || res.Reason == ReasonUnknownSubject {
			status = http.StatusNotFound
		}
		if res.Reason == ReasonInvalidRequest {
			status = http.StatusBadRequest
		}
		httpx.JSON(w, status, mutationResponse{Reason: res.Reason})
		return
	}
	httpx.JSON(w, http.StatusOK, mutationResponse{OK: true})
}

// respondErr logs full detail internally and surfaces only a generic
// internal error with a trace id.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	traceID := middleware.GetReqID(r.Context())
	h.logger.Error("admin mutation failed", slog.Any("error", err), slog.String("trace_id", traceID))
	httpx.ProblemWithTrace(w, http.StatusInternalServerError, "Internal Error", "", traceID)
}
