// Package admin implements the administrative mutation entry points. Every
// mutation passes through the boundary validator, bumps the affected
// generation counters before returning, and is audited.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/boundary"
	"github.com/authcore-io/authcore/internal/resolver"
	"github.com/authcore-io/authcore/internal/shared"
	"github.com/authcore-io/authcore/internal/store"
)

// Machine-readable reason codes beyond the boundary validator's own.
const (
	ReasonNotFound            = "not_found"
	ReasonUnknownSubject      = "unknown_subject"
	ReasonSystemRoleProtected = "system_role_protected"
	ReasonInvalidRequest      = "invalid_request"
)

// Result reports success or failure of a mutation with a reason code.
type Result struct {
	OK     bool
	Reason string
}

func ok() Result                { return Result{OK: true} }
func fail(reason string) Result { return Result{OK: false, Reason: reason} }

// PermissionSpec names a permission by its identifying fields.
type PermissionSpec struct {
	ResourceType string
	Action       string
	ResourceID   string
}

// Service orchestrates administrative mutations against the permission
// store.
type Service struct {
	repo     store.Repository
	checker  boundary.PermissionChecker
	boundary *boundary.Validator
	gens     *resolver.Generations
	emitter  *audit.Emitter
	logger   *slog.Logger

	maxElevation time.Duration
}

// NewService constructs a Service. maxElevation caps how long a temporary
// grant can live; zero means the 24h default.
func NewService(repo store.Repository, checker boundary.PermissionChecker, validator *boundary.Validator, gens *resolver.Generations, emitter *audit.Emitter, logger *slog.Logger, maxElevation time.Duration) *Service {
	if maxElevation <= 0 {
		maxElevation = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		checker:      checker,
		boundary:     validator,
		gens:         gens,
		emitter:      emitter,
		logger:       logger,
		maxElevation: maxElevation,
	}
}

// CreateRole creates a tenant-scoped role. Requires the role-management
// capability in the target tenant.
func (s *Service) CreateRole(ctx context.Context, actorID, tenantID int64, name, description string) (*store.Role, Result, error) {
	allowed, err := s.holds(ctx, actorID, tenantID, shared.CapManageRoles)
	if err != nil {
		return nil, Result{}, err
	}
	if !allowed {
		s.auditAdmin(ctx, audit.SubtypeRoleCreated, actorID, tenantID, audit.OutcomeFailure, map[string]any{"reason": boundary.ReasonCannotManagePermissions, "name": name})
		return nil, fail(boundary.ReasonCannotManagePermissions), nil
	}

	role, err := s.repo.CreateRole(ctx, tenantID, name, description)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fail("duplicate"), nil
		}
		return nil, Result{}, fmt.Errorf("admin: create role: %w", err)
	}
	s.auditAdmin(ctx, audit.SubtypeRoleCreated, actorID, tenantID, audit.OutcomeSuccess, map[string]any{"role_id": role.ID, "name": role.Name})
	return role, ok(), nil
}

// AssignRole links a user to a role within a tenant and invalidates the
// user's cached decisions before returning.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID, tenantID int64) (Result, error) {
	role, res, err := s.loadRoleForMutation(ctx, actorID, tenantID, roleID)
	if err != nil || !res.OK {
		return res, err
	}

	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(ReasonUnknownSubject), nil
		}
		return Result{}, fmt.Errorf("admin: get user: %w", err)
	}

	err = s.repo.CreateAssignment(ctx, store.Assignment{
		UserID:     userID,
		RoleID:     role.ID,
		TenantID:   tenantID,
		AssignedBy: actorID,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return Result{}, fmt.Errorf("admin: assign role: %w", err)
	}

	if err := s.gens.Bump(ctx, userID, tenantID); err != nil {
		return Result{}, fmt.Errorf("admin: invalidate after assign: %w", err)
	}
	s.auditAdmin(ctx, audit.SubtypeRoleAssigned, actorID, tenantID, audit.OutcomeSuccess, map[string]any{"user_id": userID, "role_id": role.ID})
	return ok(), nil
}

// RevokeRole removes a role from a user within a tenant and invalidates
// the user's cached decisions before returning, regardless of remaining
// cache TTL.
func (s *Service) RevokeRole(ctx context.Context, actorID, userID, roleID, tenantID int64) (Result, error) {
	role, res, err := s.loadRoleForMutation(ctx, actorID, tenantID, roleID)
	if err != nil || !res.OK {
		return res, err
	}

	if err := s.repo.DeleteAssignment(ctx, userID, role.ID, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(ReasonNotFound), nil
		}
		return Result{}, fmt.Errorf("admin: revoke role: %w", err)
	}

	if err := s.gens.Bump(ctx, userID, tenantID); err != nil {
		return Result{}, fmt.Errorf("admin: invalidate after revoke: %w", err)
	}
	s.auditAdmin(ctx, audit.SubtypeRoleRevoked, actorID, tenantID, audit.OutcomeSuccess, map[string]any{"user_id": userID, "role_id": role.ID})
	return ok(), nil
}

// AddPermissionToRole attaches a permission to a role. The grant must pass
// the boundary validator: the actor has to hold the exact permission being
// granted. System roles additionally require a super-admin actor.
func (s *Service) AddPermissionToRole(ctx context.Context, actorID, tenantID, roleID int64, spec PermissionSpec) (Result, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(ReasonNotFound), nil
		}
		return Result{}, fmt.Errorf("admin: get role: %w", err)
	}

	perm := store.Permission{ResourceType: spec.ResourceType, Action: spec.Action, ResourceID: spec.ResourceID}
	verdict, err := s.boundary.ValidateGrant(ctx, actorID, tenantID, perm, role)
	if err != nil {
		return Result{}, err
	}
	if !verdict.OK {
		return fail(verdict.Reason), nil
	}

	if role.IsSystem {
		super, err := s.isSuperAdmin(ctx, actorID, tenantID)
		if err != nil {
			return Result{}, err
		}
		if !super {
			s.auditAdmin(ctx, audit.SubtypePermAttached, actorID, tenantID, audit.OutcomeFailure, map[string]any{"reason": ReasonSystemRoleProtected, "role_id": role.ID})
			return fail(ReasonSystemRoleProtected), nil
		}
	}

	stored, err := s.repo.EnsurePermission(ctx, spec.ResourceType, spec.Action, spec.ResourceID)
	if err != nil {
		return Result{}, fmt.Errorf("admin: ensure permission: %w", err)
	}
	if err := s.repo.AttachPermission(ctx, role.ID, stored.ID); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return Result{}, fmt.Errorf("admin: attach permission: %w", err)
	}

	if err := s.invalidateRole(ctx, role.ID); err != nil {
		return Result{}, err
	}
	s.auditAdmin(ctx, audit.SubtypePermAttached, actorID, tenantID, audit.OutcomeSuccess, map[string]any{
		"role_id":    role.ID,
		"permission": stored.Key(),
	})
	return ok(), nil
}

// RemovePermissionFromRole detaches a permission from a role and
// invalidates every assignee's cached decisions.
func (s *Service) RemovePermissionFromRole(ctx context.Context, actorID, tenantID, roleID, permissionID int64) (Result, error) {
	role, res, err := s.loadRoleForMutation(ctx, actorID, tenantID, roleID)
	if err != nil || !res.OK {
		return res, err
	}

	if role.IsSystem {
		super, err := s.isSuperAdmin(ctx, actorID, tenantID)
		if err != nil {
			return Result{}, err
		}
		if !super {
			s.auditAdmin(ctx, audit.SubtypePermDetached, actorID, tenantID, audit.OutcomeFailure, map[string]any{"reason": ReasonSystemRoleProtected, "role_id": role.ID})
			return fail(ReasonSystemRoleProtected), nil
		}
	}

	if err := s.repo.DetachPermission(ctx, role.ID, permissionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(ReasonNotFound), nil
		}
		return Result{}, fmt.Errorf("admin: detach permission: %w", err)
	}

	if err := s.invalidateRole(ctx, role.ID); err != nil {
		return Result{}, err
	}
	s.auditAdmin(ctx, audit.SubtypePermDetached, actorID, tenantID, audit.OutcomeSuccess, map[string]any{
		"role_id":       role.ID,
		"permission_id": permissionID,
	})
	return ok(), nil
}

// ElevatePermissions creates a time-boxed grant for a user. The boundary
// invariant applies exactly as for permanent grants: the actor must hold
// the permission being elevated.
func (s *Service) ElevatePermissions(ctx context.Context, actorID, userID, tenantID int64, spec PermissionSpec, reason string, duration time.Duration) (Result, error) {
	if duration <= 0 || duration > s.maxElevation || reason == "" {
		return fail(ReasonInvalidRequest), nil
	}

	perm := store.Permission{ResourceType: spec.ResourceType, Action: spec.Action, ResourceID: spec.ResourceID}
	verdict, err := s.boundary.ValidateGrant(ctx, actorID, tenantID, perm, nil)
	if err != nil {
		return Result{}, err
	}
	if !verdict.OK {
		return fail(verdict.Reason), nil
	}

	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(ReasonUnknownSubject), nil
		}
		return Result{}, fmt.Errorf("admin: get user: %w", err)
	}

	elevation, err := s.repo.CreateElevation(ctx, store.Elevation{
		UserID:       userID,
		TenantID:     tenantID,
		ResourceType: spec.ResourceType,
		Action:       spec.Action,
		ResourceID:   spec.ResourceID,
		Reason:       reason,
		GrantedBy:    actorID,
		ExpiresAt:    time.Now().Add(duration),
	})
	if err != nil {
		return Result{}, fmt.Errorf("admin: create elevation: %w", err)
	}

	if err := s.gens.Bump(ctx, userID, tenantID); err != nil {
		return Result{}, fmt.Errorf("admin: invalidate after elevation: %w", err)
	}
	s.auditAdmin(ctx, audit.SubtypeElevated, actorID, tenantID, audit.OutcomeSuccess, map[string]any{
		"user_id":      userID,
		"elevation_id": elevation.ID,
		"permission":   perm.Key(),
		"expires_at":   elevation.ExpiresAt,
		"reason":       reason,
	})
	return ok(), nil
}

// loadRoleForMutation fetches the role and applies the capability and
// tenant-boundary checks shared by role-level mutations.
func (s *Service) loadRoleForMutation(ctx context.Context, actorID, tenantID, roleID int64) (*store.Role, Result, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fail(ReasonNotFound), nil
		}
		return nil, Result{}, fmt.Errorf("admin: get role: %w", err)
	}

	allowed, err := s.holds(ctx, actorID, tenantID, shared.CapManageRoles)
	if err != nil {
		return nil, Result{}, err
	}
	if !allowed {
		return nil, fail(boundary.ReasonCannotManagePermissions), nil
	}

	if role.TenantID != store.SystemTenantID && role.TenantID != tenantID {
		crossTenant, err := s.holds(ctx, actorID, tenantID, shared.CapCrossTenant)
		if err != nil {
			return nil, Result{}, err
		}
		if !crossTenant {
			return nil, fail(boundary.ReasonEntityBoundaryViolation), nil
		}
	}

	return role, ok(), nil
}

// invalidateRole bumps generations for every current assignee of the role.
func (s *Service) invalidateRole(ctx context.Context, roleID int64) error {
	subjects, err := s.repo.ListRoleAssignees(ctx, roleID)
	if err != nil {
		return fmt.Errorf("admin: list assignees: %w", err)
	}
	if err := s.gens.BumpAll(ctx, subjects); err != nil {
		return fmt.Errorf("admin: invalidate role: %w", err)
	}
	return nil
}

func (s *Service) holds(ctx context.Context, actorID, tenantID int64, capability shared.Capability) (bool, error) {
	dec, err := s.checker.Resolve(ctx, resolver.Request{
		UserID:       actorID,
		TenantID:     tenantID,
		ResourceType: capability.ResourceType,
		Action:       capability.Action,
	})
	if err != nil {
		return false, fmt.Errorf("admin: resolve capability: %w", err)
	}
	return dec.Granted, nil
}

// isSuperAdmin checks for a system super-admin assignment. ListRoleGrants
// already folds platform-wide assignments into every tenant scope.
func (s *Service) isSuperAdmin(ctx context.Context, actorID, tenantID int64) (bool, error) {
	grants, err := s.repo.ListRoleGrants(ctx, actorID, tenantID)
	if err != nil {
		return false, fmt.Errorf("admin: list grants: %w", err)
	}
	for _, g := range grants {
		if g.IsSystem && g.RoleName == store.RoleSuperAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) auditAdmin(ctx context.Context, subtype string, actorID, tenantID int64, outcome string, metadata map[string]any) {
	if s.emitter == nil {
		return
	}
	level := audit.LevelInfo
	if outcome != audit.OutcomeSuccess {
		level = audit.LevelWarning
	}
	s.emitter.Emit(ctx, audit.Event{
		Type:     audit.TypeAdmin,
		Subtype:  subtype,
		Level:    level,
		UserID:   actorID,
		TenantID: tenantID,
		Outcome:  outcome,
		Metadata: metadata,
	})
}
