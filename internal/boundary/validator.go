// Package boundary enforces the grant invariant: an actor can never grant
// a capability exceeding their own.
package boundary

import (
	"context"
	"fmt"

	"github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/resolver"
	"github.com/authcore-io/authcore/internal/shared"
	"github.com/authcore-io/authcore/internal/store"
)

// Rejection reasons, reported in rule order. The first failing rule
// determines the reason; there are no partial grants.
const (
	ReasonMissingPermission       = "missing_permission"
	ReasonCannotManagePermissions = "cannot_manage_permissions"
	ReasonEntityBoundaryViolation = "entity_boundary_violation"
)

// Verdict is the outcome of a grant validation.
type Verdict struct {
	OK     bool
	Reason string
}

// PermissionChecker is the resolver surface the validator needs.
type PermissionChecker interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Decision, error)
}

// Validator checks that permission grants are themselves permitted by the
// grantor's own permission set.
type Validator struct {
	checker PermissionChecker
	emitter *audit.Emitter
}

// NewValidator constructs a Validator.
func NewValidator(checker PermissionChecker, emitter *audit.Emitter) *Validator {
	return &Validator{checker: checker, emitter: emitter}
}

// ValidateGrant applies the three boundary rules in order: the grantor
// must currently hold the permission being granted, must hold the
// permission-management capability, and needs the cross-tenant capability
// when the target role lives in a different tenant. Every call is audited
// with full context, success or failure.
func (v *Validator) ValidateGrant(ctx context.Context, grantorID, tenantID int64, perm store.Permission, targetRole *store.Role) (Verdict, error) {
	verdict, err := v.validate(ctx, grantorID, tenantID, perm, targetRole)
	v.auditVerdict(ctx, grantorID, tenantID, perm, targetRole, verdict, err)
	return verdict, err
}

func (v *Validator) validate(ctx context.Context, grantorID, tenantID int64, perm store.Permission, targetRole *store.Role) (Verdict, error) {
	holds, err := v.holds(ctx, grantorID, tenantID, perm.ResourceType, perm.Action, perm.ResourceID)
	if err != nil {
		return Verdict{}, err
	}
	if !holds {
		return Verdict{OK: false, Reason: ReasonMissingPermission}, nil
	}

	manages, err := v.holds(ctx, grantorID, tenantID, shared.CapManagePermissions.ResourceType, shared.CapManagePermissions.Action, "")
	if err != nil {
		return Verdict{}, err
	}
	if !manages {
		return Verdict{OK: false, Reason: ReasonCannotManagePermissions}, nil
	}

	if targetRole != nil && targetRole.TenantID != store.SystemTenantID && targetRole.TenantID != tenantID {
		crossTenant, err := v.holds(ctx, grantorID, tenantID, shared.CapCrossTenant.ResourceType, shared.CapCrossTenant.Action, "")
		if err != nil {
			return Verdict{}, err
		}
		if !crossTenant {
			return Verdict{OK: false, Reason: ReasonEntityBoundaryViolation}, nil
		}
	}

	return Verdict{OK: true}, nil
}

func (v *Validator) holds(ctx context.Context, userID, tenantID int64, resourceType, action, resourceID string) (bool, error) {
	dec, err := v.checker.Resolve(ctx, resolver.Request{
		UserID:       userID,
		TenantID:     tenantID,
		ResourceType: resourceType,
		Action:       action,
		ResourceID:   resourceID,
	})
	if err != nil {
		return false, fmt.Errorf("boundary: resolve grantor: %w", err)
	}
	return dec.Granted, nil
}

func (v *Validator) auditVerdict(ctx context.Context, grantorID, tenantID int64, perm store.Permission, targetRole *store.Role, verdict Verdict, err error) {
	if v.emitter == nil {
		return
	}
	event := audit.Event{
		Type:         audit.TypeAdmin,
		Subtype:      audit.SubtypeGrantValidated,
		Level:        audit.LevelInfo,
		UserID:       grantorID,
		TenantID:     tenantID,
		ResourceType: perm.ResourceType,
		ResourceID:   perm.ResourceID,
		Action:       perm.Action,
		Metadata:     map[string]any{},
	}
	if targetRole != nil {
		event.Metadata["target_role_id"] = targetRole.ID
		event.Metadata["target_role_tenant"] = targetRole.TenantID
	}
	switch {
	case err != nil:
		event.Level = audit.LevelError
		event.Outcome = audit.OutcomeError
		event.Metadata["error"] = err.Error()
	case verdict.OK:
		event.Outcome = audit.OutcomeSuccess
	default:
		event.Level = audit.LevelWarning
		event.Outcome = audit.OutcomeFailure
		event.Metadata["reason"] = verdict.Reason
	}
	v.emitter.Emit(ctx, event)
}
