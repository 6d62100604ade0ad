package store

import "time"

// UserStatus describes the lifecycle state of a user account.
type UserStatus string

// Known user statuses. Any status other than active causes permission
// checks to auto-fail.
const (
	StatusActive              UserStatus = "active"
	StatusInactive            UserStatus = "inactive"
	StatusSuspended           UserStatus = "suspended"
	StatusPendingVerification UserStatus = "pending_verification"
)

// User represents an identity known to the platform.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tenant is the isolation boundary for all permission evaluation.
type Tenant struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// SystemTenantID marks roles that are platform-wide rather than scoped
// to a single tenant.
const SystemTenantID int64 = 0

// Role groups permissions. System roles (TenantID == SystemTenantID,
// IsSystem == true) are immutable except by a super admin.
type Role struct {
	ID          int64
	TenantID    int64
	Name        string
	Description string
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Built-in role names.
const (
	RoleSuperAdmin = "super-admin"
	RoleBasicUser  = "basic-user"
)

// Permission is an atomic capability identified by resource type and
// action, optionally narrowed to a single resource instance.
type Permission struct {
	ID           int64
	ResourceType string
	Action       string
	ResourceID   string
	Description  string
}

// Key returns the canonical resourceType:action[:resourceId] identifier.
func (p Permission) Key() string {
	key := p.ResourceType + ":" + p.Action
	if p.ResourceID != "" {
		key += ":" + p.ResourceID
	}
	return key
}

// Matches reports whether the permission covers a check for the given
// resource type, action and optional resource id. A permission without a
// resource id covers every instance of its resource type.
func (p Permission) Matches(resourceType, action, resourceID string) bool {
	if p.ResourceType != resourceType || p.Action != action {
		return false
	}
	if p.ResourceID == "" {
		return true
	}
	return p.ResourceID == resourceID
}

// RolePermission links a role to a permission. This association is the
// sole source of what a role can do; there are no role-to-role edges.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	CreatedAt    time.Time
}

// Assignment links a user to a role within a tenant. The union over all
// assigned roles' permissions is the user's effective permission set.
type Assignment struct {
	UserID     int64
	RoleID     int64
	TenantID   int64
	AssignedBy int64
	AssignedAt time.Time
}

// RoleGrant is an assignment joined with its role, as the resolver
// consumes it.
type RoleGrant struct {
	Assignment
	RoleName string
	IsSystem bool
}

// Elevation is a time-boxed temporary permission grant, distinct from
// permanent role-based grants.
type Elevation struct {
	ID           int64
	UserID       int64
	TenantID     int64
	ResourceType string
	Action       string
	ResourceID   string
	Reason       string
	GrantedBy    int64
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Active reports whether the elevation is still in effect at the given
// instant.
func (e Elevation) Active(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Subject identifies a (user, tenant) pair whose cached decisions must be
// invalidated after a mutation.
type Subject struct {
	UserID   int64
	TenantID int64
}
