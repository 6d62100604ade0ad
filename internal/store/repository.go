package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authcore-io/authcore/internal/platform/db"
)

// Sentinel errors for the permission store.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

// Repository defines persistence operations consumed by the resolver and
// the administrative service.
type Repository interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetTenant(ctx context.Context, id int64) (*Tenant, error)

	GetRole(ctx context.Context, id int64) (*Role, error)
	CreateRole(ctx context.Context, tenantID int64, name, description string) (*Role, error)

	ListRoleGrants(ctx context.Context, userID, tenantID int64) ([]RoleGrant, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	ListRoleAssignees(ctx context.Context, roleID int64) ([]Subject, error)

	EnsurePermission(ctx context.Context, resourceType, action, resourceID string) (*Permission, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermission(ctx context.Context, roleID, permissionID int64) error

	CreateAssignment(ctx context.Context, a Assignment) error
	DeleteAssignment(ctx context.Context, userID, roleID, tenantID int64) error

	CreateElevation(ctx context.Context, e Elevation) (*Elevation, error)
	ListActiveElevations(ctx context.Context, userID, tenantID int64, now time.Time) ([]Elevation, error)
	ExpireElevations(ctx context.Context, now time.Time) ([]Subject, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// GetUser fetches a user by id.
func (r *PGRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, email, password_hash, status, created_at, updated_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByEmail fetches a user by normalized email.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, email, password_hash, status, created_at, updated_at FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

// GetTenant fetches a tenant by id.
func (r *PGRepository) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	var t Tenant
	err := r.pool.QueryRow(ctx, `SELECT id, name, created_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	return &t, nil
}

// GetRole fetches a role by id.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (*Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, name, description, is_system, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get role: %w", err)
	}
	return &role, nil
}

// CreateRole inserts a tenant-scoped role.
func (r *PGRepository) CreateRole(ctx context.Context, tenantID int64, name, description string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("store: role name required")
	}
	var role Role
	err := r.pool.QueryRow(ctx,
		`INSERT INTO roles (tenant_id, name, description, is_system, created_at, updated_at)
		 VALUES ($1, $2, $3, false, NOW(), NOW())
		 RETURNING id, tenant_id, name, description, is_system, created_at, updated_at`,
		tenantID, name, strings.TrimSpace(description)).
		Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: create role: %w", err)
	}
	return &role, nil
}

// ListRoleGrants returns the user's role assignments scoped to the tenant,
// including platform-wide system role assignments.
func (r *PGRepository) ListRoleGrants(ctx context.Context, userID, tenantID int64) ([]RoleGrant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ur.user_id, ur.role_id, ur.tenant_id, ur.assigned_by, ur.assigned_at, ro.name, ro.is_system
		 FROM user_roles ur
		 JOIN roles ro ON ro.id = ur.role_id
		 WHERE ur.user_id = $1 AND ur.tenant_id IN ($2, $3)
		 ORDER BY ur.role_id`,
		userID, tenantID, SystemTenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list role grants: %w", err)
	}
	defer rows.Close()
	var grants []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.UserID, &g.RoleID, &g.TenantID, &g.AssignedBy, &g.AssignedAt, &g.RoleName, &g.IsSystem); err != nil {
			return nil, fmt.Errorf("store: scan role grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list role grants: %w", err)
	}
	return grants, nil
}

// ListRolePermissions returns the permissions attached to a role.
func (r *PGRepository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.resource_type, p.action, COALESCE(p.resource_id, ''), p.description
		 FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = $1
		 ORDER BY p.id`,
		roleID)
	if err != nil {
		return nil, fmt.Errorf("store: list role permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.ResourceType, &p.Action, &p.ResourceID, &p.Description); err != nil {
			return nil, fmt.Errorf("store: scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list role permissions: %w", err)
	}
	return perms, nil
}

// ListRoleAssignees returns every (user, tenant) pair currently holding the
// role. Used to invalidate cached decisions after a role-level mutation.
func (r *PGRepository) ListRoleAssignees(ctx context.Context, roleID int64) ([]Subject, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, tenant_id FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, fmt.Errorf("store: list role assignees: %w", err)
	}
	defer rows.Close()
	var subjects []Subject
	for rows.Next() {
		var s Subject
		if err := rows.Scan(&s.UserID, &s.TenantID); err != nil {
			return nil, fmt.Errorf("store: scan assignee: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list role assignees: %w", err)
	}
	return subjects, nil
}

// EnsurePermission upserts a permission identified by resource type, action
// and optional resource id.
func (r *PGRepository) EnsurePermission(ctx context.Context, resourceType, action, resourceID string) (*Permission, error) {
	resourceType = strings.TrimSpace(resourceType)
	action = strings.TrimSpace(action)
	if resourceType == "" || action == "" {
		return nil, errors.New("store: permission requires resource type and action")
	}
	var p Permission
	err := r.pool.QueryRow(ctx,
		`INSERT INTO permissions (resource_type, action, resource_id, description)
		 VALUES ($1, $2, NULLIF($3, ''), '')
		 ON CONFLICT (resource_type, action, COALESCE(resource_id, '')) DO UPDATE SET resource_type = EXCLUDED.resource_type
		 RETURNING id, resource_type, action, COALESCE(resource_id, ''), description`,
		resourceType, action, strings.TrimSpace(resourceID)).
		Scan(&p.ID, &p.ResourceType, &p.Action, &p.ResourceID, &p.Description)
	if err != nil {
		return nil, fmt.Errorf("store: ensure permission: %w", err)
	}
	return &p, nil
}

// AttachPermission links a permission to a role.
func (r *PGRepository) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, NOW())`,
		roleID, permissionID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: attach permission: %w", err)
	}
	return nil
}

// DetachPermission removes a permission from a role. Returns ErrNotFound
// when no association existed.
func (r *PGRepository) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID)
	if err != nil {
		return fmt.Errorf("store: detach permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateAssignment links a user to a role within a tenant.
func (r *PGRepository) CreateAssignment(ctx context.Context, a Assignment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, tenant_id, assigned_by, assigned_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		a.UserID, a.RoleID, a.TenantID, a.AssignedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: create assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes a role from a user within a tenant.
func (r *PGRepository) DeleteAssignment(ctx context.Context, userID, roleID, tenantID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3`,
		userID, roleID, tenantID)
	if err != nil {
		return fmt.Errorf("store: delete assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateElevation persists a time-boxed permission grant.
func (r *PGRepository) CreateElevation(ctx context.Context, e Elevation) (*Elevation, error) {
	if strings.TrimSpace(e.Reason) == "" {
		return nil, errors.New("store: elevation reason required")
	}
	var out Elevation
	err := r.pool.QueryRow(ctx,
		`INSERT INTO permission_elevations (user_id, tenant_id, resource_type, action, resource_id, reason, granted_by, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NOW())
		 RETURNING id, user_id, tenant_id, resource_type, action, COALESCE(resource_id, ''), reason, granted_by, expires_at, created_at`,
		e.UserID, e.TenantID, e.ResourceType, e.Action, e.ResourceID, e.Reason, e.GrantedBy, e.ExpiresAt).
		Scan(&out.ID, &out.UserID, &out.TenantID, &out.ResourceType, &out.Action, &out.ResourceID, &out.Reason, &out.GrantedBy, &out.ExpiresAt, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create elevation: %w", err)
	}
	return &out, nil
}

// ListActiveElevations returns non-expired elevations for a user scoped to
// the tenant.
func (r *PGRepository) ListActiveElevations(ctx context.Context, userID, tenantID int64, now time.Time) ([]Elevation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, tenant_id, resource_type, action, COALESCE(resource_id, ''), reason, granted_by, expires_at, created_at
		 FROM permission_elevations
		 WHERE user_id = $1 AND tenant_id = $2 AND expires_at > $3
		 ORDER BY id`,
		userID, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("store: list elevations: %w", err)
	}
	defer rows.Close()
	var elevations []Elevation
	for rows.Next() {
		var e Elevation
		if err := rows.Scan(&e.ID, &e.UserID, &e.TenantID, &e.ResourceType, &e.Action, &e.ResourceID, &e.Reason, &e.GrantedBy, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan elevation: %w", err)
		}
		elevations = append(elevations, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list elevations: %w", err)
	}
	return elevations, nil
}

// ExpireElevations deletes elevations past their expiry and reports the
// subjects whose cached decisions may still reflect them. Runs inside a
// transaction so the sweep sees a consistent snapshot.
func (r *PGRepository) ExpireElevations(ctx context.Context, now time.Time) ([]Subject, error) {
	var subjects []Subject
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`DELETE FROM permission_elevations WHERE expires_at <= $1 RETURNING user_id, tenant_id`, now)
		if err != nil {
			return fmt.Errorf("store: expire elevations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var s Subject
			if err := rows.Scan(&s.UserID, &s.TenantID); err != nil {
				return fmt.Errorf("store: scan expired elevation: %w", err)
			}
			subjects = append(subjects, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return subjects, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
