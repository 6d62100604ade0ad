// Package resolver decides whether a user may perform an action on a
// resource within a tenant. Effective permissions are the union of the
// permissions carried by the user's explicitly assigned roles; there is no
// role hierarchy and no cross-tenant inheritance.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/observability"
	"github.com/authcore-io/authcore/internal/ratelimit"
	"github.com/authcore-io/authcore/internal/store"
)

// ErrUnavailable signals a store or infrastructure failure. Callers must
// treat it differently from a denial: it is not "false".
var ErrUnavailable = errors.New("resolver: unavailable")

// Decision reasons.
const (
	ReasonSuperAdmin      = "super_admin"
	ReasonRolePermission  = "role_permission"
	ReasonDefaultGrant    = "default_grant"
	ReasonElevation       = "elevation"
	ReasonNoPermission    = "no_permission"
	ReasonUnknownSubject  = "unknown_subject"
	ReasonSubjectInactive = "subject_inactive"
)

// Request carries the full tuple of a permission check.
type Request struct {
	UserID       int64
	TenantID     int64
	ResourceType string
	Action       string
	ResourceID   string
	SessionID    string

	// Local is an optional request-scoped decision memo, typically the
	// session's tenant binding. It is consulted before the shared cache
	// and follows the same generation discipline.
	Local LocalMemo
}

// LocalMemo is a caller-supplied decision store scoped narrower than the
// shared cache. Entries are tagged with the generation they were computed
// under; a stale generation must read as a miss.
type LocalMemo interface {
	CachedDecision(key string, gen int64) (bool, bool)
	MemoizeDecision(key string, gen int64, granted bool)
}

// Decision is the typed result of a permission check.
type Decision struct {
	Granted   bool
	Reason    string
	FromCache bool
}

// Store is the subset of the permission store the resolver reads.
type Store interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	GetTenant(ctx context.Context, id int64) (*store.Tenant, error)
	ListRoleGrants(ctx context.Context, userID, tenantID int64) ([]store.RoleGrant, error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]store.Permission, error)
	ListActiveElevations(ctx context.Context, userID, tenantID int64, now time.Time) ([]store.Elevation, error)
}

// Resolver orchestrates cache lookup, role enumeration, union-based
// permission matching and default-grant fallback.
type Resolver struct {
	store        Store
	cache        *Cache
	gens         *Generations
	emitter      *audit.Emitter
	probes       *ratelimit.ProbeTracker
	metrics      *observability.Metrics
	logger       *slog.Logger
	storeTimeout time.Duration
	group        singleflight.Group
	now          func() time.Time
}

// Options configures a Resolver.
type Options struct {
	Store        Store
	Cache        *Cache
	Generations  *Generations
	Emitter      *audit.Emitter
	Probes       *ratelimit.ProbeTracker
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	StoreTimeout time.Duration
}

// New constructs a Resolver.
func New(opts Options) *Resolver {
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:        opts.Store,
		cache:        opts.Cache,
		gens:         opts.Generations,
		emitter:      opts.Emitter,
		probes:       opts.Probes,
		metrics:      opts.Metrics,
		logger:       logger,
		storeTimeout: timeout,
		now:          time.Now,
	}
}

// Resolve answers a permission check. Unknown subjects resolve to a denial
// rather than an error; infrastructure failures surface as ErrUnavailable
// after one retry. Every decision, including cache hits, is audited.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	if req.ResourceType == "" || req.Action == "" {
		return Decision{Granted: false, Reason: ReasonNoPermission}, nil
	}
	start := r.now()
	key := CacheKey(req.UserID, req.TenantID, req.ResourceType, req.Action, req.ResourceID)

	gen, genKnown := r.currentGeneration(ctx, req)

	if genKnown && req.Local != nil {
		if granted, ok := req.Local.CachedDecision(key, gen); ok {
			r.metrics.ObserveCacheHit()
			dec := Decision{Granted: granted, Reason: cachedReason(granted), FromCache: true}
			r.finish(ctx, req, dec, start)
			return dec, nil
		}
	}

	if genKnown && r.cache != nil {
		granted, ok, err := r.cache.Get(ctx, key, gen)
		if err != nil {
			r.logger.Warn("decision cache read failed", slog.Any("error", err))
		} else if ok {
			r.metrics.ObserveCacheHit()
			if req.Local != nil {
				req.Local.MemoizeDecision(key, gen, granted)
			}
			dec := Decision{Granted: granted, Reason: cachedReason(granted), FromCache: true}
			r.finish(ctx, req, dec, start)
			return dec, nil
		}
	}
	r.metrics.ObserveCacheMiss()

	// Concurrent misses for the same key compute once.
	result, err, _ := r.group.Do(key, func() (any, error) {
		computeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()
		return r.compute(computeCtx, req)
	})
	if err != nil {
		r.auditError(ctx, req, err)
		return Decision{}, err
	}
	dec := result.(Decision)

	if genKnown && dec.Reason != ReasonUnknownSubject {
		if r.cache != nil {
			if err := r.cache.Set(ctx, key, gen, dec.Granted); err != nil {
				r.logger.Warn("decision cache write failed", slog.Any("error", err))
			}
		}
		if req.Local != nil {
			req.Local.MemoizeDecision(key, gen, dec.Granted)
		}
	}

	r.finish(ctx, req, dec, start)
	return dec, nil
}

// currentGeneration reads the invalidation counter. A cache-side failure
// degrades to uncached resolution instead of failing the check.
func (r *Resolver) currentGeneration(ctx context.Context, req Request) (int64, bool) {
	if r.gens == nil {
		return 0, false
	}
	gen, err := r.gens.Current(ctx, req.UserID, req.TenantID)
	if err != nil {
		r.logger.Warn("generation read failed", slog.Any("error", err))
		return 0, false
	}
	return gen, true
}

// compute evaluates the check against the store: super-admin short
// circuit, basic-user defaults, union match over assigned roles, then
// active elevations.
func (r *Resolver) compute(ctx context.Context, req Request) (Decision, error) {
	user, err := retryOnce(ctx, func(ctx context.Context) (*store.User, error) {
		return r.store.GetUser(ctx, req.UserID)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Granted: false, Reason: ReasonUnknownSubject}, nil
		}
		return Decision{}, fmt.Errorf("%w: get user: %v", ErrUnavailable, err)
	}
	if user.Status != store.StatusActive {
		return Decision{Granted: false, Reason: ReasonSubjectInactive}, nil
	}

	if _, err := retryOnce(ctx, func(ctx context.Context) (*store.Tenant, error) {
		return r.store.GetTenant(ctx, req.TenantID)
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Granted: false, Reason: ReasonUnknownSubject}, nil
		}
		return Decision{}, fmt.Errorf("%w: get tenant: %v", ErrUnavailable, err)
	}

	grants, err := retryOnce(ctx, func(ctx context.Context) ([]store.RoleGrant, error) {
		return r.store.ListRoleGrants(ctx, req.UserID, req.TenantID)
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: list role grants: %v", ErrUnavailable, err)
	}

	hasBasicUser := false
	for _, g := range grants {
		if g.IsSystem && g.RoleName == store.RoleSuperAdmin {
			return Decision{Granted: true, Reason: ReasonSuperAdmin}, nil
		}
		if g.RoleName == store.RoleBasicUser {
			hasBasicUser = true
		}
	}
	if hasBasicUser && defaultGranted(req.ResourceType, req.Action) {
		return Decision{Granted: true, Reason: ReasonDefaultGrant}, nil
	}

	// Union match over assigned roles. A resource-specific permission is
	// preferred when a resource id is supplied, but a type-general match
	// grants just the same.
	for _, g := range grants {
		perms, err := retryOnce(ctx, func(ctx context.Context) ([]store.Permission, error) {
			return r.store.ListRolePermissions(ctx, g.RoleID)
		})
		if err != nil {
			return Decision{}, fmt.Errorf("%w: list role permissions: %v", ErrUnavailable, err)
		}
		for _, p := range perms {
			if p.Matches(req.ResourceType, req.Action, req.ResourceID) {
				return Decision{Granted: true, Reason: ReasonRolePermission}, nil
			}
		}
	}

	elevations, err := retryOnce(ctx, func(ctx context.Context) ([]store.Elevation, error) {
		return r.store.ListActiveElevations(ctx, req.UserID, req.TenantID, r.now())
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: list elevations: %v", ErrUnavailable, err)
	}
	for _, e := range elevations {
		p := store.Permission{ResourceType: e.ResourceType, Action: e.Action, ResourceID: e.ResourceID}
		if p.Matches(req.ResourceType, req.Action, req.ResourceID) {
			return Decision{Granted: true, Reason: ReasonElevation}, nil
		}
	}

	return Decision{Granted: false, Reason: ReasonNoPermission}, nil
}

// finish emits the decision audit event, metrics and probe tracking.
func (r *Resolver) finish(ctx context.Context, req Request, dec Decision, start time.Time) {
	elapsed := r.now().Sub(start)
	outcome := audit.OutcomeDenied
	if dec.Granted {
		outcome = audit.OutcomeGranted
	}
	source := "store"
	if dec.FromCache {
		source = "cache"
	}
	r.metrics.ObserveDecision(outcome, source, elapsed)

	if r.emitter != nil {
		r.emitter.Emit(ctx, audit.Event{
			Type:         audit.TypeAuthz,
			Subtype:      audit.SubtypeDecision,
			Level:        audit.LevelInfo,
			UserID:       req.UserID,
			SessionID:    req.SessionID,
			TenantID:     req.TenantID,
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Action:       req.Action,
			Outcome:      outcome,
			Metadata: map[string]any{
				"reason":    dec.Reason,
				"fromCache": dec.FromCache,
			},
		})
	}

	if !dec.Granted && r.probes != nil {
		r.trackProbe(ctx, req)
	}
}

// trackProbe counts the denial and escalates probe abuse to a critical
// security alert.
func (r *Resolver) trackProbe(ctx context.Context, req Request) {
	escalate, err := r.probes.RecordDenial(ctx, strconv.FormatInt(req.UserID, 10))
	if err != nil {
		r.logger.Warn("probe tracking failed", slog.Any("error", err))
		return
	}
	if !escalate {
		return
	}
	if r.emitter != nil {
		r.emitter.Emit(ctx, audit.Event{
			Type:     audit.TypeSecurity,
			Subtype:  audit.SubtypeAlert,
			Level:    audit.LevelCritical,
			UserID:   req.UserID,
			TenantID: req.TenantID,
			Outcome:  audit.OutcomeDenied,
			Metadata: map[string]any{
				"reason":       "permission_probe_abuse",
				"resourceType": req.ResourceType,
				"action":       req.Action,
			},
		})
	}
	r.logger.Warn("permission probe abuse detected",
		slog.Int64("user_id", req.UserID),
		slog.Int64("tenant_id", req.TenantID))
}

// auditError records an unavailability error so the trail has no gaps on
// the failure path.
func (r *Resolver) auditError(ctx context.Context, req Request, err error) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(ctx, audit.Event{
		Type:         audit.TypeAuthz,
		Subtype:      audit.SubtypeDecision,
		Level:        audit.LevelError,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		TenantID:     req.TenantID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Outcome:      audit.OutcomeError,
		Metadata: map[string]any{
			"reason": "resolver_unavailable",
			"error":  err.Error(),
		},
	})
}

// cachedReason reconstructs a stable reason for cached entries, which do
// not retain the original grant source.
func cachedReason(granted bool) string {
	if granted {
		return ReasonRolePermission
	}
	return ReasonNoPermission
}

// retryOnce runs fn and retries a single time on infrastructure errors.
// Not-found results return immediately.
func retryOnce[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
		return out, err
	}
	return fn(ctx)
}
