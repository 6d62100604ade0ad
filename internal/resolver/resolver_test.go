package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/ratelimit"
	"github.com/authcore-io/authcore/internal/store"
	"github.com/authcore-io/authcore/internal/tenantctx"
	_ "github.com/authcore-io/authcore/testing"
)

type memStore struct {
	mu      sync.Mutex
	users   map[int64]*store.User
	tenants map[int64]*store.Tenant
	grants  map[string][]store.RoleGrant
	perms   map[int64][]store.Permission
	elevs   []store.Elevation
	// failN makes the next N store calls fail with a transient error.
	failN int
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[int64]*store.User),
		tenants: make(map[int64]*store.Tenant),
		grants:  make(map[string][]store.RoleGrant),
		perms:   make(map[int64][]store.Permission),
	}
}

func grantKey(userID, tenantID int64) string {
	return fmt.Sprintf("%d:%d", userID, tenantID)
}

func (m *memStore) failing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return true
	}
	return false
}

func (m *memStore) GetUser(ctx context.Context, id int64) (*store.User, error) {
	if m.failing() {
		return nil, errors.New("connection reset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetTenant(ctx context.Context, id int64) (*store.Tenant, error) {
	if m.failing() {
		return nil, errors.New("connection reset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) ListRoleGrants(ctx context.Context, userID, tenantID int64) ([]store.RoleGrant, error) {
	if m.failing() {
		return nil, errors.New("connection reset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]store.RoleGrant(nil), m.grants[grantKey(userID, tenantID)]...)
	// Platform-wide assignments are visible in every tenant scope.
	if tenantID != store.SystemTenantID {
		out = append(out, m.grants[grantKey(userID, store.SystemTenantID)]...)
	}
	return out, nil
}

func (m *memStore) ListRolePermissions(ctx context.Context, roleID int64) ([]store.Permission, error) {
	if m.failing() {
		return nil, errors.New("connection reset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Permission(nil), m.perms[roleID]...), nil
}

func (m *memStore) ListActiveElevations(ctx context.Context, userID, tenantID int64, now time.Time) ([]store.Elevation, error) {
	if m.failing() {
		return nil, errors.New("connection reset")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Elevation
	for _, e := range m.elevs {
		if e.UserID == userID && e.TenantID == tenantID && e.Active(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) addUser(id int64, status store.UserStatus) {
	m.users[id] = &store.User{ID: id, Email: fmt.Sprintf("u%d@test.local", id), Status: status}
}

func (m *memStore) addGrant(userID, tenantID, roleID int64, roleName string, isSystem bool) {
	key := grantKey(userID, tenantID)
	m.grants[key] = append(m.grants[key], store.RoleGrant{
		Assignment: store.Assignment{UserID: userID, RoleID: roleID, TenantID: tenantID},
		RoleName:   roleName,
		IsSystem:   isSystem,
	})
}

type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memSink) Write(ctx context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *memSink) byType(typ, subtype string) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Type == typ && e.Subtype == subtype {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	resolver *Resolver
	store    *memStore
	sink     *memSink
	gens     *Generations
	redis    *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ms := newMemStore()
	ms.tenants[1] = &store.Tenant{ID: 1, Name: "acme"}
	ms.tenants[2] = &store.Tenant{ID: 2, Name: "globex"}

	sink := &memSink{}
	gens := NewGenerations(client)
	limiter := ratelimit.NewLimiter(client)

	r := New(Options{
		Store:       ms,
		Cache:       NewCache(client, time.Hour),
		Generations: gens,
		Emitter:     audit.NewEmitter(sink, nil, nil),
		Probes:      ratelimit.NewProbeTracker(limiter, 3, time.Minute),
	})
	return &testEnv{resolver: r, store: ms, sink: sink, gens: gens, redis: mr}
}

func TestResolveDeniesWithoutAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "delete",
	})
	require.NoError(t, err)
	require.False(t, dec.Granted)
	require.Equal(t, ReasonNoPermission, dec.Reason)
	require.False(t, dec.FromCache)

	events := env.sink.byType(audit.TypeAuthz, audit.SubtypeDecision)
	require.Len(t, events, 1)
	require.Equal(t, audit.OutcomeDenied, events[0].Outcome)
}

func TestResolveGrantsThroughRolePermission(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.addGrant(1, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "update"}}

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "update",
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.Equal(t, ReasonRolePermission, dec.Reason)
	require.False(t, dec.FromCache)

	// Same check again is served from the decision cache and still audited.
	dec, err = env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "update",
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.True(t, dec.FromCache)
	require.Len(t, env.sink.byType(audit.TypeAuthz, audit.SubtypeDecision), 2)
}

func TestResolveTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.addGrant(1, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "update"}}

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 2, ResourceType: "documents", Action: "update",
	})
	require.NoError(t, err)
	require.False(t, dec.Granted)
	require.Equal(t, ReasonNoPermission, dec.Reason)
}

func TestResolveResourceSpecificPermission(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.addGrant(1, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "delete", ResourceID: "doc-7"}}

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "delete", ResourceID: "doc-7",
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)

	dec, err = env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "delete", ResourceID: "doc-8",
	})
	require.NoError(t, err)
	require.False(t, dec.Granted)
}

func TestResolveGenerationBumpInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addUser(1, store.StatusActive)
	env.store.addGrant(1, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "update"}}

	req := Request{UserID: 1, TenantID: 1, ResourceType: "documents", Action: "update"}
	dec, err := env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.True(t, dec.Granted)

	// Revoke the permission behind the cache's back: the stale grant keeps
	// serving until the subject's generation is bumped.
	env.store.perms[10] = nil
	dec, err = env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.True(t, dec.FromCache)

	require.NoError(t, env.gens.Bump(ctx, 1, 1))
	dec, err = env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.False(t, dec.Granted)
	require.False(t, dec.FromCache)
}

func TestResolveLocalMemoFollowsGenerationBump(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addUser(7, store.StatusActive)
	env.store.addGrant(7, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "write"}}

	tc, err := tenantctx.NewManager(env.store).Bind(ctx, "sess-1", 7, 1)
	require.NoError(t, err)
	snap, ok := tc.Snapshot()
	require.True(t, ok)

	req := Request{UserID: 7, TenantID: 1, ResourceType: "documents", Action: "write", SessionID: "sess-1", Local: snap}
	dec, err := env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.False(t, dec.FromCache)

	// Drop the shared cache entry: the next hit can only come from the
	// binding's memo, and it is still audited.
	env.redis.Del(CacheKey(7, 1, "documents", "write", ""))
	dec, err = env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.True(t, dec.FromCache)
	require.Len(t, env.sink.byType(audit.TypeAuthz, audit.SubtypeDecision), 2)

	// Revoke the assignment and bump the generation, as the admin mutation
	// path does. The memo entry is stale now and must not keep serving the
	// grant for the binding's lifetime.
	delete(env.store.grants, grantKey(7, 1))
	require.NoError(t, env.gens.Bump(ctx, 7, 1))

	dec, err = env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.False(t, dec.Granted)
	require.False(t, dec.FromCache)
	require.Len(t, env.sink.byType(audit.TypeAuthz, audit.SubtypeDecision), 3)
}

func TestResolveUnknownSubject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := Request{UserID: 99, TenantID: 1, ResourceType: "documents", Action: "read"}
	dec, err := env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.False(t, dec.Granted)
	require.Equal(t, ReasonUnknownSubject, dec.Reason)

	// Unknown subjects are not cached: once the user exists the next
	// check reflects them immediately.
	env.store.addUser(99, store.StatusActive)
	env.store.addGrant(99, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "read"}}
	dec, err = env.resolver.Resolve(ctx, req)
	require.NoError(t, err)
	require.True(t, dec.Granted)
}

func TestResolveInactiveSubject(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusSuspended)
	env.store.addGrant(1, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "read"}}

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "read",
	})
	require.NoError(t, err)
	require.False(t, dec.Granted)
	require.Equal(t, ReasonSubjectInactive, dec.Reason)
}

func TestResolveSuperAdminShortCircuit(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.addGrant(1, 1, 5, store.RoleSuperAdmin, true)

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "anything", Action: "manage",
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.Equal(t, ReasonSuperAdmin, dec.Reason)
}

func TestResolvePlatformWideSuperAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	// Assigned in the system tenant, so the grant applies everywhere.
	env.store.addGrant(1, store.SystemTenantID, 5, store.RoleSuperAdmin, true)

	for _, tenantID := range []int64{1, 2} {
		dec, err := env.resolver.Resolve(context.Background(), Request{
			UserID: 1, TenantID: tenantID, ResourceType: "anything", Action: "manage",
		})
		require.NoError(t, err)
		require.True(t, dec.Granted)
		require.Equal(t, ReasonSuperAdmin, dec.Reason)
	}
}

func TestResolveBasicUserDefaultGrant(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.addGrant(1, 1, 6, store.RoleBasicUser, true)

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "profile", Action: "read",
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.Equal(t, ReasonDefaultGrant, dec.Reason)

	dec, err = env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "profile", Action: "delete",
	})
	require.NoError(t, err)
	require.False(t, dec.Granted)
}

func TestResolveElevation(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.elevs = []store.Elevation{
		{UserID: 1, TenantID: 1, ResourceType: "billing", Action: "export", ExpiresAt: time.Now().Add(time.Hour)},
		{UserID: 1, TenantID: 1, ResourceType: "billing", Action: "purge", ExpiresAt: time.Now().Add(-time.Minute)},
	}

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "billing", Action: "export",
	})
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.Equal(t, ReasonElevation, dec.Reason)

	dec, err = env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "billing", Action: "purge",
	})
	require.NoError(t, err)
	require.False(t, dec.Granted)
}

func TestResolveRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.failN = 1

	dec, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "read",
	})
	require.NoError(t, err)
	require.False(t, dec.Granted)
}

func TestResolveUnavailableAfterRetry(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	env.store.failN = 2

	_, err := env.resolver.Resolve(context.Background(), Request{
		UserID: 1, TenantID: 1, ResourceType: "documents", Action: "read",
	})
	require.ErrorIs(t, err, ErrUnavailable)

	events := env.sink.byType(audit.TypeAuthz, audit.SubtypeDecision)
	require.NotEmpty(t, events)
	require.Equal(t, audit.OutcomeError, events[len(events)-1].Outcome)
}

func TestResolveProbeAbuseEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.store.addUser(1, store.StatusActive)
	ctx := context.Background()

	// The tracker allows 3 denials per window; probing distinct resources
	// defeats the decision cache.
	for i := 0; i < 4; i++ {
		req := Request{UserID: 1, TenantID: 1, ResourceType: "documents", Action: fmt.Sprintf("probe%d", i)}
		dec, err := env.resolver.Resolve(ctx, req)
		require.NoError(t, err)
		require.False(t, dec.Granted)
	}

	alerts := env.sink.byType(audit.TypeSecurity, audit.SubtypeAlert)
	require.Len(t, alerts, 1)
	require.Equal(t, audit.LevelCritical, alerts[0].Level)
}

func TestCacheKeyFormat(t *testing.T) {
	require.Equal(t, "perm:7:3:documents:read", CacheKey(7, 3, "documents", "read", ""))
	require.Equal(t, "perm:7:3:documents:read:doc-1", CacheKey(7, 3, "documents", "read", "doc-1"))
}
