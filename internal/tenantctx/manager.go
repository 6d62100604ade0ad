// Package tenantctx binds a session to a single tenant scope and swaps
// that binding atomically on tenant switch, so concurrent requests observe
// either the old or the new tenant, never a mix.
package tenantctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authcore-io/authcore/internal/store"
)

// Sentinel errors.
var (
	ErrUnknownTenant = errors.New("tenantctx: unknown tenant")
	ErrNotMember     = errors.New("tenantctx: user has no role in tenant")
)

// Store is the subset of the permission store the manager reads.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*store.Tenant, error)
	ListRoleGrants(ctx context.Context, userID, tenantID int64) ([]store.RoleGrant, error)
}

// binding is the immutable state a Context points at. A tenant switch
// installs a fresh binding with an empty local decision memo; nothing from
// the previous tenant survives.
type binding struct {
	tenantID int64
	boundAt  time.Time
	local    *decisionMemo
}

// Context is the per-session tenant scope handle. Requests capture the
// binding once and use it for their whole lifetime.
type Context struct {
	handle atomic.Pointer[binding]
}

// Current returns the bound tenant id, or ok=false while unbound.
func (c *Context) Current() (int64, bool) {
	b := c.handle.Load()
	if b == nil {
		return 0, false
	}
	return b.tenantID, true
}

// Snapshot returns a stable view of the binding for a single logical
// request. The snapshot keeps serving the tenant it was taken under even
// if a switch happens mid-request.
func (c *Context) Snapshot() (Snapshot, bool) {
	b := c.handle.Load()
	if b == nil {
		return Snapshot{}, false
	}
	return Snapshot{b: b}, true
}

// Snapshot is a request-scoped view of a tenant binding.
type Snapshot struct {
	b *binding
}

// TenantID returns the tenant this snapshot is scoped to.
func (s Snapshot) TenantID() int64 {
	return s.b.tenantID
}

// CachedDecision returns a decision memoized under this binding. Entries
// computed under an older generation are treated as misses, so a
// permission mutation that bumps the counter invalidates the memo the
// same way it invalidates the shared cache.
func (s Snapshot) CachedDecision(key string, gen int64) (bool, bool) {
	return s.b.local.get(key, gen)
}

// MemoizeDecision stores a decision under this binding, tagged with the
// generation it was computed under. The whole memo is discarded on the
// next tenant switch.
func (s Snapshot) MemoizeDecision(key string, gen int64, granted bool) {
	s.b.local.set(key, gen, granted)
}

// decisionMemo is the client-local decision store tied to one binding.
type decisionMemo struct {
	mu      sync.RWMutex
	entries map[string]memoEntry
}

type memoEntry struct {
	gen     int64
	granted bool
}

func newDecisionMemo() *decisionMemo {
	return &decisionMemo{entries: make(map[string]memoEntry)}
}

func (m *decisionMemo) get(key string, gen int64) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.gen != gen {
		return false, false
	}
	return e.granted, true
}

func (m *decisionMemo) set(key string, gen int64, granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoEntry{gen: gen, granted: granted}
}

// Manager tracks tenant contexts per session.
type Manager struct {
	store Store

	mu       sync.Mutex
	contexts map[string]*Context
}

// NewManager constructs a Manager.
func NewManager(s Store) *Manager {
	return &Manager{store: s, contexts: make(map[string]*Context)}
}

// Bind scopes the session to the tenant after verifying the tenant exists
// and the user holds at least one role in it. Rebinding to a different
// tenant swaps the handle atomically and discards all decisions memoized
// under the previous tenant.
func (m *Manager) Bind(ctx context.Context, sessionID string, userID, tenantID int64) (*Context, error) {
	if _, err := m.store.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownTenant
		}
		return nil, fmt.Errorf("tenantctx: get tenant: %w", err)
	}
	grants, err := m.store.ListRoleGrants(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenantctx: list grants: %w", err)
	}
	if len(grants) == 0 {
		return nil, ErrNotMember
	}

	tc := m.contextFor(sessionID)
	tc.handle.Store(&binding{
		tenantID: tenantID,
		boundAt:  time.Now(),
		local:    newDecisionMemo(),
	})
	return tc, nil
}

// Lookup returns the context for a session, if one exists.
func (m *Manager) Lookup(sessionID string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.contexts[sessionID]
	return tc, ok
}

// Release drops the context for a session, typically on logout.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, sessionID)
}

func (m *Manager) contextFor(sessionID string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.contexts[sessionID]
	if !ok {
		tc = &Context{}
		m.contexts[sessionID] = tc
	}
	return tc
}
