package tenantctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authcore-io/authcore/internal/store"
	_ "github.com/authcore-io/authcore/testing"
)

type stubStore struct {
	tenants map[int64]*store.Tenant
	members map[int64][]int64
}

func (s *stubStore) GetTenant(ctx context.Context, id int64) (*store.Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (s *stubStore) ListRoleGrants(ctx context.Context, userID, tenantID int64) ([]store.RoleGrant, error) {
	for _, member := range s.members[tenantID] {
		if member == userID {
			return []store.RoleGrant{{RoleName: "member"}}, nil
		}
	}
	return nil, nil
}

func newStubStore() *stubStore {
	return &stubStore{
		tenants: map[int64]*store.Tenant{
			1: {ID: 1, Name: "acme"},
			2: {ID: 2, Name: "globex"},
		},
		members: map[int64][]int64{1: {7}, 2: {7}},
	}
}

func TestBindAndLookup(t *testing.T) {
	m := NewManager(newStubStore())
	ctx := context.Background()

	tc, err := m.Bind(ctx, "sess-1", 7, 1)
	require.NoError(t, err)

	tenantID, ok := tc.Current()
	require.True(t, ok)
	require.Equal(t, int64(1), tenantID)

	got, ok := m.Lookup("sess-1")
	require.True(t, ok)
	require.Same(t, tc, got)
}

func TestBindRejectsUnknownTenant(t *testing.T) {
	m := NewManager(newStubStore())

	_, err := m.Bind(context.Background(), "sess-1", 7, 99)
	require.ErrorIs(t, err, ErrUnknownTenant)
}

func TestBindRejectsNonMember(t *testing.T) {
	m := NewManager(newStubStore())

	_, err := m.Bind(context.Background(), "sess-1", 8, 1)
	require.ErrorIs(t, err, ErrNotMember)
}

func TestSwitchDiscardsMemoizedDecisions(t *testing.T) {
	m := NewManager(newStubStore())
	ctx := context.Background()

	tc, err := m.Bind(ctx, "sess-1", 7, 1)
	require.NoError(t, err)

	snap, ok := tc.Snapshot()
	require.True(t, ok)
	snap.MemoizeDecision("perm:7:1:documents:read", 1, true)

	granted, ok := snap.CachedDecision("perm:7:1:documents:read", 1)
	require.True(t, ok)
	require.True(t, granted)

	_, err = m.Bind(ctx, "sess-1", 7, 2)
	require.NoError(t, err)

	fresh, ok := tc.Snapshot()
	require.True(t, ok)
	require.Equal(t, int64(2), fresh.TenantID())
	_, ok = fresh.CachedDecision("perm:7:1:documents:read", 1)
	require.False(t, ok)
}

func TestStaleGenerationReadsAsMemoMiss(t *testing.T) {
	m := NewManager(newStubStore())
	ctx := context.Background()

	tc, err := m.Bind(ctx, "sess-1", 7, 1)
	require.NoError(t, err)
	snap, ok := tc.Snapshot()
	require.True(t, ok)

	snap.MemoizeDecision("perm:7:1:documents:read", 1, true)

	// A generation bump orphans the entry regardless of binding lifetime.
	_, ok = snap.CachedDecision("perm:7:1:documents:read", 2)
	require.False(t, ok)

	// Re-memoizing under the new generation replaces the stale entry.
	snap.MemoizeDecision("perm:7:1:documents:read", 2, false)
	granted, ok := snap.CachedDecision("perm:7:1:documents:read", 2)
	require.True(t, ok)
	require.False(t, granted)
}

func TestSnapshotStaysOnItsTenantAcrossSwitch(t *testing.T) {
	m := NewManager(newStubStore())
	ctx := context.Background()

	tc, err := m.Bind(ctx, "sess-1", 7, 1)
	require.NoError(t, err)
	snap, ok := tc.Snapshot()
	require.True(t, ok)

	_, err = m.Bind(ctx, "sess-1", 7, 2)
	require.NoError(t, err)

	// The pre-switch snapshot keeps serving tenant 1.
	require.Equal(t, int64(1), snap.TenantID())
	current, _ := tc.Current()
	require.Equal(t, int64(2), current)
}

func TestConcurrentSwitchesObserveWholeBindings(t *testing.T) {
	m := NewManager(newStubStore())
	ctx := context.Background()

	_, err := m.Bind(ctx, "sess-1", 7, 1)
	require.NoError(t, err)
	tc, _ := m.Lookup("sess-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		tenantID := int64(1 + i%2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Bind(ctx, "sess-1", 7, tenantID)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if snap, ok := tc.Snapshot(); ok {
				id := snap.TenantID()
				if id != 1 && id != 2 {
					t.Errorf("observed mixed binding: tenant %d", id)
				}
			}
		}()
	}
	wg.Wait()
}

func TestRelease(t *testing.T) {
	m := NewManager(newStubStore())

	_, err := m.Bind(context.Background(), "sess-1", 7, 1)
	require.NoError(t, err)

	m.Release("sess-1")
	_, ok := m.Lookup("sess-1")
	require.False(t, ok)
}
