package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/shared"
	"github.com/authcore-io/authcore/internal/store"
	"github.com/authcore-io/authcore/internal/tenantctx"
)

type handlerEnv struct {
	*testEnv
	tenants *tenantctx.Manager
	router  chi.Router
	session *shared.Session
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	env := newTestEnv(t)
	tenants := tenantctx.NewManager(env.store)

	sess := &shared.Session{ID: "sess-1"}
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), env.resolver, tenants)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
		})
	})
	h.MountRoutes(r)

	return &handlerEnv{testEnv: env, tenants: tenants, router: r, session: sess}
}

func (e *handlerEnv) check(t *testing.T, body any) (*httptest.ResponseRecorder, checkResponse) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/check", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var resp checkResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestCheckRequiresAuthentication(t *testing.T) {
	env := newHandlerEnv(t)

	rec, _ := env.check(t, checkRequest{ResourceType: "documents", Action: "read"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckRequiresTenantScope(t *testing.T) {
	env := newHandlerEnv(t)
	env.session.SetUser(7)

	rec, _ := env.check(t, checkRequest{ResourceType: "documents", Action: "read"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCheckRevokeVisibleOnBoundSession(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()
	env.store.addUser(7, store.StatusActive)
	env.store.addGrant(7, 1, 10, "editor", false)
	env.store.perms[10] = []store.Permission{{ResourceType: "documents", Action: "write"}}

	env.session.SetUser(7)
	_, err := env.tenants.Bind(ctx, "sess-1", 7, 1)
	require.NoError(t, err)

	body := checkRequest{ResourceType: "documents", Action: "write"}

	rec, resp := env.check(t, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Granted)

	// Warm the session-local memo with a second check.
	rec, resp = env.check(t, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Granted)
	require.True(t, resp.FromCache)

	// Revoke the assignment and bump the generation, as RevokeRole does.
	// The same bound session must see the denial on its next check, and
	// every check so far must have left an audit event.
	delete(env.store.grants, grantKey(7, 1))
	require.NoError(t, env.gens.Bump(ctx, 7, 1))

	rec, resp = env.check(t, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, resp.Granted)
	require.False(t, resp.FromCache)
	require.Len(t, env.sink.byType(audit.TypeAuthz, audit.SubtypeDecision), 3)
}
