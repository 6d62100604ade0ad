package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authcore-io/authcore/internal/admin"
	"github.com/authcore-io/authcore/internal/authn"
	"github.com/authcore-io/authcore/internal/observability"
	"github.com/authcore-io/authcore/internal/resolver"
	"github.com/authcore-io/authcore/internal/shared"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	AuthHandler    *authn.Handler
	AuthzHandler   *resolver.Handler
	AdminHandler   *admin.Handler
	Pool           *pgxpool.Pool
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with authcore defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := params.Pool.Ping(ctx); err != nil {
				params.Logger.Error("health check database ping failed", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(sub chi.Router) {
			params.AuthHandler.MountRoutes(sub)
		})
		v1.Route("/authz", func(sub chi.Router) {
			params.AuthzHandler.MountRoutes(sub)
		})
		v1.Route("/admin", func(sub chi.Router) {
			params.AdminHandler.MountRoutes(sub)
		})
	})

	return r
}
