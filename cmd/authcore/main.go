package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/authcore-io/authcore/internal/admin"
	"github.com/authcore-io/authcore/internal/app"
	"github.com/authcore-io/authcore/internal/audit"
	"github.com/authcore-io/authcore/internal/authn"
	"github.com/authcore-io/authcore/internal/boundary"
	"github.com/authcore-io/authcore/internal/observability"
	"github.com/authcore-io/authcore/internal/platform/cache"
	"github.com/authcore-io/authcore/internal/platform/db"
	"github.com/authcore-io/authcore/internal/ratelimit"
	"github.com/authcore-io/authcore/internal/resolver"
	"github.com/authcore-io/authcore/internal/shared"
	"github.com/authcore-io/authcore/internal/store"
	"github.com/authcore-io/authcore/internal/tenantctx"
	"github.com/authcore-io/authcore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "authcore_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	repo := store.NewRepository(pool)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	enqueuer := jobs.NewAuditEnqueuer(asynqClient)
	defer func() {
		if err := enqueuer.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	emitter := audit.NewEmitter(audit.NewPGSink(pool), enqueuer, logger)

	limiter := ratelimit.NewLimiter(redisClient)
	lockout := ratelimit.NewLockoutTracker(limiter, cfg.LoginMaxFailures, cfg.LoginWindow)
	probes := ratelimit.NewProbeTracker(limiter, cfg.ProbeMaxDenials, cfg.ProbeWindow)

	metrics := observability.NewMetrics()

	gens := resolver.NewGenerations(redisClient)
	permResolver := resolver.New(resolver.Options{
		Store:        repo,
		Cache:        resolver.NewCache(redisClient, cfg.DecisionCacheTTL),
		Generations:  gens,
		Emitter:      emitter,
		Probes:       probes,
		Metrics:      metrics,
		Logger:       logger,
		StoreTimeout: cfg.StoreTimeout,
	})

	validator := boundary.NewValidator(permResolver, emitter)
	tenants := tenantctx.NewManager(repo)

	authService := authn.NewService(repo, lockout, emitter)
	authHandler := authn.NewHandler(logger, authService, sessionManager, tenants)
	authzHandler := resolver.NewHandler(logger, permResolver, tenants)
	adminService := admin.NewService(repo, permResolver, validator, gens, emitter, logger, cfg.ElevationMaxTTL)
	adminHandler := admin.NewHandler(logger, adminService)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		AuthHandler:    authHandler,
		AuthzHandler:   authzHandler,
		AdminHandler:   adminHandler,
		Pool:           pool,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
