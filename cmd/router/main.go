// Command router runs the broker's Router and reaper loops plus a control
// plane HTTP server (health and metrics). It registers no nodes of its own —
// worker processes (see cmd/devworker) register nodes and host handlers.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nodebus/core/pkg/cache"
	"github.com/nodebus/core/pkg/config"
	"github.com/nodebus/core/pkg/database"
	"github.com/nodebus/core/pkg/httpx"
	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/pkg/telemetry"
	"github.com/nodebus/core/services/broker/application/facade"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/infrastructure/persistence/postgres"
	"github.com/nodebus/core/services/broker/infrastructure/queue/pgmq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := config.ValidateForProduction(cfg); err != nil {
		slog.Error("production config validation failed", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	ctx := context.Background()

	otelShutdown, metricsHandler, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		log.Error("failed to setup otel", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx) //nolint:errcheck

	if err := telemetry.SetupSentry(cfg); err != nil {
		log.Warn("failed to setup sentry, continuing without crash reporting", "error", err)
	}
	defer telemetry.SentryFlush()

	db, err := database.NewPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer db.Close() //nolint:errcheck
	log.Info("database pool connected")

	redisClient, err := cache.NewRedisClient(cfg)
	if err != nil {
		log.Warn("failed to connect to redis, subscription cache invalidation disabled", "error", err)
	} else {
		defer redisClient.Close() //nolint:errcheck
		log.Info("redis connected")
	}

	namespace, err := models.NewNamespace(cfg.Namespace)
	if err != nil {
		log.Error("invalid namespace", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	queue := pgmq.NewAdapter(db)
	deps := facade.Dependencies{
		Queue:         queue,
		Nodes:         postgres.NewNodeRepository(db),
		Subscriptions: postgres.NewSubscriptionRepository(db),
		Schedules:     postgres.NewScheduleRepository(db),
		Locker:        postgres.NewAdvisoryLock(db),
	}
	if redisClient != nil {
		deps.Redis = redisClient.Client()
	}

	opts := facade.Options{
		Namespace:                namespace,
		Application:              cfg.Application,
		WorkerID:                 "router",
		VisibilityTimeoutSec:     cfg.VisibilityTimeoutSeconds,
		BatchSize:                cfg.BatchSize,
		MaxAttempts:              cfg.MaxAttempts,
		HandlerConcurrency:       cfg.HandlerConcurrency,
		HandlerTimeoutSec:        cfg.HandlerTimeoutSeconds,
		LeaseTTLSeconds:          cfg.LeaseTTLSeconds,
		HeartbeatIntervalSeconds: cfg.HeartbeatIntervalSeconds,
		ReaperGraceSeconds:       cfg.ReaperGraceSeconds,
		IdleSleepMs:              cfg.IdleSleepMs,
		ErrorBackoffMs:           cfg.ErrorBackoffMs,
		RunRouter:                true,
		RunReaper:                true,
	}

	sys, err := facade.Connect(ctx, deps, opts, log)
	if err != nil {
		log.Error("failed to connect broker system", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	log.Info("broker router connected", "namespace", namespace.String())

	routerCfg := httpx.ServerConfig{
		ServiceName:        cfg.ServiceName,
		IsDevelopment:      cfg.Environment == config.EnvDevelopment,
		CORSAllowedOrigins: "*", // control plane has no browser-facing clients
	}
	otelMiddleware := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "router-control-plane")
	}
	mux := httpx.NewRouter(routerCfg, logger.Middleware(log), logger.Recovery(log), telemetry.SentryMiddleware(), otelMiddleware)
	mux.Handle("/health", httpx.HealthHandler(healthChecks(db, redisClient)))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	server := httpx.NewServer(":8080", mux)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control plane server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down router...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = sys.Close(shutdownCtx)
	log.Info("router stopped")
}

// queuePinger adapts the pgmq adapter's shared database connection to
// httpx.HealthChecker: the pgmq extension lives in the same Postgres
// instance as the node/subscription/schedule tables, so a DB ping already
// verifies queue reachability.
type queuePinger struct{ db *database.Database }

func (q queuePinger) Ping(ctx context.Context) error { return q.db.Ping(ctx) }

func healthChecks(db *database.Database, redisClient *cache.RedisClient) httpx.HealthChecks {
	checks := httpx.HealthChecks{
		Database: db,
		Queue:    queuePinger{db: db},
	}
	if redisClient != nil {
		checks.Redis = redisClient
	}
	return checks
}
