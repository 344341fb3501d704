// Command devworker is a minimal demonstration worker process: it registers
// one node, subscribes it to a sample event type, emits a handful of events
// through the facade, and logs what its own handler received. It exists to
// exercise facade.Connect/RegisterNode/Node.Emit/OnEvent/Start/Stop end to
// end against a real Postgres+pgmq+pg_cron instance; it is not a production
// worker template.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodebus/core/pkg/app"
	"github.com/nodebus/core/pkg/cache"
	"github.com/nodebus/core/pkg/config"
	"github.com/nodebus/core/pkg/database"
	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/services/broker/application/facade"
	"github.com/nodebus/core/services/broker/domain/models"
	"github.com/nodebus/core/services/broker/infrastructure/persistence/postgres"
	"github.com/nodebus/core/services/broker/infrastructure/queue/pgmq"
)

const sampleEventType = models.EventType("devworker.ping")

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedisClient(cfg)
	if err != nil {
		log.Warn("redis unavailable, subscription cache invalidation disabled", "error", err)
	} else {
		defer redisClient.Close() //nolint:errcheck
	}

	namespace, err := models.NewNamespace(cfg.Namespace)
	if err != nil {
		log.Error("invalid namespace", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	deps := facade.Dependencies{
		Queue:         pgmq.NewAdapter(db),
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
		WorkerID:                 "devworker",
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
		RunRouter:                false,
		RunReaper:                false,
	}

	sys, err := facade.Connect(ctx, deps, opts, log)
	if err != nil {
		log.Error("failed to connect broker system", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	application := &app.Application{Db: db, Logger: log, Redis: redisClient, System: sys}

	node, err := application.System.RegisterNode(ctx, models.NodeConfig{
		DisplayName: "devworker sample node",
	})
	if err != nil {
		log.Error("failed to register node", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	if err := node.OnEvent(ctx, sampleEventType, func(_ context.Context, ec models.EventContext, payload json.RawMessage) error {
		log.Info("devworker received event", "message_id", ec.MessageID, "payload", string(payload))
		return nil
	}); err != nil {
		log.Error("failed to subscribe", "error", err)
		os.Exit(1) //nolint:gocritic
	}

	if err := node.Start(ctx); err != nil {
		log.Error("failed to start node", "error", err)
		os.Exit(1) //nolint:gocritic
	}
	log.Info("devworker node started", "node_id", node.ID())

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var tick int
	for {
		select {
		case <-quit:
			log.Info("shutting down devworker...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = node.Stop(shutdownCtx)
			_ = sys.Close(shutdownCtx)
			cancel()
			log.Info("devworker stopped")
			return
		case <-ticker.C:
			tick++
			payload, _ := json.Marshal(map[string]any{"tick": tick})
			if _, err := node.Emit(ctx, sampleEventType, payload, false); err != nil {
				log.WarnContext(ctx, "emit failed", "error", err)
			}
		}
	}
}
