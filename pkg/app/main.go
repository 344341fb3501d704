package app

import (
	"github.com/nodebus/core/pkg/cache"
	"github.com/nodebus/core/pkg/database"
	"github.com/nodebus/core/pkg/logger"
	"github.com/nodebus/core/services/broker/application/facade"
)

// Application holds shared infrastructure dependencies for a broker process.
//
// Logging: app.Logger is backed by a trace-aware handler — use slog's context methods
// and trace_id, span_id, namespace and worker_id are injected automatically:
//
//	app.Logger.InfoContext(ctx, "routing event", "event_type", et)
//	app.Logger.ErrorContext(ctx, "lease failed", "error", err)
//
// Use app.Logger.Info/Error (no context) only for startup and shutdown messages.
type Application struct {
	Db     *database.Database
	Logger logger.Logger
	Redis  *cache.RedisClient
	System *facade.System
}
