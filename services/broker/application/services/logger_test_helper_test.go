package services

import (
	"github.com/nodebus/core/pkg/config"
	"github.com/nodebus/core/pkg/logger"
)

// noopLogger returns a Logger quiet enough for tests (error level only).
func noopLogger() logger.Logger {
	return logger.New(&config.Config{LogLevel: "error"})
}
