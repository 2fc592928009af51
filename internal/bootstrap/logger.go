// Package bootstrap builds the long-lived dependencies shared by the binaries:
// the logger, the storage backend and the outbound publisher.
package bootstrap

import (
	"io"
	"log/slog"
	"os"

	"github.com/lllypuk/evstore/internal/config"
)

// NewLogger creates the structured logger described by cfg and installs it as default.
func NewLogger(cfg *config.Config) *slog.Logger {
	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	return logger
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLogLevel(cfg.Log.Level),
		AddSource: cfg.IsDevelopment(),
	}

	var handler slog.Handler
	switch cfg.Log.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("app", cfg.App.Name))
}

// ParseLogLevel converts a string log level to slog.Level. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Environment names the deployment flavour for the startup log line.
func Environment(cfg *config.Config) string {
	if cfg.IsDevelopment() {
		return "development"
	}
	if cfg.UsesDevSecret() {
		return "insecure"
	}
	return "production"
}
