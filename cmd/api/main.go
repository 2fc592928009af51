// Package main provides the API server entry point.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lllypuk/evstore/internal/bootstrap"
	"github.com/lllypuk/evstore/internal/config"
	"github.com/lllypuk/evstore/internal/infrastructure/httpserver"
)

const version = "0.1.0"

// gracefulShutdownSleep lets background loops observe cancellation before resources close.
const gracefulShutdownSleep = 100 * time.Millisecond

// shutdownDone is closed when gracefulShutdown released every resource.
var shutdownDone = make(chan struct{})

func main() {
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(cfg)

	logger.Info("starting evstore API server",
		slog.String("version", version),
		slog.String("environment", bootstrap.Environment(cfg)),
		slog.String("storage", cfg.Storage.Backend),
	)

	container, err := NewContainer(cfg, WithLogger(logger))
	if err != nil {
		logger.Error("failed to build container", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httpserver.NewServer(serverConfig(cfg), logger)
	SetupRoutes(server.Echo(), container)

	container.StartForwarder(ctx)

	go gracefulShutdown(ctx, cancel, server, container, logger)

	if serveErr := server.Start(); serveErr != nil {
		logger.Error("server error", slog.String("error", serveErr.Error()))
		cancel()
		_ = container.Close()
		os.Exit(1) //nolint:gocritic // Intentional exit after cleanup
	}

	// Start returns once Shutdown closed the listener; wait for cleanup to finish.
	<-shutdownDone
}

func serverConfig(cfg *config.Config) httpserver.ServerConfig {
	return httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		BodyLimit:       cfg.Server.BodyLimit,
	}
}

// gracefulShutdown handles graceful shutdown on OS signals.
func gracefulShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	server *httpserver.Server,
	container *Container,
	logger *slog.Logger,
) {
	defer close(shutdownDone)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	shutdownLogCtx := context.Background()

	select {
	case sig := <-quit:
		logger.InfoContext(shutdownLogCtx, "received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.InfoContext(shutdownLogCtx, "context cancelled, initiating shutdown")
	}

	// 1. Stop accepting new requests and drain in-flight appends
	if err := server.Shutdown(shutdownLogCtx); err != nil {
		logger.ErrorContext(shutdownLogCtx, "server shutdown error", slog.String("error", err.Error()))
	}

	// 2. Stop the forwarder
	cancel()
	time.Sleep(gracefulShutdownSleep)

	// 3. Close connections
	if err := container.Close(); err != nil {
		logger.ErrorContext(shutdownLogCtx, "container close error", slog.String("error", err.Error()))
	}

	logger.InfoContext(shutdownLogCtx, "server shutdown complete")
}
