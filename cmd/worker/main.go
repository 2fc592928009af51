// Package main provides the forwarder worker entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lllypuk/evstore/internal/bootstrap"
	"github.com/lllypuk/evstore/internal/config"
	"github.com/lllypuk/evstore/internal/infrastructure/healthcheck"
	"github.com/lllypuk/evstore/internal/infrastructure/httpserver"
	"github.com/lllypuk/evstore/internal/infrastructure/metrics"
	"github.com/lllypuk/evstore/internal/middleware"
	"github.com/lllypuk/evstore/internal/worker"
)

const version = "0.1.0"

var errMemoryBackend = errors.New("the memory backend is only visible to the API process, run the forwarder there")

func main() {
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := bootstrap.NewLogger(cfg)

	logger.Info("starting evstore forwarder",
		slog.String("version", version),
		slog.String("environment", bootstrap.Environment(cfg)),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("eventbus", cfg.EventBus.Type),
	)

	if !cfg.Forwarder.Enabled {
		logger.Warn("forwarder disabled by configuration, nothing to do")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleShutdown(cancel, logger)

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start forwarder", slog.String("error", err.Error()))
		cancel()
		os.Exit(1) //nolint:gocritic // cancel() called before exit
	}

	svc.run(ctx)

	if closeErr := svc.Close(); closeErr != nil {
		logger.Error("failed to close resources", slog.String("error", closeErr.Error()))
	}

	logger.Info("forwarder shutdown complete")
}

// service is the forwarder with the connections it owns.
type service struct {
	logger    *slog.Logger
	storage   *bootstrap.Storage
	publisher *bootstrap.Publisher
	forwarder *worker.Forwarder
	server    *httpserver.Server
}

func newService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		return nil, errMemoryBackend
	}

	storage, err := bootstrap.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	publisher, err := bootstrap.OpenPublisher(ctx, cfg, logger)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("eventbus: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fc := cfg.Forwarder
	svc := &service{
		logger:    logger,
		storage:   storage,
		publisher: publisher,
		forwarder: worker.NewForwarder(
			storage.Store,
			storage.Checkpoints,
			publisher,
			logger,
			worker.ForwarderConfig{
				Name:           fc.Name,
				PollInterval:   fc.PollInterval,
				BatchSize:      fc.BatchSize,
				InitialBackoff: fc.InitialBackoff,
				MaxBackoff:     fc.MaxBackoff,
				BackoffFactor:  fc.BackoffFactor,
				Enabled:        fc.Enabled,
			},
			metrics.NewForwarderMetrics(registry),
		),
	}

	if fc.MetricsPort > 0 {
		svc.server = newOpsServer(cfg, logger, registry, httpserver.NewCheckerSet().
			AddCritical(
				healthcheck.NewPingChecker("store_"+storage.Backend, storage, 0),
				healthcheck.NewPingChecker("eventbus_"+publisher.Type, publisher, 0),
			).
			AddOptional(healthcheck.NewForwarderLagChecker(storage.Store, storage.Checkpoints, fc.Name)),
		)
	}

	return svc, nil
}

// newOpsServer serves /metrics and the health endpoints on the forwarder metrics port.
func newOpsServer(
	cfg *config.Config,
	logger *slog.Logger,
	gatherer prometheus.Gatherer,
	checker httpserver.HealthChecker,
) *httpserver.Server {
	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Forwarder.MetricsPort,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	e := server.Echo()
	e.Use(middleware.Recovery(logger))
	httpserver.NewHealthEndpoints(checker).Register(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return server
}

// run blocks until ctx is cancelled and the forwarder and ops server stopped.
func (s *service) run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.forwarder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("forwarder error", slog.String("error", err.Error()))
		}
	}()

	if s.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.server.Start(); err != nil {
				s.logger.Error("ops server error", slog.String("error", err.Error()))
			}
		}()

		<-ctx.Done()
		if err := s.server.Shutdown(context.Background()); err != nil {
			s.logger.Error("ops server shutdown error", slog.String("error", err.Error()))
		}
	}

	wg.Wait()
}

// Echo exposes the ops router for tests. Nil when the metrics port is disabled.
func (s *service) Echo() *echo.Echo {
	if s.server == nil {
		return nil
	}
	return s.server.Echo()
}

// Close releases the bus and store connections.
func (s *service) Close() error {
	return errors.Join(s.publisher.Close(), s.storage.Close())
}

// handleShutdown listens for OS signals and cancels the context.
func handleShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	cancel()
}
