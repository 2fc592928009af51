package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/evstore/internal/application/streams"
	"github.com/lllypuk/evstore/internal/bootstrap"
	"github.com/lllypuk/evstore/internal/config"
	httphandler "github.com/lllypuk/evstore/internal/handler/http"
	"github.com/lllypuk/evstore/internal/infrastructure/healthcheck"
	"github.com/lllypuk/evstore/internal/infrastructure/httpserver"
	"github.com/lllypuk/evstore/internal/infrastructure/metrics"
	"github.com/lllypuk/evstore/internal/middleware"
	"github.com/lllypuk/evstore/internal/worker"
)

// Container initialization timeouts.
const (
	containerInitTimeout = 30 * time.Second
	pingCheckTimeout     = 2 * time.Second
)

// Container holds all application dependencies and manages their lifecycle.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	Storage   *bootstrap.Storage
	Registry  *prometheus.Registry
	Metrics   *metrics.StoreMetrics
	Health    *httpserver.CheckerSet
	Publisher *bootstrap.Publisher

	// Application
	Service   *streams.Service
	Forwarder *worker.Forwarder

	// HTTP
	StreamHandler  *httphandler.StreamHandler
	TokenValidator middleware.TokenValidator
	RateLimitStore middleware.RateLimitStore

	jwks      *middleware.JWKSTokenValidator
	rateRedis *redis.Client
}

// ContainerOption configures the Container.
type ContainerOption func(*Container)

// WithLogger sets a custom logger for the container.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		c.Logger = logger
	}
}

// NewContainer connects the configured backends and builds the HTTP components.
func NewContainer(cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerInitTimeout)
	defer cancel()

	if err := c.setupInfrastructure(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup infrastructure: %w", err)
	}

	if err := c.setupAuth(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup auth: %w", err)
	}

	if err := c.setupRateLimit(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup rate limit: %w", err)
	}

	c.setupService()
	c.setupHealth()

	if err := c.validateWiring(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("wiring validation failed: %w", err)
	}

	return c, nil
}

// setupInfrastructure opens the store, the metrics registry and, for the
// memory backend, the in-process forwarder.
func (c *Container) setupInfrastructure(ctx context.Context) error {
	storage, err := bootstrap.OpenStorage(ctx, c.Config, c.Logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	c.Storage = storage

	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.Metrics = metrics.NewStoreMetrics(c.Registry)

	// Events in a memory store are only visible to this process, so the
	// forwarder has to live here instead of in the worker.
	if storage.Backend == config.BackendMemory && c.Config.Forwarder.Enabled {
		if err = c.setupInProcessForwarder(ctx); err != nil {
			return fmt.Errorf("forwarder: %w", err)
		}
	}

	return nil
}

func (c *Container) setupInProcessForwarder(ctx context.Context) error {
	pub, err := bootstrap.OpenPublisher(ctx, c.Config, c.Logger)
	if err != nil {
		return err
	}
	c.Publisher = pub

	fc := c.Config.Forwarder
	c.Forwarder = worker.NewForwarder(
		c.Storage.Store,
		c.Storage.Checkpoints,
		pub,
		c.Logger,
		worker.ForwarderConfig{
			Name:           fc.Name,
			PollInterval:   fc.PollInterval,
			BatchSize:      fc.BatchSize,
			InitialBackoff: fc.InitialBackoff,
			MaxBackoff:     fc.MaxBackoff,
			BackoffFactor:  fc.BackoffFactor,
			Enabled:        fc.Enabled,
		},
		metrics.NewForwarderMetrics(c.Registry),
	)

	c.Logger.InfoContext(ctx, "forwarder runs in-process", slog.String("eventbus", pub.Type))
	return nil
}

// setupAuth builds the token validator for the configured mode.
func (c *Container) setupAuth() error {
	auth := c.Config.Auth
	if !auth.Enabled {
		c.Logger.Warn("authentication disabled, every route is open")
		return nil
	}

	switch auth.Mode {
	case config.AuthModeJWKS:
		v, err := middleware.NewJWKSTokenValidator(middleware.JWKSConfig{
			URL:             auth.JWKSURL,
			Issuer:          auth.Issuer,
			Audience:        auth.Audience,
			RefreshInterval: auth.JWKSRefreshInterval,
			Logger:          c.Logger,
		})
		if err != nil {
			return err
		}
		c.jwks = v
		c.TokenValidator = v
	default:
		if c.Config.UsesDevSecret() {
			c.Logger.Warn("HMAC auth uses the development secret, set AUTH_JWT_SECRET")
		}
		c.TokenValidator = middleware.NewHMACTokenValidator(auth.JWTSecret, auth.Issuer)
	}

	c.Logger.Debug("token validator initialized", slog.String("mode", auth.Mode))
	return nil
}

// setupRateLimit picks the counter store for write rate limiting.
func (c *Container) setupRateLimit(ctx context.Context) error {
	rl := c.Config.RateLimit
	if !rl.Enabled {
		return nil
	}

	if rl.Store == "redis" {
		client, err := bootstrap.ConnectRedis(ctx, c.Config.Redis, c.Logger)
		if err != nil {
			return err
		}
		c.rateRedis = client
		c.RateLimitStore = middleware.NewRedisRateLimitStore(client, "")
		return nil
	}

	c.RateLimitStore = middleware.NewMemoryRateLimitStore()
	return nil
}

func (c *Container) setupService() {
	c.Service = streams.NewService(c.Storage.Store,
		streams.Config{
			DefaultPageSize: c.Config.Reads.DefaultPageSize,
			MaxPageSize:     c.Config.Reads.MaxPageSize,
			MaxBatchSize:    c.Config.Reads.MaxBatchSize,
			SnapshotEvery:   c.Config.Snapshots.Every,
		},
		streams.WithLogger(c.Logger),
		streams.WithMetrics(c.Metrics),
	)
	c.StreamHandler = httphandler.NewStreamHandler(c.Service)
}

// setupHealth registers the store as critical and everything else as optional.
func (c *Container) setupHealth() {
	c.Health = httpserver.NewCheckerSet().
		AddCritical(healthcheck.NewPingChecker("store_"+c.Storage.Backend, c.Storage, pingCheckTimeout))

	if c.Config.Forwarder.Enabled {
		c.Health.AddOptional(healthcheck.NewForwarderLagChecker(
			c.Storage.Store, c.Storage.Checkpoints, c.Config.Forwarder.Name,
		))
	}
	if c.Publisher != nil {
		c.Health.AddOptional(healthcheck.NewPingChecker("eventbus_"+c.Publisher.Type, c.Publisher, pingCheckTimeout))
	}
	if c.rateRedis != nil {
		c.Health.AddOptional(healthcheck.NewPingChecker("ratelimit_redis", redisPinger{c.rateRedis}, pingCheckTimeout))
	}
}

// validateWiring ensures all required dependencies are initialized.
func (c *Container) validateWiring() error {
	var errs []error

	if c.Storage == nil {
		errs = append(errs, errors.New("storage not initialized"))
	}
	if c.Service == nil || c.StreamHandler == nil {
		errs = append(errs, errors.New("stream service not initialized"))
	}
	if c.Config.Auth.Enabled && c.TokenValidator == nil {
		errs = append(errs, errors.New("token validator not initialized"))
	}
	if c.Config.RateLimit.Enabled && c.RateLimitStore == nil {
		errs = append(errs, errors.New("rate limit store not initialized"))
	}

	return errors.Join(errs...)
}

// StartForwarder runs the in-process forwarder until ctx is cancelled. No-op without one.
func (c *Container) StartForwarder(ctx context.Context) {
	if c.Forwarder == nil {
		return
	}
	go func() {
		if err := c.Forwarder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.Logger.Error("forwarder stopped", slog.String("error", err.Error()))
		}
	}()
}

// Close releases every resource the container opened.
func (c *Container) Close() error {
	c.Logger.Info("closing container resources...")

	var errs []error

	if c.jwks != nil {
		if err := c.jwks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("jwks validator close: %w", err))
		}
	}

	if c.rateRedis != nil {
		if err := c.rateRedis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rate limit redis close: %w", err))
		}
	}

	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}

	if c.Storage != nil {
		if err := c.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.Logger.Info("all container resources closed")
	return nil
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
