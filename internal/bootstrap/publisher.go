package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/evstore/internal/config"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/eventbus"
)

const redisPingTimeout = 5 * time.Second

// pingPublisher is what every bus adapter provides.
type pingPublisher interface {
	event.Publisher
	Ping(ctx context.Context) error
}

// Publisher is an opened event bus connection.
type Publisher struct {
	Type string
	pingPublisher

	redis *redis.Client
	nats  *natsgo.Conn
}

// ConnectRedis creates a Redis client from cfg and verifies it answers.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.InfoContext(ctx, "connected to Redis", slog.String("addr", cfg.Addr))
	return client, nil
}

// OpenPublisher connects the bus selected by cfg.EventBus.Type.
func OpenPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Publisher, error) {
	switch cfg.EventBus.Type {
	case config.EventBusRedis:
		client, err := ConnectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		pub := eventbus.NewRedisStreamPublisher(client,
			eventbus.WithLogger(logger),
			eventbus.WithChannelPrefix(cfg.EventBus.ChannelPrefix),
			eventbus.WithPartitions(cfg.EventBus.Partitions),
			eventbus.WithMaxLen(cfg.EventBus.MaxLen),
		)
		return &Publisher{Type: config.EventBusRedis, pingPublisher: pub, redis: client}, nil

	case config.EventBusNATS:
		nc, err := natsgo.Connect(cfg.NATS.URL, natsgo.Name(cfg.App.Name+"-forwarder"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		pub, err := eventbus.NewJetStreamPublisher(ctx, nc, eventbus.JetStreamConfig{
			StreamName:      cfg.NATS.StreamName,
			SubjectPrefix:   cfg.EventBus.SubjectPrefix,
			Partitions:      cfg.EventBus.Partitions,
			DuplicateWindow: cfg.NATS.DuplicateWindow,
			Logger:          logger,
		})
		if err != nil {
			nc.Close()
			return nil, err
		}
		logger.InfoContext(ctx, "connected to NATS", slog.String("url", cfg.NATS.URL))
		return &Publisher{Type: config.EventBusNATS, pingPublisher: pub, nats: nc}, nil

	case config.EventBusInMemory:
		logger.WarnContext(ctx, "using in-memory event bus, published events stay in process")
		return &Publisher{Type: config.EventBusInMemory, pingPublisher: eventbus.NewInMemoryPublisher()}, nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidEventBusType, cfg.EventBus.Type)
	}
}

// Close drains and closes the bus connection.
func (p *Publisher) Close() error {
	var errs []error
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if p.nats != nil {
		if err := p.nats.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats drain: %w", err))
		}
	}
	return errors.Join(errs...)
}
