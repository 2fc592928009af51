package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// RedisStreamPublisher appends events to Redis Streams, one stream key per partition.
// The entry ID returned by XADD is the acknowledgment.
type RedisStreamPublisher struct {
	client        *redis.Client
	logger        *slog.Logger
	channelPrefix string
	partitions    int
	maxLen        int64
}

// Option configures a RedisStreamPublisher.
type Option func(*RedisStreamPublisher)

// WithLogger sets the logger for the publisher.
func WithLogger(logger *slog.Logger) Option {
	return func(p *RedisStreamPublisher) {
		p.logger = logger
	}
}

// WithChannelPrefix sets a prefix for Redis stream keys.
func WithChannelPrefix(prefix string) Option {
	return func(p *RedisStreamPublisher) {
		p.channelPrefix = prefix
	}
}

// WithPartitions sets the number of stream keys events are spread over.
func WithPartitions(n int) Option {
	return func(p *RedisStreamPublisher) {
		if n > 0 {
			p.partitions = n
		}
	}
}

// WithMaxLen caps every stream key to roughly n entries. Zero keeps everything.
func WithMaxLen(n int64) Option {
	return func(p *RedisStreamPublisher) {
		p.maxLen = n
	}
}

// NewRedisStreamPublisher creates a new Redis Streams publisher.
func NewRedisStreamPublisher(client *redis.Client, opts ...Option) *RedisStreamPublisher {
	p := &RedisStreamPublisher{
		client:        client,
		logger:        slog.Default(),
		channelPrefix: defaultChannelPrefix,
		partitions:    defaultPartitions,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish appends the event to the partition of its stream.
func (p *RedisStreamPublisher) Publish(ctx context.Context, evt event.StoredEvent) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}

	key := p.StreamKey(evt.StreamID)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"key":        evt.Key(),
			"stream_id":  evt.StreamID,
			"sequence":   evt.Sequence,
			"event_type": evt.EventType,
			"data":       data,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", err)
	}

	p.logger.DebugContext(ctx, "event published",
		slog.String("stream_id", evt.StreamID),
		slog.Int64("sequence", evt.Sequence),
		slog.String("event_type", evt.EventType),
		slog.String("redis_stream", key),
		slog.String("entry_id", id),
	)

	return nil
}

// StreamKey returns the Redis stream key for the partition of streamID.
func (p *RedisStreamPublisher) StreamKey(streamID string) string {
	return p.channelPrefix + partitionSuffix(streamID, p.partitions)
}

// Ping checks the Redis connection.
func (p *RedisStreamPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

var _ event.Publisher = (*RedisStreamPublisher)(nil)
