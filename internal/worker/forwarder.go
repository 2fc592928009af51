// Package worker runs background loops next to the store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/metrics"
)

// Default forwarder configuration values.
const (
	defaultForwarderName           = "forwarder"
	defaultForwarderPollInterval   = 200 * time.Millisecond
	defaultForwarderBatchSize      = 100
	defaultForwarderInitialBackoff = 100 * time.Millisecond
	defaultForwarderMaxBackoff     = 30 * time.Second
	defaultForwarderBackoffFactor  = 2.0
)

// ForwarderConfig contains configuration for the forwarder.
type ForwarderConfig struct {
	// Name keys the checkpoint. Two forwarders with different names publish independently.
	Name string

	// PollInterval is the wait after a fetch that returned less than a full batch.
	PollInterval time.Duration

	// BatchSize is the maximum number of events fetched per cycle.
	BatchSize int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Enabled determines if the forwarder should run.
	Enabled bool
}

// DefaultForwarderConfig returns sensible default configuration.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		Name:           defaultForwarderName,
		PollInterval:   defaultForwarderPollInterval,
		BatchSize:      defaultForwarderBatchSize,
		InitialBackoff: defaultForwarderInitialBackoff,
		MaxBackoff:     defaultForwarderMaxBackoff,
		BackoffFactor:  defaultForwarderBackoffFactor,
		Enabled:        true,
	}
}

// State is the phase of a forwarder cycle.
type State int32

// Forwarder states.
const (
	StateIdle State = iota
	StateFetching
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePublishing:
		return "publishing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Forwarder publishes committed events to the bus in global sequence order.
//
// The checkpoint is saved after every acknowledged publish, so a crash
// between publish and save redelivers that event: delivery is at-least-once
// and consumers deduplicate by (stream_id, sequence). A failed publish stops
// the cycle before any later event, which keeps per-stream order.
type Forwarder struct {
	reader      appcore.EventReader
	checkpoints appcore.CheckpointStore
	publisher   event.Publisher
	logger      *slog.Logger
	config      ForwarderConfig
	metrics     *metrics.ForwarderMetrics

	state atomic.Int32
}

// NewForwarder creates a new forwarder.
func NewForwarder(
	reader appcore.EventReader,
	checkpoints appcore.CheckpointStore,
	publisher event.Publisher,
	logger *slog.Logger,
	config ForwarderConfig,
	metrics *metrics.ForwarderMetrics,
) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultForwarderConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = max(defaults.MaxBackoff, config.InitialBackoff)
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = defaults.BackoffFactor
	}

	return &Forwarder{
		reader:      reader,
		checkpoints: checkpoints,
		publisher:   publisher,
		logger:      logger.With(slog.String("forwarder", config.Name)),
		config:      config,
		metrics:     metrics,
	}
}

// State returns the current phase.
func (f *Forwarder) State() State {
	return State(f.state.Load())
}

// Run forwards events until the context is cancelled. Failures are retried forever with backoff.
func (f *Forwarder) Run(ctx context.Context) error {
	if !f.config.Enabled {
		f.logger.InfoContext(ctx, "forwarder is disabled")
		return nil
	}

	f.logger.InfoContext(ctx, "starting forwarder",
		slog.Duration("poll_interval", f.config.PollInterval),
		slog.Int("batch_size", f.config.BatchSize),
		slog.Duration("initial_backoff", f.config.InitialBackoff),
		slog.Duration("max_backoff", f.config.MaxBackoff),
	)

	failures := 0
	for {
		published, err := f.processBatch(ctx)

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			f.logger.InfoContext(ctx, "forwarder stopped")
			return ctx.Err()
		case err != nil:
			failures++
			wait = f.Backoff(failures)
			if f.metrics != nil {
				f.metrics.RetryTotal.Inc()
			}
			f.logger.WarnContext(ctx, "forwarding failed, backing off",
				slog.Int("attempt", failures),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		case published < f.config.BatchSize:
			failures = 0
			wait = f.config.PollInterval
		default:
			failures = 0
		}

		if wait == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			f.logger.InfoContext(ctx, "forwarder stopped")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ProcessOnce runs a single fetch and publish cycle and returns the number of
// events checkpointed (useful for testing).
func (f *Forwarder) ProcessOnce(ctx context.Context) (int, error) {
	return f.processBatch(ctx)
}

// Backoff returns the wait after the given number of consecutive failures.
func (f *Forwarder) Backoff(failures int) time.Duration {
	backoff := f.config.InitialBackoff
	for i := 1; i < failures; i++ {
		backoff = time.Duration(float64(backoff) * f.config.BackoffFactor)
		if backoff >= f.config.MaxBackoff {
			return f.config.MaxBackoff
		}
	}
	return min(backoff, f.config.MaxBackoff)
}

func (f *Forwarder) processBatch(ctx context.Context) (int, error) {
	defer f.state.Store(int32(StateIdle))
	f.state.Store(int32(StateFetching))

	checkpoint, err := f.checkpoints.Load(ctx, f.config.Name)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	events, err := f.reader.ReadAll(ctx, checkpoint, f.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch events after %d: %w", checkpoint, err)
	}

	if f.metrics != nil {
		f.metrics.Checkpoint.Set(float64(checkpoint))
		f.metrics.BatchRemaining.Set(float64(len(events)))
		if len(events) > 0 {
			f.metrics.FetchBatchSize.Observe(float64(len(events)))
		}
	}

	if len(events) == 0 {
		return 0, nil
	}

	f.logger.DebugContext(ctx, "forwarding batch",
		slog.Int64("checkpoint", checkpoint),
		slog.Int("count", len(events)),
	)

	f.state.Store(int32(StatePublishing))
	for i, evt := range events {
		if err = f.forward(ctx, evt); err != nil {
			return i, err
		}
		if f.metrics != nil {
			f.metrics.Checkpoint.Set(float64(evt.Sequence))
			f.metrics.BatchRemaining.Set(float64(len(events) - i - 1))
		}
	}

	return len(events), nil
}

// forward publishes one event and advances the checkpoint past it.
func (f *Forwarder) forward(ctx context.Context, evt event.StoredEvent) error {
	start := time.Now()
	if err := f.publisher.Publish(ctx, evt); err != nil {
		if f.metrics != nil {
			f.metrics.EventsPublished.WithLabelValues(evt.EventType, "failed").Inc()
		}
		return fmt.Errorf("failed to publish event %s: %w", evt.Key(), err)
	}

	if f.metrics != nil {
		f.metrics.PublishDuration.WithLabelValues(evt.EventType).Observe(time.Since(start).Seconds())
		f.metrics.EventsPublished.WithLabelValues(evt.EventType, "success").Inc()
	}

	if err := f.checkpoints.Save(ctx, f.config.Name, evt.Sequence); err != nil {
		return fmt.Errorf("failed to save checkpoint %d: %w", evt.Sequence, err)
	}

	f.logger.DebugContext(ctx, "event forwarded",
		slog.String("stream_id", evt.StreamID),
		slog.Int64("sequence", evt.Sequence),
		slog.String("event_type", evt.EventType),
	)
	return nil
}
