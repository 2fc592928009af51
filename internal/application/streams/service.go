// Package streams implements the append and read operations on top of an EventStore.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/metrics"
)

// Default limits.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	MaxBatchSize    = 1000
)

// Config holds the service limits.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
	MaxBatchSize    int

	// SnapshotEvery is the number of events after which a new snapshot is
	// recommended. Zero disables the hint.
	SnapshotEvery int64
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		DefaultPageSize: DefaultPageSize,
		MaxPageSize:     MaxPageSize,
		MaxBatchSize:    MaxBatchSize,
	}
}

// Service validates requests and runs them against the store.
// It never retries version conflicts: resolving them needs the caller's business logic.
type Service struct {
	store   appcore.EventStore
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

// Option configures Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.StoreMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new stream service.
func NewService(store appcore.EventStore, cfg Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = defaults.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = defaults.MaxPageSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	cfg.DefaultPageSize = min(cfg.DefaultPageSize, cfg.MaxPageSize)

	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Append validates and commits a batch.
func (s *Service) Append(ctx context.Context, cmd AppendCommand) (AppendResult, error) {
	start := time.Now()

	if err := s.validateAppend(cmd); err != nil {
		s.observeAppend(start, metrics.OutcomeInvalid)
		return AppendResult{}, err
	}

	res, err := s.store.Append(ctx, appcore.AppendRequest{
		StreamID:        cmd.StreamID,
		AggregateType:   cmd.AggregateType,
		ExpectedVersion: cmd.ExpectedVersion,
		Events:          cmd.Events,
	})
	if err != nil {
		s.appendFailed(ctx, start, cmd, err)
		return AppendResult{}, err
	}

	s.observeAppend(start, metrics.OutcomeSuccess)
	if s.metrics != nil {
		s.metrics.EventsAppended.Add(float64(len(res.Events)))
		s.metrics.AppendBatchSize.Observe(float64(len(res.Events)))
	}

	s.logger.DebugContext(ctx, "events appended",
		slog.String("stream_id", cmd.StreamID),
		slog.Int("events_count", len(res.Events)),
		slog.Int64("current_version", res.CurrentVersion),
		slog.Int64("sequence", res.Events[len(res.Events)-1].Sequence),
	)

	return AppendResult{
		Events:         res.Events,
		CurrentVersion: res.CurrentVersion,
		SnapshotDue:    s.snapshotDue(ctx, cmd.StreamID, res.CurrentVersion),
	}, nil
}

func (s *Service) validateAppend(cmd AppendCommand) error {
	var v appcore.Validator
	v.StreamID(cmd.StreamID)
	v.MaxLength("aggregate_type", cmd.AggregateType, event.MaxEventTypeLength)
	v.Min("expected_version", cmd.ExpectedVersion, event.NoStream)

	switch {
	case len(cmd.Events) == 0:
		v.Add("events", "must contain at least one event")
	case len(cmd.Events) > s.cfg.MaxBatchSize:
		v.Add("events", fmt.Sprintf("must contain at most %d events", s.cfg.MaxBatchSize))
	default:
		for i, e := range cmd.Events {
			v.Merge(e.Validate(i))
		}
	}

	return v.Err()
}

func (s *Service) appendFailed(ctx context.Context, start time.Time, cmd AppendCommand, err error) {
	var conflict *appcore.VersionConflictError
	var exists *appcore.StreamExistsError

	switch {
	case errors.As(err, &conflict), errors.As(err, &exists):
		s.observeAppend(start, metrics.OutcomeConflict)
		if s.metrics != nil {
			s.metrics.VersionConflicts.Inc()
		}
		s.logger.WarnContext(ctx, "append rejected by expected version",
			slog.String("stream_id", cmd.StreamID),
			slog.Int64("expected_version", cmd.ExpectedVersion),
			slog.String("error", err.Error()),
		)
	default:
		s.observeAppend(start, metrics.OutcomeError)
		s.logger.ErrorContext(ctx, "append failed",
			slog.String("stream_id", cmd.StreamID),
			slog.Int("events_count", len(cmd.Events)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) observeAppend(start time.Time, outcome string) {
	if s.metrics != nil {
		s.metrics.AppendDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) observeRead(start time.Time, op string) {
	if s.metrics != nil {
		s.metrics.ReadDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// snapshotDue applies the snapshot policy. Lookup failures only drop the hint.
func (s *Service) snapshotDue(ctx context.Context, streamID string, current int64) bool {
	if s.cfg.SnapshotEvery <= 0 || current < s.cfg.SnapshotEvery {
		return false
	}

	var last int64
	snap, err := s.store.LatestSnapshot(ctx, streamID)
	if err == nil {
		last = snap.SnapshotVersion
	}
	return SnapshotDue(current, last, s.cfg.SnapshotEvery)
}

// ReadEvents returns one page of a stream in ascending version order.
func (s *Service) ReadEvents(ctx context.Context, q ReadEventsQuery) (ReadPage, error) {
	defer s.observeRead(time.Now(), "read_events")

	var v appcore.Validator
	v.StreamID(q.StreamID)
	v.Min("from_version", q.FromVersion, 0)
	v.Min("to_version", q.ToVersion, 0)
	v.Min("page", int64(q.Page), 0)
	v.Min("page_size", int64(q.PageSize), 0)
	if q.ToVersion > 0 && q.FromVersion > q.ToVersion {
		v.Add("from_version", "must not be greater than to_version")
	}
	if err := v.Err(); err != nil {
		return ReadPage{}, err
	}

	page := max(q.Page, 1)
	pageSize := q.PageSize
	if pageSize == 0 {
		pageSize = s.cfg.DefaultPageSize
	}
	pageSize = min(pageSize, s.cfg.MaxPageSize)
	if pageSize > 0 && page-1 > math.MaxInt/pageSize {
		return ReadPage{}, appcore.NewValidationError("page", "is too large")
	}
	offset := (page - 1) * pageSize

	res, err := s.store.ReadStream(ctx, appcore.ReadQuery{
		StreamID:    q.StreamID,
		FromVersion: q.FromVersion,
		ToVersion:   q.ToVersion,
		EventType:   q.EventType,
		Offset:      offset,
		Limit:       pageSize,
	})
	if err != nil {
		return ReadPage{}, err
	}

	return ReadPage{
		Events:         res.Events,
		CurrentVersion: res.CurrentVersion,
		TotalCount:     res.TotalCount,
		Page:           page,
		PageSize:       pageSize,
		HasNext:        int64(offset+len(res.Events)) < res.TotalCount,
	}, nil
}

// ReadEventBySequence returns one event if the sequence belongs to the stream.
func (s *Service) ReadEventBySequence(ctx context.Context, streamID string, sequence int64) (event.StoredEvent, error) {
	defer s.observeRead(time.Now(), "read_event")

	var v appcore.Validator
	v.StreamID(streamID)
	v.Min("sequence", sequence, 1)
	if err := v.Err(); err != nil {
		return event.StoredEvent{}, err
	}

	return s.store.EventBySequence(ctx, streamID, sequence)
}

// GetStream returns the stream descriptor.
func (s *Service) GetStream(ctx context.Context, streamID string) (event.Stream, error) {
	defer s.observeRead(time.Now(), "get_stream")

	var v appcore.Validator
	v.StreamID(streamID)
	if err := v.Err(); err != nil {
		return event.Stream{}, err
	}

	return s.store.GetStream(ctx, streamID)
}

// CreateSnapshot stores aggregate state at a version the stream already reached.
// Concurrent snapshots are not coordinated: every call adds one.
func (s *Service) CreateSnapshot(ctx context.Context, cmd CreateSnapshotCommand) (event.Snapshot, error) {
	var v appcore.Validator
	v.StreamID(cmd.StreamID)
	v.Min("snapshot_version", cmd.SnapshotVersion, 1)
	v.MaxLength("aggregate_type", cmd.AggregateType, event.MaxEventTypeLength)
	switch {
	case len(cmd.State) == 0:
		v.Add("state", "is required")
	case !json.Valid(cmd.State):
		v.Add("state", "must be well-formed JSON")
	}
	if err := v.Err(); err != nil {
		return event.Snapshot{}, err
	}

	snap, err := s.store.SaveSnapshot(ctx, event.Snapshot{
		StreamID:        cmd.StreamID,
		SnapshotVersion: cmd.SnapshotVersion,
		AggregateType:   cmd.AggregateType,
		State:           cmd.State,
	})
	if err != nil {
		return event.Snapshot{}, err
	}

	s.logger.InfoContext(ctx, "snapshot created",
		slog.String("stream_id", snap.StreamID),
		slog.String("snapshot_id", snap.ID),
		slog.Int64("snapshot_version", snap.SnapshotVersion),
	)
	return snap, nil
}

// LatestSnapshot returns the snapshot with the greatest version.
func (s *Service) LatestSnapshot(ctx context.Context, streamID string) (event.Snapshot, error) {
	defer s.observeRead(time.Now(), "latest_snapshot")

	var v appcore.Validator
	v.StreamID(streamID)
	if err := v.Err(); err != nil {
		return event.Snapshot{}, err
	}

	return s.store.LatestSnapshot(ctx, streamID)
}

// PruneSnapshots drops all but the keep newest snapshots of a stream.
func (s *Service) PruneSnapshots(ctx context.Context, streamID string, keep int) (int64, error) {
	var v appcore.Validator
	v.StreamID(streamID)
	v.Min("keep", int64(keep), 0)
	if err := v.Err(); err != nil {
		return 0, err
	}

	removed, err := s.store.PruneSnapshots(ctx, streamID, keep)
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "snapshots pruned",
		slog.String("stream_id", streamID),
		slog.Int("keep", keep),
		slog.Int64("removed", removed),
	)
	return removed, nil
}

// DeleteStream removes a stream with everything that belongs to it.
// Deleting a missing stream reports false without error.
func (s *Service) DeleteStream(ctx context.Context, streamID string) (bool, error) {
	var v appcore.Validator
	v.StreamID(streamID)
	if err := v.Err(); err != nil {
		return false, err
	}

	deleted, err := s.store.DeleteStream(ctx, streamID)
	if err != nil {
		return false, err
	}

	s.logger.WarnContext(ctx, "stream deleted",
		slog.String("stream_id", streamID),
		slog.Bool("existed", deleted),
	)
	return deleted, nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
