// Package eventstore provides the EventStore backends: in-memory, MongoDB and SQLite.
package eventstore

import (
	"log/slog"
	"time"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/event"
)

type storeOptions struct {
	logger *slog.Logger
	now    func() time.Time
}

func defaultOptions() storeOptions {
	return storeOptions{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Option configures an event store backend.
type Option func(*storeOptions)

// WithLogger sets the logger for event store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithClock overrides the commit clock.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		o.now = now
	}
}

func applyOptions(opts []Option) storeOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkExpectedVersion enforces the optimistic concurrency contract against the
// version read inside the append transaction. current is 0 when !exists.
func checkExpectedVersion(streamID string, exists bool, current, expected int64) error {
	if expected == event.NoStream {
		if exists {
			return appcore.NewStreamExistsError(streamID, current)
		}
		return nil
	}
	if current != expected {
		return appcore.NewVersionConflictError(streamID, expected, current)
	}
	return nil
}

// baseVersion is the version the batch is stacked on.
func baseVersion(expected int64) int64 {
	if expected == event.NoStream {
		return 0
	}
	return expected
}

// versionRange resolves the inclusive bounds of q against the current version.
// ok is false when the range is empty.
func versionRange(q appcore.ReadQuery, current int64) (from, to int64, ok bool) {
	from = max(q.FromVersion, 1)
	to = current
	if q.ToVersion > 0 && q.ToVersion < current {
		to = q.ToVersion
	}
	return from, to, from <= to
}

// checkSnapshotVersion rejects snapshots claiming a future or empty state.
func checkSnapshotVersion(snapshotVersion, current int64) error {
	if snapshotVersion < 1 || snapshotVersion > current {
		return appcore.NewValidationError("snapshot_version", "must be between 1 and the current stream version")
	}
	return nil
}

func aggregateTypeOr(aggregateType, streamID string) string {
	if aggregateType != "" {
		return aggregateType
	}
	return event.AggregateTypeFromStreamID(streamID)
}
