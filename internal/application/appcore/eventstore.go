package appcore

import (
	"context"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// AppendRequest is a batch of events to commit on top of ExpectedVersion.
type AppendRequest struct {
	StreamID string

	// AggregateType is recorded when the append creates the stream. Ignored otherwise.
	AggregateType string

	// ExpectedVersion is event.NoStream or the exact current version of the stream.
	ExpectedVersion int64

	Events []event.EventData
}

// AppendResult holds the committed events and the stream version after commit.
type AppendResult struct {
	Events         []event.StoredEvent
	CurrentVersion int64
}

// ReadQuery selects a version range of one stream.
// ToVersion 0 means "through the current version at read time".
// Limit 0 means no limit.
type ReadQuery struct {
	StreamID    string
	FromVersion int64
	ToVersion   int64
	EventType   string
	Offset      int
	Limit       int
}

// ReadResult is one page of a stream read.
// TotalCount counts every event matching the query, ignoring Offset and Limit.
type ReadResult struct {
	Events         []event.StoredEvent
	CurrentVersion int64
	TotalCount     int64
}

// EventStore defines the persistence port of the store.
// The interface is declared on the consumer side (application layer), not in infrastructure.
//
// Implementations must commit Append atomically: either every event of the batch
// becomes visible together with the new stream version, or nothing does.
type EventStore interface {
	// Append commits a batch. It returns a *VersionConflictError or *StreamExistsError
	// when ExpectedVersion does not hold.
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)

	// ReadStream returns events in ascending version order.
	ReadStream(ctx context.Context, q ReadQuery) (ReadResult, error)

	// EventBySequence returns the event with the given global sequence if it belongs to streamID.
	EventBySequence(ctx context.Context, streamID string, sequence int64) (event.StoredEvent, error)

	// GetStream returns the registry row of a stream.
	GetStream(ctx context.Context, streamID string) (event.Stream, error)

	// ReadAll returns up to limit events with sequence > afterSequence, ascending by sequence.
	ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.StoredEvent, error)

	// SaveSnapshot stores a snapshot. The stream must exist and SnapshotVersion
	// must not exceed its current version.
	SaveSnapshot(ctx context.Context, snap event.Snapshot) (event.Snapshot, error)

	// LatestSnapshot returns the snapshot with the greatest version, ties broken by creation time.
	LatestSnapshot(ctx context.Context, streamID string) (event.Snapshot, error)

	// PruneSnapshots removes all but the keep latest snapshots and returns how many were removed.
	PruneSnapshots(ctx context.Context, streamID string, keep int) (int64, error)

	// DeleteStream removes a stream with its events and snapshots.
	// It reports false when the stream did not exist.
	DeleteStream(ctx context.Context, streamID string) (bool, error)

	// Ping checks connectivity with the backing storage.
	Ping(ctx context.Context) error
}

// EventReader is the read-only part of EventStore used by the forwarder.
type EventReader interface {
	ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.StoredEvent, error)
}
