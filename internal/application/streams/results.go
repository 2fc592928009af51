package streams

import "github.com/lllypuk/evstore/internal/domain/event"

// AppendResult is the outcome of a committed append.
type AppendResult struct {
	Events         []event.StoredEvent
	CurrentVersion int64

	// SnapshotDue is set when the snapshot policy says enough events
	// accumulated since the latest snapshot.
	SnapshotDue bool
}

// ReadPage is one page of a stream read.
type ReadPage struct {
	Events         []event.StoredEvent
	CurrentVersion int64
	TotalCount     int64
	Page           int
	PageSize       int
	HasNext        bool
}
