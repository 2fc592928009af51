package streams

import (
	"encoding/json"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// AppendCommand appends a batch to a stream.
type AppendCommand struct {
	StreamID        string
	AggregateType   string
	ExpectedVersion int64
	Events          []event.EventData
}

// ReadEventsQuery selects a page of a stream.
// Zero values mean: FromVersion 1, ToVersion current, Page 1, PageSize the configured default.
type ReadEventsQuery struct {
	StreamID    string
	FromVersion int64
	ToVersion   int64
	EventType   string
	Page        int
	PageSize    int
}

// CreateSnapshotCommand records aggregate state at SnapshotVersion.
type CreateSnapshotCommand struct {
	StreamID        string
	SnapshotVersion int64
	AggregateType   string
	State           json.RawMessage
}
