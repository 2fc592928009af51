package event

import (
	"encoding/json"
	"strings"
	"time"
)

// NoStream is the expected version asserting that the stream must not exist yet.
const NoStream int64 = -1

// Stream is the registry row of one aggregate instance's history.
type Stream struct {
	ID             string    `json:"id"`
	AggregateType  string    `json:"aggregate_type"`
	CurrentVersion int64     `json:"current_version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snapshot is a materialization of aggregate state at SnapshotVersion.
// It is only meaningful together with the events whose version is greater.
type Snapshot struct {
	ID              string          `json:"id"`
	StreamID        string          `json:"stream_id"`
	SnapshotVersion int64           `json:"snapshot_version"`
	AggregateType   string          `json:"aggregate_type"`
	State           json.RawMessage `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Newer reports whether s supersedes other as the latest snapshot.
func (s Snapshot) Newer(other Snapshot) bool {
	if s.SnapshotVersion != other.SnapshotVersion {
		return s.SnapshotVersion > other.SnapshotVersion
	}
	return s.CreatedAt.After(other.CreatedAt)
}

// AggregateTypeFromStreamID derives the aggregate type from ids shaped like
// "{aggregate-type}-{aggregate-id}". Ids without a dash are their own type.
func AggregateTypeFromStreamID(streamID string) string {
	if i := strings.Index(streamID, "-"); i > 0 {
		return streamID[:i]
	}
	return streamID
}

// Stamp builds the stored form of a batch appended on top of baseVersion.
// Sequence numbers are left for the backend to assign.
func Stamp(streamID string, baseVersion int64, batch []EventData, now time.Time) []StoredEvent {
	out := make([]StoredEvent, len(batch))
	for i, d := range batch {
		occurred := d.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		out[i] = StoredEvent{
			StreamID:   streamID,
			Version:    baseVersion + int64(i) + 1,
			EventType:  d.EventType,
			Payload:    d.NormalizedPayload(),
			Metadata:   d.Metadata,
			OccurredAt: occurred.UTC(),
			StoredAt:   now,
		}
	}
	return out
}
