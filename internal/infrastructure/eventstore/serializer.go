package eventstore

import (
	"encoding/json"
	"time"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// Payloads and snapshot states are opaque to the store. They are kept as the
// exact JSON text the caller sent, so keys such as "$date" are never
// reinterpreted as extended JSON.

// EventDocument represents an event in MongoDB
type EventDocument struct {
	StreamID   string                `bson:"stream_id"`
	Sequence   int64                 `bson:"sequence"`
	Version    int64                 `bson:"version"`
	EventType  string                `bson:"event_type"`
	Payload    string                `bson:"payload"`
	Metadata   EventMetadataDocument `bson:"metadata"`
	OccurredAt time.Time             `bson:"occurred_at"`
	StoredAt   time.Time             `bson:"stored_at"`
}

// EventMetadataDocument represents event metadata in MongoDB
type EventMetadataDocument struct {
	ActorID       string `bson:"actor_id,omitempty"`
	CorrelationID string `bson:"correlation_id,omitempty"`
	CausationID   string `bson:"causation_id,omitempty"`
}

// StreamDocument is a stream registry row.
type StreamDocument struct {
	ID            string    `bson:"_id"`
	AggregateType string    `bson:"aggregate_type"`
	Version       int64     `bson:"version"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// SnapshotDocument represents a snapshot in MongoDB
type SnapshotDocument struct {
	ID              string    `bson:"_id"`
	StreamID        string    `bson:"stream_id"`
	SnapshotVersion int64     `bson:"snapshot_version"`
	AggregateType   string    `bson:"aggregate_type"`
	State           string    `bson:"state"`
	CreatedAt       time.Time `bson:"created_at"`
}

// counterDocument holds the global sequence.
type counterDocument struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

func toEventDocument(e event.StoredEvent) EventDocument {
	return EventDocument{
		StreamID:  e.StreamID,
		Sequence:  e.Sequence,
		Version:   e.Version,
		EventType: e.EventType,
		Payload:   string(e.Payload),
		Metadata: EventMetadataDocument{
			ActorID:       e.Metadata.ActorID,
			CorrelationID: e.Metadata.CorrelationID,
			CausationID:   e.Metadata.CausationID,
		},
		OccurredAt: e.OccurredAt,
		StoredAt:   e.StoredAt,
	}
}

func (d EventDocument) toStoredEvent() event.StoredEvent {
	return event.StoredEvent{
		StreamID:   d.StreamID,
		Sequence:   d.Sequence,
		Version:    d.Version,
		EventType:  d.EventType,
		Payload:    json.RawMessage(d.Payload),
		Metadata:   event.NewMetadata(d.Metadata.ActorID, d.Metadata.CorrelationID, d.Metadata.CausationID),
		OccurredAt: d.OccurredAt.UTC(),
		StoredAt:   d.StoredAt.UTC(),
	}
}

func (d StreamDocument) toStream() event.Stream {
	return event.Stream{
		ID:             d.ID,
		AggregateType:  d.AggregateType,
		CurrentVersion: d.Version,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

func toSnapshotDocument(s event.Snapshot) SnapshotDocument {
	return SnapshotDocument{
		ID:              s.ID,
		StreamID:        s.StreamID,
		SnapshotVersion: s.SnapshotVersion,
		AggregateType:   s.AggregateType,
		State:           string(s.State),
		CreatedAt:       s.CreatedAt,
	}
}

func (d SnapshotDocument) toSnapshot() event.Snapshot {
	return event.Snapshot{
		ID:              d.ID,
		StreamID:        d.StreamID,
		SnapshotVersion: d.SnapshotVersion,
		AggregateType:   d.AggregateType,
		State:           json.RawMessage(d.State),
		CreatedAt:       d.CreatedAt.UTC(),
	}
}
