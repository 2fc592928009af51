// Package event defines the records kept by the store: streams, stored events and snapshots.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MaxEventTypeLength bounds the event type discriminator.
const MaxEventTypeLength = 256

// EventData is a new event submitted for append.
type EventData struct {
	// EventType discriminates the domain event. Required.
	EventType string

	// Payload is an opaque JSON document. An empty payload is stored as {}.
	Payload json.RawMessage

	// Metadata links the event to its actor, correlation and cause.
	Metadata Metadata

	// OccurredAt is the logical event time. Zero means "assign at commit".
	OccurredAt time.Time
}

// StoredEvent is an event after a successful append. It is never mutated.
type StoredEvent struct {
	StreamID   string          `json:"stream_id"`
	Sequence   int64           `json:"sequence"`
	Version    int64           `json:"version"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   Metadata        `json:"metadata"`
	OccurredAt time.Time       `json:"occurred_at"`
	StoredAt   time.Time       `json:"stored_at"`
}

// Key identifies the event for idempotent consumers.
func (e StoredEvent) Key() string {
	return e.StreamID + ":" + strconv.FormatInt(e.Sequence, 10)
}

// FieldError names an invalid request field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Reason
}

// Validate checks the event at position index of a batch.
func (d EventData) Validate(index int) []FieldError {
	var problems []FieldError
	prefix := fmt.Sprintf("events[%d]", index)

	if d.EventType == "" {
		problems = append(problems, FieldError{Field: prefix + ".event_type", Reason: "is required"})
	} else if len(d.EventType) > MaxEventTypeLength {
		problems = append(problems, FieldError{Field: prefix + ".event_type", Reason: "is too long"})
	}

	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		problems = append(problems, FieldError{Field: prefix + ".payload", Reason: "must be well-formed JSON"})
	}

	return problems
}

// NormalizedPayload returns the payload to persist.
func (d EventData) NormalizedPayload() json.RawMessage {
	if len(d.Payload) == 0 {
		return json.RawMessage("{}")
	}
	return d.Payload
}

// Publisher delivers committed events to an external message bus.
// Publish returns nil only once the bus has acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, evt StoredEvent) error
}
