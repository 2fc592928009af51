package eventbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/eventbus"
)

func storedEvent(streamID string, seq, version int64) event.StoredEvent {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return event.StoredEvent{
		StreamID:   streamID,
		Sequence:   seq,
		Version:    version,
		EventType:  "Deposited",
		Payload:    json.RawMessage(`{"amount":10}`),
		Metadata:   event.NewMetadata("user-1", "corr-1", ""),
		OccurredAt: at,
		StoredAt:   at,
	}
}

func TestEncode_MessageShape(t *testing.T) {
	data, err := eventbus.Encode(storedEvent("acct-1", 42, 3))
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))

	for _, key := range []string{"stream_id", "sequence", "event_type", "version", "payload", "metadata", "occurred_at", "stored_at"} {
		assert.Contains(t, fields, key)
	}
	assert.JSONEq(t, `{"amount":10}`, string(fields["payload"]))
	assert.JSONEq(t, `{"actor_id":"user-1","correlation_id":"corr-1"}`, string(fields["metadata"]))

	decoded, err := eventbus.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(42), decoded.Sequence)
	assert.Equal(t, "acct-1", decoded.StreamID)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := eventbus.Decode([]byte("not json"))
	require.Error(t, err)
}

func TestPartition(t *testing.T) {
	t.Run("single partition", func(t *testing.T) {
		assert.Equal(t, 0, eventbus.Partition("acct-1", 1))
		assert.Equal(t, 0, eventbus.Partition("acct-1", 0))
	})

	t.Run("stable and in range", func(t *testing.T) {
		seen := map[int]bool{}
		for i := range 100 {
			id := fmt.Sprintf("acct-%d", i)
			p := eventbus.Partition(id, 8)
			assert.Equal(t, p, eventbus.Partition(id, 8))
			assert.GreaterOrEqual(t, p, 0)
			assert.Less(t, p, 8)
			seen[p] = true
		}
		assert.Greater(t, len(seen), 1)
	})
}

func TestInMemoryPublisher(t *testing.T) {
	pub := eventbus.NewInMemoryPublisher()
	ctx := context.Background()

	require.NoError(t, pub.Publish(ctx, storedEvent("acct-1", 1, 1)))

	boom := errors.New("broker down")
	pub.FailWith(func(event.StoredEvent) error { return boom })
	require.ErrorIs(t, pub.Publish(ctx, storedEvent("acct-1", 2, 2)), boom)

	pub.FailWith(nil)
	require.NoError(t, pub.Publish(ctx, storedEvent("acct-1", 2, 2)))

	assert.Equal(t, 3, pub.Attempts())
	require.Len(t, pub.Published(), 2)
	assert.Equal(t, int64(2), pub.Published()[1].Sequence)
	require.NoError(t, pub.Ping(ctx))
}
