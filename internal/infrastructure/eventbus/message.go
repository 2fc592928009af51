// Package eventbus publishes committed events to external message buses.
//
// Every publisher sends the same JSON message (see Encode) and routes it by
// stream id, so all events of one stream land on one partition in order.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// Default routing configuration.
const (
	defaultPartitions    = 1
	defaultChannelPrefix = "evstore:events:"
	defaultSubjectPrefix = "evstore.events"
)

// Pinger is implemented by publishers that can check their broker connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Encode serializes an event into the outbound message body.
func Encode(evt event.StoredEvent) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", evt.Key(), err)
	}
	return data, nil
}

// Decode parses an outbound message body.
func Decode(data []byte) (event.StoredEvent, error) {
	var evt event.StoredEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return event.StoredEvent{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return evt, nil
}

// Partition maps a stream id onto one of n partitions.
func Partition(streamID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return int(h.Sum32() % uint32(n)) //nolint:gosec // n is a small positive config value
}

func partitionSuffix(streamID string, n int) string {
	return strconv.Itoa(Partition(streamID, n))
}
