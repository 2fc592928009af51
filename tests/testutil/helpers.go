// Package testutil holds shared test helpers: containers, contexts and event fixtures.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/lllypuk/evstore/internal/domain/event"
)

const contextTimeout = 30 * time.Second

// NewTestContext creates context with timeout for tests
func NewTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), contextTimeout)
	t.Cleanup(cancel)
	return ctx
}

// Events builds a batch with one event per type. Each payload records its
// position in the batch as {"n": i}.
func Events(types ...string) []event.EventData {
	batch := make([]event.EventData, len(types))
	for i, typ := range types {
		batch[i] = event.EventData{
			EventType: typ,
			Payload:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata:  event.NewMetadata("tester", "", ""),
		}
	}
	return batch
}

// Deposits builds n "Deposited" events with amounts 1..n.
func Deposits(n int) []event.EventData {
	batch := make([]event.EventData, n)
	for i := range batch {
		batch[i] = event.EventData{
			EventType: "Deposited",
			Payload:   json.RawMessage(fmt.Sprintf(`{"amount":%d}`, i+1)),
		}
	}
	return batch
}
