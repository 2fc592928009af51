package eventstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/errs"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/eventstore"
	"github.com/lllypuk/evstore/tests/testutil"
)

// storeFactory builds an empty store for one subtest.
type storeFactory func(t *testing.T, opts ...eventstore.Option) appcore.EventStore

// tickingClock advances one second per call so snapshot ties are ordered.
func tickingClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("append to new stream and conflict on stale version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		res, err := store.Append(ctx, appcore.AppendRequest{
			StreamID:        "order-1",
			ExpectedVersion: event.NoStream,
			Events:          testutil.Events("Placed", "Paid", "Shipped"),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.CurrentVersion)
		require.Len(t, res.Events, 3)
		for i, e := range res.Events {
			assert.Equal(t, int64(i+1), e.Version)
			assert.Equal(t, "order-1", e.StreamID)
			if i > 0 {
				assert.Greater(t, e.Sequence, res.Events[i-1].Sequence)
			}
		}

		_, err = store.Append(ctx, appcore.AppendRequest{
			StreamID:        "order-1",
			ExpectedVersion: 2,
			Events:          testutil.Events("Cancelled"),
		})
		var conflict *appcore.VersionConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(2), conflict.Expected)
		assert.Equal(t, int64(3), conflict.Actual)
		assert.ErrorIs(t, err, errs.ErrConcurrentModification)

		stream, err := store.GetStream(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), stream.CurrentVersion)
		assert.Equal(t, "order", stream.AggregateType)
	})

	t.Run("no stream expectation on existing stream", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		appendOK(t, store, "cart-9", event.NoStream, 2)

		_, err := store.Append(ctx, appcore.AppendRequest{
			StreamID:        "cart-9",
			ExpectedVersion: event.NoStream,
			Events:          testutil.Events("Added"),
		})

		var exists *appcore.StreamExistsError
		require.ErrorAs(t, err, &exists)
		assert.Equal(t, int64(2), exists.CurrentVersion)
		assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	})

	t.Run("expected version zero creates a stream", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		res, err := store.Append(ctx, appcore.AppendRequest{
			StreamID:        "acct-1",
			AggregateType:   "Account",
			ExpectedVersion: 0,
			Events:          testutil.Deposits(2),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.CurrentVersion)

		stream, err := store.GetStream(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "Account", stream.AggregateType)

		_, err = store.Append(ctx, appcore.AppendRequest{
			StreamID:        "acct-2",
			ExpectedVersion: 5,
			Events:          testutil.Deposits(1),
		})
		var conflict *appcore.VersionConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(0), conflict.Actual)
	})

	t.Run("versions stay contiguous across batches", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		version := event.NoStream
		total := 0
		for _, k := range []int{1, 4, 2, 3} {
			res := appendOK(t, store, "ledger-1", version, k)
			version = res.CurrentVersion
			total += k
		}
		assert.Equal(t, int64(total), version)

		read, err := store.ReadStream(ctx, appcore.ReadQuery{StreamID: "ledger-1"})
		require.NoError(t, err)
		require.Len(t, read.Events, total)
		for i, e := range read.Events {
			assert.Equal(t, int64(i+1), e.Version)
		}
	})

	t.Run("read stream ranges filters and pages", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Append(ctx, appcore.AppendRequest{
			StreamID:        "order-2",
			ExpectedVersion: event.NoStream,
			Events:          testutil.Events("A", "B", "A", "B", "A"),
		})
		require.NoError(t, err)

		read, err := store.ReadStream(ctx, appcore.ReadQuery{StreamID: "order-2", FromVersion: 2, ToVersion: 4})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3, 4}, versions(read.Events))
		assert.Equal(t, int64(3), read.TotalCount)
		assert.Equal(t, int64(5), read.CurrentVersion)

		read, err = store.ReadStream(ctx, appcore.ReadQuery{StreamID: "order-2", EventType: "A"})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3, 5}, versions(read.Events))

		read, err = store.ReadStream(ctx, appcore.ReadQuery{StreamID: "order-2", Offset: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, versions(read.Events))
		assert.Equal(t, int64(5), read.TotalCount)

		read, err = store.ReadStream(ctx, appcore.ReadQuery{StreamID: "order-2", ToVersion: 99})
		require.NoError(t, err)
		assert.Len(t, read.Events, 5)

		read, err = store.ReadStream(ctx, appcore.ReadQuery{StreamID: "order-2", FromVersion: 6})
		require.NoError(t, err)
		assert.Empty(t, read.Events)
		assert.Zero(t, read.TotalCount)

		_, err = store.ReadStream(ctx, appcore.ReadQuery{StreamID: "missing-1"})
		assert.ErrorIs(t, err, errs.ErrNotFound)

		read, err = store.ReadStream(ctx, appcore.ReadQuery{StreamID: "order-2", Offset: -1000, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2}, versions(read.Events))
	})

	t.Run("payload and metadata round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		occurred := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)

		_, err := store.Append(ctx, appcore.AppendRequest{
			StreamID:        "order-3",
			ExpectedVersion: event.NoStream,
			Events: []event.EventData{{
				EventType:  "Placed",
				Payload:    json.RawMessage(`{"items":[1,2],"note":{"$date":"literal"}}`),
				Metadata:   event.NewMetadata("user-1", "corr-1", "cause-1"),
				OccurredAt: occurred,
			}, {
				EventType: "Noted",
			}},
		})
		require.NoError(t, err)

		read, err := store.ReadStream(ctx, appcore.ReadQuery{StreamID: "order-3"})
		require.NoError(t, err)
		require.Len(t, read.Events, 2)

		first := read.Events[0]
		assert.JSONEq(t, `{"items":[1,2],"note":{"$date":"literal"}}`, string(first.Payload))
		assert.Equal(t, event.NewMetadata("user-1", "corr-1", "cause-1"), first.Metadata)
		assert.True(t, occurred.Equal(first.OccurredAt))
		assert.False(t, first.StoredAt.IsZero())
		assert.JSONEq(t, `{}`, string(read.Events[1].Payload))
	})

	t.Run("event by sequence", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		res := appendOK(t, store, "order-4", event.NoStream, 2)
		appendOK(t, store, "order-5", event.NoStream, 1)

		got, err := store.EventBySequence(ctx, "order-4", res.Events[1].Sequence)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)

		_, err = store.EventBySequence(ctx, "order-5", res.Events[1].Sequence)
		var notFound *appcore.NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, appcore.ResourceEvent, notFound.Resource)
	})

	t.Run("read all follows commit order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		appendOK(t, store, "a-1", event.NoStream, 2)
		appendOK(t, store, "b-1", event.NoStream, 2)
		appendOK(t, store, "a-1", 2, 1)

		all, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, []string{"a-1", "a-1", "b-1", "b-1", "a-1"}, streamIDs(all))
		for i := 1; i < len(all); i++ {
			assert.Greater(t, all[i].Sequence, all[i-1].Sequence)
		}

		page, err := store.ReadAll(ctx, all[1].Sequence, 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{all[2].Sequence, all[3].Sequence}, sequences(page))

		rest, err := store.ReadAll(ctx, all[4].Sequence, 10)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})

	t.Run("snapshots", func(t *testing.T) {
		store := newStore(t, eventstore.WithClock(tickingClock()))
		ctx := context.Background()

		_, err := store.SaveSnapshot(ctx, event.Snapshot{StreamID: "acct-7", SnapshotVersion: 1, State: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, errs.ErrNotFound)

		appendOK(t, store, "acct-7", event.NoStream, 3)

		_, err = store.SaveSnapshot(ctx, event.Snapshot{StreamID: "acct-7", SnapshotVersion: 4, State: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, errs.ErrInvalidInput)

		_, err = store.LatestSnapshot(ctx, "acct-7")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		first, err := store.SaveSnapshot(ctx, event.Snapshot{StreamID: "acct-7", SnapshotVersion: 3, State: json.RawMessage(`{"balance":6}`)})
		require.NoError(t, err)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, "acct", first.AggregateType)

		_, err = store.SaveSnapshot(ctx, event.Snapshot{StreamID: "acct-7", SnapshotVersion: 2, State: json.RawMessage(`{"balance":3}`)})
		require.NoError(t, err)

		second, err := store.SaveSnapshot(ctx, event.Snapshot{StreamID: "acct-7", SnapshotVersion: 3, State: json.RawMessage(`{"balance":6,"v":2}`)})
		require.NoError(t, err)

		latest, err := store.LatestSnapshot(ctx, "acct-7")
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		assert.JSONEq(t, `{"balance":6,"v":2}`, string(latest.State))

		removed, err := store.PruneSnapshots(ctx, "acct-7", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		latest, err = store.LatestSnapshot(ctx, "acct-7")
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)

		removed, err = store.PruneSnapshots(ctx, "acct-7", 1)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("delete stream", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		first := appendOK(t, store, "tmp-1", event.NoStream, 2)
		appendOK(t, store, "keep-1", event.NoStream, 1)
		_, err := store.SaveSnapshot(ctx, event.Snapshot{StreamID: "tmp-1", SnapshotVersion: 2, State: json.RawMessage(`{}`)})
		require.NoError(t, err)

		deleted, err := store.DeleteStream(ctx, "tmp-1")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = store.GetStream(ctx, "tmp-1")
		assert.ErrorIs(t, err, errs.ErrNotFound)
		_, err = store.LatestSnapshot(ctx, "tmp-1")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		all, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"keep-1"}, streamIDs(all))

		deleted, err = store.DeleteStream(ctx, "tmp-1")
		require.NoError(t, err)
		assert.False(t, deleted)

		again := appendOK(t, store, "tmp-1", event.NoStream, 1)
		assert.Equal(t, int64(1), again.CurrentVersion)
		assert.Greater(t, again.Events[0].Sequence, first.Events[1].Sequence)
	})

	t.Run("snapshots racing a delete do not outlive the stream", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		appendOK(t, store, "race-snap", event.NoStream, 5)

		const writers = 6
		var wg sync.WaitGroup
		errsCh := make(chan error, writers+1)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.SaveSnapshot(ctx, event.Snapshot{
					StreamID:        "race-snap",
					SnapshotVersion: 5,
					State:           json.RawMessage(`{"n":5}`),
				})
				if err != nil && !errors.Is(err, errs.ErrNotFound) {
					errsCh <- err
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.DeleteStream(ctx, "race-snap"); err != nil {
				errsCh <- err
			}
		}()
		wg.Wait()
		close(errsCh)

		for err := range errsCh {
			t.Errorf("unexpected result: %v", err)
		}

		recreated := appendOK(t, store, "race-snap", event.NoStream, 1)
		assert.Equal(t, int64(1), recreated.CurrentVersion)

		_, err := store.LatestSnapshot(ctx, "race-snap")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("concurrent appends with the same expected version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		appendOK(t, store, "race-1", event.NoStream, 3)

		const writers = 8
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
			errsCh    = make(chan error, writers)
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(ctx, appcore.AppendRequest{
					StreamID:        "race-1",
					ExpectedVersion: 3,
					Events:          testutil.Deposits(2),
				})
				var conflict *appcore.VersionConflictError
				switch {
				case err == nil:
					successes.Add(1)
				case errors.As(err, &conflict):
					conflicts.Add(1)
					if conflict.Actual != 5 {
						errsCh <- err
					}
				default:
					errsCh <- err
				}
			}()
		}
		wg.Wait()
		close(errsCh)

		for err := range errsCh {
			t.Errorf("unexpected append result: %v", err)
		}
		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		read, err := store.ReadStream(ctx, appcore.ReadQuery{StreamID: "race-1"})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, versions(read.Events))
	})

	t.Run("concurrent appends to different streams", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const streams = 6
		var wg sync.WaitGroup
		for i := range streams {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(ctx, appcore.AppendRequest{
					StreamID:        "par-" + string(rune('a'+i)),
					ExpectedVersion: event.NoStream,
					Events:          testutil.Deposits(3),
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		all, err := store.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, streams*3)

		seen := make(map[int64]bool)
		lastVersion := make(map[string]int64)
		for _, e := range all {
			assert.False(t, seen[e.Sequence], "sequence %d repeated", e.Sequence)
			seen[e.Sequence] = true
			assert.Equal(t, lastVersion[e.StreamID]+1, e.Version, "per-stream order in the global feed")
			lastVersion[e.StreamID] = e.Version
		}
	})
}

func appendOK(t *testing.T, store appcore.EventStore, streamID string, expected int64, n int) appcore.AppendResult {
	t.Helper()

	res, err := store.Append(context.Background(), appcore.AppendRequest{
		StreamID:        streamID,
		ExpectedVersion: expected,
		Events:          testutil.Deposits(n),
	})
	require.NoError(t, err)
	return res
}

func versions(events []event.StoredEvent) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Version
	}
	return out
}

func sequences(events []event.StoredEvent) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Sequence
	}
	return out
}

func streamIDs(events []event.StoredEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.StreamID
	}
	return out
}
