package streams_test

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/application/streams"
	"github.com/lllypuk/evstore/internal/domain/errs"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/eventstore"
	"github.com/lllypuk/evstore/internal/infrastructure/metrics"
	"github.com/lllypuk/evstore/tests/testutil"
)

func newService(t *testing.T, cfg streams.Config) (*streams.Service, *metrics.StoreMetrics) {
	t.Helper()
	m := metrics.NewStoreMetrics(prometheus.NewRegistry())
	return streams.NewService(eventstore.NewInMemoryEventStore(), cfg, streams.WithMetrics(m)), m
}

func validationFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *appcore.ValidationError
	require.ErrorAs(t, err, &verr)
	fields := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	return fields
}

func TestService_AppendOrderScenario(t *testing.T) {
	// Arrange
	svc, m := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	// Act
	first, err := svc.Append(ctx, streams.AppendCommand{
		StreamID:        "order-1",
		ExpectedVersion: event.NoStream,
		Events:          testutil.Events("OrderCreated", "ItemAdded"),
	})
	require.NoError(t, err)

	second, err := svc.Append(ctx, streams.AppendCommand{
		StreamID:        "order-1",
		ExpectedVersion: 2,
		Events:          testutil.Events("OrderPaid"),
	})
	require.NoError(t, err)

	_, err = svc.Append(ctx, streams.AppendCommand{
		StreamID:        "order-1",
		ExpectedVersion: 2,
		Events:          testutil.Events("OrderShipped"),
	})

	// Assert
	assert.Equal(t, int64(2), first.CurrentVersion)
	assert.Equal(t, int64(3), second.CurrentVersion)
	assert.Equal(t, int64(3), second.Events[0].Version)

	var conflict *appcore.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.Expected)
	assert.Equal(t, int64(3), conflict.Actual)
	require.ErrorIs(t, err, errs.ErrConcurrentModification)

	assert.InDelta(t, 3, promtestutil.ToFloat64(m.EventsAppended), 0)
	assert.InDelta(t, 1, promtestutil.ToFloat64(m.VersionConflicts), 0)

	page, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "order-1"})
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
	assert.Equal(t, "OrderPaid", page.Events[2].EventType)
}

func TestService_AppendMetricsIgnoreStreamIdentity(t *testing.T) {
	svc, m := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	for _, id := range []string{"order-1", "9f3c2a7e-0b1d-4e55-a1c2-7d9e0f4b8a61", "cart-2"} {
		_, err := svc.Append(ctx, streams.AppendCommand{
			StreamID:        id,
			AggregateType:   "type-" + id,
			ExpectedVersion: -1,
			Events:          testutil.Deposits(2),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, promtestutil.CollectAndCount(m.EventsAppended))
	assert.InDelta(t, 6, promtestutil.ToFloat64(m.EventsAppended), 0)
}

func TestService_AppendValidation(t *testing.T) {
	svc, m := newService(t, streams.Config{MaxBatchSize: 2})
	ctx := testutil.NewTestContext(t)

	tests := []struct {
		name   string
		cmd    streams.AppendCommand
		fields []string
	}{
		{
			name:   "empty stream id",
			cmd:    streams.AppendCommand{ExpectedVersion: -1, Events: testutil.Events("A")},
			fields: []string{"stream_id"},
		},
		{
			name:   "no events",
			cmd:    streams.AppendCommand{StreamID: "s-1", ExpectedVersion: -1},
			fields: []string{"events"},
		},
		{
			name:   "batch too large",
			cmd:    streams.AppendCommand{StreamID: "s-1", ExpectedVersion: -1, Events: testutil.Events("A", "B", "C")},
			fields: []string{"events"},
		},
		{
			name:   "expected version below -1",
			cmd:    streams.AppendCommand{StreamID: "s-1", ExpectedVersion: -2, Events: testutil.Events("A")},
			fields: []string{"expected_version"},
		},
		{
			name:   "stream id too long",
			cmd:    streams.AppendCommand{StreamID: strings.Repeat("x", appcore.MaxStreamIDLength+1), ExpectedVersion: -1, Events: testutil.Events("A")},
			fields: []string{"stream_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Append(ctx, tt.cmd)

			require.ErrorIs(t, err, errs.ErrInvalidInput)
			assert.Equal(t, tt.fields, validationFields(t, err))
		})
	}

	assert.Equal(t, 1, promtestutil.CollectAndCount(m.AppendDuration))
}

func TestService_AppendRejectsInvalidEventWithoutWriting(t *testing.T) {
	svc, _ := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	batch := testutil.Events("A", "")
	_, err := svc.Append(ctx, streams.AppendCommand{StreamID: "s-1", ExpectedVersion: -1, Events: batch})
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = svc.GetStream(ctx, "s-1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestService_SnapshotDueHint(t *testing.T) {
	svc, _ := newService(t, streams.Config{SnapshotEvery: 3})
	ctx := testutil.NewTestContext(t)

	res, err := svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: -1, Events: testutil.Deposits(2)})
	require.NoError(t, err)
	assert.False(t, res.SnapshotDue)

	res, err = svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: 2, Events: testutil.Deposits(1)})
	require.NoError(t, err)
	assert.True(t, res.SnapshotDue)

	_, err = svc.CreateSnapshot(ctx, streams.CreateSnapshotCommand{
		StreamID:        "acct-1",
		SnapshotVersion: 3,
		State:           json.RawMessage(`{"balance":4}`),
	})
	require.NoError(t, err)

	res, err = svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: 3, Events: testutil.Deposits(1)})
	require.NoError(t, err)
	assert.False(t, res.SnapshotDue)
}

func TestService_ReadEventsPaging(t *testing.T) {
	svc, _ := newService(t, streams.Config{DefaultPageSize: 2, MaxPageSize: 3})
	ctx := testutil.NewTestContext(t)

	_, err := svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: -1, Events: testutil.Deposits(5)})
	require.NoError(t, err)

	t.Run("default page size", func(t *testing.T) {
		page, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-1"})

		require.NoError(t, err)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, 2, page.PageSize)
		assert.Len(t, page.Events, 2)
		assert.Equal(t, int64(5), page.TotalCount)
		assert.True(t, page.HasNext)
	})

	t.Run("page size clamped", func(t *testing.T) {
		page, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-1", Page: 2, PageSize: 50})

		require.NoError(t, err)
		assert.Equal(t, 3, page.PageSize)
		require.Len(t, page.Events, 2)
		assert.Equal(t, int64(4), page.Events[0].Version)
		assert.False(t, page.HasNext)
	})

	t.Run("range", func(t *testing.T) {
		page, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-1", FromVersion: 2, ToVersion: 3})

		require.NoError(t, err)
		require.Len(t, page.Events, 2)
		assert.Equal(t, int64(2), page.Events[0].Version)
		assert.Equal(t, int64(2), page.TotalCount)
		assert.Equal(t, int64(5), page.CurrentVersion)
	})

	t.Run("from greater than to", func(t *testing.T) {
		_, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-1", FromVersion: 4, ToVersion: 2})

		require.ErrorIs(t, err, errs.ErrInvalidInput)
		assert.Equal(t, []string{"from_version"}, validationFields(t, err))
	})

	t.Run("negative page", func(t *testing.T) {
		_, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-1", Page: -1})

		require.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("page past the end", func(t *testing.T) {
		page, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-1", Page: 100})

		require.NoError(t, err)
		assert.Empty(t, page.Events)
		assert.Equal(t, int64(5), page.TotalCount)
		assert.False(t, page.HasNext)
	})

	t.Run("page whose offset overflows", func(t *testing.T) {
		_, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-1", Page: math.MaxInt / 2, PageSize: 3})

		require.ErrorIs(t, err, errs.ErrInvalidInput)
		assert.Equal(t, []string{"page"}, validationFields(t, err))
	})

	t.Run("missing stream", func(t *testing.T) {
		_, err := svc.ReadEvents(ctx, streams.ReadEventsQuery{StreamID: "acct-404"})

		require.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestService_ReadEventBySequence(t *testing.T) {
	svc, _ := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	a, err := svc.Append(ctx, streams.AppendCommand{StreamID: "a-1", ExpectedVersion: -1, Events: testutil.Events("A")})
	require.NoError(t, err)
	_, err = svc.Append(ctx, streams.AppendCommand{StreamID: "b-1", ExpectedVersion: -1, Events: testutil.Events("B")})
	require.NoError(t, err)

	seq := a.Events[0].Sequence

	got, err := svc.ReadEventBySequence(ctx, "a-1", seq)
	require.NoError(t, err)
	assert.Equal(t, "A", got.EventType)

	_, err = svc.ReadEventBySequence(ctx, "b-1", seq)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = svc.ReadEventBySequence(ctx, "a-1", 0)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestService_CreateSnapshotValidation(t *testing.T) {
	svc, _ := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	_, err := svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: -1, Events: testutil.Deposits(2)})
	require.NoError(t, err)

	tests := []struct {
		name    string
		cmd     streams.CreateSnapshotCommand
		wantErr error
	}{
		{"missing state", streams.CreateSnapshotCommand{StreamID: "acct-1", SnapshotVersion: 1}, errs.ErrInvalidInput},
		{"malformed state", streams.CreateSnapshotCommand{StreamID: "acct-1", SnapshotVersion: 1, State: json.RawMessage(`{`)}, errs.ErrInvalidInput},
		{"version zero", streams.CreateSnapshotCommand{StreamID: "acct-1", State: json.RawMessage(`{}`)}, errs.ErrInvalidInput},
		{"beyond current", streams.CreateSnapshotCommand{StreamID: "acct-1", SnapshotVersion: 3, State: json.RawMessage(`{}`)}, errs.ErrInvalidInput},
		{"missing stream", streams.CreateSnapshotCommand{StreamID: "acct-2", SnapshotVersion: 1, State: json.RawMessage(`{}`)}, errs.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateSnapshot(ctx, tt.cmd)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_PruneAndDelete(t *testing.T) {
	svc, _ := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	_, err := svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: -1, Events: testutil.Deposits(3)})
	require.NoError(t, err)
	for v := int64(1); v <= 3; v++ {
		_, err = svc.CreateSnapshot(ctx, streams.CreateSnapshotCommand{StreamID: "acct-1", SnapshotVersion: v, State: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	_, err = svc.PruneSnapshots(ctx, "acct-1", -1)
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	removed, err := svc.PruneSnapshots(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	snap, err := svc.LatestSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.SnapshotVersion)

	deleted, err := svc.DeleteStream(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = svc.DeleteStream(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = svc.LatestSnapshot(ctx, "acct-1")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, svc.Ping(context.Background()))
}
