package streams_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/application/streams"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/tests/testutil"
)

type account struct {
	Balance int `json:"balance"`
	Applied int `json:"applied"`
}

func restoreAccount(s event.Snapshot) (account, error) {
	var a account
	err := json.Unmarshal(s.State, &a)
	return a, err
}

func applyDeposit(a account, e event.StoredEvent) (account, error) {
	var p struct {
		Amount int `json:"amount"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return a, err
	}
	a.Balance += p.Amount
	a.Applied++
	return a, nil
}

func TestReplay_FromSnapshotMatchesFullFold(t *testing.T) {
	// Arrange
	svc, _ := newService(t, streams.Config{MaxPageSize: 4})
	ctx := testutil.NewTestContext(t)

	_, err := svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: -1, Events: testutil.Deposits(10)})
	require.NoError(t, err)

	atFive, version, err := streams.Replay(ctx, svc, "acct-1", account{}, nil, applyDeposit)
	require.NoError(t, err)
	require.Equal(t, int64(10), version)

	state, err := json.Marshal(account{Balance: 15, Applied: 5})
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, streams.CreateSnapshotCommand{StreamID: "acct-1", SnapshotVersion: 5, State: state})
	require.NoError(t, err)

	// Act
	fromSnapshot, version, err := streams.Replay(ctx, svc, "acct-1", account{}, restoreAccount, applyDeposit)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(10), version)
	assert.Equal(t, 55, fromSnapshot.Balance)
	assert.Equal(t, atFive.Balance, fromSnapshot.Balance)
	assert.Equal(t, 10, fromSnapshot.Applied)
}

func TestReplay_SnapshotAtCurrentVersion(t *testing.T) {
	svc, _ := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	_, err := svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: -1, Events: testutil.Deposits(3)})
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, streams.CreateSnapshotCommand{
		StreamID:        "acct-1",
		SnapshotVersion: 3,
		State:           json.RawMessage(`{"balance":6,"applied":3}`),
	})
	require.NoError(t, err)

	got, version, err := streams.Replay(ctx, svc, "acct-1", account{}, restoreAccount, applyDeposit)

	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, account{Balance: 6, Applied: 3}, got)
}

func TestReplay_PropagatesApplyError(t *testing.T) {
	svc, _ := newService(t, streams.DefaultConfig())
	ctx := testutil.NewTestContext(t)

	_, err := svc.Append(ctx, streams.AppendCommand{StreamID: "acct-1", ExpectedVersion: -1, Events: testutil.Deposits(2)})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = streams.Replay(ctx, svc, "acct-1", account{}, nil, func(account, event.StoredEvent) (account, error) {
		return account{}, boom
	})

	require.ErrorIs(t, err, boom)
}

func TestSnapshotDue(t *testing.T) {
	tests := []struct {
		name                 string
		current, last, every int64
		want                 bool
	}{
		{"disabled", 100, 0, 0, false},
		{"below threshold", 4, 0, 5, false},
		{"at threshold", 5, 0, 5, true},
		{"since last snapshot", 12, 10, 5, false},
		{"past last snapshot", 15, 10, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, streams.SnapshotDue(tt.current, tt.last, tt.every))
		})
	}
}
