package streams

import (
	"context"
	"errors"

	"github.com/lllypuk/evstore/internal/domain/errs"
	"github.com/lllypuk/evstore/internal/domain/event"
)

// Reader is the part of Service that replay needs.
type Reader interface {
	LatestSnapshot(ctx context.Context, streamID string) (event.Snapshot, error)
	ReadEvents(ctx context.Context, q ReadEventsQuery) (ReadPage, error)
}

// SnapshotDue reports whether every or more events were appended since lastSnapshotVersion.
func SnapshotDue(currentVersion, lastSnapshotVersion, every int64) bool {
	return every > 0 && currentVersion-lastSnapshotVersion >= every
}

// Replay rebuilds aggregate state: it restores the latest snapshot (if any)
// and folds every later event onto it in version order.
//
// restore may be nil to ignore snapshots and fold from version 1. All pages are
// read up to the version seen on the first page, so the result is one
// consistent version even when appends happen meanwhile.
func Replay[S any](
	ctx context.Context,
	r Reader,
	streamID string,
	zero S,
	restore func(event.Snapshot) (S, error),
	apply func(S, event.StoredEvent) (S, error),
) (S, int64, error) {
	state := zero
	var version int64

	if restore != nil {
		snap, err := r.LatestSnapshot(ctx, streamID)
		switch {
		case err == nil:
			if state, err = restore(snap); err != nil {
				return zero, 0, err
			}
			version = snap.SnapshotVersion
		case !errors.Is(err, errs.ErrNotFound):
			return zero, 0, err
		}
	}

	q := ReadEventsQuery{StreamID: streamID, FromVersion: version + 1, PageSize: MaxPageSize}
	for page := 1; ; page++ {
		q.Page = page
		res, err := r.ReadEvents(ctx, q)
		if err != nil {
			return zero, 0, err
		}
		if page == 1 {
			if res.CurrentVersion <= version {
				return state, version, nil
			}
			q.ToVersion = res.CurrentVersion
		}

		for _, e := range res.Events {
			if state, err = apply(state, e); err != nil {
				return zero, 0, err
			}
			version = e.Version
		}

		if !res.HasNext {
			return state, version, nil
		}
	}
}
