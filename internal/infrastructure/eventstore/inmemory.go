package eventstore

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/event"
)

// InMemoryEventStore implements EventStore in process memory.
// A single mutex serializes appends, so it is only suitable for one instance.
type InMemoryEventStore struct {
	mu        sync.RWMutex
	streams   map[string]*memoryStream
	log       []event.StoredEvent
	snapshots map[string][]event.Snapshot
	sequence  int64
	opts      storeOptions
}

type memoryStream struct {
	info   event.Stream
	events []event.StoredEvent
}

// NewInMemoryEventStore creates an empty in-memory event store.
func NewInMemoryEventStore(opts ...Option) *InMemoryEventStore {
	return &InMemoryEventStore{
		streams:   make(map[string]*memoryStream),
		snapshots: make(map[string][]event.Snapshot),
		opts:      applyOptions(opts),
	}
}

// Append commits a batch under the store lock.
func (s *InMemoryEventStore) Append(ctx context.Context, req appcore.AppendRequest) (appcore.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return appcore.AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.streams[req.StreamID]
	var current int64
	if exists {
		current = st.info.CurrentVersion
	}
	if err := checkExpectedVersion(req.StreamID, exists, current, req.ExpectedVersion); err != nil {
		s.opts.logger.DebugContext(ctx, "append rejected",
			slog.String("stream_id", req.StreamID),
			slog.Int64("expected_version", req.ExpectedVersion),
			slog.Int64("current_version", current),
		)
		return appcore.AppendResult{}, err
	}

	now := s.opts.now()
	stored := event.Stamp(req.StreamID, baseVersion(req.ExpectedVersion), req.Events, now)
	for i := range stored {
		s.sequence++
		stored[i].Sequence = s.sequence
	}

	if !exists {
		st = &memoryStream{info: event.Stream{
			ID:            req.StreamID,
			AggregateType: aggregateTypeOr(req.AggregateType, req.StreamID),
			CreatedAt:     now,
		}}
		s.streams[req.StreamID] = st
	}
	st.events = append(st.events, stored...)
	st.info.CurrentVersion = stored[len(stored)-1].Version
	st.info.UpdatedAt = now
	s.log = append(s.log, stored...)

	return appcore.AppendResult{
		Events:         slices.Clone(stored),
		CurrentVersion: st.info.CurrentVersion,
	}, nil
}

// ReadStream returns a page of one stream in version order.
func (s *InMemoryEventStore) ReadStream(_ context.Context, q appcore.ReadQuery) (appcore.ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[q.StreamID]
	if !ok {
		return appcore.ReadResult{}, appcore.NewNotFoundError(appcore.ResourceStream, q.StreamID)
	}

	result := appcore.ReadResult{CurrentVersion: st.info.CurrentVersion, Events: []event.StoredEvent{}}
	from, to, ok := versionRange(q, st.info.CurrentVersion)
	if !ok {
		return result, nil
	}

	// versions are contiguous from 1, so the slice index is version-1
	var matched []event.StoredEvent
	for _, e := range st.events[from-1 : to] {
		if q.EventType == "" || e.EventType == q.EventType {
			matched = append(matched, e)
		}
	}
	result.TotalCount = int64(len(matched))

	start := min(max(q.Offset, 0), len(matched))
	end := len(matched)
	if q.Limit > 0 {
		end = min(start+q.Limit, end)
	}
	result.Events = append(result.Events, matched[start:end]...)

	return result, nil
}

// EventBySequence looks up an event by its global sequence.
func (s *InMemoryEventStore) EventBySequence(_ context.Context, streamID string, sequence int64) (event.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].Sequence >= sequence })
	if i < len(s.log) && s.log[i].Sequence == sequence && s.log[i].StreamID == streamID {
		return s.log[i], nil
	}
	return event.StoredEvent{}, appcore.NewNotFoundError(appcore.ResourceEvent, strconv.FormatInt(sequence, 10))
}

// GetStream returns the registry row of a stream.
func (s *InMemoryEventStore) GetStream(_ context.Context, streamID string) (event.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return event.Stream{}, appcore.NewNotFoundError(appcore.ResourceStream, streamID)
	}
	return st.info, nil
}

// ReadAll returns events after the given sequence in commit order.
func (s *InMemoryEventStore) ReadAll(_ context.Context, afterSequence int64, limit int) ([]event.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].Sequence > afterSequence })
	end := len(s.log)
	if limit > 0 {
		end = min(i+limit, end)
	}
	return slices.Clone(s.log[i:end]), nil
}

// SaveSnapshot stores a snapshot of an existing stream.
func (s *InMemoryEventStore) SaveSnapshot(_ context.Context, snap event.Snapshot) (event.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[snap.StreamID]
	if !ok {
		return event.Snapshot{}, appcore.NewNotFoundError(appcore.ResourceStream, snap.StreamID)
	}
	if err := checkSnapshotVersion(snap.SnapshotVersion, st.info.CurrentVersion); err != nil {
		return event.Snapshot{}, err
	}

	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.AggregateType = aggregateTypeOr(snap.AggregateType, st.info.AggregateType)
	snap.CreatedAt = s.opts.now()
	s.snapshots[snap.StreamID] = append(s.snapshots[snap.StreamID], snap)

	return snap, nil
}

// LatestSnapshot returns the newest snapshot of a stream.
func (s *InMemoryEventStore) LatestSnapshot(_ context.Context, streamID string) (event.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[streamID]
	if len(snaps) == 0 {
		return event.Snapshot{}, appcore.NewNotFoundError(appcore.ResourceSnapshot, streamID)
	}

	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Newer(latest) {
			latest = snap
		}
	}
	return latest, nil
}

// PruneSnapshots keeps the newest keep snapshots of a stream.
func (s *InMemoryEventStore) PruneSnapshots(_ context.Context, streamID string, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := s.snapshots[streamID]
	if len(snaps) <= keep {
		return 0, nil
	}

	sorted := slices.Clone(snaps)
	slices.SortFunc(sorted, func(a, b event.Snapshot) int {
		if b.Newer(a) {
			return 1
		}
		if a.Newer(b) {
			return -1
		}
		return 0
	})
	s.snapshots[streamID] = sorted[:keep]

	return int64(len(snaps) - keep), nil
}

// DeleteStream removes a stream with its events and snapshots.
func (s *InMemoryEventStore) DeleteStream(_ context.Context, streamID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[streamID]; !ok {
		return false, nil
	}

	delete(s.streams, streamID)
	delete(s.snapshots, streamID)
	s.log = slices.DeleteFunc(s.log, func(e event.StoredEvent) bool { return e.StreamID == streamID })

	return true, nil
}

// Ping always succeeds.
func (s *InMemoryEventStore) Ping(context.Context) error {
	return nil
}

// Clear removes everything (for tests).
func (s *InMemoryEventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams = make(map[string]*memoryStream)
	s.snapshots = make(map[string][]event.Snapshot)
	s.log = nil
}
