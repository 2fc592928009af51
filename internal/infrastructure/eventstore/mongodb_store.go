package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/event"
	"github.com/lllypuk/evstore/internal/infrastructure/mongodb"
)

// sequenceCounterID is the counters document holding the global sequence.
const sequenceCounterID = "events"

// errLostRace aborts a transaction that collided with a concurrent writer
// on a unique key. The conflict details are read after the abort.
var errLostRace = errors.New("lost append race")

// MongoEventStore implements EventStore on MongoDB.
//
// Appends run in a multi-document transaction, so the deployment must be a
// replica set. Every append increments the same counters document, which makes
// concurrent transactions conflict and retry until the previous one committed:
// sequence order therefore equals commit order.
type MongoEventStore struct {
	client    *mongo.Client
	database  *mongo.Database
	streams   *mongo.Collection
	events    *mongo.Collection
	snapshots *mongo.Collection
	counters  *mongo.Collection
	txnOpts   *options.TransactionOptionsBuilder
	opts      storeOptions
}

// NewMongoEventStore creates a new MongoDB event store
func NewMongoEventStore(client *mongo.Client, databaseName string, opts ...Option) *MongoEventStore {
	database := client.Database(databaseName)

	o := applyOptions(opts)
	clock := o.now
	// MongoDB stores millisecond precision
	o.now = func() time.Time { return clock().Truncate(time.Millisecond) }

	return &MongoEventStore{
		client:    client,
		database:  database,
		streams:   database.Collection(mongodb.CollectionStreams),
		events:    database.Collection(mongodb.CollectionEvents),
		snapshots: database.Collection(mongodb.CollectionSnapshots),
		counters:  database.Collection(mongodb.CollectionCounters),
		txnOpts: options.Transaction().
			SetReadConcern(readconcern.Snapshot()).
			SetWriteConcern(writeconcern.Majority()),
		opts: o,
	}
}

// EnsureSchema creates indexes and the sequence counter.
// Creating the counter up front keeps concurrent first appends from racing on its upsert.
func (s *MongoEventStore) EnsureSchema(ctx context.Context) error {
	if err := mongodb.CreateAllIndexes(ctx, s.database); err != nil {
		return err
	}

	_, err := s.counters.UpdateOne(ctx,
		bson.M{"_id": sequenceCounterID},
		bson.M{"$setOnInsert": bson.M{"value": int64(0)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to create sequence counter: %w", err)
	}

	return nil
}

// Append commits a batch in one transaction with optimistic locking on the stream row.
func (s *MongoEventStore) Append(ctx context.Context, req appcore.AppendRequest) (appcore.AppendResult, error) {
	session, err := s.client.StartSession()
	if err != nil {
		s.opts.logger.ErrorContext(ctx, "failed to start MongoDB session for event store",
			slog.String("stream_id", req.StreamID),
			slog.String("error", err.Error()),
		)
		return appcore.AppendResult{}, appcore.Internal("start session", err)
	}
	defer session.EndSession(ctx)

	res, err := session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return s.appendTx(txCtx, req)
	}, s.txnOpts)

	if errors.Is(err, errLostRace) {
		return appcore.AppendResult{}, s.conflictAfterRace(ctx, req)
	}
	if err != nil {
		if isConcurrencyError(err) {
			s.opts.logger.DebugContext(ctx, "append rejected",
				slog.String("stream_id", req.StreamID),
				slog.Int64("expected_version", req.ExpectedVersion),
				slog.String("error", err.Error()),
			)
			return appcore.AppendResult{}, err
		}
		s.opts.logger.ErrorContext(ctx, "event store transaction failed",
			slog.String("stream_id", req.StreamID),
			slog.Int("events_count", len(req.Events)),
			slog.String("error", err.Error()),
		)
		return appcore.AppendResult{}, appcore.Internal("append events", err)
	}

	result, _ := res.(appcore.AppendResult)
	return result, nil
}

func (s *MongoEventStore) appendTx(ctx context.Context, req appcore.AppendRequest) (appcore.AppendResult, error) {
	// 1. Read the registry row inside the snapshot
	var stream StreamDocument
	exists := true
	err := s.streams.FindOne(ctx, bson.M{"_id": req.StreamID}).Decode(&stream)
	if errors.Is(err, mongo.ErrNoDocuments) {
		exists = false
	} else if err != nil {
		return appcore.AppendResult{}, fmt.Errorf("failed to read stream: %w", err)
	}

	// 2. Optimistic concurrency check
	if err = checkExpectedVersion(req.StreamID, exists, stream.Version, req.ExpectedVersion); err != nil {
		return appcore.AppendResult{}, err
	}

	// 3. Reserve sequence numbers
	n := int64(len(req.Events))
	var counter counterDocument
	err = s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": sequenceCounterID},
		bson.M{"$inc": bson.M{"value": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return appcore.AppendResult{}, fmt.Errorf("failed to reserve sequence: %w", err)
	}

	now := s.opts.now()
	stored := event.Stamp(req.StreamID, baseVersion(req.ExpectedVersion), req.Events, now)
	first := counter.Value - n + 1
	docs := make([]any, len(stored))
	for i := range stored {
		stored[i].Sequence = first + int64(i)
		docs[i] = toEventDocument(stored[i])
	}

	// 4. Insert events
	if _, err = s.events.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return appcore.AppendResult{}, errLostRace
		}
		return appcore.AppendResult{}, fmt.Errorf("failed to insert events: %w", err)
	}

	// 5. Move the stream version
	newVersion := stored[len(stored)-1].Version
	if exists {
		upd, errUpdate := s.streams.UpdateOne(ctx,
			bson.M{"_id": req.StreamID, "version": req.ExpectedVersion},
			bson.M{"$set": bson.M{"version": newVersion, "updated_at": now}},
		)
		if errUpdate != nil {
			return appcore.AppendResult{}, fmt.Errorf("failed to update stream: %w", errUpdate)
		}
		if upd.MatchedCount == 0 {
			return appcore.AppendResult{}, errLostRace
		}
	} else {
		_, err = s.streams.InsertOne(ctx, StreamDocument{
			ID:            req.StreamID,
			AggregateType: aggregateTypeOr(req.AggregateType, req.StreamID),
			Version:       newVersion,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return appcore.AppendResult{}, errLostRace
			}
			return appcore.AppendResult{}, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	return appcore.AppendResult{Events: stored, CurrentVersion: newVersion}, nil
}

// conflictAfterRace reports the committed state that beat the aborted append.
func (s *MongoEventStore) conflictAfterRace(ctx context.Context, req appcore.AppendRequest) error {
	stream, err := s.GetStream(ctx, req.StreamID)
	var notFound *appcore.NotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	exists := err == nil

	if conflict := checkExpectedVersion(req.StreamID, exists, stream.CurrentVersion, req.ExpectedVersion); conflict != nil {
		return conflict
	}
	return appcore.NewVersionConflictError(req.StreamID, req.ExpectedVersion, stream.CurrentVersion)
}

// ReadStream returns a page of one stream. The upper bound is fixed by the
// stream version read first; events below it are immutable.
func (s *MongoEventStore) ReadStream(ctx context.Context, q appcore.ReadQuery) (appcore.ReadResult, error) {
	stream, err := s.GetStream(ctx, q.StreamID)
	if err != nil {
		return appcore.ReadResult{}, err
	}

	result := appcore.ReadResult{CurrentVersion: stream.CurrentVersion, Events: []event.StoredEvent{}}
	from, to, ok := versionRange(q, stream.CurrentVersion)
	if !ok {
		return result, nil
	}

	filter := bson.M{
		"stream_id": q.StreamID,
		"version":   bson.M{"$gte": from, "$lte": to},
	}
	if q.EventType != "" {
		filter["event_type"] = q.EventType
	}

	result.TotalCount, err = s.events.CountDocuments(ctx, filter)
	if err != nil {
		return appcore.ReadResult{}, appcore.Internal("count events", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "version", Value: 1}}).
		SetSkip(int64(max(q.Offset, 0)))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	events, err := s.findEvents(ctx, filter, opts)
	if err != nil {
		s.opts.logger.ErrorContext(ctx, "failed to read stream",
			slog.String("stream_id", q.StreamID),
			slog.String("error", err.Error()),
		)
		return appcore.ReadResult{}, appcore.Internal("read stream", err)
	}
	result.Events = append(result.Events, events...)

	return result, nil
}

// EventBySequence looks up an event by its global sequence.
func (s *MongoEventStore) EventBySequence(ctx context.Context, streamID string, sequence int64) (event.StoredEvent, error) {
	var doc EventDocument
	err := s.events.FindOne(ctx, bson.M{"stream_id": streamID, "sequence": sequence}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return event.StoredEvent{}, appcore.NewNotFoundError(appcore.ResourceEvent, strconv.FormatInt(sequence, 10))
	}
	if err != nil {
		return event.StoredEvent{}, appcore.Internal("find event", err)
	}
	return doc.toStoredEvent(), nil
}

// GetStream returns the registry row of a stream.
func (s *MongoEventStore) GetStream(ctx context.Context, streamID string) (event.Stream, error) {
	var doc StreamDocument
	err := s.streams.FindOne(ctx, bson.M{"_id": streamID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return event.Stream{}, appcore.NewNotFoundError(appcore.ResourceStream, streamID)
	}
	if err != nil {
		return event.Stream{}, appcore.Internal("find stream", err)
	}
	return doc.toStream(), nil
}

// ReadAll returns events after the given sequence in commit order.
func (s *MongoEventStore) ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.StoredEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	events, err := s.findEvents(ctx, bson.M{"sequence": bson.M{"$gt": afterSequence}}, opts)
	if err != nil {
		return nil, appcore.Internal("read all", err)
	}
	return events, nil
}

func (s *MongoEventStore) findEvents(
	ctx context.Context,
	filter bson.M,
	opts *options.FindOptionsBuilder,
) ([]event.StoredEvent, error) {
	cursor, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []EventDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	events := make([]event.StoredEvent, len(docs))
	for i, doc := range docs {
		events[i] = doc.toStoredEvent()
	}
	return events, nil
}

// SaveSnapshot stores a snapshot of an existing stream.
//
// The version check and the insert share one transaction that also writes the
// stream row, so a concurrent DeleteStream conflicts with it instead of leaving
// an orphaned snapshot behind.
func (s *MongoEventStore) SaveSnapshot(ctx context.Context, snap event.Snapshot) (event.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}

	session, err := s.client.StartSession()
	if err != nil {
		return event.Snapshot{}, appcore.Internal("start session", err)
	}
	defer session.EndSession(ctx)

	res, err := session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return s.saveSnapshotTx(txCtx, snap)
	}, s.txnOpts)
	if err != nil {
		var notFound *appcore.NotFoundError
		var invalid *appcore.ValidationError
		if errors.As(err, &notFound) || errors.As(err, &invalid) {
			return event.Snapshot{}, err
		}
		s.opts.logger.ErrorContext(ctx, "failed to save snapshot",
			slog.String("stream_id", snap.StreamID),
			slog.Int64("snapshot_version", snap.SnapshotVersion),
			slog.String("error", err.Error()),
		)
		return event.Snapshot{}, appcore.Internal("insert snapshot", err)
	}

	saved, _ := res.(event.Snapshot)
	return saved, nil
}

func (s *MongoEventStore) saveSnapshotTx(ctx context.Context, snap event.Snapshot) (event.Snapshot, error) {
	now := s.opts.now()

	var stream StreamDocument
	err := s.streams.FindOneAndUpdate(ctx,
		bson.M{"_id": snap.StreamID},
		bson.M{"$set": bson.M{"last_snapshot_at": now}},
	).Decode(&stream)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return event.Snapshot{}, appcore.NewNotFoundError(appcore.ResourceStream, snap.StreamID)
	}
	if err != nil {
		return event.Snapshot{}, fmt.Errorf("failed to lock stream: %w", err)
	}
	if err = checkSnapshotVersion(snap.SnapshotVersion, stream.Version); err != nil {
		return event.Snapshot{}, err
	}

	snap.AggregateType = aggregateTypeOr(snap.AggregateType, stream.AggregateType)
	snap.CreatedAt = now

	if _, err = s.snapshots.InsertOne(ctx, toSnapshotDocument(snap)); err != nil {
		return event.Snapshot{}, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot of a stream.
func (s *MongoEventStore) LatestSnapshot(ctx context.Context, streamID string) (event.Snapshot, error) {
	opts := options.FindOne().SetSort(bson.D{
		{Key: "snapshot_version", Value: -1},
		{Key: "created_at", Value: -1},
	})

	var doc SnapshotDocument
	err := s.snapshots.FindOne(ctx, bson.M{"stream_id": streamID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return event.Snapshot{}, appcore.NewNotFoundError(appcore.ResourceSnapshot, streamID)
	}
	if err != nil {
		return event.Snapshot{}, appcore.Internal("find snapshot", err)
	}
	return doc.toSnapshot(), nil
}

// PruneSnapshots keeps the newest keep snapshots of a stream.
func (s *MongoEventStore) PruneSnapshots(ctx context.Context, streamID string, keep int) (int64, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "snapshot_version", Value: -1}, {Key: "created_at", Value: -1}}).
		SetSkip(int64(keep)).
		SetProjection(bson.M{"_id": 1})

	cursor, err := s.snapshots.Find(ctx, bson.M{"stream_id": streamID}, opts)
	if err != nil {
		return 0, appcore.Internal("find snapshots", err)
	}
	defer cursor.Close(ctx)

	var stale []struct {
		ID string `bson:"_id"`
	}
	if err = cursor.All(ctx, &stale); err != nil {
		return 0, appcore.Internal("decode snapshots", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, doc := range stale {
		ids[i] = doc.ID
	}

	res, err := s.snapshots.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, appcore.Internal("delete snapshots", err)
	}
	return res.DeletedCount, nil
}

// DeleteStream removes a stream with its events and snapshots in one transaction.
func (s *MongoEventStore) DeleteStream(ctx context.Context, streamID string) (bool, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return false, appcore.Internal("start session", err)
	}
	defer session.EndSession(ctx)

	res, err := session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		del, errDelete := s.streams.DeleteOne(txCtx, bson.M{"_id": streamID})
		if errDelete != nil {
			return false, fmt.Errorf("failed to delete stream: %w", errDelete)
		}
		if del.DeletedCount == 0 {
			return false, nil
		}
		if _, errDelete = s.events.DeleteMany(txCtx, bson.M{"stream_id": streamID}); errDelete != nil {
			return false, fmt.Errorf("failed to delete events: %w", errDelete)
		}
		if _, errDelete = s.snapshots.DeleteMany(txCtx, bson.M{"stream_id": streamID}); errDelete != nil {
			return false, fmt.Errorf("failed to delete snapshots: %w", errDelete)
		}
		return true, nil
	}, s.txnOpts)
	if err != nil {
		s.opts.logger.ErrorContext(ctx, "failed to delete stream",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()),
		)
		return false, appcore.Internal("delete stream", err)
	}

	deleted, _ := res.(bool)
	return deleted, nil
}

// Ping checks MongoDB connectivity.
func (s *MongoEventStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func isConcurrencyError(err error) bool {
	var conflict *appcore.VersionConflictError
	var exists *appcore.StreamExistsError
	return errors.As(err, &conflict) || errors.As(err, &exists)
}
