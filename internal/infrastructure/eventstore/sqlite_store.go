package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/lllypuk/evstore/internal/application/appcore"
	"github.com/lllypuk/evstore/internal/domain/event"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS streams (
	id             TEXT PRIMARY KEY,
	aggregate_type TEXT    NOT NULL,
	version        INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	sequence       INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id      TEXT    NOT NULL REFERENCES streams (id) ON DELETE CASCADE,
	version        INTEGER NOT NULL,
	event_type     TEXT    NOT NULL,
	payload        TEXT    NOT NULL,
	actor_id       TEXT    NOT NULL DEFAULT '',
	correlation_id TEXT    NOT NULL DEFAULT '',
	causation_id   TEXT    NOT NULL DEFAULT '',
	occurred_at    INTEGER NOT NULL,
	stored_at      INTEGER NOT NULL,
	UNIQUE (stream_id, version)
);
CREATE INDEX IF NOT EXISTS events_stream_type_index ON events (stream_id, event_type, version);
CREATE TABLE IF NOT EXISTS snapshots (
	id               TEXT PRIMARY KEY,
	stream_id        TEXT    NOT NULL REFERENCES streams (id) ON DELETE CASCADE,
	snapshot_version INTEGER NOT NULL,
	aggregate_type   TEXT    NOT NULL,
	state            TEXT    NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_latest_index ON snapshots (stream_id, snapshot_version DESC, created_at DESC);
`

const eventColumns = `sequence, stream_id, version, event_type, payload,
	actor_id, correlation_id, causation_id, occurred_at, stored_at`

// SQLiteEventStore implements EventStore on an embedded SQLite database.
//
// The pool is limited to one connection, so every transaction runs alone and
// the AUTOINCREMENT key gives a gap-tolerant, never reused global sequence.
type SQLiteEventStore struct {
	db   *sql.DB
	opts storeOptions
}

// OpenSQLite opens (or creates) a SQLite database with the pragmas the store relies on.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite allows one writer; a single pooled connection also keeps a
	// ":memory:" database alive for the lifetime of the pool
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := fmt.Sprintf(`
	PRAGMA journal_mode=DELETE;
	PRAGMA synchronous=FULL;
	PRAGMA foreign_keys=1;
	PRAGMA busy_timeout=%d;
	`, busyTimeout.Milliseconds())
	if _, err = db.ExecContext(ctx, pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
	}

	return db, nil
}

// NewSQLiteEventStore creates the schema if needed and returns the store.
func NewSQLiteEventStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteEventStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &SQLiteEventStore{db: db, opts: applyOptions(opts)}, nil
}

// Append commits a batch in one transaction.
func (s *SQLiteEventStore) Append(ctx context.Context, req appcore.AppendRequest) (appcore.AppendResult, error) {
	var result appcore.AppendResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.appendTx(ctx, tx, req)
		return err
	})
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
	return result, nil
}

func (s *SQLiteEventStore) appendTx(ctx context.Context, tx *sql.Tx, req appcore.AppendRequest) (appcore.AppendResult, error) {
	stream, exists, err := getStreamTx(ctx, tx, req.StreamID)
	if err != nil {
		return appcore.AppendResult{}, err
	}
	if err = checkExpectedVersion(req.StreamID, exists, stream.CurrentVersion, req.ExpectedVersion); err != nil {
		return appcore.AppendResult{}, err
	}

	now := s.opts.now()
	stored := event.Stamp(req.StreamID, baseVersion(req.ExpectedVersion), req.Events, now)
	newVersion := stored[len(stored)-1].Version

	// the stream row goes first so the events foreign key holds
	if exists {
		res, errUpdate := tx.ExecContext(ctx,
			`UPDATE streams SET version = ?, updated_at = ? WHERE id = ? AND version = ?`,
			newVersion, now.UnixNano(), req.StreamID, req.ExpectedVersion)
		if errUpdate != nil {
			return appcore.AppendResult{}, fmt.Errorf("failed to update stream: %w", errUpdate)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appcore.AppendResult{}, appcore.NewVersionConflictError(req.StreamID, req.ExpectedVersion, stream.CurrentVersion)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (id, aggregate_type, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			req.StreamID, aggregateTypeOr(req.AggregateType, req.StreamID), newVersion, now.UnixNano(), now.UnixNano())
		if err != nil {
			return appcore.AppendResult{}, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (
		stream_id, version, event_type, payload, actor_id, correlation_id, causation_id, occurred_at, stored_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return appcore.AppendResult{}, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range stored {
		res, errInsert := stmt.ExecContext(ctx,
			e.StreamID, e.Version, e.EventType, string(e.Payload),
			e.Metadata.ActorID, e.Metadata.CorrelationID, e.Metadata.CausationID,
			e.OccurredAt.UnixNano(), e.StoredAt.UnixNano())
		if errInsert != nil {
			if isUniqueViolation(errInsert) {
				return appcore.AppendResult{}, appcore.NewVersionConflictError(req.StreamID, req.ExpectedVersion, stream.CurrentVersion)
			}
			return appcore.AppendResult{}, fmt.Errorf("failed to insert event at index %d: %w", i, errInsert)
		}
		if stored[i].Sequence, errInsert = res.LastInsertId(); errInsert != nil {
			return appcore.AppendResult{}, fmt.Errorf("failed to read sequence: %w", errInsert)
		}
	}

	return appcore.AppendResult{Events: stored, CurrentVersion: newVersion}, nil
}

// ReadStream returns a page of one stream from a single read transaction.
func (s *SQLiteEventStore) ReadStream(ctx context.Context, q appcore.ReadQuery) (appcore.ReadResult, error) {
	var result appcore.ReadResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stream, exists, err := getStreamTx(ctx, tx, q.StreamID)
		if err != nil {
			return err
		}
		if !exists {
			return appcore.NewNotFoundError(appcore.ResourceStream, q.StreamID)
		}

		result = appcore.ReadResult{CurrentVersion: stream.CurrentVersion, Events: []event.StoredEvent{}}
		from, to, ok := versionRange(q, stream.CurrentVersion)
		if !ok {
			return nil
		}

		where := `WHERE stream_id = ? AND version BETWEEN ? AND ?`
		args := []any{q.StreamID, from, to}
		if q.EventType != "" {
			where += ` AND event_type = ?`
			args = append(args, q.EventType)
		}

		if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events `+where, args...).Scan(&result.TotalCount); err != nil {
			return fmt.Errorf("failed to count events: %w", err)
		}

		limit := -1
		if q.Limit > 0 {
			limit = q.Limit
		}
		query := `SELECT ` + eventColumns + ` FROM events ` + where + ` ORDER BY version LIMIT ? OFFSET ?`
		events, err := queryEvents(ctx, tx, query, append(args, limit, max(q.Offset, 0))...)
		if err != nil {
			return err
		}
		result.Events = append(result.Events, events...)
		return nil
	})
	if err != nil {
		return appcore.ReadResult{}, s.wrap(ctx, "read stream", err)
	}
	return result, nil
}

// EventBySequence looks up an event by its global sequence.
func (s *SQLiteEventStore) EventBySequence(ctx context.Context, streamID string, sequence int64) (event.StoredEvent, error) {
	events, err := queryEvents(ctx, s.db,
		`SELECT `+eventColumns+` FROM events WHERE sequence = ? AND stream_id = ?`, sequence, streamID)
	if err != nil {
		return event.StoredEvent{}, s.wrap(ctx, "find event", err)
	}
	if len(events) == 0 {
		return event.StoredEvent{}, appcore.NewNotFoundError(appcore.ResourceEvent, strconv.FormatInt(sequence, 10))
	}
	return events[0], nil
}

// GetStream returns the registry row of a stream.
func (s *SQLiteEventStore) GetStream(ctx context.Context, streamID string) (event.Stream, error) {
	stream, exists, err := getStreamTx(ctx, s.db, streamID)
	if err != nil {
		return event.Stream{}, s.wrap(ctx, "find stream", err)
	}
	if !exists {
		return event.Stream{}, appcore.NewNotFoundError(appcore.ResourceStream, streamID)
	}
	return stream, nil
}

// ReadAll returns events after the given sequence in commit order.
func (s *SQLiteEventStore) ReadAll(ctx context.Context, afterSequence int64, limit int) ([]event.StoredEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	events, err := queryEvents(ctx, s.db,
		`SELECT `+eventColumns+` FROM events WHERE sequence > ? ORDER BY sequence LIMIT ?`, afterSequence, limit)
	if err != nil {
		return nil, s.wrap(ctx, "read all", err)
	}
	return events, nil
}

// SaveSnapshot stores a snapshot of an existing stream.
func (s *SQLiteEventStore) SaveSnapshot(ctx context.Context, snap event.Snapshot) (event.Snapshot, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stream, exists, err := getStreamTx(ctx, tx, snap.StreamID)
		if err != nil {
			return err
		}
		if !exists {
			return appcore.NewNotFoundError(appcore.ResourceStream, snap.StreamID)
		}
		if err = checkSnapshotVersion(snap.SnapshotVersion, stream.CurrentVersion); err != nil {
			return err
		}

		if snap.ID == "" {
			snap.ID = uuid.NewString()
		}
		snap.AggregateType = aggregateTypeOr(snap.AggregateType, stream.AggregateType)
		snap.CreatedAt = s.opts.now()

		_, err = tx.ExecContext(ctx, `INSERT INTO snapshots
			(id, stream_id, snapshot_version, aggregate_type, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			snap.ID, snap.StreamID, snap.SnapshotVersion, snap.AggregateType, string(snap.State), snap.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return event.Snapshot{}, s.wrap(ctx, "save snapshot", err)
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot of a stream.
func (s *SQLiteEventStore) LatestSnapshot(ctx context.Context, streamID string) (event.Snapshot, error) {
	var (
		snap      event.Snapshot
		state     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, stream_id, snapshot_version, aggregate_type, state, created_at
		FROM snapshots WHERE stream_id = ?
		ORDER BY snapshot_version DESC, created_at DESC LIMIT 1`, streamID).
		Scan(&snap.ID, &snap.StreamID, &snap.SnapshotVersion, &snap.AggregateType, &state, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Snapshot{}, appcore.NewNotFoundError(appcore.ResourceSnapshot, streamID)
	}
	if err != nil {
		return event.Snapshot{}, s.wrap(ctx, "find snapshot", err)
	}

	snap.State = []byte(state)
	snap.CreatedAt = fromUnixNano(createdAt)
	return snap, nil
}

// PruneSnapshots keeps the newest keep snapshots of a stream.
func (s *SQLiteEventStore) PruneSnapshots(ctx context.Context, streamID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE stream_id = ? AND id NOT IN (
		SELECT id FROM snapshots WHERE stream_id = ?
		ORDER BY snapshot_version DESC, created_at DESC LIMIT ?)`, streamID, streamID, keep)
	if err != nil {
		return 0, s.wrap(ctx, "prune snapshots", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteStream removes a stream; events and snapshots follow through ON DELETE CASCADE.
func (s *SQLiteEventStore) DeleteStream(ctx context.Context, streamID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE id = ?`, streamID)
	if err != nil {
		return false, s.wrap(ctx, "delete stream", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Ping checks the database handle.
func (s *SQLiteEventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle so other stores can share the single connection.
func (s *SQLiteEventStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteEventStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// wrap passes structured errors through and marks everything else internal.
func (s *SQLiteEventStore) wrap(ctx context.Context, op string, err error) error {
	var notFound *appcore.NotFoundError
	var invalid *appcore.ValidationError
	if errors.As(err, &notFound) || errors.As(err, &invalid) {
		return err
	}
	s.opts.logger.ErrorContext(ctx, "sqlite event store failure",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return appcore.Internal(op, err)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getStreamTx(ctx context.Context, q queryer, streamID string) (event.Stream, bool, error) {
	var (
		stream               event.Stream
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, aggregate_type, version, created_at, updated_at FROM streams WHERE id = ?`, streamID).
		Scan(&stream.ID, &stream.AggregateType, &stream.CurrentVersion, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Stream{}, false, nil
	}
	if err != nil {
		return event.Stream{}, false, fmt.Errorf("failed to read stream: %w", err)
	}

	stream.CreatedAt = fromUnixNano(createdAt)
	stream.UpdatedAt = fromUnixNano(updatedAt)
	return stream, true, nil
}

func queryEvents(ctx context.Context, q queryer, query string, args ...any) ([]event.StoredEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []event.StoredEvent
	for rows.Next() {
		var (
			e                    event.StoredEvent
			payload              string
			actor, corr, cause   string
			occurredAt, storedAt int64
		)
		if err = rows.Scan(&e.Sequence, &e.StreamID, &e.Version, &e.EventType, &payload,
			&actor, &corr, &cause, &occurredAt, &storedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Payload = []byte(payload)
		e.Metadata = event.NewMetadata(actor, corr, cause)
		e.OccurredAt = fromUnixNano(occurredAt)
		e.StoredAt = fromUnixNano(storedAt)
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
