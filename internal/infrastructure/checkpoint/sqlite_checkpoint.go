package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS forwarder_checkpoints (
	name       TEXT PRIMARY KEY,
	sequence   INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore implements appcore.CheckpointStore in the store's SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates the checkpoint table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &SQLiteStore{db: db, logger: applyOptions(opts).logger}, nil
}

// Load returns the saved sequence, or 0.
func (s *SQLiteStore) Load(ctx context.Context, name string) (int64, error) {
	var sequence int64
	err := s.db.QueryRowContext(ctx, `SELECT sequence FROM forwarder_checkpoints WHERE name = ?`, name).Scan(&sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	return sequence, nil
}

// Save moves the checkpoint forward; a lower sequence leaves the row untouched.
func (s *SQLiteStore) Save(ctx context.Context, name string, sequence int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO forwarder_checkpoints (name, sequence, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET sequence = excluded.sequence, updated_at = excluded.updated_at
		WHERE excluded.sequence > forwarder_checkpoints.sequence`,
		name, sequence, time.Now().UnixNano())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save checkpoint",
			slog.String("name", name),
			slog.Int64("sequence", sequence),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	return nil
}
