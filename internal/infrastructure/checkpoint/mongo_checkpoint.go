// Package checkpoint persists the forwarder's last delivered sequence.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// checkpointDocument represents the MongoDB document structure for a checkpoint.
type checkpointDocument struct {
	Name      string    `bson:"_id"`
	Sequence  int64     `bson:"sequence"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore implements appcore.CheckpointStore using MongoDB.
type MongoStore struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// Option configures a checkpoint store.
type Option func(*storeOptions)

type storeOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the checkpoint store.
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMongoStore creates a new MongoDB-backed checkpoint store.
func NewMongoStore(collection *mongo.Collection, opts ...Option) *MongoStore {
	return &MongoStore{
		collection: collection,
		logger:     applyOptions(opts).logger,
	}
}

// Load returns the saved sequence, or 0 when the forwarder has never saved one.
func (s *MongoStore) Load(ctx context.Context, name string) (int64, error) {
	var doc checkpointDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	return doc.Sequence, nil
}

// Save moves the checkpoint forward. The filter only matches a lower sequence,
// so when the stored one is already ahead the upsert hits the _id key and is ignored.
func (s *MongoStore) Save(ctx context.Context, name string, sequence int64) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": name, "sequence": bson.M{"$lt": sequence}},
		bson.M{"$set": bson.M{"sequence": sequence, "updated_at": time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		s.logger.ErrorContext(ctx, "failed to save checkpoint",
			slog.String("name", name),
			slog.Int64("sequence", sequence),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	return nil
}
