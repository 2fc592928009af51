// Package mongodb provides MongoDB infrastructure components including index management.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names as constants for consistency.
const (
	CollectionStreams     = "streams"
	CollectionEvents      = "events"
	CollectionSnapshots   = "snapshots"
	CollectionCounters    = "counters"
	CollectionCheckpoints = "forwarder_checkpoints"
)

// IndexDefinition describes a MongoDB index to be created.
type IndexDefinition struct {
	Collection string
	Name       string
	Keys       bson.D
	Unique     bool
}

func (d IndexDefinition) model() mongo.IndexModel {
	opts := options.Index().SetName(d.Name)
	if d.Unique {
		opts.SetUnique(true)
	}
	return mongo.IndexModel{Keys: d.Keys, Options: opts}
}

// CreateAllIndexes creates all necessary indexes for the store.
// This function is idempotent - calling it multiple times is safe.
func CreateAllIndexes(ctx context.Context, db *mongo.Database) error {
	for _, idx := range GetAllIndexDefinitions() {
		_, err := db.Collection(idx.Collection).Indexes().CreateOne(ctx, idx.model())
		if err != nil {
			return fmt.Errorf("failed to create index %s on collection %s: %w", idx.Name, idx.Collection, err)
		}
	}

	return nil
}

// GetAllIndexDefinitions returns all index definitions for all collections.
func GetAllIndexDefinitions() []IndexDefinition {
	var indexes []IndexDefinition

	indexes = append(indexes, GetEventIndexes()...)
	indexes = append(indexes, GetSnapshotIndexes()...)

	return indexes
}

// GetEventIndexes returns index definitions for the events collection.
func GetEventIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// Backstop for optimistic locking: one event per stream+version
			Collection: CollectionEvents,
			Name:       "idx_events_stream_version_unique",
			Keys:       bson.D{{Key: "stream_id", Value: 1}, {Key: "version", Value: 1}},
			Unique:     true,
		},
		{
			// Global commit order, used by the forwarder feed
			Collection: CollectionEvents,
			Name:       "idx_events_sequence_unique",
			Keys:       bson.D{{Key: "sequence", Value: 1}},
			Unique:     true,
		},
		{
			Collection: CollectionEvents,
			Name:       "idx_events_stream_type_version",
			Keys:       bson.D{{Key: "stream_id", Value: 1}, {Key: "event_type", Value: 1}, {Key: "version", Value: 1}},
		},
	}
}

// GetSnapshotIndexes returns index definitions for the snapshots collection.
func GetSnapshotIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: CollectionSnapshots,
			Name:       "idx_snapshots_stream_latest",
			Keys: bson.D{
				{Key: "stream_id", Value: 1},
				{Key: "snapshot_version", Value: -1},
				{Key: "created_at", Value: -1},
			},
		},
	}
}

// EnsureIndexes is an alias for CreateAllIndexes for semantic clarity.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	return CreateAllIndexes(ctx, db)
}
