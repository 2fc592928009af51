//go:build integration

package mongodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/evstore/internal/infrastructure/mongodb"
	"github.com/lllypuk/evstore/tests/testutil"
)

func TestCreateAllIndexes(t *testing.T) {
	db := testutil.SetupTestMongoDB(t)
	ctx := context.Background()

	// Act
	err := mongodb.CreateAllIndexes(ctx, db)

	// Assert
	require.NoError(t, err)

	names := indexNames(ctx, t, db, mongodb.CollectionEvents)
	assert.Contains(t, names, "idx_events_stream_version_unique")
	assert.Contains(t, names, "idx_events_sequence_unique")

	names = indexNames(ctx, t, db, mongodb.CollectionSnapshots)
	assert.Contains(t, names, "idx_snapshots_stream_latest")
}

func TestCreateAllIndexes_Idempotent(t *testing.T) {
	db := testutil.SetupTestMongoDB(t)
	ctx := context.Background()

	require.NoError(t, mongodb.CreateAllIndexes(ctx, db))
	require.NoError(t, mongodb.EnsureIndexes(ctx, db))
}

func indexNames(ctx context.Context, t *testing.T, db *mongo.Database, collName string) []string {
	t.Helper()

	cursor, err := db.Collection(collName).Indexes().List(ctx)
	require.NoError(t, err)

	var indexes []bson.M
	require.NoError(t, cursor.All(ctx, &indexes))

	names := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		if name, ok := idx["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}
