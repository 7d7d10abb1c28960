//go:build integration

package mongodb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
	"github.com/lllypuk/eventflow/tests/testutil"
)

func TestCreateAllIndexes_Idempotent(t *testing.T) {
	// Arrange
	_, db := testutil.SetupTestMongoDB(t)
	ctx := context.Background()

	// Act
	err := mongodb.CreateAllIndexes(ctx, db)

	// Assert
	require.NoError(t, err)
	indexes := getCollectionIndexes(ctx, t, db, mongodb.CollectionEvents)
	assert.Len(t, indexes, len(mongodb.GetEventIndexes())+1) // plus _id
}

func TestIndexesIntegration_AggregateVersionUnique(t *testing.T) {
	// Arrange
	_, db := testutil.SetupTestMongoDB(t)
	ctx := context.Background()
	events := db.Collection(mongodb.CollectionEvents)

	_, err := events.InsertOne(ctx, bson.M{"_id": "e1", "aggregate_id": "a", "version": 1, "global_sequence": 1})
	require.NoError(t, err)

	// Act
	_, err = events.InsertOne(ctx, bson.M{"_id": "e2", "aggregate_id": "a", "version": 1, "global_sequence": 2})

	// Assert
	require.Error(t, err)
	assert.True(t, mongo.IsDuplicateKeyError(err))
}

func getCollectionIndexes(ctx context.Context, t *testing.T, db *mongo.Database, collName string) []bson.M {
	t.Helper()

	cursor, err := db.Collection(collName).Indexes().List(ctx)
	require.NoError(t, err)

	var indexes []bson.M
	require.NoError(t, cursor.All(ctx, &indexes))
	return indexes
}
