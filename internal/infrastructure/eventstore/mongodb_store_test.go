//go:build integration

package eventstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
	"github.com/lllypuk/eventflow/tests/testutil"
)

func TestMongoEventStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T, opts ...eventstore.Option) appcore.EventStore {
		client, db := testutil.SetupTestMongoDB(t)
		return eventstore.NewMongoEventStore(client, db.Name(), opts...)
	})
}

func TestMongoEventStore_PayloadStoredAsRawJSON(t *testing.T) {
	// Arrange
	client, db := testutil.SetupTestMongoDB(t)
	store := eventstore.NewMongoEventStore(client, db.Name())
	ctx := context.Background()
	p := pending("test.created", nil)
	p.Payload = []byte(`{"amount":12345678901234567890}`)

	// Act
	_, err := store.Append(ctx, "agg-1", "test", []event.Pending{p}, 0)
	require.NoError(t, err)

	// Assert
	var doc eventstore.EventDocument
	err = db.Collection(mongodb.CollectionEvents).FindOne(ctx, bson.M{"aggregate_id": "agg-1"}).Decode(&doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":12345678901234567890}`, string(doc.Payload))
	assert.Equal(t, int64(1), doc.GlobalSequence)

	var counter bson.M
	err = db.Collection(mongodb.CollectionCounters).
		FindOne(ctx, bson.M{"_id": mongodb.GlobalSequenceCounterName}).Decode(&counter)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counter["value"])
}
