//go:build integration

package deadletter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/infrastructure/deadletter"
	"github.com/lllypuk/eventflow/tests/testutil"
)

func TestRedisStore_Contract(t *testing.T) {
	runDeadLetterContract(t, func(t *testing.T) appcore.DeadLetterStore {
		client, prefix := testutil.SetupTestRedis(t)
		return deadletter.NewRedisStore(client, deadletter.WithKeyPrefix(prefix))
	})
}

func TestRedisStore_EvictsOldestBeyondMaxEntries(t *testing.T) {
	// Arrange
	client, prefix := testutil.SetupTestRedis(t)
	store := deadletter.NewRedisStore(client, deadletter.WithKeyPrefix(prefix), deadletter.WithMaxEntries(2))
	ctx := context.Background()

	// Act
	for i := range 4 {
		require.NoError(t, store.Add(ctx, letter("summaries", uint64(i+1), time.Duration(i)*time.Second)))
	}

	// Assert
	list, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(4), list[0].GlobalSequence)
	assert.Equal(t, uint64(3), list[1].GlobalSequence)
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestMongoStore_Contract(t *testing.T) {
	runDeadLetterContract(t, func(t *testing.T) appcore.DeadLetterStore {
		_, db := testutil.SetupTestMongoDB(t)
		return deadletter.NewMongoStore(db)
	})
}
