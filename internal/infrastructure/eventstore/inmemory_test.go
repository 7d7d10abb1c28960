package eventstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/infrastructure/eventstore"
)

func TestInMemoryEventStore_Contract(t *testing.T) {
	runStoreContract(t, func(_ *testing.T, opts ...eventstore.Option) appcore.EventStore {
		return eventstore.NewInMemoryEventStore(opts...)
	})
}

func TestInMemoryEventStore_Clear(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	ctx := context.Background()
	_, err := store.Append(ctx, "agg-b", "test", batch(1), 0)
	require.NoError(t, err)
	_, err = store.Append(ctx, "agg-a", "test", batch(1), 0)
	require.NoError(t, err)

	// Act
	store.Clear()

	// Assert
	version, err := store.Version(ctx, "agg-a")
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	head, err := store.HeadSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)
}

func TestInMemoryEventStore_LoadReturnsCopies(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	ctx := context.Background()
	_, err := store.Append(ctx, "agg-1", "test", batch(1), 0)
	require.NoError(t, err)

	// Act
	first, err := store.Load(ctx, "agg-1")
	require.NoError(t, err)
	first[0].EventType = "mutated"
	second, err := store.Load(ctx, "agg-1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "test.happened", second[0].EventType)
}

func TestInMemoryEventStore_AppendHonoursCancelledContext(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Act
	_, err := store.Append(ctx, "agg-1", "test", batch(1), 0)

	// Assert
	require.ErrorIs(t, err, context.Canceled)
}
