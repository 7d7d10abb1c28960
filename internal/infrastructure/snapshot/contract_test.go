package snapshot_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/infrastructure/snapshot"
)

func snap(id string, version int, state string) appcore.Snapshot {
	return appcore.Snapshot{
		AggregateID:   id,
		AggregateType: "project",
		Version:       version,
		SchemaVersion: 1,
		State:         json.RawMessage(state),
		CapturedAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func runSnapshotContract(t *testing.T, newStore func(t *testing.T) appcore.SnapshotStore) {
	t.Run("missing snapshot is not found", func(t *testing.T) {
		// Arrange
		store := newStore(t)

		// Act
		_, err := store.Load(context.Background(), "missing")

		// Assert
		require.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("save then load", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()

		// Act
		require.NoError(t, store.Save(ctx, snap("p-1", 10, `{"name":"alpha"}`)))
		loaded, err := store.Load(ctx, "p-1")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 10, loaded.Version)
		assert.Equal(t, 1, loaded.SchemaVersion)
		assert.Equal(t, "project", loaded.AggregateType)
		assert.JSONEq(t, `{"name":"alpha"}`, string(loaded.State))
		assert.True(t, loaded.CapturedAt.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("older snapshot never replaces newer", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, snap("p-1", 20, `{"v":20}`)))

		// Act
		err := store.Save(ctx, snap("p-1", 10, `{"v":10}`))

		// Assert
		require.NoError(t, err)
		loaded, err := store.Load(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, 20, loaded.Version)
	})

	t.Run("newer snapshot replaces older", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, snap("p-1", 10, `{"v":10}`)))

		// Act
		err := store.Save(ctx, snap("p-1", 30, `{"v":30}`))

		// Assert
		require.NoError(t, err)
		loaded, err := store.Load(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, 30, loaded.Version)
		assert.JSONEq(t, `{"v":30}`, string(loaded.State))
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Save(ctx, snap("p-1", 5, `{}`)))

		// Act
		require.NoError(t, store.Delete(ctx, "p-1"))
		err := store.Delete(ctx, "p-1")

		// Assert
		require.NoError(t, err)
		_, err = store.Load(ctx, "p-1")
		require.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("invalid snapshot is rejected", func(t *testing.T) {
		// Arrange
		store := newStore(t)

		// Act
		errBlank := store.Save(context.Background(), snap("", 1, `{}`))
		errVersion := store.Save(context.Background(), snap("p-1", 0, `{}`))

		// Assert
		require.ErrorIs(t, errBlank, errs.ErrValidation)
		require.ErrorIs(t, errVersion, errs.ErrValidation)
	})
}

func TestInMemoryStore_Contract(t *testing.T) {
	runSnapshotContract(t, func(*testing.T) appcore.SnapshotStore {
		return snapshot.NewInMemoryStore()
	})
}

func TestInMemoryStore_StateIsCopied(t *testing.T) {
	// Arrange
	store := snapshot.NewInMemoryStore()
	ctx := context.Background()
	state := []byte(`{"a":1}`)
	require.NoError(t, store.Save(ctx, snap("p-1", 1, string(state))))

	// Act
	loaded, err := store.Load(ctx, "p-1")
	require.NoError(t, err)
	loaded.State[2] = 'X'
	again, err := store.Load(ctx, "p-1")

	// Assert
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(again.State))
	assert.Equal(t, 1, store.Len())
}
