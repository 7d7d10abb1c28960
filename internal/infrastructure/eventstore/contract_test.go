package eventstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/infrastructure/eventstore"
)

// storeFactory builds a fresh, empty store for one subtest.
type storeFactory func(t *testing.T, opts ...eventstore.Option) appcore.EventStore

var errInjected = errors.New("injected fault")

func pending(eventType string, payload map[string]any) event.Pending {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return event.Pending{
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       data,
		Metadata:      event.NewMetadata("user-1", "corr-1"),
	}
}

func batch(n int) []event.Pending {
	out := make([]event.Pending, n)
	for i := range n {
		out[i] = pending("test.happened", map[string]any{"n": i})
	}
	return out
}

// runStoreContract runs the behaviour every EventStore backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("append and load round trip", func(t *testing.T) {
		// Arrange
		committedAt := time.Date(2026, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
		store := newStore(t, eventstore.WithClock(clockwork.NewFakeClockAt(committedAt)))
		ctx := context.Background()
		first := pending("test.created", map[string]any{"name": "alpha", "count": 3})
		first.Metadata = first.Metadata.WithCausation("cmd-1").WithIdempotencyKey("key-1")

		// Act
		version, err := store.Append(ctx, "agg-1", "test", []event.Pending{first, pending("test.renamed", nil)}, 0)
		require.NoError(t, err)
		records, err := store.Load(ctx, "agg-1")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, version)
		require.Len(t, records, 2)
		assert.Equal(t, 1, records[0].Version)
		assert.Equal(t, 2, records[1].Version)
		assert.Equal(t, uint64(1), records[0].GlobalSequence)
		assert.Equal(t, uint64(2), records[1].GlobalSequence)
		assert.Equal(t, "test.created", records[0].EventType)
		assert.Equal(t, "test", records[0].AggregateType)
		assert.NotEmpty(t, records[0].EventID)
		assert.NotEqual(t, records[0].EventID, records[1].EventID)
		assert.JSONEq(t, `{"name":"alpha","count":3}`, string(records[0].Payload))
		assert.Equal(t, "user-1", records[0].Metadata.Actor)
		assert.Equal(t, "corr-1", records[0].Metadata.CorrelationID)
		assert.Equal(t, "cmd-1", records[0].Metadata.CausationID)
		assert.Equal(t, "key-1", records[0].Metadata.IdempotencyKey)
		assert.True(t, records[0].CommittedAt.Equal(committedAt), "committed at %s", records[0].CommittedAt)
	})

	t.Run("unknown aggregate is empty at version zero", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()

		// Act
		version, errVersion := store.Version(ctx, "missing")
		records, errLoad := store.Load(ctx, "missing")

		// Assert
		require.NoError(t, errVersion)
		require.NoError(t, errLoad)
		assert.Equal(t, 0, version)
		assert.Empty(t, records)
	})

	t.Run("create on existing aggregate conflicts", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Append(ctx, "agg-1", "test", batch(1), 0)
		require.NoError(t, err)

		// Act
		_, err = store.Append(ctx, "agg-1", "test", batch(1), 0)

		// Assert
		require.Error(t, err)
		require.ErrorIs(t, err, errs.ErrConcurrencyConflict)
		var conflict *errs.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "agg-1", conflict.AggregateID)
		assert.Equal(t, 0, conflict.Expected)

		version, err := store.Version(ctx, "agg-1")
		require.NoError(t, err)
		assert.Equal(t, 1, version)
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Append(ctx, "agg-1", "test", batch(3), 0)
		require.NoError(t, err)

		// Act
		_, errBehind := store.Append(ctx, "agg-1", "test", batch(1), 2)
		_, errAhead := store.Append(ctx, "agg-1", "test", batch(1), 5)

		// Assert
		require.ErrorIs(t, errBehind, errs.ErrConcurrencyConflict)
		require.ErrorIs(t, errAhead, errs.ErrConcurrencyConflict)
	})

	t.Run("fault mid batch leaves nothing behind", func(t *testing.T) {
		// Arrange
		var mu sync.Mutex
		armed := true
		fault := func(_ string, version int) error {
			mu.Lock()
			defer mu.Unlock()
			if armed && version == 2 {
				return errInjected
			}
			return nil
		}
		store := newStore(t, eventstore.WithFaultInjector(fault))
		ctx := context.Background()

		// Act
		_, err := store.Append(ctx, "agg-1", "test", batch(3), 0)

		// Assert
		require.Error(t, err)
		require.ErrorIs(t, err, errs.ErrStorage)

		version, err := store.Version(ctx, "agg-1")
		require.NoError(t, err)
		assert.Equal(t, 0, version)

		records, err := store.Load(ctx, "agg-1")
		require.NoError(t, err)
		assert.Empty(t, records)

		head, err := store.HeadSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), head)

		// The global sequence stays gap-free after the failed batch.
		mu.Lock()
		armed = false
		mu.Unlock()
		version, err = store.Append(ctx, "agg-1", "test", batch(2), 0)
		require.NoError(t, err)
		assert.Equal(t, 2, version)

		feed, err := store.GlobalFeed(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, feed, 2)
		assert.Equal(t, uint64(1), feed[0].GlobalSequence)
		assert.Equal(t, uint64(2), feed[1].GlobalSequence)
	})

	t.Run("invalid requests are rejected", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		badPayload := pending("test.created", nil)
		badPayload.Payload = json.RawMessage(`{not json`)

		tests := []struct {
			name            string
			aggregateID     string
			aggregateType   string
			events          []event.Pending
			expectedVersion int
		}{
			{name: "empty batch", aggregateID: "agg-1", aggregateType: "test", events: nil},
			{name: "blank aggregate id", aggregateID: " ", aggregateType: "test", events: batch(1)},
			{name: "blank aggregate type", aggregateID: "agg-1", aggregateType: "", events: batch(1)},
			{name: "negative version", aggregateID: "agg-1", aggregateType: "test", events: batch(1), expectedVersion: -1},
			{name: "blank event type", aggregateID: "agg-1", aggregateType: "test", events: []event.Pending{{EventType: ""}}},
			{name: "malformed payload", aggregateID: "agg-1", aggregateType: "test", events: []event.Pending{badPayload}},
		}

		for _, tt := range tests {
			// Act
			_, err := store.Append(ctx, tt.aggregateID, tt.aggregateType, tt.events, tt.expectedVersion)

			// Assert
			require.ErrorIs(t, err, errs.ErrValidation, tt.name)
		}

		head, err := store.HeadSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), head)
	})

	t.Run("concurrent appends on one aggregate admit exactly one", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		const writers = 8

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)

		// Act
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Append(ctx, "agg-1", "test", batch(2), 0)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, errs.ErrConcurrencyConflict):
					conflicts++
				default:
					t.Errorf("unexpected append error: %v", err)
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, 1, successes)
		assert.Equal(t, writers-1, conflicts)

		records, err := store.Load(ctx, "agg-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 1, records[0].Version)
		assert.Equal(t, 2, records[1].Version)
	})

	t.Run("concurrent appends on distinct aggregates keep the feed gap free", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		const aggregates = 6

		var wg sync.WaitGroup

		// Act
		for i := range aggregates {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("agg-%d", i)
				_, err := store.Append(ctx, id, "test", batch(2), 0)
				assert.NoError(t, err)
				_, err = store.Append(ctx, id, "test", batch(1), 2)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		// Assert
		feed, err := store.GlobalFeed(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, feed, aggregates*3)
		lastVersion := make(map[string]int)
		for i, rec := range feed {
			assert.Equal(t, uint64(i+1), rec.GlobalSequence)
			assert.Equal(t, lastVersion[rec.AggregateID]+1, rec.Version, "per-aggregate order in feed")
			lastVersion[rec.AggregateID] = rec.Version
		}

		head, err := store.HeadSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(aggregates*3), head)
	})

	t.Run("global feed pages by sequence", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Append(ctx, "agg-a", "test", batch(2), 0)
		require.NoError(t, err)
		_, err = store.Append(ctx, "agg-b", "test", batch(2), 0)
		require.NoError(t, err)
		_, err = store.Append(ctx, "agg-a", "test", batch(1), 2)
		require.NoError(t, err)

		// Act
		page, err := store.GlobalFeed(ctx, 2, 2)

		// Assert
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, uint64(3), page[0].GlobalSequence)
		assert.Equal(t, "agg-b", page[0].AggregateID)
		assert.Equal(t, uint64(4), page[1].GlobalSequence)

		tail, err := store.GlobalFeed(ctx, 5, 10)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})

	t.Run("stream reads are paged transparently", func(t *testing.T) {
		// Arrange
		store := newStore(t, eventstore.WithPageSize(2))
		ctx := context.Background()
		_, err := store.Append(ctx, "agg-1", "test", batch(3), 0)
		require.NoError(t, err)
		_, err = store.Append(ctx, "agg-1", "test", batch(2), 3)
		require.NoError(t, err)

		// Act
		all, errAll := store.Load(ctx, "agg-1")
		tail, errTail := store.LoadFrom(ctx, "agg-1", 2)
		page, errPage := store.LoadPage(ctx, "agg-1", 1, 2)

		// Assert
		require.NoError(t, errAll)
		require.NoError(t, errTail)
		require.NoError(t, errPage)
		require.Len(t, all, 5)
		for i, rec := range all {
			assert.Equal(t, i+1, rec.Version)
		}
		require.Len(t, tail, 3)
		assert.Equal(t, 3, tail[0].Version)
		require.Len(t, page, 2)
		assert.Equal(t, 2, page[0].Version)
		assert.Equal(t, 3, page[1].Version)
	})

	t.Run("idempotency key lookup", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		tagged := batch(2)
		for i := range tagged {
			tagged[i].Metadata = tagged[i].Metadata.WithIdempotencyKey("req-42")
		}
		_, err := store.Append(ctx, "agg-1", "test", tagged, 0)
		require.NoError(t, err)
		_, err = store.Append(ctx, "agg-1", "test", batch(1), 2)
		require.NoError(t, err)

		// Act
		version, found, err := store.FindByIdempotencyKey(ctx, "agg-1", "req-42")
		_, foundOther, errOther := store.FindByIdempotencyKey(ctx, "agg-2", "req-42")
		_, foundMissing, errMissing := store.FindByIdempotencyKey(ctx, "agg-1", "req-43")

		// Assert
		require.NoError(t, err)
		require.NoError(t, errOther)
		require.NoError(t, errMissing)
		assert.True(t, found)
		assert.Equal(t, 2, version)
		assert.False(t, foundOther)
		assert.False(t, foundMissing)
	})
}
