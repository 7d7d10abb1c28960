package aggregate_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/application/aggregate"
	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/domain/project"
	"github.com/lllypuk/eventflow/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventflow/internal/infrastructure/metrics"
	"github.com/lllypuk/eventflow/internal/infrastructure/notify"
	"github.com/lllypuk/eventflow/internal/infrastructure/snapshot"
)

var fastRetry = aggregate.RetryPolicy{
	MaxAttempts:     4,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func definition() aggregate.Definition[project.State, project.Event] {
	return aggregate.Definition[project.State, project.Event]{
		AggregateType:      project.AggregateType,
		StateSchemaVersion: project.StateSchemaVersion,
		Initial:            project.Initial,
		Apply:              project.Apply,
		Codec:              project.NewCodec(project.NewRegistry()),
	}
}

type projectRuntime = aggregate.Runtime[project.State, project.Event]

func newRuntime(store appcore.EventStore, opts ...aggregate.Option) *projectRuntime {
	opts = append([]aggregate.Option{aggregate.WithRetry(fastRetry)}, opts...)
	return aggregate.NewRuntime(definition(), store, opts...)
}

func create(name string) aggregate.Decide[project.State, project.Event] {
	return project.CreateProject{Name: name, Priority: project.PriorityLow}.Decide
}

func changeStatus(to project.Status) aggregate.Decide[project.State, project.Event] {
	return project.ChangeStatus{Status: to}.Decide
}

func intPtr(v int) *int { return &v }

func TestRuntime_ExecuteCommitsAndFolds(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	bus := notify.NewChannel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	commits, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	rt := newRuntime(store, aggregate.WithNotifier(bus))

	// Act
	res, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{
		Command:  "create",
		Metadata: event.NewMetadata("ann", "corr-1"),
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.False(t, res.Duplicate)
	assert.True(t, res.State.Exists)
	assert.Equal(t, "alpha", res.State.Name)
	require.Len(t, res.Events, 1)
	assert.Equal(t, appcore.Commit{AggregateID: "p-1", Version: 1}, <-commits)

	records, err := store.Load(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ann", records[0].Metadata.Actor)
	assert.Equal(t, "corr-1", records[0].Metadata.CorrelationID)
}

func TestRuntime_PinnedVersionConflictIsNotRetried(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	rt := newRuntime(store)
	ctx := context.Background()
	_, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{})
	require.NoError(t, err)
	var calls atomic.Int32
	decide := func(s project.State) ([]project.Event, error) {
		calls.Add(1)
		return project.RenameProject{Name: "beta"}.Decide(s)
	}

	// Act
	_, err = rt.Execute(ctx, "p-1", decide, aggregate.ExecuteOptions{ExpectedVersion: intPtr(0)})

	// Assert
	require.ErrorIs(t, err, errs.ErrConcurrencyConflict)
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, conflict.Expected)
	assert.Equal(t, 1, conflict.Actual)
	assert.Zero(t, calls.Load())
	version, err := store.Version(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

// racingStore commits a competing rename right before the first append it sees.
type racingStore struct {
	*eventstore.InMemoryEventStore
	raced atomic.Bool
	codec project.Codec
}

func (s *racingStore) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	events []event.Pending,
	expectedVersion int,
) (int, error) {
	if expectedVersion > 0 && s.raced.CompareAndSwap(false, true) {
		p, err := s.codec.Encode(project.Renamed{Name: "competitor"})
		if err != nil {
			return 0, err
		}
		if _, err = s.InMemoryEventStore.Append(ctx, aggregateID, aggregateType, []event.Pending{p}, expectedVersion); err != nil {
			return 0, err
		}
	}
	return s.InMemoryEventStore.Append(ctx, aggregateID, aggregateType, events, expectedVersion)
}

func TestRuntime_ConflictIsReevaluatedAgainstFreshState(t *testing.T) {
	// Arrange
	store := &racingStore{
		InMemoryEventStore: eventstore.NewInMemoryEventStore(),
		codec:              project.NewCodec(project.NewRegistry()),
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewRuntimeMetrics(reg)
	rt := newRuntime(store, aggregate.WithMetrics(m))
	ctx := context.Background()
	_, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{Command: "create"})
	require.NoError(t, err)
	var seen []string
	decide := func(s project.State) ([]project.Event, error) {
		seen = append(seen, s.Name)
		return changeStatus(project.StatusOnHold)(s)
	}

	// Act
	res, err := rt.Execute(ctx, "p-1", decide, aggregate.ExecuteOptions{Command: "change_status"})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, []string{"alpha", "competitor"}, seen)
	assert.Equal(t, "competitor", res.State.Name)
	assert.Equal(t, project.StatusOnHold, res.State.Status)
	assert.InDelta(t, 1, promtest.ToFloat64(m.CommandRetries.WithLabelValues(project.AggregateType, "change_status")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.CommandsTotal.WithLabelValues(project.AggregateType, "change_status", metrics.ResultOK)), 0)
}

func TestRuntime_DomainErrorsAreNotRetried(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	reg := prometheus.NewRegistry()
	m := metrics.NewRuntimeMetrics(reg)
	rt := newRuntime(store, aggregate.WithMetrics(m))
	ctx := context.Background()
	_, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{})
	require.NoError(t, err)
	_, err = rt.Execute(ctx, "p-1", changeStatus(project.StatusCompleted), aggregate.ExecuteOptions{})
	require.NoError(t, err)
	var calls atomic.Int32
	decide := func(s project.State) ([]project.Event, error) {
		calls.Add(1)
		return changeStatus(project.StatusOnHold)(s)
	}

	// Act
	_, err = rt.Execute(ctx, "p-1", decide, aggregate.ExecuteOptions{Command: "change_status"})

	// Assert
	require.ErrorIs(t, err, errs.ErrDomain)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	assert.Equal(t, int32(1), calls.Load())
	version, err := store.Version(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.InDelta(t, 1, promtest.ToFloat64(m.CommandsTotal.WithLabelValues(project.AggregateType, "change_status", metrics.ResultDomain)), 0)
}

func TestRuntime_ValidationErrorsAreNotRetried(t *testing.T) {
	// Arrange
	rt := newRuntime(eventstore.NewInMemoryEventStore())
	var calls atomic.Int32
	decide := func(s project.State) ([]project.Event, error) {
		calls.Add(1)
		return create("  ")(s)
	}

	// Act
	_, err := rt.Execute(context.Background(), "p-1", decide, aggregate.ExecuteOptions{})

	// Assert
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRuntime_StorageFailuresAreRetried(t *testing.T) {
	// Arrange
	var failures atomic.Int32
	store := eventstore.NewInMemoryEventStore(eventstore.WithFaultInjector(func(string, int) error {
		if failures.Add(1) <= 2 {
			return errors.New("disk hiccup")
		}
		return nil
	}))
	rt := newRuntime(store)

	// Act
	res, err := rt.Execute(context.Background(), "p-1", create("alpha"), aggregate.ExecuteOptions{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, int32(3), failures.Load())
}

func TestRuntime_StorageFailureSurfacesAfterMaxAttempts(t *testing.T) {
	// Arrange
	var attempts atomic.Int32
	store := eventstore.NewInMemoryEventStore(eventstore.WithFaultInjector(func(string, int) error {
		attempts.Add(1)
		return errors.New("disk gone")
	}))
	rt := newRuntime(store)

	// Act
	_, err := rt.Execute(context.Background(), "p-1", create("alpha"), aggregate.ExecuteOptions{})

	// Assert
	require.ErrorIs(t, err, errs.ErrStorage)
	assert.Equal(t, int32(fastRetry.MaxAttempts), attempts.Load())
	version, err := store.Version(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestRuntime_IdempotencyKeyReturnsRecordedVersion(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	rt := newRuntime(store)
	ctx := context.Background()
	opts := aggregate.ExecuteOptions{Metadata: event.Metadata{IdempotencyKey: "create-p-1"}}
	first, err := rt.Execute(ctx, "p-1", create("alpha"), opts)
	require.NoError(t, err)

	// Act
	second, err := rt.Execute(ctx, "p-1", create("alpha"), opts)

	// Assert
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Version, second.Version)
	assert.Empty(t, second.Events)
	version, err := store.Version(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestRuntime_NoEventsLeavesStreamUntouched(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	rt := newRuntime(store)
	ctx := context.Background()
	_, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{})
	require.NoError(t, err)

	// Act
	res, err := rt.Execute(ctx, "p-1", project.RenameProject{Name: "alpha"}.Decide, aggregate.ExecuteOptions{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Empty(t, res.Events)
	assert.Equal(t, "alpha", res.State.Name)
}

func TestRuntime_CancelledBeforeAppendWritesNothing(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	rt := newRuntime(store)
	ctx, cancel := context.WithCancel(context.Background())
	decide := func(s project.State) ([]project.Event, error) {
		cancel()
		return create("alpha")(s)
	}

	// Act
	_, err := rt.Execute(ctx, "p-1", decide, aggregate.ExecuteOptions{})

	// Assert
	require.ErrorIs(t, err, context.Canceled)
	version, err := store.Version(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestRuntime_RehydrateUnknownAggregate(t *testing.T) {
	// Arrange
	rt := newRuntime(eventstore.NewInMemoryEventStore())

	// Act
	state, version, err := rt.Rehydrate(context.Background(), "ghost")

	// Assert
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, state.Exists)
	assert.Equal(t, "ghost", state.ID)
}

func TestRuntime_RehydrateRejectsUnknownEventTypes(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	ctx := context.Background()
	_, err := store.Append(ctx, "p-1", project.AggregateType, []event.Pending{
		{EventType: "project.teleported", SchemaVersion: 1, Payload: json.RawMessage(`{}`)},
	}, 0)
	require.NoError(t, err)
	rt := newRuntime(store)

	// Act
	_, _, err = rt.Rehydrate(ctx, "p-1")

	// Assert
	require.ErrorIs(t, err, event.ErrUnknownEventType)
}

func TestRuntime_RehydrateRejectsForeignStreams(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	ctx := context.Background()
	_, err := store.Append(ctx, "i-1", "invoice", []event.Pending{{EventType: "invoice.issued"}}, 0)
	require.NoError(t, err)
	rt := newRuntime(store)

	// Act
	_, _, err = rt.Rehydrate(ctx, "i-1")

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoice")
}

func TestRuntime_ReplayIsDeterministic(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	rt := newRuntime(store)
	ctx := context.Background()
	steps := []aggregate.Decide[project.State, project.Event]{
		create("alpha"),
		project.AssignOwner{Owner: "ann"}.Decide,
		changeStatus(project.StatusOnHold),
		changeStatus(project.StatusActive),
		project.ChangePriority{Priority: project.PriorityCritical}.Decide,
		changeStatus(project.StatusCompleted),
		changeStatus(project.StatusArchived),
	}
	for _, step := range steps {
		_, err := rt.Execute(ctx, "p-1", step, aggregate.ExecuteOptions{})
		require.NoError(t, err)
	}

	// Act
	first, v1, err1 := rt.Rehydrate(ctx, "p-1")
	second, v2, err2 := newRuntime(store).Rehydrate(ctx, "p-1")

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)
	assert.Equal(t, 7, v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, project.StatusArchived, first.Status)
	assert.Equal(t, 4, first.StatusChanges)
}

func TestRuntime_SnapshotsDoNotChangeRehydratedState(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	snaps := snapshot.NewInMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	m := metrics.NewRuntimeMetrics(reg)
	withSnaps := newRuntime(store,
		aggregate.WithSnapshots(snaps, aggregate.SnapshotPolicy{EveryEvents: 2}),
		aggregate.WithClock(clock),
		aggregate.WithMetrics(m),
	)
	ctx := context.Background()
	for _, step := range []aggregate.Decide[project.State, project.Event]{
		create("alpha"),
		project.RenameProject{Name: "beta"}.Decide,
		changeStatus(project.StatusOnHold),
	} {
		_, err := withSnaps.Execute(ctx, "p-1", step, aggregate.ExecuteOptions{})
		require.NoError(t, err)
	}

	// Act
	snapState, snapVersion, errSnap := withSnaps.Rehydrate(ctx, "p-1")
	plainState, plainVersion, errPlain := newRuntime(store).Rehydrate(ctx, "p-1")

	// Assert
	require.NoError(t, errSnap)
	require.NoError(t, errPlain)
	assert.Equal(t, plainState, snapState)
	assert.Equal(t, plainVersion, snapVersion)

	stored, err := snaps.Load(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, project.StateSchemaVersion, stored.SchemaVersion)
	assert.True(t, stored.CapturedAt.Equal(clock.Now()))
	assert.InDelta(t, 1, promtest.ToFloat64(m.SnapshotsWritten), 0)
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.SnapshotReads.WithLabelValues("hit")), float64(1))
}

func TestRuntime_IgnoresOutdatedAndCorruptSnapshots(t *testing.T) {
	cases := []struct {
		name string
		snap appcore.Snapshot
	}{
		{
			name: "outdated schema",
			snap: appcore.Snapshot{
				AggregateID: "p-1", AggregateType: project.AggregateType, Version: 1,
				SchemaVersion: project.StateSchemaVersion + 1, State: json.RawMessage(`{"name":"bogus"}`),
			},
		},
		{
			name: "unreadable state",
			snap: appcore.Snapshot{
				AggregateID: "p-1", AggregateType: project.AggregateType, Version: 1,
				SchemaVersion: project.StateSchemaVersion, State: json.RawMessage(`[1,2,3]`),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			store := eventstore.NewInMemoryEventStore()
			snaps := snapshot.NewInMemoryStore()
			rt := newRuntime(store, aggregate.WithSnapshots(snaps, aggregate.SnapshotPolicy{}))
			ctx := context.Background()
			_, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{})
			require.NoError(t, err)
			require.NoError(t, snaps.Save(ctx, tc.snap))

			// Act
			state, version, err := rt.Rehydrate(ctx, "p-1")

			// Assert
			require.NoError(t, err)
			assert.Equal(t, 1, version)
			assert.Equal(t, "alpha", state.Name)
		})
	}
}

func TestRuntime_DiscardsSnapshotAheadOfStream(t *testing.T) {
	cases := []struct {
		name            string
		persisted       []aggregate.Decide[project.State, project.Event]
		expectedVersion int
		expectedName    string
	}{
		{name: "empty stream", expectedVersion: 0},
		{
			name: "shorter stream",
			persisted: []aggregate.Decide[project.State, project.Event]{
				create("alpha"),
				project.RenameProject{Name: "beta"}.Decide,
			},
			expectedVersion: 2,
			expectedName:    "beta",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			store := eventstore.NewInMemoryEventStore()
			snaps := snapshot.NewInMemoryStore()
			reg := prometheus.NewRegistry()
			m := metrics.NewRuntimeMetrics(reg)
			rt := newRuntime(store, aggregate.WithSnapshots(snaps, aggregate.SnapshotPolicy{}), aggregate.WithMetrics(m))
			ctx := context.Background()
			for _, step := range tc.persisted {
				_, err := rt.Execute(ctx, "p-1", step, aggregate.ExecuteOptions{})
				require.NoError(t, err)
			}
			require.NoError(t, snaps.Save(ctx, appcore.Snapshot{
				AggregateID: "p-1", AggregateType: project.AggregateType, Version: 7,
				SchemaVersion: project.StateSchemaVersion, State: json.RawMessage(`{"id":"p-1","name":"ghost","exists":true}`),
			}))

			// Act
			state, version, err := rt.Rehydrate(ctx, "p-1")

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tc.expectedVersion, version)
			assert.Equal(t, tc.expectedName, state.Name)
			_, err = snaps.Load(ctx, "p-1")
			require.ErrorIs(t, err, errs.ErrNotFound)
			assert.InDelta(t, 1, promtest.ToFloat64(m.SnapshotReads.WithLabelValues("stale")), 0)
		})
	}
}

func TestRuntime_CreateSucceedsDespiteOrphanedSnapshot(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	snaps := snapshot.NewInMemoryStore()
	rt := newRuntime(store, aggregate.WithSnapshots(snaps, aggregate.SnapshotPolicy{}))
	ctx := context.Background()
	require.NoError(t, snaps.Save(ctx, appcore.Snapshot{
		AggregateID: "p-1", AggregateType: project.AggregateType, Version: 7,
		SchemaVersion: project.StateSchemaVersion, State: json.RawMessage(`{"id":"p-1","name":"ghost","exists":true}`),
	}))

	// Act
	res, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	persisted, err := store.Version(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, persisted)
}

func TestRuntime_SnapshotOnDemand(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	snaps := snapshot.NewInMemoryStore()
	rt := newRuntime(store, aggregate.WithSnapshots(snaps, aggregate.SnapshotPolicy{}))
	ctx := context.Background()
	_, err := rt.Execute(ctx, "p-1", create("alpha"), aggregate.ExecuteOptions{})
	require.NoError(t, err)

	// Act
	snap, err := rt.Snapshot(ctx, "p-1")
	_, errMissing := rt.Snapshot(ctx, "ghost")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	require.ErrorIs(t, errMissing, errs.ErrNotFound)
}

func TestSnapshotPolicy_ShouldCapture(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		policy   aggregate.SnapshotPolicy
		prev     int
		next     int
		last     time.Time
		expected bool
	}{
		{name: "disabled", policy: aggregate.SnapshotPolicy{}, prev: 0, next: 100, expected: false},
		{name: "crosses multiple", policy: aggregate.SnapshotPolicy{EveryEvents: 10}, prev: 9, next: 10, expected: true},
		{name: "batch jumps over multiple", policy: aggregate.SnapshotPolicy{EveryEvents: 10}, prev: 8, next: 12, expected: true},
		{name: "below multiple", policy: aggregate.SnapshotPolicy{EveryEvents: 10}, prev: 10, next: 19, expected: false},
		{name: "old snapshot", policy: aggregate.SnapshotPolicy{MaxAge: time.Hour}, prev: 3, next: 4, last: now.Add(-2 * time.Hour), expected: true},
		{name: "fresh snapshot", policy: aggregate.SnapshotPolicy{MaxAge: time.Hour}, prev: 3, next: 4, last: now.Add(-time.Minute), expected: false},
		{name: "no snapshot yet", policy: aggregate.SnapshotPolicy{MaxAge: time.Hour}, prev: 3, next: 4, expected: false},
		{name: "no progress", policy: aggregate.SnapshotPolicy{EveryEvents: 1}, prev: 4, next: 4, expected: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.policy.ShouldCapture(tc.prev, tc.next, tc.last, now))
		})
	}
}
