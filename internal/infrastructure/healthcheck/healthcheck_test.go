package healthcheck_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/infrastructure/deadletter"
	"github.com/lllypuk/eventflow/internal/infrastructure/healthcheck"
	"github.com/lllypuk/eventflow/internal/infrastructure/httpserver"
	"github.com/lllypuk/eventflow/internal/worker"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type staticReporter struct {
	statuses []worker.ProjectionStatus
	err      error
}

func (r staticReporter) Status(context.Context) ([]worker.ProjectionStatus, error) {
	return r.statuses, r.err
}

var checkedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPingChecker(t *testing.T) {
	clock := clockwork.NewFakeClockAt(checkedAt)

	t.Run("reachable", func(t *testing.T) {
		c := healthcheck.NewPingChecker("event_store", pingFunc(func(context.Context) error { return nil }), clock)

		st := c.Check(context.Background())

		assert.Equal(t, "event_store", c.Name())
		assert.True(t, st.Healthy)
		assert.Equal(t, checkedAt, st.CheckedAt)
	})

	t.Run("unreachable", func(t *testing.T) {
		c := healthcheck.NewPingChecker("event_store", pingFunc(func(context.Context) error {
			return errors.New("connection refused")
		}), clock)

		st := c.Check(context.Background())

		assert.False(t, st.Healthy)
		assert.Contains(t, st.Message, "connection refused")
	})
}

func TestDeadLetterChecker(t *testing.T) {
	// Arrange
	ctx := context.Background()
	store := deadletter.NewInMemoryStore()
	c := healthcheck.NewDeadLetterChecker(store, clockwork.NewFakeClockAt(checkedAt))

	// Act
	empty := c.Check(ctx)
	require.NoError(t, store.Add(ctx, appcore.DeadLetter{Projection: "summary", GlobalSequence: 4, Error: "boom"}))
	pending := c.Check(ctx)

	// Assert
	assert.True(t, empty.Healthy)
	assert.False(t, pending.Healthy)
	assert.Equal(t, int64(1), pending.Details["pending"])
}

func TestProjectionLagChecker(t *testing.T) {
	tests := []struct {
		name     string
		reporter staticReporter
		healthy  bool
		message  string
	}{
		{
			name: "caught up",
			reporter: staticReporter{statuses: []worker.ProjectionStatus{
				{Name: "summary", LastSequence: 10, HeadSequence: 10},
			}},
			healthy: true,
			message: "1 projections up to date",
		},
		{
			name: "stalled",
			reporter: staticReporter{statuses: []worker.ProjectionStatus{
				{Name: "summary", LastSequence: 3, HeadSequence: 10, Lag: 7, Stalled: true},
			}},
			message: "summary stalled",
		},
		{
			name: "too far behind",
			reporter: staticReporter{statuses: []worker.ProjectionStatus{
				{Name: "summary", LastSequence: 0, HeadSequence: 50, Lag: 50},
			}},
			message: "summary lag 50",
		},
		{
			name:     "status unavailable",
			reporter: staticReporter{err: errors.New("store down")},
			message:  "failed to read projection status: store down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := healthcheck.NewProjectionLagChecker(tt.reporter, 20, clockwork.NewFakeClockAt(checkedAt))

			st := c.Check(context.Background())

			assert.Equal(t, tt.healthy, st.Healthy)
			assert.Equal(t, tt.message, st.Message)
		})
	}
}

func TestSuite(t *testing.T) {
	clock := clockwork.NewFakeClockAt(checkedAt)
	up := healthcheck.NewPingChecker("event_store", pingFunc(func(context.Context) error { return nil }), clock)
	down := healthcheck.NewPingChecker("event_store", pingFunc(func(context.Context) error {
		return errors.New("timeout")
	}), clock)
	lagging := healthcheck.NewProjectionLagChecker(staticReporter{statuses: []worker.ProjectionStatus{
		{Name: "summary", Stalled: true},
	}}, 0, clock)

	t.Run("optional failure degrades but stays ready", func(t *testing.T) {
		suite := healthcheck.NewSuite().Critical(up).Optional(lagging)

		ready := suite.IsReady(context.Background())
		components := suite.GetHealthStatus(context.Background())

		assert.True(t, ready)
		require.Len(t, components, 2)
		assert.Equal(t, httpserver.StatusHealthy, components[0].Status)
		assert.Equal(t, "projection_lag", components[1].Name)
		assert.Equal(t, httpserver.StatusDegraded, components[1].Status)
	})

	t.Run("critical failure is not ready", func(t *testing.T) {
		suite := healthcheck.NewSuite().Critical(down)

		assert.False(t, suite.IsReady(context.Background()))
		assert.Equal(t, httpserver.StatusUnhealthy, suite.GetHealthStatus(context.Background())[0].Status)
	})
}
