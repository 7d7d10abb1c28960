//go:build integration

package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/app"
	projectapp "github.com/lllypuk/eventflow/internal/application/project"
	"github.com/lllypuk/eventflow/internal/config"
	"github.com/lllypuk/eventflow/internal/domain/uuid"
	"github.com/lllypuk/eventflow/internal/infrastructure/projector"
	"github.com/lllypuk/eventflow/tests/testutil"
)

// runPipeline drives a command through the container and waits for the
// running dispatcher to reflect it in the read model.
func runPipeline(t *testing.T, c *app.Container) {
	t.Helper()
	ctx, cancel := context.WithCancel(testutil.NewTestContext(t))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Dispatcher.Run(ctx) }()

	id := uuid.New().String()
	for _, sub := range []projectapp.Submission{
		{CommandType: projectapp.CommandCreate, Payload: json.RawMessage(`{"name":"alpha"}`)},
		{CommandType: projectapp.CommandAssignOwner, Payload: json.RawMessage(`{"owner":"bob"}`)},
		{CommandType: projectapp.CommandChangeStatus, Payload: json.RawMessage(`{"status":"on_hold"}`)},
	} {
		sub.AggregateID = id
		_, err := c.Projects.Submit(ctx, sub)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		s, err := c.Summaries.FindByID(ctx, id)
		return err == nil && s.Version == 3
	}, 10*time.Second, 20*time.Millisecond)

	consistent, err := c.Summary.VerifyConsistency(ctx, c.Events, id)
	require.NoError(t, err)
	assert.True(t, consistent)
	assert.True(t, c.IsReady(ctx))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestContainer_PostgresWithRedis(t *testing.T) {
	// Arrange
	redisClient, _ := testutil.SetupTestRedis(t)

	cfg := config.DefaultConfig()
	cfg.Store.Backend = config.BackendPostgres
	cfg.Postgres.DSN = testutil.SetupTestPostgres(t)
	cfg.Redis.Addr = redisClient.Options().Addr
	cfg.Snapshot.Backend = config.BackendRedis
	cfg.Snapshot.EveryEvents = 2
	cfg.Snapshot.TTL = time.Minute
	cfg.DeadLetters.Backend = config.BackendMemory
	cfg.ReadModel.Backend = config.BackendMemory
	cfg.Notifier.Backend = config.BackendRedis
	cfg.Notifier.Channel = "test:" + uuid.New().String()

	// Act
	c, err := app.NewContainer(cfg, app.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// Assert
	assert.NotNil(t, c.Redis)
	assert.Nil(t, c.MongoDB)
	runPipeline(t, c)
}

func TestContainer_MongoDBWithNATS(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	mongoContainer, err := testutil.GetSharedMongoContainer(ctx)
	require.NoError(t, err)
	_, db := testutil.SetupTestMongoDB(t)
	nc := testutil.SetupTestNATS(t)

	cfg := config.DefaultConfig()
	cfg.Store.Backend = config.BackendMongoDB
	cfg.MongoDB.URI = mongoContainer.URI
	cfg.MongoDB.Database = db.Name()
	cfg.Snapshot.Backend = config.BackendMongoDB
	cfg.DeadLetters.Backend = config.BackendMongoDB
	cfg.ReadModel.Backend = config.BackendMongoDB
	cfg.Notifier.Backend = config.BackendNATS
	cfg.NATS.URL = nc.ConnectedUrl()
	cfg.Notifier.Channel = "test." + uuid.New().String()

	// Act
	c, err := app.NewContainer(cfg, app.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// Assert
	assert.NotNil(t, c.MongoDB)
	assert.NotNil(t, c.NATS)
	statuses, err := c.Dispatcher.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, projector.ProjectSummaryName, statuses[0].Name)
	runPipeline(t, c)
}
