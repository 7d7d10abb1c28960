package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/eventflow/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "eventflow", cfg.App.Name)
	assert.True(t, cfg.IsDevelopment())

	assert.Equal(t, config.BackendMongoDB, cfg.Store.Backend)
	assert.Equal(t, config.DefaultPageSize, cfg.Store.PageSize)
	assert.Equal(t, "eventflow", cfg.MongoDB.Database)
	assert.Equal(t, uint64(config.DefaultMongoDBMaxPoolSize), cfg.MongoDB.MaxPoolSize)

	assert.Equal(t, config.DefaultSnapshotEvery, cfg.Snapshot.EveryEvents)
	assert.Equal(t, uint(config.DefaultRuntimeMaxAttempts), cfg.Runtime.MaxAttempts)

	assert.True(t, cfg.Dispatcher.Enabled)
	assert.Equal(t, config.DefaultPollInterval, cfg.Dispatcher.PollInterval)
	assert.Equal(t, "halt", cfg.Dispatcher.FailurePolicy)
	assert.Empty(t, cfg.Dispatcher.UnknownEvents)
	assert.Equal(t, "strict", cfg.UnknownEventPolicy())

	assert.Equal(t, config.BackendRedis, cfg.Notifier.Backend)
	assert.Equal(t, "0.0.0.0:9090", cfg.Ops.Address())
	assert.False(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.NeedsMongoDB())
	assert.True(t, cfg.NeedsRedis())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
		wantMsg string
	}{
		{
			name: "sqlite without path",
			mutate: func(c *config.Config) {
				c.Store.Backend = config.BackendSQLite
				c.SQLite.Path = ""
			},
			wantMsg: "sqlite.path is required",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *config.Config) {
				c.Store.Backend = config.BackendPostgres
				c.Postgres.DSN = ""
			},
			wantMsg: "postgres.dsn is required",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *config.Config) { c.Store.Backend = "cassandra" },
			wantErr: config.ErrInvalidBackend,
		},
		{
			name: "memory store in production",
			mutate: func(c *config.Config) {
				c.App.Environment = "production"
				c.Store.Backend = config.BackendMemory
			},
			wantErr: config.ErrMemoryStoreInProd,
		},
		{
			name:    "unknown environment",
			mutate:  func(c *config.Config) { c.App.Environment = "staging" },
			wantErr: config.ErrInvalidEnvironment,
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Log.Level = "verbose" },
			wantErr: config.ErrInvalidLogLevel,
		},
		{
			name:    "bad log format",
			mutate:  func(c *config.Config) { c.Log.Format = "xml" },
			wantErr: config.ErrInvalidLogFormat,
		},
		{
			name:    "bad failure policy",
			mutate:  func(c *config.Config) { c.Dispatcher.FailurePolicy = "ignore" },
			wantErr: config.ErrInvalidPolicy,
		},
		{
			name:    "bad unknown event policy",
			mutate:  func(c *config.Config) { c.Dispatcher.UnknownEvents = "lenient" },
			wantErr: config.ErrInvalidPolicy,
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *config.Config) { c.Dispatcher.PollInterval = 0 },
			wantMsg: "dispatcher.poll_interval must be positive",
		},
		{
			name:    "unknown notifier",
			mutate:  func(c *config.Config) { c.Notifier.Backend = "kafka" },
			wantErr: config.ErrInvalidBackend,
		},
		{
			name: "nats without url",
			mutate: func(c *config.Config) {
				c.Notifier.Backend = config.BackendNATS
				c.NATS.URL = ""
			},
			wantMsg: "nats.url is required",
		},
		{
			name:    "redis consumers without addr",
			mutate:  func(c *config.Config) { c.Redis.Addr = "" },
			wantMsg: "redis.addr is required",
		},
		{
			name: "mongo read model on postgres store needs mongo settings",
			mutate: func(c *config.Config) {
				c.Store.Backend = config.BackendPostgres
				c.MongoDB.URI = ""
			},
			wantMsg: "mongodb.uri is required",
		},
		{
			name:    "sample ratio out of range",
			mutate:  func(c *config.Config) { c.Tracing.SampleRatio = 1.5 },
			wantMsg: "tracing.sample_ratio must be between 0 and 1",
		},
		{
			name:    "ops port out of range",
			mutate:  func(c *config.Config) { c.Ops.Port = 70000 },
			wantMsg: "ops.port must be between 1 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			// Act
			err := cfg.Validate()

			// Assert
			require.ErrorIs(t, err, config.ErrConfigInvalid)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Dispatcher.BatchSize = 0
	cfg.Ops.Port = 0

	err := cfg.Validate()

	require.ErrorIs(t, err, config.ErrInvalidLogLevel)
	assert.Contains(t, err.Error(), "dispatcher.batch_size must be positive")
	assert.Contains(t, err.Error(), "ops.port must be between 1 and 65535")
}

func TestLoadFromPath_YAMLThenEnvironment(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: eventflow-test
store:
  backend: sqlite
sqlite:
  path: /tmp/events.db
snapshot:
  backend: memory
  every_events: 10
  max_age: 1h
dispatcher:
  poll_interval: 250ms
  failure_policy: skip
dead_letters:
  backend: memory
read_model:
  backend: memory
notifier:
  backend: nats
`), 0o600))
	t.Setenv("DISPATCHER_BATCH_SIZE", "25")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://broker:4222")

	// Act
	cfg, err := config.LoadFromPath(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "eventflow-test", cfg.App.Name)
	assert.Equal(t, config.BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/events.db", cfg.SQLite.Path)
	assert.Equal(t, 10, cfg.Snapshot.EveryEvents)
	assert.Equal(t, time.Hour, cfg.Snapshot.MaxAge)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.PollInterval)
	assert.Equal(t, "skip", cfg.Dispatcher.FailurePolicy)
	assert.Equal(t, 25, cfg.Dispatcher.BatchSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.False(t, cfg.NeedsMongoDB())
	assert.False(t, cfg.NeedsRedis())
}

func TestLoadFromPath_MissingExplicitFile(t *testing.T) {
	_, err := config.LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))

	require.ErrorIs(t, err, config.ErrConfigNotFound)
}

func TestLoader_SearchPathsFallBackToDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	loader := config.NewLoader().WithConfigPaths([]string{filepath.Join(t.TempDir(), "none.yaml")})

	cfg, err := loader.Load("")

	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoad_InvalidEnvironmentValue(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DISPATCHER_POLL_INTERVAL", "soon")
	loader := config.NewLoader().WithConfigPaths(nil)

	_, err := loader.Load("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config from environment")
}

func TestUnknownEventPolicy(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		configured  string
		want        string
	}{
		{"development default", "development", "", "strict"},
		{"production default", "production", "", "skip"},
		{"explicit strict in production", "production", "strict", "strict"},
		{"explicit skip in development", "development", "skip", "skip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			cfg := config.DefaultConfig()
			cfg.App.Environment = tt.environment
			cfg.Dispatcher.UnknownEvents = tt.configured

			// Act & Assert
			assert.Equal(t, tt.want, cfg.UnknownEventPolicy())
		})
	}
}
