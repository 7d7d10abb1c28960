// Package app wires configured backends into a running event-sourcing engine.
// It is shared by the worker binary and the operator tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventflow/internal/application/aggregate"
	"github.com/lllypuk/eventflow/internal/application/appcore"
	projectapp "github.com/lllypuk/eventflow/internal/application/project"
	"github.com/lllypuk/eventflow/internal/config"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/domain/project"
	"github.com/lllypuk/eventflow/internal/infrastructure/checkpoint"
	"github.com/lllypuk/eventflow/internal/infrastructure/deadletter"
	"github.com/lllypuk/eventflow/internal/infrastructure/eventstore"
	"github.com/lllypuk/eventflow/internal/infrastructure/healthcheck"
	"github.com/lllypuk/eventflow/internal/infrastructure/httpserver"
	"github.com/lllypuk/eventflow/internal/infrastructure/metrics"
	mongodbinfra "github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
	"github.com/lllypuk/eventflow/internal/infrastructure/notify"
	"github.com/lllypuk/eventflow/internal/infrastructure/projector"
	"github.com/lllypuk/eventflow/internal/infrastructure/snapshot"
	"github.com/lllypuk/eventflow/internal/worker"
)

// Container initialization timeouts.
const (
	containerInitTimeout = 30 * time.Second
	redisPingTimeout     = 5 * time.Second
	closeTimeout         = 10 * time.Second
)

// Container holds all engine dependencies and manages their lifecycle.
// It implements httpserver.HealthChecker through its health suite.
type Container struct {
	// Configuration
	Config *config.Config
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Metrics registry backing /metrics
	Registry *prometheus.Registry

	// Connections, nil when no component uses them
	MongoDB *mongo.Client
	Redis   *redis.Client
	NATS    *nats.Conn

	// Storage
	Events      *eventstore.Instrumented
	Checkpoints appcore.CheckpointStore
	Snapshots   appcore.SnapshotStore
	DeadLetters appcore.DeadLetterStore
	Summaries   projector.SummaryRepository
	Notifier    appcore.Notifier

	// Application
	EventTypes *event.Registry
	Projects   *projectapp.Service
	Summary    *projector.ProjectSummaryProjection
	Dispatcher *worker.Dispatcher
	Health     *healthcheck.Suite

	closers []func(context.Context) error
}

// Ensure Container implements httpserver.HealthChecker.
var _ httpserver.HealthChecker = (*Container)(nil)

// ContainerOption configures the Container.
type ContainerOption func(*Container)

// WithLogger sets a custom logger for the container.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		c.Logger = logger
	}
}

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) ContainerOption {
	return func(c *Container) {
		c.Clock = clock
	}
}

// NewContainer connects every configured backend and builds the engine.
func NewContainer(cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Logger:   slog.Default(),
		Clock:    clockwork.NewRealClock(),
		Registry: prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Logger.Info("container starting",
		slog.String("store", cfg.Store.Backend),
		slog.String("snapshots", cfg.Snapshot.Backend),
		slog.String("dead_letters", cfg.DeadLetters.Backend),
		slog.String("read_model", cfg.ReadModel.Backend),
		slog.String("notifier", cfg.Notifier.Backend),
		slog.Bool("is_production", cfg.IsProduction()),
	)

	if err := c.setupInfrastructure(); err != nil {
		// Clean up any partially initialized resources
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup infrastructure: %w", err)
	}

	if err := c.setupApplication(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to setup application: %w", err)
	}

	c.setupHealth()

	return c, nil
}

// setupInfrastructure opens connections and storage backends in dependency order.
func (c *Container) setupInfrastructure() error {
	ctx, cancel := context.WithTimeout(context.Background(), containerInitTimeout)
	defer cancel()

	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if c.Config.NeedsMongoDB() {
		if err := c.setupMongoDB(ctx); err != nil {
			return fmt.Errorf("mongodb: %w", err)
		}
	}
	if c.Config.NeedsRedis() {
		if err := c.setupRedis(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if err := c.setupEventStore(ctx); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	c.setupSnapshots()
	c.setupDeadLetters()
	c.setupReadModel()
	if err := c.setupNotifier(); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	return nil
}

// setupMongoDB connects to MongoDB and ensures indexes exist.
func (c *Container) setupMongoDB(ctx context.Context) error {
	clientOpts := options.Client().SetMaxPoolSize(c.Config.MongoDB.MaxPoolSize)

	connectCtx, connectCancel := context.WithTimeout(ctx, c.Config.MongoDB.Timeout)
	defer connectCancel()

	client, err := mongodbinfra.Connect(connectCtx, c.Config.MongoDB.URI, clientOpts)
	if err != nil {
		return err
	}
	c.MongoDB = client
	c.closers = append(c.closers, client.Disconnect)

	if err = mongodbinfra.CreateAllIndexes(ctx, c.mongoDatabase()); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	c.Logger.InfoContext(ctx, "connected to MongoDB", slog.String("database", c.Config.MongoDB.Database))
	return nil
}

func (c *Container) mongoDatabase() *mongo.Database {
	return c.MongoDB.Database(c.Config.MongoDB.Database)
}

// setupRedis initializes the Redis client.
func (c *Container) setupRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
		PoolSize: c.Config.Redis.PoolSize,
	})
	c.Redis = client
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })

	pingCtx, pingCancel := context.WithTimeout(ctx, redisPingTimeout)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	c.Logger.InfoContext(ctx, "connected to Redis", slog.String("addr", c.Config.Redis.Addr))
	return nil
}

// setupEventStore opens the configured event store and the checkpoint store
// living next to it, then wraps the event store with metrics and tracing.
func (c *Container) setupEventStore(ctx context.Context) error {
	storeOpts := []eventstore.Option{
		eventstore.WithLogger(c.Logger),
		eventstore.WithClock(c.Clock),
		eventstore.WithPageSize(c.Config.Store.PageSize),
	}
	checkpointOpts := []checkpoint.Option{checkpoint.WithClock(c.Clock)}

	var store appcore.EventStore
	switch c.Config.Store.Backend {
	case config.BackendMemory:
		store = eventstore.NewInMemoryEventStore(storeOpts...)
		c.Checkpoints = checkpoint.NewInMemoryStore(checkpointOpts...)
	case config.BackendSQLite:
		s, err := eventstore.OpenSQLite(ctx, c.Config.SQLite.Path, storeOpts...)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func(context.Context) error { return s.Close() })
		store = s
		c.Checkpoints = checkpoint.NewSQLiteStore(s.DB(), checkpointOpts...)
	case config.BackendPostgres:
		s, err := eventstore.OpenPostgres(ctx, c.Config.Postgres.DSN, storeOpts...)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func(context.Context) error { return s.Close() })
		store = s
		c.Checkpoints = checkpoint.NewPostgresStore(s.Pool(), checkpointOpts...)
	case config.BackendMongoDB:
		store = eventstore.NewMongoEventStore(c.MongoDB, c.Config.MongoDB.Database, storeOpts...)
		c.Checkpoints = checkpoint.NewMongoStore(c.mongoDatabase(), checkpointOpts...)
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidBackend, c.Config.Store.Backend)
	}

	c.Events = eventstore.NewInstrumented(store, metrics.NewStoreMetrics(c.Registry))
	return nil
}

// setupSnapshots selects the snapshot cache. BackendNone leaves it nil.
func (c *Container) setupSnapshots() {
	switch c.Config.Snapshot.Backend {
	case config.BackendMemory:
		c.Snapshots = snapshot.NewInMemoryStore()
	case config.BackendRedis:
		c.Snapshots = snapshot.NewRedisStore(c.Redis,
			snapshot.WithTTL(c.Config.Snapshot.TTL),
			snapshot.WithRedisLogger(c.Logger),
		)
	case config.BackendMongoDB:
		c.Snapshots = snapshot.NewMongoStore(c.mongoDatabase())
	}
}

func (c *Container) setupDeadLetters() {
	switch c.Config.DeadLetters.Backend {
	case config.BackendRedis:
		c.DeadLetters = deadletter.NewRedisStore(c.Redis,
			deadletter.WithMaxEntries(int64(c.Config.DeadLetters.MaxEntries)),
			deadletter.WithLogger(c.Logger),
		)
	case config.BackendMongoDB:
		c.DeadLetters = deadletter.NewMongoStore(c.mongoDatabase())
	default:
		c.DeadLetters = deadletter.NewInMemoryStore()
	}
}

func (c *Container) setupReadModel() {
	if c.Config.ReadModel.Backend == config.BackendMongoDB {
		c.Summaries = projector.NewMongoSummaryRepository(c.mongoDatabase())
		return
	}
	c.Summaries = projector.NewInMemorySummaryRepository()
}

// setupNotifier selects how commits wake the dispatcher.
func (c *Container) setupNotifier() error {
	switch c.Config.Notifier.Backend {
	case config.BackendMemory:
		c.Notifier = notify.NewChannel()
	case config.BackendRedis:
		opts := []notify.RedisOption{notify.WithRedisLogger(c.Logger)}
		if c.Config.Notifier.Channel != "" {
			opts = append(opts, notify.WithRedisChannel(c.Config.Notifier.Channel))
		}
		c.Notifier = notify.NewRedisNotifier(c.Redis, opts...)
	case config.BackendNATS:
		conn, err := notify.ConnectNATS(c.Config.NATS.URL, c.Logger)
		if err != nil {
			return err
		}
		c.NATS = conn
		c.closers = append(c.closers, func(context.Context) error { return conn.Drain() })
		c.Notifier = notify.NewNATSNotifier(conn, c.Config.Notifier.Channel, c.Logger)
	default:
		c.Notifier = notify.Nop{}
	}
	return nil
}

// setupApplication builds the project runtime, the summary projection and the dispatcher.
func (c *Container) setupApplication() error {
	c.EventTypes = project.NewRegistry()
	if err := c.EventTypes.Validate(); err != nil {
		return fmt.Errorf("event registry: %w", err)
	}

	runtimeOpts := []aggregate.Option{
		aggregate.WithLogger(c.Logger),
		aggregate.WithClock(c.Clock),
		aggregate.WithNotifier(c.Notifier),
		aggregate.WithMetrics(metrics.NewRuntimeMetrics(c.Registry)),
		aggregate.WithRetry(aggregate.RetryPolicy{
			MaxAttempts:     c.Config.Runtime.MaxAttempts,
			InitialInterval: c.Config.Runtime.InitialInterval,
			MaxInterval:     c.Config.Runtime.MaxInterval,
		}),
	}
	if c.Snapshots != nil {
		runtimeOpts = append(runtimeOpts, aggregate.WithSnapshots(c.Snapshots, aggregate.SnapshotPolicy{
			EveryEvents: c.Config.Snapshot.EveryEvents,
			MaxAge:      c.Config.Snapshot.MaxAge,
		}))
	}
	runtime := aggregate.NewRuntime(projectapp.Definition(c.EventTypes), c.Events, runtimeOpts...)
	c.Projects = projectapp.NewService(runtime, c.Logger)

	c.Summary = projector.NewProjectSummaryProjection(c.Summaries, project.NewCodec(c.EventTypes), c.Logger)

	dispatcher, err := worker.NewDispatcher(
		c.Events,
		c.Checkpoints,
		c.DeadLetters,
		[]appcore.Projection{c.Summary},
		c.dispatcherConfig(),
		worker.WithNotifier(c.Notifier),
		worker.WithDispatcherMetrics(metrics.NewDispatcherMetrics(c.Registry)),
		worker.WithDispatcherClock(c.Clock),
		worker.WithDispatcherLogger(c.Logger),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	c.Dispatcher = dispatcher
	return nil
}

func (c *Container) dispatcherConfig() worker.DispatcherConfig {
	d := c.Config.Dispatcher
	return worker.DispatcherConfig{
		PollInterval:   d.PollInterval,
		BatchSize:      d.BatchSize,
		MaxAttempts:    d.MaxAttempts,
		InitialBackoff: d.InitialBackoff,
		MaxBackoff:     d.MaxBackoff,
		FailurePolicy:  worker.FailurePolicy(d.FailurePolicy),
		UnknownEvents:  worker.UnknownEventPolicy(c.Config.UnknownEventPolicy()),
		Enabled:        d.Enabled,
	}
}

// pingFunc adapts a client-specific ping to healthcheck.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// setupHealth registers connectivity checks as critical and engine checks as optional.
func (c *Container) setupHealth() {
	suite := healthcheck.NewSuite().
		Critical(healthcheck.NewPingChecker("event_store", c.Events, c.Clock))

	if c.MongoDB != nil {
		suite.Critical(healthcheck.NewPingChecker("mongodb", pingFunc(func(ctx context.Context) error {
			return c.MongoDB.Ping(ctx, nil)
		}), c.Clock))
	}
	if c.Redis != nil {
		suite.Critical(healthcheck.NewPingChecker("redis", pingFunc(func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		}), c.Clock))
	}
	if c.NATS != nil {
		suite.Optional(healthcheck.NewPingChecker("nats", pingFunc(c.NATS.FlushWithContext), c.Clock))
	}

	suite.Optional(
		healthcheck.NewProjectionLagChecker(c.Dispatcher, c.Config.Dispatcher.MaxLag, c.Clock),
		healthcheck.NewDeadLetterChecker(c.DeadLetters, c.Clock),
	)
	c.Health = suite
}

// NewOpsServer builds the ops HTTP server with every route registered.
func (c *Container) NewOpsServer() *httpserver.Server {
	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:            c.Config.Ops.Host,
		Port:            c.Config.Ops.Port,
		ReadTimeout:     c.Config.Ops.ReadTimeout,
		WriteTimeout:    c.Config.Ops.WriteTimeout,
		ShutdownTimeout: c.Config.Ops.ShutdownTimeout,
	}, c.Logger)

	httpserver.NewRouter(server.Echo(), httpserver.RouterConfig{
		Logger:   c.Logger,
		Gatherer: c.Registry,
		Health:   c,
		Ops:      httpserver.NewOpsHandler(c.Dispatcher, c.DeadLetters, c.Summaries),
	})
	return server
}

// IsReady reports whether every critical dependency is reachable.
func (c *Container) IsReady(ctx context.Context) bool {
	if c.Health == nil {
		return false
	}
	return c.Health.IsReady(ctx)
}

// GetHealthStatus returns the status of every registered component.
func (c *Container) GetHealthStatus(ctx context.Context) []httpserver.ComponentStatus {
	if c.Health == nil {
		return nil
	}
	return c.Health.GetHealthStatus(ctx)
}

// Close releases connections in reverse order of creation.
func (c *Container) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil

	if len(errs) > 0 {
		c.Logger.Error("container close failed", slog.String("error", errors.Join(errs...).Error()))
		return errors.Join(errs...)
	}
	return nil
}
