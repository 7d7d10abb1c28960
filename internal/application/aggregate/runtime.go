// Package aggregate rehydrates event-sourced aggregates and runs commands
// against them under optimistic concurrency.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/infrastructure/metrics"
)

const tracerName = "github.com/lllypuk/eventflow/internal/application/aggregate"

// Codec converts domain events to and from the persisted envelope.
// Decode must upcast older schema versions before decoding.
type Codec[E any] interface {
	Decode(rec event.Record) (E, error)
	Encode(e E) (event.Pending, error)
}

// Definition describes one aggregate type.
type Definition[S, E any] struct {
	AggregateType string

	// StateSchemaVersion versions the JSON shape of S inside snapshots.
	StateSchemaVersion int

	Initial func(id string) S

	// Apply must be pure and total over E.
	Apply func(state S, e E) S

	Codec Codec[E]
}

// Decide validates a command against folded state and returns the events it
// produces. It performs no I/O. An empty result means nothing to do.
type Decide[S, E any] func(state S) ([]E, error)

// ExecuteOptions tune a single Execute call.
type ExecuteOptions struct {
	// Command labels metrics and spans.
	Command string

	// ExpectedVersion pins the version the caller observed. When set, a
	// mismatch is returned as a conflict and never retried.
	ExpectedVersion *int

	// Metadata is attached to every produced event. A non-empty
	// IdempotencyKey makes a repeated command return the recorded version.
	Metadata event.Metadata
}

// Result describes the outcome of Execute.
type Result[S, E any] struct {
	AggregateID string
	Version     int
	State       S
	Events      []E

	// Duplicate is true when the idempotency key was already committed.
	// State and Events are empty in that case.
	Duplicate bool
}

// RetryPolicy bounds re-evaluation after conflicts and storage failures.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

type config struct {
	snapshots appcore.SnapshotStore
	policy    SnapshotPolicy
	notifier  appcore.Notifier
	metrics   *metrics.RuntimeMetrics
	logger    *slog.Logger
	clock     clockwork.Clock
	retry     RetryPolicy
}

// Option configures a Runtime.
type Option func(*config)

// WithSnapshots enables snapshot reads and captures under policy.
func WithSnapshots(store appcore.SnapshotStore, policy SnapshotPolicy) Option {
	return func(c *config) {
		c.snapshots = store
		c.policy = policy
	}
}

// WithNotifier announces every commit on n.
func WithNotifier(n appcore.Notifier) Option {
	return func(c *config) { c.notifier = n }
}

// WithMetrics records command outcomes on m.
func WithMetrics(m *metrics.RuntimeMetrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for snapshot timestamps and age checks.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRetry overrides the retry policy. MaxAttempts of 1 disables retries.
func WithRetry(p RetryPolicy) Option {
	return func(c *config) {
		if p.MaxAttempts > 0 {
			c.retry = p
		}
	}
}

// Runtime executes commands for one aggregate type.
type Runtime[S, E any] struct {
	def    Definition[S, E]
	store  appcore.EventStore
	cfg    config
	tracer trace.Tracer
}

// NewRuntime creates a runtime for def on store.
func NewRuntime[S, E any](def Definition[S, E], store appcore.EventStore, opts ...Option) *Runtime[S, E] {
	cfg := config{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		retry:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runtime[S, E]{
		def:    def,
		store:  store,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// AggregateType returns the stream type handled by the runtime.
func (r *Runtime[S, E]) AggregateType() string {
	return r.def.AggregateType
}

// Rehydrate folds the stream of id, starting from a snapshot when one is usable.
// The returned version is 0 for an aggregate without events.
func (r *Runtime[S, E]) Rehydrate(ctx context.Context, id string) (S, int, error) {
	loaded, err := r.rehydrate(ctx, id)
	return loaded.state, loaded.version, err
}

type rehydrated[S any] struct {
	state      S
	version    int
	snapshotAt time.Time
}

func (r *Runtime[S, E]) rehydrate(ctx context.Context, id string) (rehydrated[S], error) {
	loaded := r.loadSnapshot(ctx, id)

	records, err := r.store.LoadFrom(ctx, id, loaded.version)
	if err != nil {
		return rehydrated[S]{}, fmt.Errorf("load %s %s: %w", r.def.AggregateType, id, err)
	}

	// A snapshot newer than the stream outlived the events it was folded from.
	if loaded.version > 0 && len(records) == 0 {
		persisted, errVersion := r.store.Version(ctx, id)
		if errVersion != nil {
			return rehydrated[S]{}, fmt.Errorf("version %s %s: %w", r.def.AggregateType, id, errVersion)
		}
		if persisted < loaded.version {
			r.discardSnapshot(ctx, id, loaded.version, persisted)
			loaded = rehydrated[S]{state: r.def.Initial(id)}
			if records, err = r.store.LoadFrom(ctx, id, 0); err != nil {
				return rehydrated[S]{}, fmt.Errorf("load %s %s: %w", r.def.AggregateType, id, err)
			}
		}
	}

	for _, rec := range records {
		if rec.AggregateType != r.def.AggregateType {
			return rehydrated[S]{}, fmt.Errorf("aggregate %s is a %s, not a %s", id, rec.AggregateType, r.def.AggregateType)
		}
		if rec.Version != loaded.version+1 {
			return rehydrated[S]{}, fmt.Errorf("stream %s: expected version %d, got %d", id, loaded.version+1, rec.Version)
		}
		e, errDecode := r.def.Codec.Decode(rec)
		if errDecode != nil {
			return rehydrated[S]{}, fmt.Errorf("replay %s: %w", id, errDecode)
		}
		loaded.state = r.def.Apply(loaded.state, e)
		loaded.version = rec.Version
	}

	if r.cfg.metrics != nil {
		r.cfg.metrics.ReplayedEvents.Observe(float64(len(records)))
	}
	return loaded, nil
}

// Save encodes events and appends them after expectedVersion.
// A successful commit is announced on the notifier.
func (r *Runtime[S, E]) Save(
	ctx context.Context,
	id string,
	expectedVersion int,
	events []E,
	meta event.Metadata,
) (int, error) {
	pending := make([]event.Pending, 0, len(events))
	for _, e := range events {
		p, err := r.def.Codec.Encode(e)
		if err != nil {
			return 0, err
		}
		p.Metadata = meta
		pending = append(pending, p)
	}

	version, err := r.store.Append(ctx, id, r.def.AggregateType, pending, expectedVersion)
	if err != nil {
		return 0, err
	}

	r.notify(ctx, id, version)
	return version, nil
}

func (r *Runtime[S, E]) notify(ctx context.Context, id string, version int) {
	if r.cfg.notifier == nil {
		return
	}
	if err := r.cfg.notifier.Publish(ctx, appcore.Commit{AggregateID: id, Version: version}); err != nil {
		r.cfg.logger.WarnContext(ctx, "failed to publish commit notification",
			slog.String("aggregate_id", id),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
	}
}

// Execute rehydrates id, runs decide and commits the produced events.
// Conflicts are re-evaluated against fresh state unless opts pins the
// expected version; storage failures are retried with backoff. Validation
// and domain errors are returned as is.
func (r *Runtime[S, E]) Execute(
	ctx context.Context,
	id string,
	decide Decide[S, E],
	opts ExecuteOptions,
) (Result[S, E], error) {
	ctx, span := r.tracer.Start(ctx, "aggregate.Execute", trace.WithAttributes(
		attribute.String("aggregate.id", id),
		attribute.String("aggregate.type", r.def.AggregateType),
		attribute.String("command", opts.Command),
	))
	defer span.End()

	start := r.cfg.clock.Now()
	attempt := 0

	operation := func() (Result[S, E], error) {
		attempt++
		if attempt > 1 && r.cfg.metrics != nil {
			r.cfg.metrics.CommandRetries.WithLabelValues(r.def.AggregateType, opts.Command).Inc()
		}
		res, err := r.attempt(ctx, id, decide, opts)
		if err != nil && !r.retryable(err, opts) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.cfg.retry.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.cfg.logger.DebugContext(ctx, "retrying command",
				slog.String("aggregate_id", id),
				slog.String("command", opts.Command),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}),
	)

	outcome := commandOutcome(res, err)
	if r.cfg.metrics != nil {
		r.cfg.metrics.CommandsTotal.WithLabelValues(r.def.AggregateType, opts.Command, outcome).Inc()
		r.cfg.metrics.CommandDuration.WithLabelValues(r.def.AggregateType, opts.Command).
			Observe(r.cfg.clock.Since(start).Seconds())
	}
	span.SetAttributes(attribute.String("result", outcome), attribute.Int("attempts", attempt))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return Result[S, E]{}, err
	}
	span.SetAttributes(attribute.Int("version", res.Version))
	return res, nil
}

func (r *Runtime[S, E]) attempt(
	ctx context.Context,
	id string,
	decide Decide[S, E],
	opts ExecuteOptions,
) (Result[S, E], error) {
	if err := ctx.Err(); err != nil {
		return Result[S, E]{}, err
	}

	if key := opts.Metadata.IdempotencyKey; key != "" {
		version, found, err := r.store.FindByIdempotencyKey(ctx, id, key)
		if err != nil {
			return Result[S, E]{}, err
		}
		if found {
			r.cfg.logger.InfoContext(ctx, "command already committed",
				slog.String("aggregate_id", id),
				slog.String("idempotency_key", key),
				slog.Int("version", version),
			)
			return Result[S, E]{AggregateID: id, Version: version, Duplicate: true}, nil
		}
	}

	loaded, err := r.rehydrate(ctx, id)
	if err != nil {
		return Result[S, E]{}, err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != loaded.version {
		return Result[S, E]{}, &errs.ConflictError{
			AggregateID: id,
			Expected:    *opts.ExpectedVersion,
			Actual:      loaded.version,
		}
	}

	events, err := decide(loaded.state)
	if err != nil {
		return Result[S, E]{}, err
	}
	if len(events) == 0 {
		return Result[S, E]{AggregateID: id, Version: loaded.version, State: loaded.state}, nil
	}

	// Cancellation is honoured up to here; once Append starts the commit may land.
	if err = ctx.Err(); err != nil {
		return Result[S, E]{}, err
	}

	version, err := r.Save(ctx, id, loaded.version, events, opts.Metadata)
	if err != nil {
		return Result[S, E]{}, err
	}

	state := loaded.state
	for _, e := range events {
		state = r.def.Apply(state, e)
	}
	r.maybeSnapshot(ctx, id, loaded, version, state)

	return Result[S, E]{AggregateID: id, Version: version, State: state, Events: events}, nil
}

func (r *Runtime[S, E]) retryable(err error, opts ExecuteOptions) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, errs.ErrConcurrencyConflict) && opts.ExpectedVersion != nil {
		return false
	}
	return errs.IsRetryable(err)
}

func (r *Runtime[S, E]) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.retry.InitialInterval
	b.MaxInterval = r.cfg.retry.MaxInterval
	return b
}

func commandOutcome[S, E any](res Result[S, E], err error) string {
	switch {
	case err == nil && res.Duplicate:
		return metrics.ResultDuplicate
	case err == nil && len(res.Events) == 0:
		return metrics.ResultNoop
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, errs.ErrValidation):
		return metrics.ResultValidation
	case errors.Is(err, errs.ErrDomain):
		return metrics.ResultDomain
	case errors.Is(err, errs.ErrConcurrencyConflict):
		return metrics.ResultConflict
	default:
		return metrics.ResultError
	}
}
