package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/infrastructure/metrics"
)

const tracerName = "github.com/lllypuk/eventflow/internal/worker"

// Default dispatcher configuration values.
const (
	defaultDispatchPollInterval   = 500 * time.Millisecond
	defaultDispatchBatchSize      = 100
	defaultDispatchMaxAttempts    = 5
	defaultDispatchInitialBackoff = 50 * time.Millisecond
	defaultDispatchMaxBackoff     = 5 * time.Second
)

// FailurePolicy decides what happens after an event was dead-lettered.
type FailurePolicy string

const (
	// FailureHalt keeps the checkpoint and reports the projection stalled.
	FailureHalt FailurePolicy = "halt"
	// FailureSkip advances past the dead-lettered event.
	FailureSkip FailurePolicy = "skip"
)

// UnknownEventPolicy decides how event types a projection cannot decode are handled.
type UnknownEventPolicy string

const (
	// UnknownStrict treats an unknown type as a permanent failure.
	UnknownStrict UnknownEventPolicy = "strict"
	// UnknownSkip logs the event and advances.
	UnknownSkip UnknownEventPolicy = "skip"
)

// DispatcherConfig contains configuration for the projection dispatcher.
type DispatcherConfig struct {
	// PollInterval is the time between feed polls when no commit notification arrives.
	PollInterval time.Duration

	// BatchSize is the maximum number of feed events read per poll.
	BatchSize int

	// MaxAttempts bounds how often one event is applied before it is dead-lettered.
	MaxAttempts uint

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	FailurePolicy FailurePolicy
	UnknownEvents UnknownEventPolicy

	// Enabled determines if the dispatcher should run.
	Enabled bool
}

// DefaultDispatcherConfig returns sensible default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   defaultDispatchPollInterval,
		BatchSize:      defaultDispatchBatchSize,
		MaxAttempts:    defaultDispatchMaxAttempts,
		InitialBackoff: defaultDispatchInitialBackoff,
		MaxBackoff:     defaultDispatchMaxBackoff,
		FailurePolicy:  FailureHalt,
		UnknownEvents:  UnknownStrict,
		Enabled:        true,
	}
}

// ProjectionStatus reports how far a projection is behind the feed.
type ProjectionStatus struct {
	Name         string `json:"name"`
	LastSequence uint64 `json:"last_sequence"`
	HeadSequence uint64 `json:"head_sequence"`
	Lag          uint64 `json:"lag"`
	Stalled      bool   `json:"stalled"`
	LastError    string `json:"last_error,omitempty"`
}

// subscription is the state of one projection. mu serializes feed processing
// with operator actions; stateMu guards the reported status.
type subscription struct {
	projection appcore.Projection
	wake       chan struct{}
	mu         sync.Mutex

	stateMu   sync.RWMutex
	stalled   bool
	lastError string
}

func (s *subscription) setStalled(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err == nil {
		s.stalled = false
		s.lastError = ""
		return
	}
	s.stalled = true
	s.lastError = err.Error()
}

func (s *subscription) status() (bool, string) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.stalled, s.lastError
}

// Dispatcher delivers the global feed to projections. Each projection runs
// in its own goroutine with its own checkpoint, so a failing projection never
// blocks the others or the write path.
type Dispatcher struct {
	feed        appcore.FeedReader
	checkpoints appcore.CheckpointStore
	deadLetters appcore.DeadLetterStore
	notifier    appcore.Notifier

	subs   []*subscription
	byName map[string]*subscription

	logger  *slog.Logger
	config  DispatcherConfig
	metrics *metrics.DispatcherMetrics
	clock   clockwork.Clock
	tracer  trace.Tracer
}

// DispatcherOption configures optional collaborators of a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithNotifier wakes subscriptions up on commit notifications.
func WithNotifier(n appcore.Notifier) DispatcherOption {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithDispatcherMetrics records delivery metrics on m.
func WithDispatcherMetrics(m *metrics.DispatcherMetrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherClock sets the clock driving polls and dead-letter timestamps.
func WithDispatcherClock(clock clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher for projections. Projection names must be unique.
func NewDispatcher(
	feed appcore.FeedReader,
	checkpoints appcore.CheckpointStore,
	deadLetters appcore.DeadLetterStore,
	projections []appcore.Projection,
	config DispatcherConfig,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	defaults := DefaultDispatcherConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.FailurePolicy == "" {
		config.FailurePolicy = defaults.FailurePolicy
	}
	if config.UnknownEvents == "" {
		config.UnknownEvents = defaults.UnknownEvents
	}

	d := &Dispatcher{
		feed:        feed,
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		byName:      make(map[string]*subscription, len(projections)),
		logger:      slog.Default(),
		config:      config,
		clock:       clockwork.NewRealClock(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, p := range projections {
		if _, dup := d.byName[p.Name()]; dup {
			return nil, errs.NewValidationError("projections", "duplicate projection "+p.Name())
		}
		sub := &subscription{projection: p, wake: make(chan struct{}, 1)}
		d.subs = append(d.subs, sub)
		d.byName[p.Name()] = sub
	}
	return d, nil
}

// Run starts one subscription per projection and runs until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.config.Enabled {
		d.logger.InfoContext(ctx, "projection dispatcher is disabled")
		return nil
	}

	d.logger.InfoContext(ctx, "starting projection dispatcher",
		slog.Int("projections", len(d.subs)),
		slog.Duration("poll_interval", d.config.PollInterval),
		slog.Int("batch_size", d.config.BatchSize),
		slog.String("failure_policy", string(d.config.FailurePolicy)),
		slog.String("unknown_events", string(d.config.UnknownEvents)),
	)

	g, gctx := errgroup.WithContext(ctx)

	if d.notifier != nil {
		commits, err := d.notifier.Subscribe(gctx)
		if err != nil {
			d.logger.WarnContext(ctx, "commit notifications unavailable, polling only",
				slog.String("error", err.Error()),
			)
		} else {
			g.Go(func() error {
				for range commits {
					d.wakeAll()
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		ticker := d.clock.NewTicker(d.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.Chan():
				if _, err := d.Status(gctx); err != nil && gctx.Err() == nil {
					d.logger.WarnContext(gctx, "failed to refresh projection status",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	for _, sub := range d.subs {
		g.Go(func() error {
			return d.runSubscription(gctx, sub)
		})
	}

	err := g.Wait()
	d.logger.InfoContext(ctx, "projection dispatcher stopped")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Dispatcher) wakeAll() {
	for _, sub := range d.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) runSubscription(ctx context.Context, sub *subscription) error {
	name := sub.projection.Name()
	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx, sub)

		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "projection subscription stopped", slog.String("projection", name))
			return nil
		case <-ticker.Chan():
		case <-sub.wake:
		}
	}
}

// drain processes batches until the feed is exhausted or the projection halts.
func (d *Dispatcher) drain(ctx context.Context, sub *subscription) {
	for ctx.Err() == nil {
		n, err := d.processBatch(ctx, sub)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.ErrorContext(ctx, "projection halted",
					slog.String("projection", sub.projection.Name()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if n < d.config.BatchSize {
			return
		}
	}
}

// ProcessOnce handles a single batch for the named projection (useful for testing and tools).
// It returns the number of events whose checkpoint advanced.
func (d *Dispatcher) ProcessOnce(ctx context.Context, projection string) (int, error) {
	sub, ok := d.byName[projection]
	if !ok {
		return 0, fmt.Errorf("projection %q: %w", projection, errs.ErrNotFound)
	}
	return d.processBatch(ctx, sub)
}

// CatchUp processes batches until the named projection reaches the feed head or fails.
func (d *Dispatcher) CatchUp(ctx context.Context, projection string) error {
	for {
		n, err := d.ProcessOnce(ctx, projection)
		if err != nil {
			return err
		}
		if n < d.config.BatchSize {
			return nil
		}
	}
}

// processBatch reads the next feed page after the checkpoint and delivers it in order.
func (d *Dispatcher) processBatch(ctx context.Context, sub *subscription) (int, error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	name := sub.projection.Name()
	from, err := d.checkpoints.Load(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	records, err := d.feed.GlobalFeed(ctx, from, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read feed: %w", err)
	}
	if d.metrics != nil {
		d.metrics.PollBatchSize.Observe(float64(len(records)))
	}

	processed := 0
	for _, rec := range records {
		if errDeliver := d.deliver(ctx, sub, rec); errDeliver != nil {
			sub.setStalled(errDeliver)
			d.setHalted(name, true)
			return processed, errDeliver
		}
		// The checkpoint moves only after the projection confirmed the write.
		if errSave := d.checkpoints.Save(ctx, name, rec.GlobalSequence); errSave != nil {
			return processed, fmt.Errorf("failed to save checkpoint: %w", errSave)
		}
		if d.metrics != nil {
			d.metrics.Checkpoint.WithLabelValues(name).Set(float64(rec.GlobalSequence))
		}
		processed++
	}

	if len(records) > 0 {
		sub.setStalled(nil)
		d.setHalted(name, false)
		d.logger.DebugContext(ctx, "projection batch completed",
			slog.String("projection", name),
			slog.Int("processed", processed),
			slog.Uint64("checkpoint", records[len(records)-1].GlobalSequence),
		)
	}
	return processed, nil
}

func (d *Dispatcher) setHalted(name string, halted bool) {
	if d.metrics == nil {
		return
	}
	v := 0.0
	if halted {
		v = 1
	}
	d.metrics.Halted.WithLabelValues(name).Set(v)
}

// deliver applies rec with retries. A nil result means the checkpoint may advance.
func (d *Dispatcher) deliver(ctx context.Context, sub *subscription, rec event.Record) error {
	name := sub.projection.Name()
	ctx, span := d.tracer.Start(ctx, "projection.Apply", trace.WithAttributes(
		attribute.String("projection", name),
		attribute.String("event.type", rec.EventType),
		attribute.Int64("global_sequence", int64(rec.GlobalSequence)), //nolint:gosec // far below MaxInt64
	))
	defer span.End()

	start := d.clock.Now()
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		errApply := sub.projection.Apply(ctx, rec)
		if errApply != nil && errors.Is(errApply, event.ErrUnknownEventType) {
			return struct{}{}, backoff.Permanent(errApply)
		}
		return struct{}{}, errApply
	},
		backoff.WithBackOff(d.backOff()),
		backoff.WithMaxTries(d.config.MaxAttempts),
		backoff.WithNotify(func(errRetry error, wait time.Duration) {
			if d.metrics != nil {
				d.metrics.RetryTotal.WithLabelValues(name).Inc()
			}
			d.logger.DebugContext(ctx, "retrying projection apply",
				slog.String("projection", name),
				slog.Uint64("global_sequence", rec.GlobalSequence),
				slog.Duration("backoff", wait),
				slog.String("error", errRetry.Error()),
			)
		}),
	)

	if err == nil {
		if d.metrics != nil {
			d.metrics.EventsProcessed.WithLabelValues(name, "applied").Inc()
			d.metrics.ApplyDuration.WithLabelValues(name).Observe(d.clock.Since(start).Seconds())
		}
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	span.RecordError(err)
	if errors.Is(err, event.ErrUnknownEventType) && d.config.UnknownEvents == UnknownSkip {
		d.logger.WarnContext(ctx, "skipping unknown event type",
			slog.String("projection", name),
			slog.String("event_type", rec.EventType),
			slog.Uint64("global_sequence", rec.GlobalSequence),
		)
		if d.metrics != nil {
			d.metrics.EventsProcessed.WithLabelValues(name, "skipped").Inc()
		}
		return nil
	}

	return d.deadLetter(ctx, span, name, rec, attempts, err)
}

func (d *Dispatcher) deadLetter(
	ctx context.Context,
	span trace.Span,
	name string,
	rec event.Record,
	attempts int,
	cause error,
) error {
	failure := &errs.ProjectionError{Projection: name, Sequence: rec.GlobalSequence, Err: cause}
	span.SetStatus(codes.Error, "dead-lettered")

	dl := appcore.DeadLetter{
		Projection:     name,
		GlobalSequence: rec.GlobalSequence,
		AggregateID:    rec.AggregateID,
		EventType:      rec.EventType,
		Payload:        rec.Payload,
		Error:          cause.Error(),
		Attempts:       attempts,
		FailedAt:       d.clock.Now().UTC(),
		Status:         appcore.DeadLetterPending,
	}
	if err := d.deadLetters.Add(ctx, dl); err != nil {
		d.logger.ErrorContext(ctx, "failed to record dead letter",
			slog.String("projection", name),
			slog.Uint64("global_sequence", rec.GlobalSequence),
			slog.String("error", err.Error()),
		)
		return errors.Join(failure, err)
	}

	if d.metrics != nil {
		d.metrics.EventsProcessed.WithLabelValues(name, "dead_lettered").Inc()
	}
	d.logger.ErrorContext(ctx, "event dead-lettered",
		slog.String("projection", name),
		slog.Uint64("global_sequence", rec.GlobalSequence),
		slog.String("event_type", rec.EventType),
		slog.String("aggregate_id", rec.AggregateID),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()),
	)

	if d.config.FailurePolicy == FailureSkip {
		return nil
	}
	return failure
}

func (d *Dispatcher) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialBackoff
	b.MaxInterval = d.config.MaxBackoff
	return b
}

// Status returns the progress of every projection and refreshes the lag gauges.
func (d *Dispatcher) Status(ctx context.Context) ([]ProjectionStatus, error) {
	head, err := d.feed.HeadSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head sequence: %w", err)
	}

	out := make([]ProjectionStatus, 0, len(d.subs))
	for _, sub := range d.subs {
		name := sub.projection.Name()
		last, errLoad := d.checkpoints.Load(ctx, name)
		if errLoad != nil {
			return nil, fmt.Errorf("failed to load checkpoint %s: %w", name, errLoad)
		}
		stalled, lastError := sub.status()

		st := ProjectionStatus{
			Name:         name,
			LastSequence: last,
			HeadSequence: head,
			Stalled:      stalled,
			LastError:    lastError,
		}
		if head > last {
			st.Lag = head - last
		}
		out = append(out, st)

		if d.metrics != nil {
			d.metrics.Lag.WithLabelValues(name).Set(float64(st.Lag))
			d.metrics.Checkpoint.WithLabelValues(name).Set(float64(last))
		}
	}

	if d.metrics != nil {
		if pending, errCount := d.deadLetters.PendingCount(ctx); errCount == nil {
			d.metrics.DeadLettersPending.Set(float64(pending))
		}
	}
	return out, nil
}

// SkipDeadLetter advances a projection halted at sequence past the failing
// event and marks its dead letter skipped.
func (d *Dispatcher) SkipDeadLetter(ctx context.Context, projection string, sequence uint64) error {
	sub, ok := d.byName[projection]
	if !ok {
		return fmt.Errorf("projection %q: %w", projection, errs.ErrNotFound)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	last, err := d.checkpoints.Load(ctx, projection)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	next, err := d.feed.GlobalFeed(ctx, last, 1)
	if err != nil {
		return fmt.Errorf("failed to read feed: %w", err)
	}
	if len(next) == 0 || next[0].GlobalSequence != sequence {
		return errs.NewValidationError("sequence",
			fmt.Sprintf("projection %s is not blocked at sequence %d (checkpoint %d)", projection, sequence, last))
	}

	if err = d.deadLetters.MarkSkipped(ctx, projection, sequence); err != nil {
		return fmt.Errorf("failed to mark dead letter skipped: %w", err)
	}
	if err = d.checkpoints.Save(ctx, projection, sequence); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	sub.setStalled(nil)
	d.setHalted(projection, false)
	d.logger.WarnContext(ctx, "operator skipped dead-lettered event",
		slog.String("projection", projection),
		slog.Uint64("global_sequence", sequence),
	)

	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return nil
}

// Rebuild resets the projection, rewinds its checkpoint to zero and replays
// the feed up to the head.
func (d *Dispatcher) Rebuild(ctx context.Context, projection string) error {
	sub, ok := d.byName[projection]
	if !ok {
		return fmt.Errorf("projection %q: %w", projection, errs.ErrNotFound)
	}

	d.logger.InfoContext(ctx, "rebuilding projection", slog.String("projection", projection))

	sub.mu.Lock()
	if err := sub.projection.Reset(ctx); err != nil {
		sub.mu.Unlock()
		return fmt.Errorf("failed to reset projection: %w", err)
	}
	if err := d.checkpoints.Reset(ctx, projection); err != nil {
		sub.mu.Unlock()
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}
	sub.setStalled(nil)
	sub.mu.Unlock()

	if err := d.CatchUp(ctx, projection); err != nil {
		return fmt.Errorf("replay %s: %w", projection, err)
	}

	d.logger.InfoContext(ctx, "projection rebuilt", slog.String("projection", projection))
	return nil
}

// Projections returns the registered projection names in registration order.
func (d *Dispatcher) Projections() []string {
	names := make([]string, 0, len(d.subs))
	for _, sub := range d.subs {
		names = append(names, sub.projection.Name())
	}
	return names
}
