package eventstore

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/infrastructure/metrics"
)

const tracerName = "github.com/lllypuk/eventflow/internal/infrastructure/eventstore"

// Instrumented decorates an EventStore with Prometheus metrics and tracing spans.
type Instrumented struct {
	next    appcore.EventStore
	metrics *metrics.StoreMetrics
	tracer  trace.Tracer
}

// NewInstrumented wraps next. m may be nil, in which case only spans are recorded.
func NewInstrumented(next appcore.EventStore, m *metrics.StoreMetrics) *Instrumented {
	return &Instrumented{
		next:    next,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Append records the outcome and latency of the wrapped append.
func (s *Instrumented) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	events []event.Pending,
	expectedVersion int,
) (int, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Append", trace.WithAttributes(
		attribute.String("aggregate.id", aggregateID),
		attribute.String("aggregate.type", aggregateType),
		attribute.Int("events.count", len(events)),
		attribute.Int("expected_version", expectedVersion),
	))
	defer span.End()

	start := time.Now()
	version, err := s.next.Append(ctx, aggregateID, aggregateType, events, expectedVersion)

	if s.metrics != nil {
		s.metrics.AppendsTotal.WithLabelValues(aggregateType, appendResult(err)).Inc()
		if err == nil {
			s.metrics.AppendDuration.WithLabelValues(aggregateType).Observe(time.Since(start).Seconds())
			s.metrics.EventsAppended.WithLabelValues(aggregateType).Add(float64(len(events)))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, appendResult(err))
		return 0, err
	}
	span.SetAttributes(attribute.Int("committed_version", version))
	return version, nil
}

func appendResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, errs.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// Load reads the whole stream.
func (s *Instrumented) Load(ctx context.Context, aggregateID string) ([]event.Record, error) {
	return s.observeStream(ctx, "eventstore.Load", aggregateID, func(ctx context.Context) ([]event.Record, error) {
		return s.next.Load(ctx, aggregateID)
	})
}

// LoadFrom reads the stream tail after afterVersion.
func (s *Instrumented) LoadFrom(ctx context.Context, aggregateID string, afterVersion int) ([]event.Record, error) {
	return s.observeStream(ctx, "eventstore.LoadFrom", aggregateID, func(ctx context.Context) ([]event.Record, error) {
		return s.next.LoadFrom(ctx, aggregateID, afterVersion)
	})
}

// LoadPage reads one page of the stream.
func (s *Instrumented) LoadPage(
	ctx context.Context,
	aggregateID string,
	afterVersion, limit int,
) ([]event.Record, error) {
	return s.next.LoadPage(ctx, aggregateID, afterVersion, limit)
}

func (s *Instrumented) observeStream(
	ctx context.Context,
	spanName, aggregateID string,
	load func(context.Context) ([]event.Record, error),
) ([]event.Record, error) {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("aggregate.id", aggregateID)))
	defer span.End()

	start := time.Now()
	records, err := load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.LoadDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
		s.metrics.LoadedEvents.Observe(float64(len(records)))
	}
	span.SetAttributes(attribute.Int("events.count", len(records)))
	return records, nil
}

// Version returns the current aggregate version.
func (s *Instrumented) Version(ctx context.Context, aggregateID string) (int, error) {
	return s.next.Version(ctx, aggregateID)
}

// FindByIdempotencyKey delegates to the wrapped store.
func (s *Instrumented) FindByIdempotencyKey(ctx context.Context, aggregateID, key string) (int, bool, error) {
	return s.next.FindByIdempotencyKey(ctx, aggregateID, key)
}

// GlobalFeed reads one page of the global feed.
func (s *Instrumented) GlobalFeed(ctx context.Context, afterSequence uint64, limit int) ([]event.Record, error) {
	start := time.Now()
	records, err := s.next.GlobalFeed(ctx, afterSequence, limit)
	if err == nil && s.metrics != nil {
		s.metrics.LoadDuration.WithLabelValues("feed").Observe(time.Since(start).Seconds())
	}
	return records, err
}

// HeadSequence delegates to the wrapped store.
func (s *Instrumented) HeadSequence(ctx context.Context) (uint64, error) {
	return s.next.HeadSequence(ctx)
}

// Ping forwards to the wrapped store when it supports connectivity checks.
func (s *Instrumented) Ping(ctx context.Context) error {
	if p, ok := s.next.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

var _ appcore.EventStore = (*Instrumented)(nil)
