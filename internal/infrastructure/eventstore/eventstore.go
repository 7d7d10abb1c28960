// Package eventstore provides the append-only event log backends: in-memory,
// MongoDB, PostgreSQL and SQLite. All of them satisfy appcore.EventStore.
package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/domain/uuid"
)

// FaultInjector is called by a backend right before it writes the event with
// the given version inside an append. A non-nil error aborts the whole append.
type FaultInjector func(aggregateID string, version int) error

type storeConfig struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	pageSize int
	fault    FaultInjector
}

func newStoreConfig(opts []Option) storeConfig {
	cfg := storeConfig{
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		pageSize: appcore.DefaultPageSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option configures an event store backend.
type Option func(*storeConfig)

// WithLogger sets the logger for event store.
func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for commit timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *storeConfig) {
		c.clock = clock
	}
}

// WithPageSize sets the page size used by Load and LoadFrom.
func WithPageSize(size int) Option {
	return func(c *storeConfig) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

// WithFaultInjector installs a hook that can abort appends mid-batch.
// Used by tests to prove atomicity.
func WithFaultInjector(fn FaultInjector) Option {
	return func(c *storeConfig) {
		c.fault = fn
	}
}

func (c storeConfig) injectFault(aggregateID string, version int) error {
	if c.fault == nil {
		return nil
	}
	return c.fault(aggregateID, version)
}

// buildRecords assigns identity, versions and sequences to a pending batch.
// Timestamps are truncated to milliseconds so every backend round-trips them.
func (c storeConfig) buildRecords(
	aggregateID, aggregateType string,
	pending []event.Pending,
	expectedVersion int,
	firstSequence uint64,
) []event.Record {
	committedAt := c.clock.Now().UTC().Truncate(time.Millisecond)
	records := make([]event.Record, len(pending))

	for i, p := range pending {
		meta := p.Metadata
		if meta.Timestamp.IsZero() {
			meta.Timestamp = committedAt
		}
		meta.Timestamp = meta.Timestamp.UTC().Truncate(time.Millisecond)

		payload := p.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}

		records[i] = event.Record{
			EventID:        uuid.NewOrdered().String(),
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			EventType:      p.EventType,
			SchemaVersion:  event.NormalizedSchemaVersion(p.SchemaVersion),
			Payload:        payload,
			Metadata:       meta,
			Version:        expectedVersion + i + 1,
			GlobalSequence: firstSequence + uint64(i),
			CommittedAt:    committedAt,
		}
	}
	return records
}

type pageLoader interface {
	LoadPage(ctx context.Context, aggregateID string, afterVersion, limit int) ([]event.Record, error)
}

// loadPaged reads a stream page by page until a short page is returned.
func loadPaged(ctx context.Context, p pageLoader, aggregateID string, afterVersion, pageSize int) ([]event.Record, error) {
	var out []event.Record
	for {
		page, err := p.LoadPage(ctx, aggregateID, afterVersion, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		afterVersion = page[len(page)-1].Version
	}
}

func latestIdempotentVersion(records []event.Record, key string) (int, bool) {
	version, found := 0, false
	for _, r := range records {
		if r.Metadata.IdempotencyKey == key && r.Version > version {
			version, found = r.Version, true
		}
	}
	return version, found
}

// Compile-time interface checks.
var (
	_ appcore.EventStore = (*InMemoryEventStore)(nil)
	_ appcore.EventStore = (*MongoEventStore)(nil)
	_ appcore.EventStore = (*PostgresEventStore)(nil)
	_ appcore.EventStore = (*SQLiteEventStore)(nil)
)
