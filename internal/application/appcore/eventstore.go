package appcore

import (
	"context"

	"github.com/lllypuk/eventflow/internal/domain/event"
)

// DefaultPageSize is the page size backends use when loading long streams.
const DefaultPageSize = 200

// EventStore defines the append-only event log.
// The interface is declared here (on the consumer side - application layer),
// not in infrastructure, following idiomatic Go approach.
type EventStore interface {
	FeedReader

	// Append commits events atomically after the aggregate's persisted version.
	// expectedVersion is 0 for a new aggregate. Returns the committed version.
	// Fails with errs.ErrConcurrencyConflict when the persisted version differs
	// and with errs.ErrValidation for an empty batch. Nothing is written on failure.
	Append(
		ctx context.Context,
		aggregateID, aggregateType string,
		events []event.Pending,
		expectedVersion int,
	) (int, error)

	// Load returns the whole stream from version 1 upward.
	Load(ctx context.Context, aggregateID string) ([]event.Record, error)

	// LoadFrom returns the events with version > afterVersion.
	LoadFrom(ctx context.Context, aggregateID string, afterVersion int) ([]event.Record, error)

	// LoadPage returns at most limit events with version > afterVersion.
	LoadPage(ctx context.Context, aggregateID string, afterVersion, limit int) ([]event.Record, error)

	// Version returns the persisted version, 0 if the aggregate has no events.
	Version(ctx context.Context, aggregateID string) (int, error)

	// FindByIdempotencyKey returns the highest version committed by a command
	// carrying key. found is false when no such command was committed.
	FindByIdempotencyKey(ctx context.Context, aggregateID, key string) (version int, found bool, err error)
}

// FeedReader is the read side of the global, commit-ordered feed.
type FeedReader interface {
	// GlobalFeed returns at most limit events with GlobalSequence > afterSequence, in order.
	GlobalFeed(ctx context.Context, afterSequence uint64, limit int) ([]event.Record, error)

	// HeadSequence returns the highest committed global sequence, 0 for an empty store.
	HeadSequence(ctx context.Context) (uint64, error)
}
