package appcore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lllypuk/eventflow/internal/domain/event"
)

// Projection folds committed events into a read model it owns.
// Interface is declared on consumer side (application layer) following Go idioms.
type Projection interface {
	// Name identifies the projection and its checkpoint.
	Name() string

	// Apply folds one record. It must be idempotent: applying a record that is
	// already reflected in the read model is a no-op.
	Apply(ctx context.Context, rec event.Record) error

	// Reset drops every record owned by the projection before a rebuild.
	Reset(ctx context.Context) error
}

// Checkpoint is a projection's durable cursor into the global feed.
type Checkpoint struct {
	Projection   string    `json:"projection"`
	LastSequence uint64    `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// Load returns the last applied sequence, 0 when the projection never ran.
	Load(ctx context.Context, projection string) (uint64, error)

	// Save advances the checkpoint to sequence. A lower sequence leaves it unchanged.
	Save(ctx context.Context, projection string, sequence uint64) error

	// Reset rewinds the checkpoint to zero.
	Reset(ctx context.Context, projection string) error

	// List returns every stored checkpoint ordered by projection name.
	List(ctx context.Context) ([]Checkpoint, error)
}

// DeadLetterStatus describes what happened to a dead-lettered event.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterSkipped  DeadLetterStatus = "skipped"
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// DeadLetter is an event a projection could not apply after retries.
type DeadLetter struct {
	ID             string           `json:"id"`
	Projection     string           `json:"projection"`
	GlobalSequence uint64           `json:"global_sequence"`
	AggregateID    string           `json:"aggregate_id"`
	EventType      string           `json:"event_type"`
	Payload        json.RawMessage  `json:"payload"`
	Error          string           `json:"error"`
	Attempts       int              `json:"attempts"`
	FailedAt       time.Time        `json:"failed_at"`
	Status         DeadLetterStatus `json:"status"`
}

// DeadLetterStore records events a projection gave up on.
type DeadLetterStore interface {
	// Add records a dead letter. Re-adding the same (projection, sequence) replaces it.
	Add(ctx context.Context, dl DeadLetter) error

	// List returns the most recent dead letters, newest first. Empty projection means all.
	List(ctx context.Context, projection string, limit int) ([]DeadLetter, error)

	// MarkSkipped flags the entry as skipped by an operator. errs.ErrNotFound when absent.
	MarkSkipped(ctx context.Context, projection string, sequence uint64) error

	// PendingCount returns the number of entries still waiting for an operator.
	PendingCount(ctx context.Context) (int64, error)
}

// Commit announces a successful append.
type Commit struct {
	AggregateID string `json:"aggregate_id"`
	Version     int    `json:"version"`
}

// Notifier wakes projection dispatchers up after commits.
// Notifications are hints: losing one only delays delivery until the next poll.
type Notifier interface {
	Publish(ctx context.Context, commit Commit) error

	// Subscribe returns a channel closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan Commit, error)
}
