package appcore

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is a disposable cache of folded aggregate state.
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"`
	SchemaVersion int             `json:"schema_version"`
	State         json.RawMessage `json:"state"`
	CapturedAt    time.Time       `json:"captured_at"`
}

// SnapshotStore persists at most one snapshot per aggregate.
type SnapshotStore interface {
	// Load returns the latest snapshot or errs.ErrNotFound.
	Load(ctx context.Context, aggregateID string) (Snapshot, error)

	// Save replaces the stored snapshot unless the stored one has a higher version.
	Save(ctx context.Context, snapshot Snapshot) error

	// Delete removes the snapshot. Missing snapshots are not an error.
	Delete(ctx context.Context, aggregateID string) error
}
