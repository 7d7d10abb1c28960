// Package event defines the persisted event envelope and schema evolution support.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// Pending is an event produced by a command but not yet committed.
// The store assigns EventID, Version, GlobalSequence and CommittedAt on append.
type Pending struct {
	EventType     string
	SchemaVersion int
	Payload       json.RawMessage
	Metadata      Metadata
}

// Record is a committed, immutable event.
type Record struct {
	EventID        string          `json:"event_id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      string          `json:"event_type"`
	SchemaVersion  int             `json:"schema_version"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       Metadata        `json:"metadata"`
	Version        int             `json:"version"`
	GlobalSequence uint64          `json:"global_sequence"`
	CommittedAt    time.Time       `json:"committed_at"`
}

// ValidateAppend checks an append request before it reaches a backend.
func ValidateAppend(aggregateID, aggregateType string, events []Pending, expectedVersion int) error {
	if strings.TrimSpace(aggregateID) == "" {
		return errs.NewValidationError("aggregate_id", "must not be blank")
	}
	if strings.TrimSpace(aggregateType) == "" {
		return errs.NewValidationError("aggregate_type", "must not be blank")
	}
	if expectedVersion < 0 {
		return errs.NewValidationError("expected_version", "must not be negative")
	}
	if len(events) == 0 {
		return errs.NewValidationError("events", "batch must contain at least one event")
	}
	for _, e := range events {
		if strings.TrimSpace(e.EventType) == "" {
			return errs.NewValidationError("event_type", "must not be blank")
		}
		if len(e.Payload) > 0 && !json.Valid(e.Payload) {
			return errs.NewValidationError("payload", "must be valid JSON")
		}
	}
	return nil
}

// NormalizedSchemaVersion treats a missing schema version as version 1.
func NormalizedSchemaVersion(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
