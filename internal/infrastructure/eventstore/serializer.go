package eventstore

import (
	"encoding/json"
	"time"

	"github.com/lllypuk/eventflow/internal/domain/event"
)

// EventDocument represents an event document in MongoDB
type EventDocument struct {
	EventID        string                `bson:"_id"`
	AggregateID    string                `bson:"aggregate_id"`
	AggregateType  string                `bson:"aggregate_type"`
	EventType      string                `bson:"event_type"`
	SchemaVersion  int                   `bson:"schema_version"`
	Version        int                   `bson:"version"`
	GlobalSequence int64                 `bson:"global_sequence"`
	Payload        []byte                `bson:"payload"`
	Metadata       EventMetadataDocument `bson:"metadata"`
	CommittedAt    time.Time             `bson:"committed_at"`
}

// EventMetadataDocument represents event metadata in MongoDB
type EventMetadataDocument struct {
	Timestamp      time.Time `bson:"timestamp"`
	Actor          string    `bson:"actor,omitempty"`
	CorrelationID  string    `bson:"correlation_id,omitempty"`
	CausationID    string    `bson:"causation_id,omitempty"`
	IdempotencyKey string    `bson:"idempotency_key,omitempty"`
}

// toDocument converts a committed record into its MongoDB document.
// The payload is kept as raw JSON bytes so numbers round-trip exactly.
func toDocument(rec event.Record) EventDocument {
	return EventDocument{
		EventID:        rec.EventID,
		AggregateID:    rec.AggregateID,
		AggregateType:  rec.AggregateType,
		EventType:      rec.EventType,
		SchemaVersion:  rec.SchemaVersion,
		Version:        rec.Version,
		GlobalSequence: int64(rec.GlobalSequence), //nolint:gosec // sequences stay far below MaxInt64
		Payload:        rec.Payload,
		Metadata: EventMetadataDocument{
			Timestamp:      rec.Metadata.Timestamp,
			Actor:          rec.Metadata.Actor,
			CorrelationID:  rec.Metadata.CorrelationID,
			CausationID:    rec.Metadata.CausationID,
			IdempotencyKey: rec.Metadata.IdempotencyKey,
		},
		CommittedAt: rec.CommittedAt,
	}
}

// toRecord converts a MongoDB document back into a record.
func (d EventDocument) toRecord() event.Record {
	return event.Record{
		EventID:        d.EventID,
		AggregateID:    d.AggregateID,
		AggregateType:  d.AggregateType,
		EventType:      d.EventType,
		SchemaVersion:  event.NormalizedSchemaVersion(d.SchemaVersion),
		Payload:        json.RawMessage(d.Payload),
		Version:        d.Version,
		GlobalSequence: uint64(d.GlobalSequence), //nolint:gosec // never negative
		Metadata: event.Metadata{
			Timestamp:      d.Metadata.Timestamp.UTC(),
			Actor:          d.Metadata.Actor,
			CorrelationID:  d.Metadata.CorrelationID,
			CausationID:    d.Metadata.CausationID,
			IdempotencyKey: d.Metadata.IdempotencyKey,
		},
		CommittedAt: d.CommittedAt.UTC(),
	}
}
