package event

import "time"

// Metadata содержит метаданные события
type Metadata struct {
	Timestamp      time.Time `json:"timestamp"                 bson:"timestamp"`
	Actor          string    `json:"actor,omitempty"           bson:"actor,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"  bson:"correlation_id,omitempty"`
	CausationID    string    `json:"causation_id,omitempty"    bson:"causation_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
}

// NewMetadata создает новые метаданные
func NewMetadata(actor, correlationID string) Metadata {
	return Metadata{
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		CorrelationID: correlationID,
	}
}

// WithCausation sets the id of the command or event that caused this one
func (m Metadata) WithCausation(causationID string) Metadata {
	m.CausationID = causationID
	return m
}

// WithIdempotencyKey tags the event with the key of the command that produced it
func (m Metadata) WithIdempotencyKey(key string) Metadata {
	m.IdempotencyKey = key
	return m
}

// WithTimestamp overrides the timestamp, mostly for deterministic tests
func (m Metadata) WithTimestamp(ts time.Time) Metadata {
	m.Timestamp = ts.UTC()
	return m
}
