package project

import (
	"encoding/json"
	"fmt"

	"github.com/lllypuk/eventflow/internal/domain/event"
)

// NewRegistry declares every project event type with its upcaster chain.
func NewRegistry() *event.Registry {
	return RegisterEvents(event.NewRegistry())
}

// RegisterEvents adds the project event types to an existing registry.
func RegisterEvents(reg *event.Registry) *event.Registry {
	return reg.
		Register(EventTypeCreated, CreatedSchemaVersion).
		RegisterUpcaster(EventTypeCreated, 1, event.AddField("priority", string(PriorityMedium))).
		Register(EventTypeRenamed, RenamedSchemaVersion).
		RegisterUpcaster(EventTypeRenamed, 1, event.RenameField("title", "name")).
		Register(EventTypeStatusChanged, StatusChangedSchemaVersion).
		Register(EventTypePriorityChanged, PriorityChangedSchemaVersion).
		Register(EventTypeOwnerAssigned, OwnerAssignedSchemaVersion)
}

// Codec converts between project events and the persisted envelope.
type Codec struct {
	registry *event.Registry
}

// NewCodec creates a codec backed by reg.
func NewCodec(reg *event.Registry) Codec {
	return Codec{registry: reg}
}

// Decode upcasts rec to the current schema and decodes its payload.
func (c Codec) Decode(rec event.Record) (Event, error) {
	rec, err := c.registry.Upcast(rec)
	if err != nil {
		return nil, err
	}

	switch rec.EventType {
	case EventTypeCreated:
		return decodeAs[Created](rec)
	case EventTypeRenamed:
		return decodeAs[Renamed](rec)
	case EventTypeStatusChanged:
		return decodeAs[StatusChanged](rec)
	case EventTypePriorityChanged:
		return decodeAs[PriorityChanged](rec)
	case EventTypeOwnerAssigned:
		return decodeAs[OwnerAssigned](rec)
	default:
		return nil, fmt.Errorf("%w: %s", event.ErrUnknownEventType, rec.EventType)
	}
}

// Encode serializes e with its current schema version.
func (c Codec) Encode(e Event) (event.Pending, error) {
	version, err := c.registry.CurrentVersion(e.EventType())
	if err != nil {
		return event.Pending{}, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return event.Pending{}, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return event.Pending{
		EventType:     e.EventType(),
		SchemaVersion: version,
		Payload:       payload,
	}, nil
}

func decodeAs[T Event](rec event.Record) (Event, error) {
	var ev T
	if len(rec.Payload) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(rec.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode %s v%d at version %d: %w", rec.EventType, rec.SchemaVersion, rec.Version, err)
	}
	return ev, nil
}
