package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownEventType is returned for event types the registry does not know
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMissingUpcaster is returned when the chain from a stored version to the current one has a hole
	ErrMissingUpcaster = errors.New("missing upcaster")

	// ErrFutureSchema is returned when a stored payload is newer than this binary understands
	ErrFutureSchema = errors.New("event schema version is newer than supported")
)

// Upcaster rewrites a payload of version N into the shape of version N+1.
// Upcasters must be deterministic.
type Upcaster func(payload map[string]any) (map[string]any, error)

type typeSchema struct {
	current   int
	upcasters map[int]Upcaster // keyed by source version
}

// Registry knows the current schema version of every event type and the
// upcaster chain leading to it. Build it once at startup and pass it
// explicitly; it is read-only afterwards and safe for concurrent reads.
type Registry struct {
	types map[string]*typeSchema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*typeSchema)}
}

// Register declares an event type and its current schema version.
func (r *Registry) Register(eventType string, currentVersion int) *Registry {
	r.types[eventType] = &typeSchema{
		current:   NormalizedSchemaVersion(currentVersion),
		upcasters: make(map[int]Upcaster),
	}
	return r
}

// RegisterUpcaster adds the fromVersion -> fromVersion+1 step for eventType.
func (r *Registry) RegisterUpcaster(eventType string, fromVersion int, up Upcaster) *Registry {
	schema, ok := r.types[eventType]
	if !ok {
		schema = &typeSchema{current: fromVersion + 1, upcasters: make(map[int]Upcaster)}
		r.types[eventType] = schema
	}
	schema.upcasters[fromVersion] = up
	return r
}

// Knows reports whether eventType is registered.
func (r *Registry) Knows(eventType string) bool {
	_, ok := r.types[eventType]
	return ok
}

// CurrentVersion returns the schema version new events of eventType are written with.
func (r *Registry) CurrentVersion(eventType string) (int, error) {
	schema, ok := r.types[eventType]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	return schema.current, nil
}

// EventTypes returns the registered types in lexical order.
func (r *Registry) EventTypes() []string {
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every registered type has a complete upcaster chain.
func (r *Registry) Validate() error {
	var problems []error
	for _, eventType := range r.EventTypes() {
		schema := r.types[eventType]
		for v := 1; v < schema.current; v++ {
			if _, ok := schema.upcasters[v]; !ok {
				problems = append(problems, fmt.Errorf("%w: %s v%d -> v%d", ErrMissingUpcaster, eventType, v, v+1))
			}
		}
	}
	return errors.Join(problems...)
}

// Upcast returns rec with its payload rewritten to the current schema version.
// The input record is not modified.
func (r *Registry) Upcast(rec Record) (Record, error) {
	schema, ok := r.types[rec.EventType]
	if !ok {
		return rec, fmt.Errorf("%w: %s", ErrUnknownEventType, rec.EventType)
	}

	version := NormalizedSchemaVersion(rec.SchemaVersion)
	if version > schema.current {
		return rec, fmt.Errorf("%w: %s v%d (current v%d)", ErrFutureSchema, rec.EventType, version, schema.current)
	}
	if version == schema.current {
		rec.SchemaVersion = version
		return rec, nil
	}

	data, err := decodePayload(rec.Payload)
	if err != nil {
		return rec, fmt.Errorf("upcast %s v%d: %w", rec.EventType, version, err)
	}

	for ; version < schema.current; version++ {
		up, found := schema.upcasters[version]
		if !found {
			return rec, fmt.Errorf("%w: %s v%d -> v%d", ErrMissingUpcaster, rec.EventType, version, version+1)
		}
		if data, err = up(data); err != nil {
			return rec, fmt.Errorf("upcast %s v%d -> v%d: %w", rec.EventType, version, version+1, err)
		}
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return rec, fmt.Errorf("upcast %s: encode payload: %w", rec.EventType, err)
	}

	rec.Payload = payload
	rec.SchemaVersion = schema.current
	return rec, nil
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	data := make(map[string]any)
	if len(raw) == 0 {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	return data, nil
}

// AddField returns an upcaster that sets key to value when it is absent.
func AddField(key string, value any) Upcaster {
	return func(payload map[string]any) (map[string]any, error) {
		if _, ok := payload[key]; !ok {
			payload[key] = value
		}
		return payload, nil
	}
}

// RenameField returns an upcaster that moves from to to.
func RenameField(from, to string) Upcaster {
	return func(payload map[string]any) (map[string]any, error) {
		if v, ok := payload[from]; ok {
			payload[to] = v
			delete(payload, from)
		}
		return payload, nil
	}
}
