package event_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventDomain "github.com/lllypuk/eventflow/internal/domain/event"
)

func newTestRegistry() *eventDomain.Registry {
	return eventDomain.NewRegistry().
		Register("order.created", 3).
		RegisterUpcaster("order.created", 1, eventDomain.AddField("currency", "EUR")).
		RegisterUpcaster("order.created", 2, eventDomain.RenameField("total", "amount")).
		Register("order.cancelled", 1)
}

func TestRegistry_UpcastFullChain(t *testing.T) {
	// Arrange
	reg := newTestRegistry()
	rec := eventDomain.Record{
		EventType:     "order.created",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"total":1250}`),
		Version:       4,
	}

	// Act
	upcast, err := reg.Upcast(rec)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, upcast.SchemaVersion)
	assert.JSONEq(t, `{"amount":1250,"currency":"EUR"}`, string(upcast.Payload))
	assert.Equal(t, 4, upcast.Version)
	assert.Equal(t, 1, rec.SchemaVersion, "input record must stay untouched")
}

func TestRegistry_UpcastFromMiddleOfChain(t *testing.T) {
	reg := newTestRegistry()

	upcast, err := reg.Upcast(eventDomain.Record{
		EventType:     "order.created",
		SchemaVersion: 2,
		Payload:       json.RawMessage(`{"total":10,"currency":"USD"}`),
	})

	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":10,"currency":"USD"}`, string(upcast.Payload))
}

func TestRegistry_UpcastCurrentIsNoop(t *testing.T) {
	reg := newTestRegistry()
	payload := json.RawMessage(`{"reason":"late"}`)

	upcast, err := reg.Upcast(eventDomain.Record{EventType: "order.cancelled", Payload: payload})

	require.NoError(t, err)
	assert.Equal(t, 1, upcast.SchemaVersion)
	assert.Equal(t, string(payload), string(upcast.Payload))
}

func TestRegistry_UpcastPreservesLargeIntegers(t *testing.T) {
	reg := newTestRegistry()

	upcast, err := reg.Upcast(eventDomain.Record{
		EventType:     "order.created",
		SchemaVersion: 2,
		Payload:       json.RawMessage(`{"total":9007199254740993}`),
	})

	require.NoError(t, err)
	assert.Contains(t, string(upcast.Payload), "9007199254740993")
}

func TestRegistry_Errors(t *testing.T) {
	reg := newTestRegistry().Register("order.shipped", 2)

	t.Run("unknown type", func(t *testing.T) {
		_, err := reg.Upcast(eventDomain.Record{EventType: "order.lost"})
		assert.ErrorIs(t, err, eventDomain.ErrUnknownEventType)
	})

	t.Run("future schema", func(t *testing.T) {
		_, err := reg.Upcast(eventDomain.Record{EventType: "order.cancelled", SchemaVersion: 2})
		assert.ErrorIs(t, err, eventDomain.ErrFutureSchema)
	})

	t.Run("missing upcaster", func(t *testing.T) {
		_, err := reg.Upcast(eventDomain.Record{EventType: "order.shipped", SchemaVersion: 1, Payload: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, eventDomain.ErrMissingUpcaster)
	})

	t.Run("validate reports the hole", func(t *testing.T) {
		err := reg.Validate()
		require.ErrorIs(t, err, eventDomain.ErrMissingUpcaster)
		assert.Contains(t, err.Error(), "order.shipped v1 -> v2")
	})

	t.Run("failing upcaster", func(t *testing.T) {
		boom := errors.New("boom")
		r := eventDomain.NewRegistry().
			Register("x", 2).
			RegisterUpcaster("x", 1, func(map[string]any) (map[string]any, error) { return nil, boom })

		_, err := r.Upcast(eventDomain.Record{EventType: "x", SchemaVersion: 1})
		assert.ErrorIs(t, err, boom)
	})
}

func TestRegistry_CurrentVersionAndTypes(t *testing.T) {
	reg := newTestRegistry()

	v, err := reg.CurrentVersion("order.created")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = reg.CurrentVersion("nope")
	assert.ErrorIs(t, err, eventDomain.ErrUnknownEventType)

	assert.Equal(t, []string{"order.cancelled", "order.created"}, reg.EventTypes())
	assert.True(t, reg.Knows("order.cancelled"))
	assert.NoError(t, reg.Validate())
}
