package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("generates metadata", func(t *testing.T) {
		env := NewEnvelope("transaction.created", map[string]any{"transactionId": "t1"}, "backend", "")

		assert.Equal(t, "transaction.created", env.EventType)
		assert.Equal(t, "t1", env.Payload["transactionId"])
		assert.NotEmpty(t, env.Metadata.CorrelationID)
		assert.Equal(t, "backend", env.Metadata.Source)
		assert.Equal(t, EnvelopeVersion, env.Metadata.Version)

		_, err := time.Parse(time.RFC3339, env.Metadata.Timestamp)
		assert.NoError(t, err)
	})

	t.Run("keeps supplied correlation id", func(t *testing.T) {
		env := NewEnvelope("order.created", map[string]any{}, "backend", "corr-1")
		assert.Equal(t, "corr-1", env.Metadata.CorrelationID)
	})

	t.Run("nil payload becomes empty object", func(t *testing.T) {
		env := NewEnvelope("order.created", nil, "backend", "")
		require.NotNil(t, env.Payload)
		assert.NoError(t, env.Validate())
	})
}

func TestEnvelopeWireFormat(t *testing.T) {
	env := NewEnvelope("transaction.created", map[string]any{"grandTotal": 125000}, "backend", "corr-9")
	body, err := env.Marshal()
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &wire))
	assert.Contains(t, wire, "eventType")
	assert.Contains(t, wire, "payload")
	assert.Contains(t, wire, "metadata")

	var meta map[string]string
	require.NoError(t, json.Unmarshal(wire["metadata"], &meta))
	assert.Equal(t, "corr-9", meta["correlationId"])
	assert.Equal(t, "backend", meta["source"])
	assert.Equal(t, "1.0", meta["version"])
}

func TestUnmarshalEnvelope(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		body, err := NewEnvelope("stock.level_changed", map[string]any{"sku": "A-1"}, "backend", "").Marshal()
		require.NoError(t, err)

		env, err := UnmarshalEnvelope(body)
		require.NoError(t, err)
		assert.Equal(t, "stock.level_changed", env.EventType)
		assert.Equal(t, "A-1", env.Payload["sku"])
	})

	t.Run("invalid json is malformed", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte("not json"))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("missing eventType is malformed", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte(`{"payload":{},"metadata":{}}`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("missing payload is malformed", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte(`{"eventType":"order.created","metadata":{}}`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("null payload is malformed", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte(`{"eventType":"order.created","payload":null}`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("empty payload is valid", func(t *testing.T) {
		env, err := UnmarshalEnvelope([]byte(`{"eventType":"order.created","payload":{}}`))
		require.NoError(t, err)
		assert.Empty(t, env.Payload)
	})
}

func TestPayloadDateHandling(t *testing.T) {
	t.Run("normalize renders times as ISO-8601", func(t *testing.T) {
		at := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
		out := NormalizePayload(map[string]any{"createdAt": at, "count": 3})

		assert.Equal(t, "2025-01-15T08:00:00.000Z", out["createdAt"])
		assert.Equal(t, 3, out["count"])
	})

	t.Run("restore parses ISO-8601 strings back", func(t *testing.T) {
		out := RestorePayload(map[string]any{
			"createdAt": "2025-01-15T08:00:00.000Z",
			"name":      "espresso",
		})

		at, ok := out["createdAt"].(time.Time)
		require.True(t, ok)
		assert.Equal(t, 2025, at.Year())
		assert.Equal(t, "espresso", out["name"])
	})

	t.Run("round trip preserves the instant", func(t *testing.T) {
		at := time.Date(2025, 3, 2, 14, 30, 45, 120e6, time.UTC)
		restored := RestorePayload(NormalizePayload(map[string]any{"at": at}))

		got, ok := restored["at"].(time.Time)
		require.True(t, ok)
		assert.True(t, at.Equal(got))
	})
}

func TestEvent(t *testing.T) {
	t.Run("local origin by default", func(t *testing.T) {
		e := NewEvent("order.created", map[string]any{"orderId": "o1"})
		assert.False(t, e.FromBroker())
		assert.Equal(t, "local", e.Origin.String())
	})

	t.Run("broker events carry the marker", func(t *testing.T) {
		e := NewBrokerEvent("order.created", map[string]any{"orderId": "o1"})
		assert.True(t, e.FromBroker())
		assert.Equal(t, "broker", e.Origin.String())
	})

	t.Run("nil payload becomes empty map", func(t *testing.T) {
		e := NewEvent("order.created", nil)
		assert.NotNil(t, e.Payload)
	})
}
