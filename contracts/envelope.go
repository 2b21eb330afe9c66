package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the wire format for all envelope timestamps,
// ISO-8601 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// EnvelopeVersion is the current envelope schema tag.
const EnvelopeVersion = "1.0"

// Metadata carries per-publish transport information.
type Metadata struct {
	CorrelationID string `json:"correlationId"`
	Timestamp     string `json:"timestamp"`
	Source        string `json:"source"`
	Version       string `json:"version"`
}

// Envelope is the wire-level unit of transport between the local bus
// and the broker.
type Envelope struct {
	EventType string         `json:"eventType"`
	Payload   map[string]any `json:"payload"`
	Metadata  Metadata       `json:"metadata"`
}

// NewEnvelope wraps an event payload for transport. The correlation ID is
// freshly generated when empty.
func NewEnvelope(eventType string, payload map[string]any, source, correlationID string) *Envelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		EventType: eventType,
		Payload:   NormalizePayload(payload),
		Metadata: Metadata{
			CorrelationID: correlationID,
			Timestamp:     time.Now().UTC().Format(TimestampLayout),
			Source:        source,
			Version:       EnvelopeVersion,
		},
	}
}

// Validate reports whether the envelope satisfies the wire contract.
// A missing event type or payload makes the envelope malformed; malformed
// envelopes are dead-lettered, never retried.
func (e *Envelope) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("%w: missing eventType", ErrMalformedEnvelope)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}
	return nil
}

// Marshal serializes the envelope to its JSON wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes and validates a wire body. Any decode or
// validation failure is reported as ErrMalformedEnvelope.
func UnmarshalEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// NormalizePayload returns a copy of the payload with time.Time values
// rendered as ISO-8601 strings, so the wire form is plain JSON.
func NormalizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch t := v.(type) {
		case time.Time:
			out[k] = t.UTC().Format(TimestampLayout)
		case *time.Time:
			if t != nil {
				out[k] = t.UTC().Format(TimestampLayout)
			} else {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	return out
}

// RestorePayload returns a copy of the payload with ISO-8601 strings
// parsed back into time.Time values. Non-timestamp strings pass through
// untouched.
func RestorePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				out[k] = t
				continue
			}
		}
		out[k] = v
	}
	return out
}
