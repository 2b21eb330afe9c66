package contracts

// Origin records where an event first appeared. Events reconstructed from
// broker deliveries are tagged OriginBroker so the bridge's local-to-broker
// leg can skip them and never loop a message back to the broker.
type Origin int

const (
	// OriginLocal marks an event produced by this process.
	OriginLocal Origin = iota
	// OriginBroker marks an event re-emitted from a broker delivery.
	OriginBroker
)

func (o Origin) String() string {
	if o == OriginBroker {
		return "broker"
	}
	return "local"
}

// Event is the in-process domain event unit carried by the local bus.
// Name doubles as the broker routing key.
type Event struct {
	Name    string
	Payload map[string]any
	Origin  Origin
}

// NewEvent creates a locally originated event.
func NewEvent(name string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{Name: name, Payload: payload, Origin: OriginLocal}
}

// NewBrokerEvent creates an event reconstructed from a broker delivery.
func NewBrokerEvent(name string, payload map[string]any) *Event {
	e := NewEvent(name, payload)
	e.Origin = OriginBroker
	return e
}

// FromBroker reports whether the event arrived via the broker.
func (e *Event) FromBroker() bool {
	return e.Origin == OriginBroker
}
