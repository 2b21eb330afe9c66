package messaging

import (
	"context"
	"log/slog"

	"github.com/tilohq/eventbridge/contracts"
	"github.com/tilohq/eventbridge/internal/rabbitmq"
	"github.com/tilohq/eventbridge/localbus"
)

// BrokerPublisher is the slice of the connection manager the publisher
// uses. It never holds a channel handle itself.
type BrokerPublisher interface {
	IsConnected() bool
	Publish(ctx context.Context, exchange, routingKey string, body []byte, options ...rabbitmq.PublishOption) error
}

// EventPublisher delivers domain events. The local bus always receives the
// event synchronously; the broker leg is best-effort and never blocks or
// fails the caller.
type EventPublisher struct {
	bus      *localbus.Bus
	conn     BrokerPublisher
	exchange string
	source   string
	logger   *slog.Logger
}

// PublisherOption configures the EventPublisher.
type PublisherOption func(*EventPublisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// WithSource sets the service identity stamped into envelope metadata.
func WithSource(source string) PublisherOption {
	return func(p *EventPublisher) {
		p.source = source
	}
}

// NewEventPublisher creates a publisher targeting the given events exchange.
func NewEventPublisher(bus *localbus.Bus, conn BrokerPublisher, exchange string, options ...PublisherOption) *EventPublisher {
	p := &EventPublisher{
		bus:      bus,
		conn:     conn,
		exchange: exchange,
		source:   "backend",
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// PublishEvent delivers the event to the local bus. In-process listeners
// never miss it regardless of broker state; the bridge's bus listener
// carries the broker leg for locally originated events, so a broker outage
// only costs cross-process delivery.
func (p *EventPublisher) PublishEvent(event *contracts.Event) {
	p.bus.Publish(event)
	if !p.conn.IsConnected() {
		p.logger.Debug("broker not connected, event delivered locally only",
			"event", event.Name)
	}
}

// ForwardToBroker sends the broker-only leg of an event that is already on
// the local bus. Failures are logged and swallowed: the event is not lost,
// every in-process listener has already seen it.
func (p *EventPublisher) ForwardToBroker(ctx context.Context, event *contracts.Event) {
	if !p.conn.IsConnected() {
		return
	}

	env := contracts.NewEnvelope(event.Name, event.Payload, p.source, "")
	body, err := env.Marshal()
	if err != nil {
		p.logger.Error("cannot serialize event for broker",
			"event", event.Name,
			"error", err)
		return
	}

	err = p.conn.Publish(ctx, p.exchange, event.Name, body,
		rabbitmq.WithCorrelationID(env.Metadata.CorrelationID))
	if err != nil {
		p.logger.Warn("broker publish failed, event delivered locally only",
			"event", event.Name,
			"error", err)
	}
}

// PublishMessage publishes a raw command or message straight to the
// broker, bypassing the local bus. Returns rabbitmq.ErrNotConnected
// without side effects when degraded.
func (p *EventPublisher) PublishMessage(ctx context.Context, exchange, routingKey string, payload map[string]any, correlationID string) error {
	if !p.conn.IsConnected() {
		return rabbitmq.ErrNotConnected
	}

	env := contracts.NewEnvelope(routingKey, payload, p.source, correlationID)
	body, err := env.Marshal()
	if err != nil {
		return err
	}
	return p.conn.Publish(ctx, exchange, routingKey, body,
		rabbitmq.WithCorrelationID(env.Metadata.CorrelationID))
}
