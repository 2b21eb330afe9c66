package bridge

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tilohq/eventbridge/contracts"
	"github.com/tilohq/eventbridge/localbus"
	"github.com/tilohq/eventbridge/messaging"
)

// DefaultQueueSuffix distinguishes the bridge's queue copies from the
// queues domain consumers compete on.
const DefaultQueueSuffix = "bridge"

// ConnectionInfo is the slice of the connection manager the bridge needs.
type ConnectionInfo interface {
	IsConfigured() bool
}

// Bridge propagates events between the local bus and the broker in both
// directions. Loop prevention rests on the event origin tag: anything
// reconstructed from a broker delivery is marked broker-originated and the
// forwarding leg skips it, so one event never makes a second round-trip.
type Bridge struct {
	bus       *localbus.Bus
	publisher *messaging.EventPublisher
	consumer  *messaging.Consumer
	conn      ConnectionInfo
	queues    []string
	retryLim  int
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
}

// Option configures the Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithRetryLimit sets the delivery budget for the bridge's broker-side
// handlers.
func WithRetryLimit(limit int) Option {
	return func(b *Bridge) {
		b.retryLim = limit
	}
}

// New creates a bridge over the given queues (already suffixed variants,
// provisioned in the topology).
func New(bus *localbus.Bus, publisher *messaging.EventPublisher, consumer *messaging.Consumer, conn ConnectionInfo, queues []string, options ...Option) *Bridge {
	b := &Bridge{
		bus:       bus,
		publisher: publisher,
		consumer:  consumer,
		conn:      conn,
		queues:    queues,
		retryLim:  messaging.DefaultRetryLimit,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Start wires both directions. Without a configured broker the bridge
// stays entirely inactive and the process behaves as local-bus-only.
// Idempotent.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	if !b.conn.IsConfigured() {
		b.logger.Info("broker not configured, bridge inactive")
		return
	}
	b.started = true

	b.bus.SubscribeAll(b.forwardLocalEvent)
	for _, queue := range b.queues {
		b.consumer.RegisterHandler(queue, b.handleBrokerMessage, b.retryLim)
	}

	b.logger.Info("bridge started", "queues", len(b.queues))
}

// forwardLocalEvent is the local-bus to broker leg.
func (b *Bridge) forwardLocalEvent(event *contracts.Event) {
	if event.FromBroker() {
		b.logger.Debug("skipping broker-originated event", "event", event.Name)
		return
	}
	b.publisher.ForwardToBroker(context.Background(), event)
}

// handleBrokerMessage is the broker to local-bus leg: it reconstructs the
// event from the envelope, restores date fields, and re-emits it marked
// broker-originated.
func (b *Bridge) handleBrokerMessage(_ context.Context, env *contracts.Envelope, _ amqp.Delivery) error {
	event := contracts.NewBrokerEvent(env.EventType, contracts.RestorePayload(env.Payload))
	b.bus.Publish(event)
	b.logger.Debug("re-emitted broker event on local bus",
		"event", env.EventType,
		"correlationId", env.Metadata.CorrelationID)
	return nil
}

// Active reports whether the bridge is wired.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}
