package messaging

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tilohq/eventbridge/contracts"
)

// DefaultRetryLimit is the delivery budget applied when a registration
// does not specify one.
const DefaultRetryLimit = 3

// Handler processes one decoded envelope. A non-nil error triggers the
// bounded-retry-then-dead-letter policy.
type Handler func(ctx context.Context, env *contracts.Envelope, delivery amqp.Delivery) error

// Registration binds a handler to a queue with a retry budget.
type Registration struct {
	Queue      string
	Handler    Handler
	RetryLimit int
}

// BrokerSubscriber is the slice of the connection manager the consumer
// uses for subscription and acknowledgment.
type BrokerSubscriber interface {
	IsConnected() bool
	Subscribe(queue string, callback func(amqp.Delivery)) error
	Unsubscribe(queue string) error
	Ack(d amqp.Delivery)
	Nack(d amqp.Delivery, requeue bool)
}

// Consumer holds the handler registry and drives message consumption.
// Registrations append: registering twice for one queue creates two
// independent consumers of that queue.
type Consumer struct {
	conn   BrokerSubscriber
	logger *slog.Logger

	mu            sync.Mutex
	registrations []Registration
	started       bool
}

// ConsumerOption configures the Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer with an empty registry.
func NewConsumer(conn BrokerSubscriber, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		conn:   conn,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// RegisterHandler appends a registration. The registry is immutable while
// consumption runs; late registrations are dropped with a warning.
func (c *Consumer) RegisterHandler(queue string, handler Handler, retryLimit int) {
	if retryLimit < 0 {
		retryLimit = DefaultRetryLimit
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.logger.Warn("handler registered after consumption started, ignoring", "queue", queue)
		return
	}
	c.registrations = append(c.registrations, Registration{
		Queue:      queue,
		Handler:    handler,
		RetryLimit: retryLimit,
	})
}

// StartConsuming subscribes every registration to its queue. Idempotent: a
// second call is a no-op. When the broker is not connected nothing is
// subscribed and delivery falls back entirely to the local bus.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if !c.conn.IsConnected() {
		c.mu.Unlock()
		c.logger.Info("broker not connected, consumers not started")
		return nil
	}
	c.started = true
	registrations := make([]Registration, len(c.registrations))
	copy(registrations, c.registrations)
	c.mu.Unlock()

	for _, reg := range registrations {
		reg := reg
		err := c.conn.Subscribe(reg.Queue, func(d amqp.Delivery) {
			c.processMessage(ctx, reg, d)
		})
		if err != nil {
			c.logger.Error("failed to subscribe", "queue", reg.Queue, "error", err)
		}
	}
	return nil
}

// Stop cancels every active subscription. The registry survives, so a
// later StartConsuming brings the same handlers back. A stop before any
// start is a no-op.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	registrations := make([]Registration, len(c.registrations))
	copy(registrations, c.registrations)
	c.mu.Unlock()

	seen := make(map[string]bool, len(registrations))
	for _, reg := range registrations {
		if seen[reg.Queue] {
			continue
		}
		seen[reg.Queue] = true
		if err := c.conn.Unsubscribe(reg.Queue); err != nil {
			c.logger.Warn("failed to unsubscribe", "queue", reg.Queue, "error", err)
		}
	}
	c.logger.Info("consumers stopped")
}

// HandlerCount returns the number of registrations. Diagnostic only.
func (c *Consumer) HandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registrations)
}

// processMessage applies the retry and dead-letter policy to one delivery.
// Malformed bodies dead-letter immediately and never reach a handler.
func (c *Consumer) processMessage(ctx context.Context, reg Registration, d amqp.Delivery) {
	env, err := contracts.UnmarshalEnvelope(d.Body)
	if err != nil {
		c.logger.Warn("malformed message, dead-lettering",
			"queue", reg.Queue,
			"error", err)
		c.conn.Nack(d, false)
		return
	}

	handlerErr := reg.Handler(ctx, env, d)
	if handlerErr == nil {
		c.conn.Ack(d)
		return
	}

	count := deliveryCount(d)
	if count >= reg.RetryLimit {
		c.logger.Error("handler failed, retry budget exhausted, dead-lettering",
			"queue", reg.Queue,
			"eventType", env.EventType,
			"deliveries", count,
			"retryLimit", reg.RetryLimit,
			"error", handlerErr)
		c.conn.Nack(d, false)
		return
	}
	c.logger.Warn("handler failed, requeueing for redelivery",
		"queue", reg.Queue,
		"eventType", env.EventType,
		"deliveries", count,
		"error", handlerErr)
	c.conn.Nack(d, true)
}

// deliveryCount derives how many times the broker has delivered this
// message. The x-death header is authoritative when present; otherwise the
// redelivered flag distinguishes a first delivery from a later one. Broker
// metadata rather than in-memory counters, so the budget survives restarts.
func deliveryCount(d amqp.Delivery) int {
	if deaths, ok := d.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			switch count := death["count"].(type) {
			case int64:
				return int(count)
			case int32:
				return int(count)
			case int:
				return count
			}
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
