// Package eventbridge ships domain events between the in-process bus and
// an external AMQP broker, tolerating the broker being absent, unreachable,
// or flapping. It is the composition root: NewClient wires the connection
// manager, publisher, consumer, and bridge explicitly, in dependency order.
package eventbridge

import (
	"context"
	"log/slog"

	"github.com/tilohq/eventbridge/bridge"
	"github.com/tilohq/eventbridge/health"
	"github.com/tilohq/eventbridge/internal/rabbitmq"
	"github.com/tilohq/eventbridge/localbus"
	"github.com/tilohq/eventbridge/messaging"
)

// Client is the assembled event distribution bridge.
type Client struct {
	cfg       Config
	bus       *localbus.Bus
	conn      *rabbitmq.ConnectionManager
	publisher *messaging.EventPublisher
	consumer  *messaging.Consumer
	bridge    *bridge.Bridge
	checker   *health.BrokerChecker
	logger    *slog.Logger
}

type clientConfig struct {
	logger *slog.Logger
	bus    *localbus.Bus
	dialer rabbitmq.Dialer
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

// WithClientLogger sets the logger for every component.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithBus supplies the application's local bus instead of a fresh one.
func WithBus(bus *localbus.Bus) ClientOption {
	return func(c *clientConfig) {
		c.bus = bus
	}
}

// WithDialer overrides the broker transport.
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = dialer
	}
}

// NewClient constructs the full bridge stack. Nothing touches the network
// until Start.
func NewClient(cfg Config, options ...ClientOption) *Client {
	cc := &clientConfig{
		logger: slog.Default(),
		dialer: rabbitmq.AMQPDialer{},
	}
	for _, opt := range options {
		opt(cc)
	}

	bus := cc.bus
	if bus == nil {
		bus = localbus.New(localbus.WithLogger(cc.logger))
	}

	topology := rabbitmq.DefaultTopology(cfg.QueuePrefix, cfg.EventsExchange)
	bridgeQueues := topology.AddBridgeQueues(bridge.DefaultQueueSuffix)

	conn := rabbitmq.NewConnectionManager(cfg.BrokerURL, topology,
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithDialer(cc.dialer),
		rabbitmq.WithRetryAttempts(cfg.RetryAttempts),
		rabbitmq.WithRetryDelay(cfg.RetryDelay),
	)

	publisher := messaging.NewEventPublisher(bus, conn, topology.EventsExchange,
		messaging.WithPublisherLogger(cc.logger),
		messaging.WithSource(cfg.ServiceName),
	)
	consumer := messaging.NewConsumer(conn,
		messaging.WithConsumerLogger(cc.logger),
	)
	br := bridge.New(bus, publisher, consumer, conn, bridgeQueues,
		bridge.WithLogger(cc.logger),
	)

	return &Client{
		cfg:       cfg,
		bus:       bus,
		conn:      conn,
		publisher: publisher,
		consumer:  consumer,
		bridge:    br,
		checker:   health.NewBrokerChecker(conn),
		logger:    cc.logger,
	}
}

// Start connects to the broker (or degrades), activates the bridge, and
// starts consumption. The bridge registers its handlers before consumption
// begins so its queue subscriptions come up with everyone else's. Start
// never fails the application because of broker trouble.
func (c *Client) Start(ctx context.Context) {
	if err := c.conn.Connect(ctx); err != nil {
		c.logger.Warn("starting degraded, broker unreachable", "error", err)
	}
	c.bridge.Start()
	if err := c.consumer.StartConsuming(ctx); err != nil {
		c.logger.Warn("consumers not started", "error", err)
	}
}

// Close stops consumption and shuts down the broker connection.
// Idempotent; the local bus keeps working.
func (c *Client) Close() error {
	c.consumer.Stop()
	return c.conn.Close()
}

// Bus returns the local event bus.
func (c *Client) Bus() *localbus.Bus {
	return c.bus
}

// Publisher returns the event publisher.
func (c *Client) Publisher() *messaging.EventPublisher {
	return c.publisher
}

// Consumer returns the consumer registry.
func (c *Client) Consumer() *messaging.Consumer {
	return c.consumer
}

// Health returns the broker connectivity checker.
func (c *Client) Health() *health.BrokerChecker {
	return c.checker
}
