package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the narrow slice of an AMQP channel the connection manager
// uses. *amqp.Channel satisfies it; tests substitute fakes.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection abstracts a live broker connection.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer is the broker transport capability. The real amqp091 dialer is
// the default; a dialer returning ErrTransportUnavailable degrades the
// manager to local-only mode, and tests inject fakes.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// AMQPDialer dials RabbitMQ via amqp091-go.
type AMQPDialer struct{}

func (AMQPDialer) Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	return c.conn.Channel()
}

func (c *amqpConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(ch)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// NopDialer is the stub transport used when no broker client is available.
// Every dial reports ErrTransportUnavailable.
type NopDialer struct{}

func (NopDialer) Dial(string) (Connection, error) {
	return nil, ErrTransportUnavailable
}
