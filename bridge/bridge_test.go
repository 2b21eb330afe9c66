package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilohq/eventbridge/contracts"
	"github.com/tilohq/eventbridge/internal/rabbitmq"
	"github.com/tilohq/eventbridge/localbus"
	"github.com/tilohq/eventbridge/messaging"
)

// fakeConn stands in for the connection manager on both the publishing and
// the subscribing side.
type fakeConn struct {
	mu         sync.Mutex
	configured bool
	connected  bool
	published  []publishedMessage
	callbacks  map[string][]func(amqp.Delivery)
	acks       int
	deadNacks  int
}

type publishedMessage struct {
	exchange   string
	routingKey string
	body       []byte
}

func newFakeConn(configured, connected bool) *fakeConn {
	return &fakeConn{
		configured: configured,
		connected:  connected,
		callbacks:  make(map[string][]func(amqp.Delivery)),
	}
}

func (f *fakeConn) IsConfigured() bool { return f.configured }
func (f *fakeConn) IsConnected() bool  { return f.connected }

func (f *fakeConn) Publish(_ context.Context, exchange, routingKey string, body []byte, _ ...rabbitmq.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{exchange, routingKey, body})
	return nil
}

func (f *fakeConn) Subscribe(queue string, callback func(amqp.Delivery)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[queue] = append(f.callbacks[queue], callback)
	return nil
}

func (f *fakeConn) Unsubscribe(queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.callbacks, queue)
	return nil
}

func (f *fakeConn) Ack(amqp.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
}

func (f *fakeConn) Nack(_ amqp.Delivery, requeue bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !requeue {
		f.deadNacks++
	}
}

func (f *fakeConn) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeConn) deliver(queue string, d amqp.Delivery) {
	f.mu.Lock()
	callbacks := f.callbacks[queue]
	f.mu.Unlock()
	for _, cb := range callbacks {
		cb(d)
	}
}

type harness struct {
	bus      *localbus.Bus
	conn     *fakeConn
	pub      *messaging.EventPublisher
	consumer *messaging.Consumer
	bridge   *Bridge
}

func newHarness(t *testing.T, configured bool) *harness {
	t.Helper()
	bus := localbus.New()
	conn := newFakeConn(configured, configured)
	pub := messaging.NewEventPublisher(bus, conn, "events")
	consumer := messaging.NewConsumer(conn)
	b := New(bus, pub, consumer, conn, []string{"tilo.pos.transactions.bridge"})
	b.Start()
	require.NoError(t, consumer.StartConsuming(context.Background()))
	return &harness{bus: bus, conn: conn, pub: pub, consumer: consumer, bridge: b}
}

func TestBridgeInactiveWhenNotConfigured(t *testing.T) {
	h := newHarness(t, false)

	assert.False(t, h.bridge.Active())
	assert.Zero(t, h.consumer.HandlerCount())

	h.pub.PublishEvent(contracts.NewEvent("transaction.created", nil))
	assert.Zero(t, h.conn.publishedCount(), "nothing is forwarded without a broker")
}

func TestBridgeLocalToBroker(t *testing.T) {
	t.Run("locally originated events are forwarded once", func(t *testing.T) {
		h := newHarness(t, true)

		h.pub.PublishEvent(contracts.NewEvent("transaction.created", map[string]any{"transactionId": "t1"}))

		require.Equal(t, 1, h.conn.publishedCount())
		assert.Equal(t, "events", h.conn.published[0].exchange)
		assert.Equal(t, "transaction.created", h.conn.published[0].routingKey)
	})

	t.Run("broker-originated events are skipped", func(t *testing.T) {
		h := newHarness(t, true)

		h.bus.Publish(contracts.NewBrokerEvent("transaction.created", nil))

		assert.Zero(t, h.conn.publishedCount())
	})
}

func TestBridgeBrokerToLocal(t *testing.T) {
	h := newHarness(t, true)
	var received []*contracts.Event
	h.bus.Subscribe("stock.level_changed", func(e *contracts.Event) {
		received = append(received, e)
	})

	body, err := contracts.NewEnvelope("stock.level_changed", map[string]any{
		"sku":       "A-1",
		"changedAt": "2025-01-15T08:00:00.000Z",
	}, "other-node", "corr-1").Marshal()
	require.NoError(t, err)

	h.conn.deliver("tilo.pos.transactions.bridge", amqp.Delivery{Body: body})

	require.Len(t, received, 1)
	evt := received[0]
	assert.True(t, evt.FromBroker(), "reconstructed events carry the origin marker")
	assert.Equal(t, "A-1", evt.Payload["sku"])
	changedAt, ok := evt.Payload["changedAt"].(time.Time)
	require.True(t, ok, "ISO-8601 payload fields are restored to time.Time")
	assert.Equal(t, 2025, changedAt.Year())
	assert.Equal(t, 1, h.conn.acks)
}

func TestBridgeNoRoundTripLoop(t *testing.T) {
	h := newHarness(t, true)

	// Local event goes out on the broker leg.
	h.pub.PublishEvent(contracts.NewEvent("transaction.created", map[string]any{"transactionId": "t1"}))
	require.Equal(t, 1, h.conn.publishedCount())

	// The same envelope comes back through our own bridge queue, as happens
	// when this process consumes its own traffic.
	h.conn.deliver("tilo.pos.transactions.bridge", amqp.Delivery{Body: h.conn.published[0].body})

	assert.Equal(t, 1, h.conn.publishedCount(), "the reconstruction is never re-forwarded")
	assert.Equal(t, 1, h.conn.acks)
}

func TestBridgeStartIdempotent(t *testing.T) {
	bus := localbus.New()
	conn := newFakeConn(true, true)
	pub := messaging.NewEventPublisher(bus, conn, "events")
	consumer := messaging.NewConsumer(conn)
	b := New(bus, pub, consumer, conn, []string{"q.bridge"})

	b.Start()
	b.Start()

	assert.True(t, b.Active())
	assert.Equal(t, 1, consumer.HandlerCount())

	pub.PublishEvent(contracts.NewEvent("x", nil))
	assert.Equal(t, 1, conn.publishedCount(), "only one forwarding listener is registered")
}

func TestBridgeMalformedBrokerMessage(t *testing.T) {
	h := newHarness(t, true)
	seen := 0
	h.bus.SubscribeAll(func(*contracts.Event) { seen++ })

	h.conn.deliver("tilo.pos.transactions.bridge", amqp.Delivery{Body: []byte("not json")})

	assert.Zero(t, seen, "malformed messages never reach the local bus")
	assert.Equal(t, 1, h.conn.deadNacks)
}
