package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the broker connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// ConnectionManager owns the broker connection and channel. All other
// components borrow them through its methods and never hold handles across
// calls, so a reconnect cannot leave anyone with a stale channel.
type ConnectionManager struct {
	url           string
	topology      *Topology
	dialer        Dialer
	retryAttempts int
	retryDelay    time.Duration
	prefetch      int
	logger        *slog.Logger

	mu               sync.Mutex
	state            State
	conn             Connection
	ch               Channel
	subs             []*subscription
	shuttingDown     bool
	reconnectPending bool
}

// subscription is a live consume registration. The manager keeps it for
// the lifetime of the subscription so a reconnect can re-establish the
// consumer on the new channel.
type subscription struct {
	queue    string
	callback func(amqp.Delivery)
	cancel   context.CancelFunc
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer sets the broker transport.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithRetryAttempts sets the number of connect attempts per Connect call.
// Non-positive values keep the default: zero tries would mean unlimited
// retries in the backoff loop, and a zero-valued config must not turn the
// bounded retry into a hang.
func WithRetryAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		if attempts > 0 {
			cm.retryAttempts = attempts
		}
	}
}

// WithRetryDelay sets the base delay between connect attempts. The wait
// grows linearly: delay * attempt number.
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// WithPrefetch sets the per-consumer unacknowledged delivery window.
func WithPrefetch(count int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.prefetch = count
	}
}

// NewConnectionManager creates a manager. An empty URL means the broker is
// not configured and every operation degrades to a no-op.
func NewConnectionManager(url string, topology *Topology, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:           url,
		topology:      topology,
		dialer:        AMQPDialer{},
		retryAttempts: 3,
		retryDelay:    5 * time.Second,
		prefetch:      10,
		logger:        slog.Default(),
		state:         StateDisconnected,
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// IsConfigured reports whether a broker URL is present.
func (cm *ConnectionManager) IsConfigured() bool {
	return cm.url != ""
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected reports whether a channel is open and usable.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == StateConnected && cm.ch != nil
}

// linearBackOff waits retryDelay * attemptNumber between attempts.
type linearBackOff struct {
	delay time.Duration
	n     int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.delay * time.Duration(b.n)
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// Connect establishes the connection, channel, and topology. It is
// synchronous: the caller waits for connect-or-degrade. A nil return means
// either connected or deliberately degraded (not configured, transport
// unavailable); exhausted retries return a ConnectionError and leave the
// manager in StateError, and the application continues without the broker.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	if !cm.IsConfigured() {
		cm.logger.Info("broker not configured, events stay on the local bus")
		return nil
	}

	cm.mu.Lock()
	if cm.state == StateConnected || cm.state == StateConnecting {
		cm.mu.Unlock()
		return nil
	}
	cm.shuttingDown = false
	cm.state = StateConnecting
	cm.mu.Unlock()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := cm.attemptConnect(); err != nil {
			if errors.Is(err, ErrTransportUnavailable) {
				return struct{}{}, backoff.Permanent(err)
			}
			cm.logger.Warn("broker connect attempt failed",
				"attempt", attempts,
				"maxAttempts", cm.retryAttempts,
				"error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(&linearBackOff{delay: cm.retryDelay}),
		backoff.WithMaxTries(uint(cm.retryAttempts)),
	)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTransportUnavailable) {
		// Degrades exactly like configuration-absent.
		cm.setState(StateDisconnected)
		cm.logger.Warn("broker transport unavailable, continuing without broker",
			"url", SanitizeURL(cm.url))
		return nil
	}

	cm.setState(StateError)
	cm.logger.Error("giving up on broker connection, continuing degraded",
		"attempts", attempts,
		"url", SanitizeURL(cm.url))
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err),
		Attempts:  attempts,
		Timestamp: time.Now(),
	}
}

// attemptConnect performs one dial + channel + topology round.
func (cm *ConnectionManager) attemptConnect() error {
	conn, err := cm.dialer.Dial(cm.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := cm.topology.Declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("provision topology: %w", err)
	}

	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.shuttingDown {
		// Close won the race against this in-flight attempt.
		cm.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return nil
	}
	cm.conn = conn
	cm.ch = ch
	cm.state = StateConnected
	subs := make([]*subscription, len(cm.subs))
	copy(subs, cm.subs)
	cm.mu.Unlock()

	go cm.watchClose(connClose, chClose)

	// Consumers that were live on the previous connection come back on the
	// new channel; a failure here keeps the subscription registered so the
	// next reconnect tries again.
	for _, sub := range subs {
		if err := cm.startConsume(ch, sub); err != nil {
			cm.logger.Error("failed to restore consumer after reconnect",
				"queue", sub.queue,
				"error", err)
		}
	}

	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	return nil
}

// watchClose waits for an unexpected connection or channel closure and
// schedules a single reconnect. A graceful Close sets the shutting-down
// flag first, which suppresses the reconnect.
func (cm *ConnectionManager) watchClose(connClose, chClose chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClose:
	case reason = <-chClose:
	}

	cm.mu.Lock()
	if cm.shuttingDown {
		cm.mu.Unlock()
		return
	}
	conn := cm.conn
	cm.conn = nil
	cm.ch = nil
	cm.state = StateDisconnected
	alreadyPending := cm.reconnectPending
	cm.reconnectPending = true
	var cancels []context.CancelFunc
	for _, sub := range cm.subs {
		if sub.cancel != nil {
			cancels = append(cancels, sub.cancel)
			sub.cancel = nil
		}
	}
	cm.mu.Unlock()

	// The loops were feeding from the dead channel; stop them now, the
	// reconnect starts fresh ones.
	for _, cancel := range cancels {
		cancel()
	}

	if reason != nil {
		cm.logger.Warn("broker connection closed unexpectedly", "error", reason)
	} else {
		cm.logger.Warn("broker connection closed unexpectedly")
	}
	if conn != nil {
		_ = conn.Close()
	}
	if alreadyPending {
		return
	}

	time.AfterFunc(cm.retryDelay, func() {
		cm.mu.Lock()
		cm.reconnectPending = false
		skip := cm.shuttingDown
		cm.mu.Unlock()
		if skip {
			return
		}
		cm.logger.Info("attempting broker reconnect")
		if err := cm.Connect(context.Background()); err != nil {
			cm.logger.Error("broker reconnect failed", "error", err)
		}
	})
}

func (cm *ConnectionManager) setState(s State) {
	cm.mu.Lock()
	cm.state = s
	cm.mu.Unlock()
}

// PublishOption adjusts the outgoing AMQP publishing.
type PublishOption func(*amqp.Publishing)

// WithCorrelationID sets the publishing correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(p *amqp.Publishing) {
		p.CorrelationId = id
	}
}

// WithHeaders merges headers into the publishing.
func WithHeaders(headers amqp.Table) PublishOption {
	return func(p *amqp.Publishing) {
		if p.Headers == nil {
			p.Headers = amqp.Table{}
		}
		for k, v := range headers {
			p.Headers[k] = v
		}
	}
}

// Publish sends bytes to the broker. Deliveries are persistent JSON by
// default; options merge on top. Returns ErrNotConnected without side
// effects when no channel is open. Never panics into the caller.
func (cm *ConnectionManager) Publish(ctx context.Context, exchange, routingKey string, body []byte, options ...PublishOption) error {
	cm.mu.Lock()
	ch := cm.ch
	cm.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	for _, opt := range options {
		opt(&pub)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub); err != nil {
		cm.logger.Error("broker publish failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err)
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// Subscribe declares the queue (durable, dead-lettering to the DLX), sets
// the prefetch window, and starts a consume loop that feeds each delivery
// to callback. Callback panics are recovered so the loop never dies. The
// subscription survives reconnects until Unsubscribe or Close.
func (cm *ConnectionManager) Subscribe(queue string, callback func(amqp.Delivery)) error {
	cm.mu.Lock()
	ch := cm.ch
	connected := cm.state == StateConnected
	cm.mu.Unlock()
	if !connected || ch == nil {
		cm.logger.Warn("cannot subscribe, broker not connected", "queue", queue)
		return ErrNotConnected
	}

	sub := &subscription{queue: queue, callback: callback}
	if err := cm.startConsume(ch, sub); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.subs = append(cm.subs, sub)
	cm.mu.Unlock()

	cm.logger.Info("subscribed to queue", "queue", queue, "prefetch", cm.prefetch)
	return nil
}

// Unsubscribe cancels every consume loop on the queue and forgets the
// subscription, so a later reconnect does not revive it.
func (cm *ConnectionManager) Unsubscribe(queue string) error {
	cm.mu.Lock()
	var kept []*subscription
	var cancels []context.CancelFunc
	for _, sub := range cm.subs {
		if sub.queue == queue {
			if sub.cancel != nil {
				cancels = append(cancels, sub.cancel)
			}
			continue
		}
		kept = append(kept, sub)
	}
	cm.subs = kept
	cm.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		cm.logger.Info("unsubscribed from queue", "queue", queue)
	}
	return nil
}

// startConsume declares the queue, applies the prefetch window, and starts
// a cancellable consume loop for sub on ch.
func (cm *ConnectionManager) startConsume(ch Channel, sub *subscription) error {
	if _, err := ch.QueueDeclare(sub.queue, true, false, false, false, cm.topology.QueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.queue, err)
	}
	if err := ch.Qos(cm.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", sub.queue, err)
	}
	deliveries, err := ch.Consume(sub.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.queue, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.mu.Lock()
	sub.cancel = cancel
	cm.mu.Unlock()

	go cm.consumeLoop(ctx, sub.queue, deliveries, sub.callback)
	return nil
}

func (cm *ConnectionManager) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, callback func(amqp.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			cm.logger.Info("consumer cancelled", "queue", queue)
			return
		case d, ok := <-deliveries:
			if !ok {
				// channel closed: the broker went away or we shut down
				cm.logger.Info("consumer stopped", "queue", queue)
				return
			}
			cm.invoke(queue, callback, d)
		}
	}
}

func (cm *ConnectionManager) invoke(queue string, callback func(amqp.Delivery), d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("consumer callback panicked",
				"queue", queue,
				"panic", r)
		}
	}()
	callback(d)
}

// Ack acknowledges a delivery. A torn-down channel is not an error: the
// broker requeues unacknowledged deliveries on its own.
func (cm *ConnectionManager) Ack(d amqp.Delivery) {
	if d.Acknowledger == nil {
		return
	}
	if err := d.Ack(false); err != nil {
		cm.logger.Warn("ack failed, broker will redeliver", "error", err)
	}
}

// Nack rejects a delivery. With requeue=false the message routes to the
// dead-letter exchange.
func (cm *ConnectionManager) Nack(d amqp.Delivery, requeue bool) {
	if d.Acknowledger == nil {
		return
	}
	if err := d.Nack(false, requeue); err != nil {
		cm.logger.Warn("nack failed", "requeue", requeue, "error", err)
	}
}

// Close shuts the channel then the connection and suppresses any pending
// reconnect. Safe to call repeatedly and from error paths.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	cm.shuttingDown = true
	ch := cm.ch
	conn := cm.conn
	cm.ch = nil
	cm.conn = nil
	wasConnected := cm.state == StateConnected
	cm.state = StateDisconnected
	var cancels []context.CancelFunc
	for _, sub := range cm.subs {
		if sub.cancel != nil {
			cancels = append(cancels, sub.cancel)
		}
	}
	cm.subs = nil
	cm.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if wasConnected {
		cm.logger.Info("broker connection closed")
	}
	return err
}
