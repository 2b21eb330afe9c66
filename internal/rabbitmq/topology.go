package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange declares a durable exchange.
type Exchange struct {
	Name string
	Kind string // "topic", "direct", "fanout"
}

// Binding maps routing keys on one exchange into one durable queue.
type Binding struct {
	Queue       string
	Exchange    string
	RoutingKeys []string
}

// Topology is the static declaration of exchanges, queues, and bindings
// provisioned once per successful connect. It is built up front and never
// mutated after provisioning starts.
type Topology struct {
	EventsExchange     string
	CommandsExchange   string
	DeadLetterExchange string
	DeadLetterQueue    string
	Bindings           []Binding
}

// DefaultTopology returns the standard event topology. Queue names are
// prefixed so multiple deployments can share one broker.
func DefaultTopology(prefix, eventsExchange string) *Topology {
	if prefix == "" {
		prefix = "tilo"
	}
	if eventsExchange == "" {
		eventsExchange = "events"
	}
	t := &Topology{
		EventsExchange:     eventsExchange,
		CommandsExchange:   "commands",
		DeadLetterExchange: "dlx",
		DeadLetterQueue:    prefix + ".dead-letter",
	}
	for _, b := range []struct {
		queue string
		keys  []string
	}{
		{"pos.transactions", []string{"transaction.created", "transaction.voided", "payment.received"}},
		{"inventory.stock", []string{"stock.level_changed", "stock.transfer_completed"}},
		{"kds.orders", []string{"order.created", "order.status_changed"}},
		{"customers.loyalty", []string{"transaction.created", "transaction.voided"}},
		{"notifications.send", []string{"notification.send", "stock.level_changed"}},
	} {
		t.Bindings = append(t.Bindings, Binding{
			Queue:       prefix + "." + b.queue,
			Exchange:    eventsExchange,
			RoutingKeys: b.keys,
		})
	}
	return t
}

// AddBridgeQueues appends a suffixed variant of every queue binding so the
// bridge consumes its own copies without competing with domain consumers.
// Returns the variant queue names. Must be called before provisioning.
func (t *Topology) AddBridgeQueues(suffix string) []string {
	if suffix == "" {
		suffix = "bridge"
	}
	names := make([]string, 0, len(t.Bindings))
	seen := make(map[string]bool)
	for _, b := range t.Bindings {
		name := b.Queue + "." + suffix
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
		t.Bindings = append(t.Bindings, Binding{
			Queue:       name,
			Exchange:    b.Exchange,
			RoutingKeys: b.RoutingKeys,
		})
	}
	return names
}

// QueueArgs returns the declaration arguments shared by every durable
// queue: failed messages route to the dead-letter exchange.
func (t *Topology) QueueArgs() amqp.Table {
	return amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
}

// Declare provisions the full topology on the given channel: the three
// exchanges, the dead-letter queue, and every queue with its bindings.
func (t *Topology) Declare(ch Channel) error {
	exchanges := []Exchange{
		{Name: t.EventsExchange, Kind: "topic"},
		{Name: t.CommandsExchange, Kind: "direct"},
		{Name: t.DeadLetterExchange, Kind: "fanout"},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue, err)
	}
	// fanout binds with an empty routing key
	if err := ch.QueueBind(t.DeadLetterQueue, "", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.DeadLetterQueue, err)
	}

	for _, b := range t.Bindings {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, t.QueueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		for _, key := range b.RoutingKeys {
			if err := ch.QueueBind(b.Queue, key, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s/%s: %w", b.Queue, b.Exchange, key, err)
			}
		}
	}
	return nil
}
