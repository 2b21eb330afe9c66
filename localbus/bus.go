package localbus

import (
	"log/slog"
	"sync"

	"github.com/tilohq/eventbridge/contracts"
)

// Handler receives events published on the bus.
type Handler func(event *contracts.Event)

// Bus is a synchronous in-process multicast bus. Publish invokes every
// matching subscriber on the caller's goroutine before returning, so
// in-process listeners observe events regardless of broker state.
type Bus struct {
	mu         sync.RWMutex
	byName     map[string][]Handler
	allHandler []Handler
	logger     *slog.Logger
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an empty bus.
func New(options ...Option) *Bus {
	b := &Bus{
		byName: make(map[string][]Handler),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event name. Multiple handlers per
// name are invoked in registration order.
func (b *Bus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byName[eventName] = append(b.byName[eventName], handler)
}

// SubscribeAll registers a handler for every event published on the bus.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandler = append(b.allHandler, handler)
}

// Publish delivers the event synchronously to all subscribers. A panic in
// one subscriber is recovered and logged so the multicast always completes.
func (b *Bus) Publish(event *contracts.Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byName[event.Name])+len(b.allHandler))
	handlers = append(handlers, b.byName[event.Name]...)
	handlers = append(handlers, b.allHandler...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, event)
	}
}

func (b *Bus) invoke(h Handler, event *contracts.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("local bus subscriber panicked",
				"event", event.Name,
				"panic", r)
		}
	}()
	h(event)
}

// SubscriberCount returns the number of handlers that would observe an
// event with the given name. Diagnostic only.
func (b *Bus) SubscriberCount(eventName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byName[eventName]) + len(b.allHandler)
}
