package localbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tilohq/eventbridge/contracts"
)

func TestBusSubscribe(t *testing.T) {
	t.Run("delivers to matching subscriber exactly once", func(t *testing.T) {
		bus := New()
		var got []*contracts.Event
		bus.Subscribe("order.created", func(e *contracts.Event) {
			got = append(got, e)
		})

		bus.Publish(contracts.NewEvent("order.created", map[string]any{"orderId": "o1"}))

		assert.Len(t, got, 1)
		assert.Equal(t, "o1", got[0].Payload["orderId"])
	})

	t.Run("does not deliver to other names", func(t *testing.T) {
		bus := New()
		calls := 0
		bus.Subscribe("order.created", func(*contracts.Event) { calls++ })

		bus.Publish(contracts.NewEvent("stock.level_changed", nil))

		assert.Zero(t, calls)
	})

	t.Run("multiple subscribers run in registration order", func(t *testing.T) {
		bus := New()
		var order []int
		bus.Subscribe("x", func(*contracts.Event) { order = append(order, 1) })
		bus.Subscribe("x", func(*contracts.Event) { order = append(order, 2) })

		bus.Publish(contracts.NewEvent("x", nil))

		assert.Equal(t, []int{1, 2}, order)
	})
}

func TestBusSubscribeAll(t *testing.T) {
	t.Run("observes every event", func(t *testing.T) {
		bus := New()
		var names []string
		bus.SubscribeAll(func(e *contracts.Event) { names = append(names, e.Name) })

		bus.Publish(contracts.NewEvent("a", nil))
		bus.Publish(contracts.NewEvent("b", nil))

		assert.Equal(t, []string{"a", "b"}, names)
	})

	t.Run("runs after named subscribers", func(t *testing.T) {
		bus := New()
		var order []string
		bus.SubscribeAll(func(*contracts.Event) { order = append(order, "all") })
		bus.Subscribe("x", func(*contracts.Event) { order = append(order, "named") })

		bus.Publish(contracts.NewEvent("x", nil))

		assert.Equal(t, []string{"named", "all"}, order)
	})
}

func TestBusPanicRecovery(t *testing.T) {
	bus := New()
	bus.Subscribe("x", func(*contracts.Event) { panic("boom") })
	calls := 0
	bus.Subscribe("x", func(*contracts.Event) { calls++ })

	assert.NotPanics(t, func() {
		bus.Publish(contracts.NewEvent("x", nil))
	})
	assert.Equal(t, 1, calls, "multicast completes past a panicking subscriber")
}

func TestBusNilEvent(t *testing.T) {
	bus := New()
	calls := 0
	bus.SubscribeAll(func(*contracts.Event) { calls++ })

	bus.Publish(nil)

	assert.Zero(t, calls)
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	count := 0
	bus.Subscribe("x", func(*contracts.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(contracts.NewEvent("x", nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
}

func TestSubscriberCount(t *testing.T) {
	bus := New()
	assert.Zero(t, bus.SubscriberCount("x"))

	bus.Subscribe("x", func(*contracts.Event) {})
	bus.SubscribeAll(func(*contracts.Event) {})

	assert.Equal(t, 2, bus.SubscriberCount("x"))
	assert.Equal(t, 1, bus.SubscriberCount("y"))
}
