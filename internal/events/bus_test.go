package events

import (
	"testing"
	"time"

	"broker-core/internal/order"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Event{Type: OrderQueued, Order: order.Order{ID: "ord-1"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case event := <-ch:
			if event.Type != OrderQueued || event.Order.ID != "ord-1" {
				t.Errorf("subscriber %d got unexpected event: %+v", i, event)
			}
			if event.OccurredAt.IsZero() {
				t.Errorf("subscriber %d: expected timestamp to be filled", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive the event", i)
		}
	}
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	// Second publish must not block even though nobody is reading.
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: OrderFilled, Order: order.Order{ID: "a"}})
		bus.Publish(Event{Type: OrderFilled, Order: order.Order{ID: "b"}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}

	event := <-ch
	if event.Order.ID != "a" {
		t.Errorf("expected first event to survive, got %s", event.Order.ID)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	cancel()

	if _, ok := <-ch; ok {
		t.Errorf("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: OrderCancelled, Order: order.Order{ID: "x"}})
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	bus := NewBus(nil)

	ch, _ := bus.Subscribe(4)
	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Errorf("expected channel closed by bus shutdown")
	}

	bus.Publish(Event{Type: OrderErrored})

	ch2, cancel := bus.Subscribe(4)
	defer cancel()
	if _, ok := <-ch2; ok {
		t.Errorf("subscribe after close must return a closed channel")
	}
}
