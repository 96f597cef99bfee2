package events

import (
	"context"
	"testing"
	"time"

	"maestro/internal/models"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus[models.Event](nil)
	defer bus.Close()

	ctx := context.Background()
	a := bus.Subscribe(ctx, "a", 4)
	b := bus.Subscribe(ctx, "b", 4)

	bus.Publish(models.NewEvent(models.EventTaskSubmitted, map[string]any{"task_id": "task-1"}))

	for name, ch := range map[string]<-chan models.Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != models.EventTaskSubmitted {
				t.Fatalf("subscriber %s: expected %s, got %s", name, models.EventTaskSubmitted, evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: no event received", name)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus[models.Event](nil)
	defer bus.Close()

	var droppedFor string
	bus.SetDropHook(func(name string) { droppedFor = name })

	ch := bus.Subscribe(context.Background(), "slow", 1)

	bus.Publish(models.NewEvent(models.EventTaskSubmitted, nil))
	bus.Publish(models.NewEvent(models.EventTaskAssigned, nil))

	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", bus.Dropped())
	}
	if droppedFor != "slow" {
		t.Fatalf("expected drop hook for slow, got %q", droppedFor)
	}

	evt := <-ch
	if evt.Type != models.EventTaskSubmitted {
		t.Fatalf("expected first event to survive, got %s", evt.Type)
	}
}

func TestBusUnsubscribeOnContextCancel(t *testing.T) {
	bus := NewBus[models.Event](nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx, "transient", 1)

	cancel()

	deadline := time.After(time.Second)
	for bus.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber was not removed after cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, open := <-ch; open {
		t.Fatalf("expected channel to be closed after cancel")
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus[models.Event](nil)
	ch := bus.Subscribe(context.Background(), "a", 1)

	bus.Close()

	if _, open := <-ch; open {
		t.Fatalf("expected channel to be closed after bus close")
	}

	// Publishing after close must not panic.
	bus.Publish(models.NewEvent(models.EventTaskSubmitted, nil))
}

func TestHistoryKeepsNewestFirst(t *testing.T) {
	h := NewHistory(3)

	for _, typ := range []string{"one", "two", "three", "four"} {
		h.Record(models.NewEvent(typ, nil))
	}

	if h.Len() != 3 {
		t.Fatalf("expected history len 3, got %d", h.Len())
	}

	recent := h.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if recent[0].Type != "four" || recent[1].Type != "three" {
		t.Fatalf("expected newest first, got %s, %s", recent[0].Type, recent[1].Type)
	}

	all := h.Recent(0)
	if len(all) != 3 {
		t.Fatalf("expected full history, got %d", len(all))
	}
	if all[2].Type != "two" {
		t.Fatalf("expected oldest retained event to be two, got %s", all[2].Type)
	}
}
