package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishDispatchesToTypeHandlers(t *testing.T) {
	b := New(8)
	defer b.Close()

	var got []Event
	b.Subscribe(EventTaskCompleted, func(e Event) {
		got = append(got, e)
	})
	b.Subscribe(EventTaskFailed, func(e Event) {
		t.Error("failed handler should not fire for completed event")
	})

	b.Publish(Event{Type: EventTaskCompleted, TaskID: "t1"})

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", got[0].TaskID)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Publish should stamp the event time")
	}
}

func TestBus_SubscribeAllSeesEveryType(t *testing.T) {
	b := New(8)
	defer b.Close()

	var count int
	b.SubscribeAll(func(e Event) { count++ })

	b.Publish(Event{Type: EventTaskStarted})
	b.Publish(Event{Type: EventBranchMerged})
	b.Publish(Event{Type: EventConflictDetected})

	if count != 3 {
		t.Errorf("catch-all handler fired %d times, want 3", count)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(8)
	defer b.Close()

	var count int
	unsub := b.Subscribe(EventTaskCreated, func(e Event) { count++ })

	b.Publish(Event{Type: EventTaskCreated})
	unsub()
	b.Publish(Event{Type: EventTaskCreated})

	if count != 1 {
		t.Errorf("handler fired %d times after unsubscribe, want 1", count)
	}
}

func TestBus_PublishAsyncDelivers(t *testing.T) {
	b := New(8)
	defer b.Close()

	var mu sync.Mutex
	delivered := make(chan struct{})
	b.Subscribe(EventAgentSpawned, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		close(delivered)
	})

	b.PublishAsync(Event{Type: EventAgentSpawned, AgentID: "a1"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("async event was not delivered")
	}
}

func TestBus_SynchronousOrdering(t *testing.T) {
	b := New(8)
	defer b.Close()

	var order []string
	b.Subscribe(EventTaskCompleted, func(e Event) { order = append(order, "first") })
	b.Subscribe(EventTaskCompleted, func(e Event) { order = append(order, "second") })

	b.Publish(Event{Type: EventTaskCompleted})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("handlers ran out of registration order: %v", order)
	}
}
