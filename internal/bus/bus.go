// Package bus provides the typed publish/subscribe channel that loosely
// couples the coordinator and managers to the UI and persistence layers.
// Dispatch is synchronous by default; PublishAsync hands the event to a
// background worker for subscribers that must not block the scheduler.
package bus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies one kind of event on the bus.
type EventType string

const (
	EventMissionStarted    EventType = "mission_started"
	EventMissionCompleted  EventType = "mission_completed"
	EventMissionCancelled  EventType = "mission_cancelled"
	EventTaskCreated       EventType = "task_created"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventTaskRetried       EventType = "task_retried"
	EventTaskCancelled     EventType = "task_cancelled"
	EventTaskRejected      EventType = "task_rejected"
	EventTaskMerged        EventType = "task_merged"
	EventAgentSpawned      EventType = "agent_spawned"
	EventAgentTerminated   EventType = "agent_terminated"
	EventDecomposed        EventType = "decomposition_done"
	EventBranchCreated     EventType = "branch_created"
	EventBranchMerged      EventType = "branch_merged"
	EventBranchAbandoned   EventType = "branch_abandoned"
	EventConflictDetected  EventType = "conflict_detected"
	EventConflictResolved  EventType = "conflict_resolved"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
)

// Event is one message on the bus. MissionID is always set; TaskID and
// AgentID are set when the event concerns a specific task or agent.
type Event struct {
	Type      EventType      `json:"type"`
	MissionID string         `json:"mission_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives events. A handler registered with Subscribe runs on the
// publisher's goroutine and must return quickly; slow consumers should be
// fed through PublishAsync instead.
type Handler func(Event)

// Bus is a typed handler registry. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	byType   map[EventType]map[int]Handler
	all      map[int]Handler
	asyncCh  chan Event
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// New creates a bus with an async queue of the given buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		byType:  make(map[EventType]map[int]Handler),
		all:     make(map[int]Handler),
		asyncCh: make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	go b.drainAsync()
	return b
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.byType[t] == nil {
		b.byType[t] = make(map[int]Handler)
	}
	b.byType[t][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byType[t], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish dispatches the event synchronously to every matching handler,
// in registration order within each registry.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	for _, h := range b.snapshot(e.Type) {
		h(e)
	}
}

// PublishAsync queues the event for background dispatch. If the queue is
// full it retries briefly, then drops the event and counts the drop.
func (b *Bus) PublishAsync(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.asyncCh <- e:
		return
	default:
	}

	select {
	case b.asyncCh <- e:
	case <-time.After(100 * time.Millisecond):
		count := b.dropped.Add(1)
		if count%10 == 1 { // log every 10th drop to avoid spam
			log.Printf("[bus] WARNING: async queue full, dropped event (total dropped: %d): type=%s", count, e.Type)
		}
	}
}

// Dropped returns the number of async events discarded so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the async worker. Pending queued events are delivered first.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, 0, len(b.byType[t])+len(b.all))
	for id := 0; id < b.nextID; id++ {
		if h, ok := b.byType[t][id]; ok {
			handlers = append(handlers, h)
		}
	}
	for id := 0; id < b.nextID; id++ {
		if h, ok := b.all[id]; ok {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

func (b *Bus) drainAsync() {
	for {
		select {
		case e := <-b.asyncCh:
			b.Publish(e)
		case <-b.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case e := <-b.asyncCh:
					b.Publish(e)
				default:
					return
				}
			}
		}
	}
}
