package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dario-valles/ralph-swarm/log"
)

// Type identifies what happened.
type Type string

const (
	TaskScheduled  Type = "task_scheduled"
	TaskCompleted  Type = "task_completed"
	TaskFailed     Type = "task_failed"
	AgentSpawned   Type = "agent_spawned"
	AgentStopped   Type = "agent_stopped"
	AgentViolation Type = "agent_violation"
	BranchMerged   Type = "branch_merged"
	MergeFailed    Type = "merge_failed"
)

// Event is a single status transition surfaced to notification subsystems.
type Event struct {
	Type      Type
	Timestamp time.Time
	TaskID    string
	AgentID   string
	Branch    string
	Message   string
}

// Bus is a small non-blocking pub/sub fan-out. Slow subscribers drop events
// rather than stalling the scheduler.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	published   atomic.Int64
	dropped     atomic.Int64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a subscriber channel with the given buffer size and
// returns the channel plus an unsubscribe function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			log.DebugLog.Printf("dropped %s event for slow subscriber", event.Type)
		}
	}
}

// Stats returns total published and dropped counts.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
