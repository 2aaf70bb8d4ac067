package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// EventKind classifies controller events
type EventKind string

const (
	EventStateChanged  EventKind = "state_changed"
	EventStepCompleted EventKind = "step_completed"
	EventStepFailed    EventKind = "step_failed"
	EventRecovery      EventKind = "recovery"
)

// Event is a notification posted by the controller
type Event struct {
	ID     string
	Kind   EventKind
	From   types.JobState
	To     types.JobState
	Action types.RecoveryAction
	Err    error
	At     time.Time
}

// DefaultEventCapacity is how many undrained events a controller's queue keeps
const DefaultEventCapacity = 1024

// EventQueue is a bounded single-producer single-consumer queue. Post never blocks;
// the consumer waits on Ready and takes everything with Drain. Once capacity events
// are waiting the oldest is dropped for each new one.
type EventQueue struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	dropped  int
	ready    chan struct{}
}

// NewEventQueue creates an empty queue holding up to DefaultEventCapacity events
func NewEventQueue() *EventQueue {
	return NewEventQueueSize(DefaultEventCapacity)
}

// NewEventQueueSize creates an empty queue holding up to capacity events
func NewEventQueueSize(capacity int) *EventQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &EventQueue{capacity: capacity, ready: make(chan struct{}, 1)}
}

// Post appends an event and wakes the consumer
func (q *EventQueue) Post(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	q.mu.Lock()
	if len(q.events) >= q.capacity {
		n := copy(q.events, q.events[1:])
		q.events = q.events[:n]
		q.dropped++
	}
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready receives a value whenever events may be waiting
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued event in posting order
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.events
	q.events = nil
	return out
}

// Dropped returns how many events were discarded because nobody drained them
func (q *EventQueue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of queued events
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
