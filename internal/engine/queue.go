package engine

import (
	"sync"

	"github.com/roach88/pump/internal/subscriber"
)

// EventType distinguishes what triggered a refetch cycle.
type EventType int

const (
	// EventTypeMount is the initial cycle run when an engine is mounted.
	EventTypeMount EventType = iota + 1
	// EventTypePoke is an invalidation fanned out by the subscriber.
	EventTypePoke
	// EventTypeManual is a refetch requested through Engine.Refetch.
	EventTypeManual
)

func (t EventType) String() string {
	switch t {
	case EventTypeMount:
		return "mount"
	case EventTypePoke:
		return "poke"
	case EventTypeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Event is one invalidation signal for the Run loop.
type Event struct {
	Type EventType
	Poke subscriber.Poke
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded: a burst of pokes never blocks the subscriber's
// fan-out, which runs on the push channel's read goroutine.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (Event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]

	// CRITICAL: Clear the slot so the backing array does not pin the poke's
	// entry type slice.
	q.events[0] = Event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
