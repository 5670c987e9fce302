package engine

import (
	"sync"
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventTypeConnect asks the loop to open a connection.
	EventTypeConnect EventType = iota + 1
	// EventTypeDisconnect asks the loop to close the connection.
	EventTypeDisconnect
	// EventTypeRequest carries a new method call or subscription.
	EventTypeRequest
	// EventTypeUnsubscribe asks the loop to send unsub.
	EventTypeUnsubscribe
	// EventTypePing asks the loop to send a ping.
	EventTypePing
	// EventTypeOpen reports that the transport opened.
	EventTypeOpen
	// EventTypeFrame carries one inbound frame.
	EventTypeFrame
	// EventTypeSocketError reports a transport failure.
	EventTypeSocketError
	// EventTypeSocketClose reports that the transport closed.
	EventTypeSocketClose
	// EventTypeHeartbeat fires when the ping interval elapses.
	EventTypeHeartbeat
	// EventTypeReconnect fires when the reconnect delay elapses.
	EventTypeReconnect
)

var eventTypeNames = map[EventType]string{
	EventTypeConnect:     "connect",
	EventTypeDisconnect:  "disconnect",
	EventTypeRequest:     "request",
	EventTypeUnsubscribe: "unsubscribe",
	EventTypePing:        "ping",
	EventTypeOpen:        "open",
	EventTypeFrame:       "frame",
	EventTypeSocketError: "socket_error",
	EventTypeSocketClose: "socket_close",
	EventTypeHeartbeat:   "heartbeat",
	EventTypeReconnect:   "reconnect",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is one unit of work for the Run loop.
//
// Gen tags transport events with the connection that produced them and
// timer events with the arming that scheduled them. The loop drops events
// whose Gen is stale.
type Event struct {
	Type EventType
	Gen  uint64

	URL       string          // EventTypeConnect
	Reconnect bool            // EventTypeDisconnect
	Request   *pendingRequest // EventTypeRequest
	ID        string          // EventTypeUnsubscribe
	Data      []byte          // EventTypeFrame
	Err       error           // EventTypeSocketError, EventTypeSocketClose
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so transport goroutines and timers never block on
// a busy loop.
//
// Thread-safety is provided for API callers, transport listeners and timer
// goroutines enqueuing while the Engine's Run loop dequeues.
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
		events: make([]Event, 0, 64),
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

	// Nil out the slot so the backing array does not pin frames and requests.
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

// Close signals that no more events will be enqueued and returns whatever
// was still queued. Wakes any blocked waiters by closing the signal channel.
// A second Close returns nil.
func (q *eventQueue) Close() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	// Drop a pending token so waiters observe the close, not a stale wakeup.
	select {
	case <-q.signal:
	default:
	}
	close(q.signal)

	rest := q.events
	q.events = nil
	return rest
}
