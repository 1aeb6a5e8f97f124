package bgp

import (
	"sync/atomic"
)

// -------------------------------------------------------------------------
// Event Queue
// -------------------------------------------------------------------------
//
// One bounded FIFO queue per peer. Producers (admin path, transport
// goroutines, timer service, message reader) enqueue without ever blocking;
// a single consumer goroutine (Peer.run) dequeues, re-validates, and feeds
// the transition logic. The single consumer is what makes the FSM body
// lock-free: no two events for the same peer are ever processed
// concurrently, while different peers' queues run independently.

// OverflowPolicy selects which event is discarded when the queue is full.
type OverflowPolicy uint8

const (
	// DropNewest discards the event being enqueued. This is the default:
	// under overload the already-accepted history stays intact.
	DropNewest OverflowPolicy = iota

	// DropOldest discards the head of the queue to make room for the new
	// event, favoring recency over history.
	DropOldest
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// defaultQueueSize bounds the per-peer event queue. A peer produces at most
// a few events per timer tick plus one per received message; 128 absorbs a
// full collision window burst with a wide margin.
const defaultQueueSize = 128

// eventQueue is the bounded per-peer event queue.
//
// Enqueue is safe from any goroutine. Dequeue happens only on the peer
// goroutine via the channel returned by C. Overflow never blocks the
// producer: one event is dropped per the configured policy and the drop is
// counted so it stays visible to metrics and diagnostics.
type eventQueue struct {
	ch      chan Event
	policy  OverflowPolicy
	dropped atomic.Uint64
}

func newEventQueue(size int, policy OverflowPolicy) *eventQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &eventQueue{
		ch:     make(chan Event, size),
		policy: policy,
	}
}

// Enqueue appends an event, applying the overflow policy when the queue is
// full. Returns true if no event was lost; false means one event was
// discarded (the new one under DropNewest, the head under DropOldest).
func (q *eventQueue) Enqueue(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
	}

	if q.policy == DropNewest {
		q.dropped.Add(1)
		return false
	}

	// DropOldest: evict the head, then retry once. The consumer may have
	// drained an entry in between; both outcomes leave the queue bounded.
	dropped := false
	select {
	case <-q.ch:
		q.dropped.Add(1)
		dropped = true
	default:
	}

	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
		dropped = true
	}

	return !dropped
}

// C returns the consumer channel. Only the owning peer goroutine reads it.
func (q *eventQueue) C() <-chan Event {
	return q.ch
}

// Dropped returns the total number of events discarded due to overflow.
func (q *eventQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// drain discards all currently queued events without processing them.
// Called during peer deletion after the deleted flag is set.
func (q *eventQueue) drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
