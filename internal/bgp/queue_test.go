package bgp

import (
	"testing"
)

// TestQueueDropNewest verifies that under the default policy a full queue
// discards the incoming event and keeps the accepted history intact.
func TestQueueDropNewest(t *testing.T) {
	t.Parallel()

	q := newEventQueue(2, DropNewest)

	if !q.Enqueue(EvStart{}) || !q.Enqueue(EvStop{}) {
		t.Fatal("enqueue into non-full queue reported a drop")
	}
	if q.Enqueue(EvStart{}) {
		t.Fatal("enqueue into full queue did not report a drop")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}

	// The queue still holds the first two events, in order.
	first := <-q.C()
	second := <-q.C()
	if first.Name() != "Start" || second.Name() != "Stop" {
		t.Errorf("queue order = [%s %s], want [Start Stop]", first.Name(), second.Name())
	}
}

// TestQueueDropOldest verifies that the DropOldest policy evicts the head
// to admit the new event.
func TestQueueDropOldest(t *testing.T) {
	t.Parallel()

	q := newEventQueue(2, DropOldest)

	q.Enqueue(EvStart{})
	q.Enqueue(EvStop{})
	if q.Enqueue(EvPassiveOpen{Session: newSession(1)}) {
		t.Fatal("overflow did not report a drop")
	}
	if q.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", q.Dropped())
	}

	first := <-q.C()
	second := <-q.C()
	if first.Name() != "Stop" || second.Name() != "TcpPassiveOpen" {
		t.Errorf("queue order = [%s %s], want [Stop TcpPassiveOpen]",
			first.Name(), second.Name())
	}
}

// TestQueueDrain verifies that drain empties the queue and reports the
// discarded count.
func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := newEventQueue(8, DropNewest)
	for range 5 {
		q.Enqueue(EvStart{})
	}

	if n := q.drain(); n != 5 {
		t.Fatalf("drain = %d, want 5", n)
	}

	select {
	case ev := <-q.C():
		t.Fatalf("queue not empty after drain: %s", ev.Name())
	default:
	}
}

// TestQueueDefaultSize verifies that a non-positive size falls back to the
// default capacity.
func TestQueueDefaultSize(t *testing.T) {
	t.Parallel()

	q := newEventQueue(0, DropNewest)
	if cap(q.ch) != defaultQueueSize {
		t.Errorf("capacity = %d, want %d", cap(q.ch), defaultQueueSize)
	}
}
