package bgp

import (
	"math/rand/v2"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Timer Service
// -------------------------------------------------------------------------
//
// Five named countdown timers per peer. A firing timer never touches the
// FSM from its own callback goroutine: it posts an evTimerExpired into the
// peer's event queue, so timer effects obey the same single-flight
// discipline as every other event.
//
// Cancellation is race-free without cross-context mutation of the timer
// callback: Cancel bumps the timer's generation and stops the underlying
// time.Timer, and a fire that was already in flight carries the old
// generation, which the dequeue-time Validate check rejects.

// timerID names one of the peer's timers.
type timerID uint8

const (
	// timerConnect is the connect-retry timer (RFC 4271 ConnectRetryTimer).
	timerConnect timerID = iota

	// timerOpen bounds the wait for the peer's Open in OpenSent.
	timerOpen

	// timerHold is the negotiated hold timer (RFC 4271 HoldTimer).
	timerHold

	// timerIdleHold is the backoff delay before leaving Idle after a failure.
	timerIdleHold

	// timerKeepalive paces outbound Keepalives at a third of the hold time.
	timerKeepalive

	timerCount // number of timers, for array sizing
)

// String returns the timer name used in event labels and diagnostics.
func (id timerID) String() string {
	switch id {
	case timerConnect:
		return "Connect"
	case timerOpen:
		return "Open"
	case timerHold:
		return "Hold"
	case timerIdleHold:
		return "IdleHold"
	case timerKeepalive:
		return "Keepalive"
	default:
		return "Unknown"
	}
}

// Default timer values. Open, connect-retry, hold, and the idle-hold
// backoff bounds follow the conventional BGP implementation values.
const (
	// DefaultOpenTime bounds the wait for the peer's Open message.
	DefaultOpenTime = 15 * time.Second

	// DefaultConnectRetryTime is the interval between connect attempts.
	DefaultConnectRetryTime = 30 * time.Second

	// DefaultHoldTime is the locally configured hold time proposed in Open.
	DefaultHoldTime = 90 * time.Second

	// MinIdleHoldTime is the idle-hold backoff floor after the first failure.
	MinIdleHoldTime = 5 * time.Second

	// MaxIdleHoldTime caps the idle-hold exponential backoff.
	MaxIdleHoldTime = 100 * time.Second

	// timerJitterPercent bounds the symmetric jitter applied to connect and
	// idle-hold durations so that many peers recovering at once do not
	// retry in lockstep.
	timerJitterPercent = 10
)

// timerState is one timer slot. All fields are guarded by timerSet.mu:
// Start/Cancel run on the peer goroutine, but the fire callback runs on the
// runtime timer goroutine and must read the generation consistently.
type timerState struct {
	timer   *time.Timer
	gen     uint64
	running bool
	fireAt  time.Time
}

// timerSet owns the peer's timers and posts expiry events into the queue.
type timerSet struct {
	mu     sync.Mutex
	queue  *eventQueue
	timers [timerCount]timerState

	// suppressed is set during peer deletion: no further timer may be
	// armed once teardown has begun.
	suppressed bool
}

func newTimerSet(queue *eventQueue) *timerSet {
	return &timerSet{queue: queue}
}

// Start arms the timer for d, replacing any previous schedule. The fire
// posts an evTimerExpired carrying the generation current at arm time.
func (ts *timerSet) Start(id timerID, d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.suppressed {
		return
	}

	st := &ts.timers[id]
	if st.timer != nil {
		st.timer.Stop()
	}

	st.gen++
	st.running = true
	st.fireAt = time.Now().Add(d)

	gen := st.gen
	st.timer = time.AfterFunc(d, func() {
		ts.fire(id, gen)
	})
}

// fire runs on the runtime timer goroutine. It only enqueues; the peer
// goroutine decides whether the fire is still current.
func (ts *timerSet) fire(id timerID, gen uint64) {
	ts.mu.Lock()
	st := &ts.timers[id]
	if st.gen == gen {
		st.running = false
	}
	ts.mu.Unlock()

	ts.queue.Enqueue(evTimerExpired{id: id, gen: gen})
}

// Cancel logically stops the timer. A concurrently in-flight fire becomes
// stale through the generation bump and is discarded at dequeue.
func (ts *timerSet) Cancel(id timerID) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := &ts.timers[id]
	st.gen++
	st.running = false
	if st.timer != nil {
		st.timer.Stop()
	}
}

// CancelAll stops every timer and, if suppress is set, prevents any timer
// from being armed again. Used on administrative down and deletion.
func (ts *timerSet) CancelAll(suppress bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if suppress {
		ts.suppressed = true
	}
	for i := range ts.timers {
		st := &ts.timers[i]
		st.gen++
		st.running = false
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

// IsRunning reports whether the timer is armed and has not fired.
func (ts *timerSet) IsRunning(id timerID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.timers[id].running
}

// generation returns the timer's current generation, compared by
// evTimerExpired.Validate against the generation captured at arm time.
func (ts *timerSet) generation(id timerID) uint64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.timers[id].gen
}

// Jitter perturbs d by a bounded symmetric random percentage (±10%).
// Applied to connect and idle-hold durations to desynchronize retry storms
// across many peers reconnecting at once. Uses math/rand/v2: jitter is not
// security-sensitive.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	// Uniform in [100-j, 100+j] percent.
	pct := 100 - timerJitterPercent + rand.IntN(2*timerJitterPercent+1) //nolint:gosec // G404: jitter does not require cryptographic randomness
	return time.Duration(int64(d) * int64(pct) / 100)
}
