package bgp

import (
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Diagnostics Tracker
// -------------------------------------------------------------------------
//
// Observability state mutated only from the peer goroutine, independent of
// control flow: nothing in the FSM reads it back. Snapshots copy it out
// for the API, the CLI, and metrics.

// NotificationRecord captures one Notification message, sent or received.
type NotificationRecord struct {
	// Code is the RFC 4271 notification error code.
	Code uint8

	// Subcode is the error subcode, zero when the code has none.
	Subcode uint8

	// Reason is the human-readable explanation recorded alongside the
	// wire code, e.g. "hold timer expired".
	Reason string

	// At is when the notification was sent or received.
	At time.Time
}

// Error renders the record the way operators expect to read it.
func (n NotificationRecord) Error() string {
	if n.At.IsZero() {
		return ""
	}
	return fmt.Sprintf("code %d subcode %d (%s)", n.Code, n.Subcode, n.Reason)
}

// diagnostics tracks the peer's last event, last transition, and the last
// notification in each direction.
type diagnostics struct {
	lastEvent         string
	lastEventAt       time.Time
	lastStateChangeAt time.Time
	notificationIn    NotificationRecord
	notificationOut   NotificationRecord
	flaps             uint64
}

func (d *diagnostics) recordEvent(name string) {
	d.lastEvent = name
	d.lastEventAt = time.Now()
}

func (d *diagnostics) recordStateChange() {
	d.lastStateChangeAt = time.Now()
}

func (d *diagnostics) recordNotificationIn(code, subcode uint8, reason string) {
	d.notificationIn = NotificationRecord{
		Code: code, Subcode: subcode, Reason: reason, At: time.Now(),
	}
}

func (d *diagnostics) recordNotificationOut(code, subcode uint8, reason string) {
	d.notificationOut = NotificationRecord{
		Code: code, Subcode: subcode, Reason: reason, At: time.Now(),
	}
}

// reset clears the last-notification records. Invoked on administrative
// clear so that stale failure reasons do not outlive an operator reset.
func (d *diagnostics) reset() {
	d.notificationIn = NotificationRecord{}
	d.notificationOut = NotificationRecord{}
}

// PeerSnapshot is a read-only view of a peer at a point in time. All
// fields are copies; no references to mutable peer state are held.
type PeerSnapshot struct {
	// Addr is the peer's configured address ("addr:port" form).
	Addr string

	// RemoteAS is the configured peer AS number.
	RemoteAS uint32

	// RemoteID is the BGP identifier learned from the peer's Open, zero
	// until one has been received.
	RemoteID uint32

	// State is the current FSM state.
	State State

	// LastState is the state before the most recent transition.
	LastState State

	// AdminDown reports whether the peer is administratively disabled.
	AdminDown bool

	// Passive reports whether the peer is configured to never initiate.
	Passive bool

	// HoldTime is the currently effective hold time (negotiated once the
	// session passed OpenSent, configured before that).
	HoldTime time.Duration

	// IdleHoldTime is the current idle-hold backoff; zero after a
	// successful establishment.
	IdleHoldTime time.Duration

	// ConnectAttempts counts failed connection cycles since the last
	// successful establishment.
	ConnectAttempts uint64

	// Flaps counts departures from Established.
	Flaps uint64

	// QueueDropped counts events discarded by the bounded event queue.
	QueueDropped uint64

	// LastEvent is the label of the most recently processed event.
	LastEvent string

	// LastEventAt is when LastEvent was processed.
	LastEventAt time.Time

	// LastStateChangeAt is when the FSM last changed state.
	LastStateChangeAt time.Time

	// NotificationIn is the last Notification received from the peer.
	NotificationIn NotificationRecord

	// NotificationOut is the last Notification sent to the peer.
	NotificationOut NotificationRecord

	// MessagesSent and MessagesReceived count all BGP messages on the
	// session, Keepalives included.
	MessagesSent     uint64
	MessagesReceived uint64

	// UpdatesReceived counts received Update messages.
	UpdatesReceived uint64
}
