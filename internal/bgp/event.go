package bgp

import (
	packet "github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// -------------------------------------------------------------------------
// Event Model
// -------------------------------------------------------------------------
//
// Events are produced from four independent contexts: the administrative
// path (config/API), the transport layer (dialer, listener, reader
// goroutines), the timer service, and the message reader. All of them only
// ever enqueue; the peer's single consumer goroutine is the sole context
// that mutates FSM state.
//
// Each event may carry a validation predicate. The predicate is evaluated
// at dequeue time against the *current* peer state, never at enqueue time:
// an event that raced ahead of a state change which already made it
// irrelevant (a close for a session we no longer own, a fire from a timer
// generation that was cancelled) is silently dropped instead of being fed
// to the transition logic.

// Event is the tagged union of everything the peer FSM reacts to.
type Event interface {
	// Name returns the event label recorded in diagnostics.
	Name() string

	// Validate reports whether the event is still relevant given the
	// current peer state. Called from the peer goroutine immediately
	// before the event is processed. Events with no staleness hazard
	// return true unconditionally.
	Validate(p *Peer) bool
}

// -------------------------------------------------------------------------
// Administrative events
// -------------------------------------------------------------------------

// EvStart is the administrative start (or re-enable) event.
type EvStart struct{}

func (EvStart) Name() string        { return "Start" }
func (EvStart) Validate(*Peer) bool { return true }

// EvStop is the administrative stop event. It tears the session down with
// a Cease Notification and suppresses reconnection until EvStart.
type EvStop struct{}

func (EvStop) Name() string        { return "Stop" }
func (EvStop) Validate(*Peer) bool { return true }

// -------------------------------------------------------------------------
// Timer events
// -------------------------------------------------------------------------

// evTimerExpired is posted by the timer service when a timer fires. The
// generation captured at arm time is compared against the timer's current
// generation at dequeue: a fire from a cancelled or re-armed timer is stale.
type evTimerExpired struct {
	id  timerID
	gen uint64
}

func (e evTimerExpired) Name() string { return e.id.String() + "TimerExpired" }

func (e evTimerExpired) Validate(p *Peer) bool {
	return p.timers.generation(e.id) == e.gen
}

// -------------------------------------------------------------------------
// Transport events
// -------------------------------------------------------------------------

// EvConnected reports that an outbound (active) connect completed.
type EvConnected struct {
	Session Session
}

func (EvConnected) Name() string { return "TcpConnected" }

// Validate drops the event if the dial attempt it belongs to was already
// superseded (peer went back to Idle and the pair no longer expects an
// active session).
func (e EvConnected) Validate(p *Peer) bool {
	return p.pair.expectsActive(e.Session)
}

// EvConnectFail reports that an outbound connect failed.
type EvConnectFail struct {
	Session Session
	Err     error
}

func (EvConnectFail) Name() string { return "TcpConnectFail" }

func (e EvConnectFail) Validate(p *Peer) bool {
	return p.pair.expectsActive(e.Session)
}

// EvPassiveOpen reports an inbound connection accepted by the listener.
type EvPassiveOpen struct {
	Session Session
}

func (EvPassiveOpen) Name() string        { return "TcpPassiveOpen" }
func (EvPassiveOpen) Validate(*Peer) bool { return true }

// EvClosed reports that a transport session was closed by the peer or the
// network. Only relevant while the pair still owns that session: a close
// for a session already replaced or released is stale.
type EvClosed struct {
	Session Session
}

func (EvClosed) Name() string { return "TcpClose" }

func (e EvClosed) Validate(p *Peer) bool {
	return p.pair.owns(e.Session)
}

// -------------------------------------------------------------------------
// Message events
// -------------------------------------------------------------------------

// EvOpen carries a parsed Open message received on a session.
type EvOpen struct {
	Session Session
	Open    *packet.BGPOpen
}

func (EvOpen) Name() string { return "BgpOpen" }

func (e EvOpen) Validate(p *Peer) bool {
	return p.pair.owns(e.Session)
}

// EvKeepalive carries a received Keepalive.
type EvKeepalive struct {
	Session Session
}

func (EvKeepalive) Name() string { return "BgpKeepalive" }

func (e EvKeepalive) Validate(p *Peer) bool {
	return p.pair.owns(e.Session)
}

// EvUpdate carries a received Update message.
type EvUpdate struct {
	Session Session
	Update  *packet.BGPUpdate
}

func (EvUpdate) Name() string { return "BgpUpdate" }

func (e EvUpdate) Validate(p *Peer) bool {
	return p.pair.owns(e.Session)
}

// EvNotification carries a Notification received from the peer.
type EvNotification struct {
	Session      Session
	Notification *packet.BGPNotification
}

func (EvNotification) Name() string { return "BgpNotification" }

func (e EvNotification) Validate(p *Peer) bool {
	return p.pair.owns(e.Session)
}

// EvMessageError reports that inbound bytes failed to parse as a BGP
// message. Code/Subcode are the RFC 4271 notification code and subcode the
// reader derived from the parse failure.
type EvMessageError struct {
	Session Session
	Code    uint8
	Subcode uint8
	Data    []byte
	Reason  string
}

func (EvMessageError) Name() string { return "BgpMessageError" }

func (e EvMessageError) Validate(p *Peer) bool {
	return p.pair.owns(e.Session)
}
