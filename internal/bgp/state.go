package bgp

// This file defines the BGP FSM states (RFC 4271 Section 8.2.2).
//
// State diagram (simplified, error arcs omitted — every state falls back
// to Idle on notification, transport loss, or timer expiry):
//
//	         start                 connected
//	  Idle ----------> Connect ----------------> OpenSent
//	    ^     \           |                         |
//	    |      \          | retry               Open| recvd
//	    |       \         v                         v
//	    |        +----> Active --(passive open)--> OpenConfirm
//	    |                                           |
//	    |                                  Keepalive| recvd
//	    +---------- (any failure) <---------- Established

// State represents a BGP peer session FSM state (RFC 4271 Section 8.2.2).
type State uint8

const (
	// StateIdle is the initial state and the universal error-recovery
	// target. No connection exists and none is being attempted.
	StateIdle State = iota

	// StateActive waits for an inbound (passive) connection from the peer,
	// retrying an outbound connect on the connect-retry timer.
	StateActive

	// StateConnect has an outbound TCP connect in progress.
	StateConnect

	// StateOpenSent has sent an Open message and waits for the peer's Open.
	StateOpenSent

	// StateOpenConfirm has validated the peer's Open, sent a Keepalive, and
	// waits for the peer's Keepalive.
	StateOpenConfirm

	// StateEstablished is the steady state: the session is up and
	// Keepalive/Update messages flow in both directions.
	StateEstablished
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateActive:
		return "Active"
	case StateConnect:
		return "Connect"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}
