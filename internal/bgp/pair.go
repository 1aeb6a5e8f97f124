package bgp

import (
	"fmt"
)

// -------------------------------------------------------------------------
// Session Pair Manager
// -------------------------------------------------------------------------
//
// A single state machine serves the peer, not one per TCP connection, so
// during the connection-collision window the peer may own two transport
// sessions at once: the active one this side initiated and the passive one
// the remote initiated. The pair manager owns both handles until collision
// resolution picks a winner; from OpenSent onward exactly one session is
// assigned and the loser, if it existed, has been closed and released.
//
// Sessions are referenced through their allocated ids rather than raw
// back-pointers, which keeps ownership unambiguous: assign and release are
// the only operations that change what the peer holds.

// SessionRole tags a session by which side initiated it.
type SessionRole uint8

const (
	// RoleActive marks the locally initiated (outbound) connection.
	RoleActive SessionRole = iota + 1

	// RolePassive marks the remotely initiated (inbound) connection.
	RolePassive
)

// String returns the role name.
func (r SessionRole) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RolePassive:
		return "passive"
	default:
		return "unknown"
	}
}

// CollisionOutcome is the decision of the collision tie-break rule.
type CollisionOutcome uint8

const (
	// KeepActive retains the locally initiated session.
	KeepActive CollisionOutcome = iota + 1

	// KeepPassive retains the remotely initiated session.
	KeepPassive

	// CloseBoth closes both sessions: identical identifiers on both sides
	// mean the peering is misconfigured (or the peer is ourselves) and no
	// deterministic winner exists.
	CloseBoth
)

// String returns the outcome name.
func (o CollisionOutcome) String() string {
	switch o {
	case KeepActive:
		return "keep_active"
	case KeepPassive:
		return "keep_passive"
	case CloseBoth:
		return "close_both"
	default:
		return "unknown"
	}
}

// ResolveCollision applies the connection-collision tie-break to the two
// BGP identifiers. The side with the lower identifier keeps the connection
// it initiated: if the local id is lower, our outbound (active) session
// survives; if the remote id is lower, their inbound (passive) session
// survives; equal identifiers have no winner.
//
// Kept as a pure, pluggable function: getting the comparison direction
// backward is a classic interoperability bug, so this is tested in
// isolation against both orderings and the tie.
func ResolveCollision(localID, remoteID uint32) CollisionOutcome {
	switch {
	case localID < remoteID:
		return KeepActive
	case remoteID < localID:
		return KeepPassive
	default:
		return CloseBoth
	}
}

// sessionPair owns the peer's zero, one, or two transport sessions.
// Mutated only from the peer goroutine; the event Validate predicates read
// it from the same goroutine at dequeue time.
type sessionPair struct {
	active  Session
	passive Session

	// dialing is the session handle of an outbound connect still in
	// flight. It becomes the active session on EvConnected.
	dialing Session
}

// assign records ownership of a session under the given role. Assigning a
// role that is already held is a programming-contract violation: it means
// the state machine itself is inconsistent, so it fails loudly instead of
// being absorbed.
func (sp *sessionPair) assign(s Session, role SessionRole) {
	switch role {
	case RoleActive:
		if sp.active != nil {
			panic(fmt.Sprintf("bgp: active session %d already assigned, refusing %d",
				sp.active.ID(), s.ID()))
		}
		sp.active = s
		if sp.dialing != nil && sp.dialing.ID() == s.ID() {
			sp.dialing = nil
		}
	case RolePassive:
		if sp.passive != nil {
			panic(fmt.Sprintf("bgp: passive session %d already assigned, refusing %d",
				sp.passive.ID(), s.ID()))
		}
		sp.passive = s
	default:
		panic(fmt.Sprintf("bgp: assign with invalid role %d", role))
	}
}

// release clears ownership of s without closing it. Returns the role it
// held, or 0 if the pair does not own s (stale handle, no-op).
func (sp *sessionPair) release(s Session) SessionRole {
	if s == nil {
		return 0
	}
	if sp.active != nil && sp.active.ID() == s.ID() {
		sp.active = nil
		return RoleActive
	}
	if sp.passive != nil && sp.passive.ID() == s.ID() {
		sp.passive = nil
		return RolePassive
	}
	return 0
}

// deleteSession closes s and releases it from the pair. Idempotent: a
// double delete, or a delete racing the transport's own close
// notification, is a no-op rather than an error — the transport may signal
// closure concurrently with the state machine deciding to drop the session.
func (sp *sessionPair) deleteSession(s Session) {
	if s == nil {
		return
	}
	sp.release(s)
	if sp.dialing != nil && sp.dialing.ID() == s.ID() {
		sp.dialing = nil
	}
	s.Close()
}

// deleteAll closes and releases every owned session, including an
// in-flight dial.
func (sp *sessionPair) deleteAll() {
	if sp.active != nil {
		sp.active.Close()
		sp.active = nil
	}
	if sp.passive != nil {
		sp.passive.Close()
		sp.passive = nil
	}
	if sp.dialing != nil {
		sp.dialing.Close()
		sp.dialing = nil
	}
}

// owns reports whether s is currently the active or passive session.
// Used by event validation: transport and message events for a session the
// pair no longer holds are stale.
func (sp *sessionPair) owns(s Session) bool {
	if s == nil {
		return false
	}
	if sp.active != nil && sp.active.ID() == s.ID() {
		return true
	}
	if sp.passive != nil && sp.passive.ID() == s.ID() {
		return true
	}
	return false
}

// expectsActive reports whether s is the outbound attempt the peer is
// still waiting on (either mid-dial or already assigned). Connect outcome
// events for superseded attempts fail this check.
func (sp *sessionPair) expectsActive(s Session) bool {
	if s == nil {
		return false
	}
	if sp.dialing != nil && sp.dialing.ID() == s.ID() {
		return true
	}
	return sp.active != nil && sp.active.ID() == s.ID()
}

// assigned returns the single surviving session, preferring active.
// Valid from OpenSent onward, where the pair invariant guarantees at most
// one session is held.
func (sp *sessionPair) assigned() Session {
	if sp.active != nil {
		return sp.active
	}
	return sp.passive
}

// both reports whether the collision window is open: one live session of
// each role.
func (sp *sessionPair) both() bool {
	return sp.active != nil && sp.passive != nil
}
