package bgp

import (
	"testing"
)

// TestResolveCollision verifies the tie-break orderings in both directions
// and the tie (RFC 4271 Section 6.8): the side with the lower identifier
// keeps the session it initiated.
func TestResolveCollision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		localID  uint32
		remoteID uint32
		want     CollisionOutcome
	}{
		{"local lower keeps active", 0x0A000001, 0x0A000002, KeepActive},
		{"remote lower keeps passive", 0x0A000002, 0x0A000001, KeepPassive},
		{"identical ids close both", 0x0A000001, 0x0A000001, CloseBoth},
		{"extremes local side", 1, 0xFFFFFFFF, KeepActive},
		{"extremes remote side", 0xFFFFFFFF, 1, KeepPassive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ResolveCollision(tt.localID, tt.remoteID); got != tt.want {
				t.Errorf("ResolveCollision(%#x, %#x) = %v, want %v",
					tt.localID, tt.remoteID, got, tt.want)
			}
		})
	}
}

// TestSessionPairDoubleAssignPanics verifies that assigning a role twice
// fails loudly: it indicates the state machine itself is inconsistent.
func TestSessionPairDoubleAssignPanics(t *testing.T) {
	t.Parallel()

	var sp sessionPair
	sp.assign(newSession(1), RoleActive)

	defer func() {
		if recover() == nil {
			t.Error("double active assignment did not panic")
		}
	}()
	sp.assign(newSession(2), RoleActive)
}

// TestSessionPairDeleteIdempotent verifies that deleting a session twice,
// or deleting a session the pair never owned, is a no-op.
func TestSessionPairDeleteIdempotent(t *testing.T) {
	t.Parallel()

	var sp sessionPair
	s := newSession(1)
	sp.assign(s, RoleActive)

	sp.deleteSession(s)
	if sp.owns(s) {
		t.Fatal("pair still owns deleted session")
	}
	if !s.isClosed() {
		t.Fatal("deleted session not closed")
	}

	// Second delete and a delete of an unknown session are no-ops.
	sp.deleteSession(s)
	sp.deleteSession(newSession(42))
	sp.deleteSession(nil)
}

// TestSessionPairExpectsActive verifies the staleness check used by
// connect outcome events: only the in-flight dial or the assigned active
// session passes.
func TestSessionPairExpectsActive(t *testing.T) {
	t.Parallel()

	var sp sessionPair
	dial := newSession(1)
	sp.dialing = dial

	if !sp.expectsActive(dial) {
		t.Error("in-flight dial not expected")
	}
	if sp.expectsActive(newSession(2)) {
		t.Error("unknown session expected as active")
	}

	sp.assign(dial, RoleActive)
	if sp.dialing != nil {
		t.Error("dialing handle not cleared by assignment")
	}
	if !sp.expectsActive(dial) {
		t.Error("assigned active session not expected")
	}
}

// TestSessionPairAssignedPrefersActive verifies survivor selection during
// and after the collision window.
func TestSessionPairAssignedPrefersActive(t *testing.T) {
	t.Parallel()

	var sp sessionPair
	active := newSession(1)
	passive := newSession(2)

	sp.assign(passive, RolePassive)
	if got := sp.assigned(); got == nil || got.ID() != passive.ID() {
		t.Error("assigned() did not return the only session")
	}

	sp.assign(active, RoleActive)
	if !sp.both() {
		t.Error("both() false with two sessions")
	}
	if got := sp.assigned(); got == nil || got.ID() != active.ID() {
		t.Error("assigned() did not prefer the active session")
	}
}
