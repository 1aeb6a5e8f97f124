package bgp

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	packet "github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

// fakeSession records sent messages instead of writing to a socket.
type fakeSession struct {
	id     uint32
	remote netip.AddrPort

	mu     sync.Mutex
	sent   []*packet.BGPMessage
	closed bool
}

func (s *fakeSession) ID() uint32 { return s.id }

func (s *fakeSession) Send(msg *packet.BGPMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) RemoteAddr() netip.AddrPort { return s.remote }

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) sentTypes() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]uint8, len(s.sent))
	for i, m := range s.sent {
		types[i] = m.Header.Type
	}
	return types
}

// lastNotification returns the code and subcode of the last Notification
// sent on the session, or (0, 0) if none was sent.
func (s *fakeSession) lastNotification() (uint8, uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if notif, ok := s.sent[i].Body.(*packet.BGPNotification); ok {
			return notif.ErrorCode, notif.ErrorSubcode
		}
	}
	return 0, 0
}

// fakeDialer hands out fakeSessions and records dial attempts. The dial
// never completes on its own: tests inject EvConnected / EvConnectFail.
type fakeDialer struct {
	mu     sync.Mutex
	nextID uint32
	dials  []*fakeSession
}

func (d *fakeDialer) Dial(_ context.Context, remote netip.AddrPort, _ *Peer) Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	s := &fakeSession{id: d.nextID, remote: remote}
	d.dials = append(d.dials, s)
	return s
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) lastDial() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dials) == 0 {
		return nil
	}
	return d.dials[len(d.dials)-1]
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func testPeerConfig() PeerConfig {
	return PeerConfig{
		Addr:     netip.MustParseAddrPort("192.0.2.2:179"),
		LocalAS:  65001,
		RemoteAS: 65002,
		RouterID: netip.MustParseAddr("192.0.2.1"), // local id 0xC0000201
		HoldTime: DefaultHoldTime,
	}
}

// newTestPeer builds a peer whose events are driven synchronously through
// step, without running the consumer goroutine.
func newTestPeer(t *testing.T, cfg PeerConfig) (*Peer, *fakeDialer) {
	t.Helper()

	dialer := &fakeDialer{}
	p := NewPeer(cfg, dialer, nil, slog.New(slog.DiscardHandler))
	p.runCtx = t.Context()
	return p, dialer
}

// newSession returns an unmanaged fake session with a fixed id.
func newSession(id uint32) *fakeSession {
	return &fakeSession{
		id:     id,
		remote: netip.MustParseAddrPort("192.0.2.2:33001"),
	}
}

// openFrom builds the Open body a peer with the given parameters would send.
func openFrom(as uint32, hold time.Duration, routerID string) *packet.BGPOpen {
	msg := newOpenMessage(as, hold, netip.MustParseAddr(routerID))
	return msg.Body.(*packet.BGPOpen)
}

// establish drives the peer from Idle to Established over an outbound
// session and returns that session.
func establish(t *testing.T, p *Peer, d *fakeDialer) *fakeSession {
	t.Helper()

	p.step(EvStart{})
	if got := p.State(); got != StateConnect {
		t.Fatalf("after Start: state = %v, want %v", got, StateConnect)
	}

	s := d.lastDial()
	if s == nil {
		t.Fatal("Start did not dial")
	}

	p.step(EvConnected{Session: s})
	if got := p.State(); got != StateOpenSent {
		t.Fatalf("after Connected: state = %v, want %v", got, StateOpenSent)
	}

	p.step(EvOpen{Session: s, Open: openFrom(65002, DefaultHoldTime, "192.0.2.2")})
	if got := p.State(); got != StateOpenConfirm {
		t.Fatalf("after Open: state = %v, want %v", got, StateOpenConfirm)
	}

	p.step(EvKeepalive{Session: s})
	if got := p.State(); got != StateEstablished {
		t.Fatalf("after Keepalive: state = %v, want %v", got, StateEstablished)
	}

	return s
}

// -------------------------------------------------------------------------
// Establishment
// -------------------------------------------------------------------------

// TestPeerEstablishSequence walks the full happy path: Idle -> Connect ->
// OpenSent -> OpenConfirm -> Established, checking the messages and timers
// at each step (RFC 4271 Section 8.2.2).
func TestPeerEstablishSequence(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())

	p.step(EvStart{})
	if got := p.State(); got != StateConnect {
		t.Fatalf("state = %v, want %v", got, StateConnect)
	}
	if d.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.dialCount())
	}
	if !p.timers.IsRunning(timerConnect) {
		t.Error("connect timer not running in Connect")
	}

	s := d.lastDial()
	p.step(EvConnected{Session: s})
	if got := p.State(); got != StateOpenSent {
		t.Fatalf("state = %v, want %v", got, StateOpenSent)
	}
	if got := s.sentTypes(); len(got) != 1 || got[0] != packet.BGP_MSG_OPEN {
		t.Fatalf("sent after connect = %v, want [OPEN]", got)
	}
	if p.timers.IsRunning(timerConnect) {
		t.Error("connect timer still running in OpenSent")
	}
	if !p.timers.IsRunning(timerOpen) {
		t.Error("open timer not running in OpenSent")
	}

	p.step(EvOpen{Session: s, Open: openFrom(65002, 30*time.Second, "192.0.2.2")})
	if got := p.State(); got != StateOpenConfirm {
		t.Fatalf("state = %v, want %v", got, StateOpenConfirm)
	}
	// Negotiated hold time is the minimum of both proposals.
	if p.holdTime != 30*time.Second {
		t.Errorf("negotiated hold time = %v, want 30s", p.holdTime)
	}
	if p.timers.IsRunning(timerOpen) {
		t.Error("open timer still running after Open received")
	}
	if !p.timers.IsRunning(timerHold) {
		t.Error("hold timer not running in OpenConfirm")
	}
	if !p.timers.IsRunning(timerKeepalive) {
		t.Error("keepalive timer not running in OpenConfirm")
	}
	if got := s.sentTypes(); len(got) != 2 || got[1] != packet.BGP_MSG_KEEPALIVE {
		t.Fatalf("sent after Open = %v, want [OPEN KEEPALIVE]", got)
	}

	p.step(EvKeepalive{Session: s})
	if got := p.State(); got != StateEstablished {
		t.Fatalf("state = %v, want %v", got, StateEstablished)
	}
	if p.idleHoldTime != 0 {
		t.Errorf("idle hold time = %v after Established, want 0", p.idleHoldTime)
	}
	if p.attempts.Load() != 0 {
		t.Errorf("attempts = %d after Established, want 0", p.attempts.Load())
	}
}

// TestPeerPassiveStart verifies that a passive peer waits in Active without
// dialing and proceeds to OpenSent when an inbound connection arrives.
func TestPeerPassiveStart(t *testing.T) {
	t.Parallel()

	cfg := testPeerConfig()
	cfg.Passive = true
	p, d := newTestPeer(t, cfg)

	p.step(EvStart{})
	if got := p.State(); got != StateActive {
		t.Fatalf("state = %v, want %v", got, StateActive)
	}
	if d.dialCount() != 0 {
		t.Fatalf("passive peer dialed %d times, want 0", d.dialCount())
	}

	s := newSession(77)
	p.step(EvPassiveOpen{Session: s})
	if got := p.State(); got != StateOpenSent {
		t.Fatalf("state = %v, want %v", got, StateOpenSent)
	}
	if got := s.sentTypes(); len(got) != 1 || got[0] != packet.BGP_MSG_OPEN {
		t.Fatalf("sent = %v, want [OPEN]", got)
	}
}

// TestPeerStartWhileAdminDown verifies that Initialize on an admin-down
// peer does not arm the FSM.
func TestPeerStartWhileAdminDown(t *testing.T) {
	t.Parallel()

	cfg := testPeerConfig()
	cfg.AdminDown = true
	p, d := newTestPeer(t, cfg)

	p.Initialize()
	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v", got, StateIdle)
	}
	if d.dialCount() != 0 {
		t.Fatalf("admin-down peer dialed %d times, want 0", d.dialCount())
	}
}

// -------------------------------------------------------------------------
// Open validation
// -------------------------------------------------------------------------

// TestPeerOpenValidation exercises the Open acceptance checks in OpenSent
// (RFC 4271 Section 6.2): each rejection sends an Open-error Notification
// with the matching subcode and recovers through Idle with backoff armed.
func TestPeerOpenValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		open        *packet.BGPOpen
		wantSubcode uint8
	}{
		{
			name: "unsupported version",
			open: func() *packet.BGPOpen {
				o := openFrom(65002, DefaultHoldTime, "192.0.2.2")
				o.Version = 3
				return o
			}(),
			wantSubcode: uint8(packet.BGP_ERROR_SUB_UNSUPPORTED_VERSION_NUMBER),
		},
		{
			name:        "wrong peer AS",
			open:        openFrom(65099, DefaultHoldTime, "192.0.2.2"),
			wantSubcode: uint8(packet.BGP_ERROR_SUB_BAD_PEER_AS),
		},
		{
			name:        "hold time below minimum",
			open:        openFrom(65002, 2*time.Second, "192.0.2.2"),
			wantSubcode: uint8(packet.BGP_ERROR_SUB_UNACCEPTABLE_HOLD_TIME),
		},
		{
			name: "zero bgp identifier",
			open: func() *packet.BGPOpen {
				o := openFrom(65002, DefaultHoldTime, "192.0.2.2")
				o.ID = net.IPv4zero.To4()
				return o
			}(),
			wantSubcode: uint8(packet.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER),
		},
		{
			name:        "identifier equal to ours",
			open:        openFrom(65002, DefaultHoldTime, "192.0.2.1"),
			wantSubcode: uint8(packet.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, d := newTestPeer(t, testPeerConfig())
			p.step(EvStart{})
			s := d.lastDial()
			p.step(EvConnected{Session: s})

			p.step(EvOpen{Session: s, Open: tt.open})

			if got := p.State(); got != StateIdle {
				t.Fatalf("state = %v, want %v", got, StateIdle)
			}
			code, subcode := s.lastNotification()
			if code != uint8(packet.BGP_ERROR_OPEN_MESSAGE_ERROR) {
				t.Errorf("notification code = %d, want open message error", code)
			}
			if subcode != tt.wantSubcode {
				t.Errorf("notification subcode = %d, want %d", subcode, tt.wantSubcode)
			}
			if !s.isClosed() {
				t.Error("session not closed after rejected Open")
			}
			if p.idleHoldTime != MinIdleHoldTime {
				t.Errorf("idle hold time = %v, want %v", p.idleHoldTime, MinIdleHoldTime)
			}
			if !p.timers.IsRunning(timerIdleHold) {
				t.Error("idle-hold timer not armed after failure")
			}
			if p.attempts.Load() != 1 {
				t.Errorf("attempts = %d, want 1", p.attempts.Load())
			}
		})
	}
}

// TestPeerHoldTimeZeroDisablesTimers verifies that a negotiated hold time
// of zero disables both the hold and keepalive timers (RFC 4271
// Section 4.2).
func TestPeerHoldTimeZeroDisablesTimers(t *testing.T) {
	t.Parallel()

	cfg := testPeerConfig()
	cfg.HoldTime = 0
	p, d := newTestPeer(t, cfg)

	p.step(EvStart{})
	s := d.lastDial()
	p.step(EvConnected{Session: s})
	p.step(EvOpen{Session: s, Open: openFrom(65002, DefaultHoldTime, "192.0.2.2")})

	if got := p.State(); got != StateOpenConfirm {
		t.Fatalf("state = %v, want %v", got, StateOpenConfirm)
	}
	if p.holdTime != 0 {
		t.Errorf("negotiated hold time = %v, want 0", p.holdTime)
	}
	if p.timers.IsRunning(timerHold) {
		t.Error("hold timer running with zero hold time")
	}
	if p.timers.IsRunning(timerKeepalive) {
		t.Error("keepalive timer running with zero hold time")
	}
}

// -------------------------------------------------------------------------
// Failure, backoff, recovery
// -------------------------------------------------------------------------

// TestPeerHoldTimerExpiry verifies the hold-timer failure path from
// Established: Notification (hold timer expired), session closed, Idle,
// backoff armed, flap counted (RFC 4271 Section 6.5).
func TestPeerHoldTimerExpiry(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	s := establish(t, p, d)

	gen := p.timers.generation(timerHold)
	p.step(evTimerExpired{id: timerHold, gen: gen})

	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v", got, StateIdle)
	}
	code, subcode := s.lastNotification()
	if code != uint8(packet.BGP_ERROR_HOLD_TIMER_EXPIRED) {
		t.Errorf("notification code = %d, want hold timer expired", code)
	}
	if subcode != uint8(packet.BGP_ERROR_SUB_HOLD_TIMER_EXPIRED) {
		t.Errorf("notification subcode = %d", subcode)
	}
	if !s.isClosed() {
		t.Error("session not closed")
	}
	if p.idleHoldTime != MinIdleHoldTime {
		t.Errorf("idle hold time = %v, want %v", p.idleHoldTime, MinIdleHoldTime)
	}
	if p.diag.flaps != 1 {
		t.Errorf("flaps = %d, want 1", p.diag.flaps)
	}
}

// TestPeerIdleHoldBackoffDoubling verifies the exponential backoff
// schedule: floor on first failure, doubling on each subsequent failure,
// saturating at the cap.
func TestPeerIdleHoldBackoffDoubling(t *testing.T) {
	t.Parallel()

	p, _ := newTestPeer(t, testPeerConfig())

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second, 100 * time.Second,
		100 * time.Second,
	}
	for i, w := range want {
		p.bumpIdleHold()
		if p.idleHoldTime != w {
			t.Fatalf("failure %d: idle hold = %v, want %v", i+1, p.idleHoldTime, w)
		}
	}
}

// TestPeerBackoffAccumulatesAcrossCycles verifies that consecutive failed
// cycles double the backoff and that reaching Established resets it.
func TestPeerBackoffAccumulatesAcrossCycles(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())

	// First failed cycle: connect timer expires in Connect.
	p.step(EvStart{})
	p.step(evTimerExpired{id: timerConnect, gen: p.timers.generation(timerConnect)})
	if p.idleHoldTime != MinIdleHoldTime {
		t.Fatalf("after first failure: idle hold = %v, want %v", p.idleHoldTime, MinIdleHoldTime)
	}
	if p.attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", p.attempts.Load())
	}

	// Second failed cycle, entered when the idle-hold timer fires.
	p.step(evTimerExpired{id: timerIdleHold, gen: p.timers.generation(timerIdleHold)})
	if got := p.State(); got != StateConnect {
		t.Fatalf("after idle-hold expiry: state = %v, want %v", got, StateConnect)
	}
	s := d.lastDial()
	p.step(EvConnectFail{Session: s, Err: context.DeadlineExceeded})
	if p.idleHoldTime != 2*MinIdleHoldTime {
		t.Fatalf("after second failure: idle hold = %v, want %v", p.idleHoldTime, 2*MinIdleHoldTime)
	}

	// A successful establishment clears the backoff entirely.
	p.step(evTimerExpired{id: timerIdleHold, gen: p.timers.generation(timerIdleHold)})
	s = d.lastDial()
	p.step(EvConnected{Session: s})
	p.step(EvOpen{Session: s, Open: openFrom(65002, DefaultHoldTime, "192.0.2.2")})
	p.step(EvKeepalive{Session: s})
	if got := p.State(); got != StateEstablished {
		t.Fatalf("state = %v, want %v", got, StateEstablished)
	}
	if p.idleHoldTime != 0 {
		t.Errorf("idle hold = %v after Established, want 0", p.idleHoldTime)
	}
	if p.attempts.Load() != 0 {
		t.Errorf("attempts = %d after Established, want 0", p.attempts.Load())
	}
}

// TestPeerConnectionClosedInEstablished verifies transport loss recovery.
func TestPeerConnectionClosedInEstablished(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	s := establish(t, p, d)

	p.step(EvClosed{Session: s})

	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v", got, StateIdle)
	}
	if p.diag.flaps != 1 {
		t.Errorf("flaps = %d, want 1", p.diag.flaps)
	}
	if !p.timers.IsRunning(timerIdleHold) {
		t.Error("idle-hold timer not armed")
	}
	if p.timers.IsRunning(timerHold) || p.timers.IsRunning(timerKeepalive) {
		t.Error("session timers still running in Idle")
	}
}

// TestPeerNotificationReceived verifies that a peer Notification is
// recorded in diagnostics and recovers through Idle.
func TestPeerNotificationReceived(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	s := establish(t, p, d)

	notif := packet.NewBGPNotificationMessage(
		uint8(packet.BGP_ERROR_CEASE),
		uint8(packet.BGP_ERROR_SUB_PEER_DECONFIGURED),
		nil,
	).Body.(*packet.BGPNotification)
	p.step(EvNotification{Session: s, Notification: notif})

	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v", got, StateIdle)
	}
	rec := p.diag.notificationIn
	if rec.At.IsZero() {
		t.Fatal("inbound notification not recorded")
	}
	if rec.Code != uint8(packet.BGP_ERROR_CEASE) ||
		rec.Subcode != uint8(packet.BGP_ERROR_SUB_PEER_DECONFIGURED) {
		t.Errorf("recorded notification = %d/%d, want cease/peer deconfigured",
			rec.Code, rec.Subcode)
	}
}

// TestPeerMessageParseError verifies that an unparseable inbound message
// produces a Notification with the reader's code/subcode and a recovery
// cycle through Idle.
func TestPeerMessageParseError(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	s := establish(t, p, d)

	p.step(EvMessageError{
		Session: s,
		Code:    uint8(packet.BGP_ERROR_MESSAGE_HEADER_ERROR),
		Subcode: uint8(packet.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH),
		Data:    []byte{0xff, 0xff},
		Reason:  "bad message length",
	})

	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v", got, StateIdle)
	}
	code, subcode := s.lastNotification()
	if code != uint8(packet.BGP_ERROR_MESSAGE_HEADER_ERROR) {
		t.Errorf("notification code = %d, want message header error", code)
	}
	if subcode != uint8(packet.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH) {
		t.Errorf("notification subcode = %d, want bad message length", subcode)
	}
}

// TestPeerNoOpTransitions verifies (state, event) rows with no defined
// transition: the FSM stays put and sends nothing.
func TestPeerNoOpTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, p *Peer, d *fakeDialer)
		event Event
		want  State
	}{
		{
			name: "Start in Connect",
			setup: func(t *testing.T, p *Peer, d *fakeDialer) {
				p.step(EvStart{})
			},
			event: EvStart{},
			want:  StateConnect,
		},
		{
			name: "Start in OpenSent",
			setup: func(t *testing.T, p *Peer, d *fakeDialer) {
				p.step(EvStart{})
				p.step(EvConnected{Session: d.lastDial()})
			},
			event: EvStart{},
			want:  StateOpenSent,
		},
		{
			name: "Start in Established",
			setup: func(t *testing.T, p *Peer, d *fakeDialer) {
				establish(t, p, d)
			},
			event: EvStart{},
			want:  StateEstablished,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, d := newTestPeer(t, testPeerConfig())
			tt.setup(t, p, d)

			dials := d.dialCount()
			s := d.lastDial()
			sent := len(s.sentTypes())

			p.step(tt.event)

			if got := p.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
			if d.dialCount() != dials {
				t.Error("no-op event triggered a dial")
			}
			if got := len(s.sentTypes()); got != sent {
				t.Errorf("no-op event sent %d messages", got-sent)
			}
		})
	}
}

// TestPeerFSMErrors verifies the RFC 4271 Section 6.6 rows: messages that
// are valid on the wire but wrong for the current state produce an FSM
// error Notification with the state-specific subcode.
func TestPeerFSMErrors(t *testing.T) {
	t.Parallel()

	t.Run("keepalive in OpenSent", func(t *testing.T) {
		t.Parallel()

		p, d := newTestPeer(t, testPeerConfig())
		p.step(EvStart{})
		s := d.lastDial()
		p.step(EvConnected{Session: s})

		p.step(EvKeepalive{Session: s})

		if got := p.State(); got != StateIdle {
			t.Fatalf("state = %v, want %v", got, StateIdle)
		}
		code, subcode := s.lastNotification()
		if code != uint8(packet.BGP_ERROR_FSM_ERROR) {
			t.Errorf("notification code = %d, want fsm error", code)
		}
		if subcode != uint8(packet.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENSENT_STATE) {
			t.Errorf("notification subcode = %d", subcode)
		}
	})

	t.Run("duplicate Open in Established", func(t *testing.T) {
		t.Parallel()

		p, d := newTestPeer(t, testPeerConfig())
		s := establish(t, p, d)

		p.step(EvOpen{Session: s, Open: openFrom(65002, DefaultHoldTime, "192.0.2.2")})

		if got := p.State(); got != StateIdle {
			t.Fatalf("state = %v, want %v", got, StateIdle)
		}
		code, subcode := s.lastNotification()
		if code != uint8(packet.BGP_ERROR_FSM_ERROR) {
			t.Errorf("notification code = %d, want fsm error", code)
		}
		if subcode != uint8(packet.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_ESTABLISHED_STATE) {
			t.Errorf("notification subcode = %d", subcode)
		}
	})
}

// -------------------------------------------------------------------------
// Collision resolution
// -------------------------------------------------------------------------

// TestPeerCollision exercises the connection collision with a configured
// remote identifier, so resolution happens at passive-assignment time
// (RFC 4271 Section 6.8).
func TestPeerCollision(t *testing.T) {
	t.Parallel()

	// Local id is 192.0.2.1 = 0xC0000201.
	const localID = 0xC0000201

	tests := []struct {
		name        string
		remoteID    uint32
		wantActive  bool // outbound session survives
		wantPassive bool // inbound session survives
		wantState   State
	}{
		{
			name:       "local id lower keeps active",
			remoteID:   localID + 1,
			wantActive: true,
			wantState:  StateOpenSent,
		},
		{
			name:        "remote id lower keeps passive",
			remoteID:    localID - 1,
			wantPassive: true,
			wantState:   StateOpenSent,
		},
		{
			name:      "identical ids close both",
			remoteID:  localID,
			wantState: StateIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testPeerConfig()
			cfg.RemoteID = tt.remoteID
			p, d := newTestPeer(t, cfg)

			p.step(EvStart{})
			active := d.lastDial()
			p.step(EvConnected{Session: active})

			passive := newSession(1000)
			p.step(EvPassiveOpen{Session: passive})

			if got := p.State(); got != tt.wantState {
				t.Fatalf("state = %v, want %v", got, tt.wantState)
			}
			if got := p.pair.owns(active); got != tt.wantActive {
				t.Errorf("owns(active) = %v, want %v", got, tt.wantActive)
			}
			if got := p.pair.owns(passive); got != tt.wantPassive {
				t.Errorf("owns(passive) = %v, want %v", got, tt.wantPassive)
			}

			// Every collision loser receives a Cease with the collision
			// resolution subcode before its connection closes.
			for _, loser := range []*fakeSession{active, passive} {
				if p.pair.owns(loser) {
					continue
				}
				if !loser.isClosed() {
					t.Errorf("losing session %d not closed", loser.ID())
				}
				code, subcode := loser.lastNotification()
				if code != uint8(packet.BGP_ERROR_CEASE) ||
					subcode != uint8(packet.BGP_ERROR_SUB_CONNECTION_COLLISION_RESOLUTION) {
					t.Errorf("loser %d notification = %d/%d, want cease/collision resolution",
						loser.ID(), code, subcode)
				}
			}
		})
	}
}

// TestPeerCollisionDeferredToOpen verifies that with no configured remote
// identifier both candidate sessions stay alive until the first Open
// teaches us the peer's id, at which point the tie-break runs.
func TestPeerCollisionDeferredToOpen(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())

	p.step(EvStart{})
	active := d.lastDial()
	p.step(EvConnected{Session: active})

	passive := newSession(1000)
	p.step(EvPassiveOpen{Session: passive})

	if !p.pair.both() {
		t.Fatal("collision window not open with unknown remote id")
	}

	// Remote id 192.0.2.2 > our 192.0.2.1: our outbound session wins.
	p.step(EvOpen{Session: passive, Open: openFrom(65002, DefaultHoldTime, "192.0.2.2")})

	if p.pair.owns(passive) {
		t.Error("passive session survived a tie-break it should lose")
	}
	if !p.pair.owns(active) {
		t.Error("active session did not survive")
	}
	if got := p.State(); got != StateOpenSent {
		t.Fatalf("state = %v, want %v", got, StateOpenSent)
	}

	// The same Open arriving on the surviving session completes the
	// handshake normally.
	p.step(EvOpen{Session: active, Open: openFrom(65002, DefaultHoldTime, "192.0.2.2")})
	if got := p.State(); got != StateOpenConfirm {
		t.Fatalf("state = %v, want %v", got, StateOpenConfirm)
	}
}

// -------------------------------------------------------------------------
// Staleness
// -------------------------------------------------------------------------

// TestPeerStaleTimerEventDropped verifies that a fire from a cancelled
// timer generation is discarded at dequeue with no transition.
func TestPeerStaleTimerEventDropped(t *testing.T) {
	t.Parallel()

	p, _ := newTestPeer(t, testPeerConfig())

	p.step(EvStart{})
	gen := p.timers.generation(timerConnect)
	p.timers.Cancel(timerConnect)

	p.step(evTimerExpired{id: timerConnect, gen: gen})

	if got := p.State(); got != StateConnect {
		t.Fatalf("stale timer event changed state to %v", got)
	}
	if p.attempts.Load() != 0 {
		t.Errorf("stale timer event incremented attempts")
	}
}

// TestPeerStaleSessionEventDropped verifies that message events for a
// session the pair no longer owns are discarded.
func TestPeerStaleSessionEventDropped(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	establish(t, p, d)

	stranger := newSession(9999)
	p.step(EvKeepalive{Session: stranger})
	p.step(EvClosed{Session: stranger})

	if got := p.State(); got != StateEstablished {
		t.Fatalf("stale session event changed state to %v", got)
	}
}

// -------------------------------------------------------------------------
// Administrative control
// -------------------------------------------------------------------------

// TestPeerAdminDown verifies the Stop semantics: one Cease (administrative
// shutdown), session closed, no reconnect until Start.
func TestPeerAdminDown(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	s := establish(t, p, d)

	p.step(EvStop{})

	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v", got, StateIdle)
	}
	code, subcode := s.lastNotification()
	if code != uint8(packet.BGP_ERROR_CEASE) ||
		subcode != uint8(packet.BGP_ERROR_SUB_ADMINISTRATIVE_SHUTDOWN) {
		t.Errorf("notification = %d/%d, want cease/administrative shutdown", code, subcode)
	}
	if !s.isClosed() {
		t.Error("session not closed")
	}

	// No auto-reconnect: no timer armed, no dial issued.
	if p.timers.IsRunning(timerIdleHold) {
		t.Error("idle-hold timer armed while admin down")
	}
	dialsBefore := d.dialCount()

	// Start brings it back immediately (backoff was cleared).
	p.step(EvStart{})
	if got := p.State(); got != StateConnect {
		t.Fatalf("after Start: state = %v, want %v", got, StateConnect)
	}
	if d.dialCount() != dialsBefore+1 {
		t.Error("Start did not dial")
	}
}

// TestPeerAdminDownInIdleIsQuiet verifies that Stop in Idle sends nothing.
func TestPeerAdminDownInIdleIsQuiet(t *testing.T) {
	t.Parallel()

	p, _ := newTestPeer(t, testPeerConfig())
	p.step(EvStop{})

	if got := p.State(); got != StateIdle {
		t.Fatalf("state = %v, want %v", got, StateIdle)
	}
	if !p.diag.notificationOut.At.IsZero() {
		t.Error("Stop in Idle recorded an outbound notification")
	}
}

// TestPeerClear verifies the hard reset: Cease (administrative reset),
// backoff cleared, immediate restart.
func TestPeerClear(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	s := establish(t, p, d)

	p.step(evClear{})

	code, subcode := s.lastNotification()
	if code != uint8(packet.BGP_ERROR_CEASE) ||
		subcode != uint8(packet.BGP_ERROR_SUB_ADMINISTRATIVE_RESET) {
		t.Errorf("notification = %d/%d, want cease/administrative reset", code, subcode)
	}
	if got := p.State(); got != StateConnect {
		t.Fatalf("state = %v, want %v", got, StateConnect)
	}
	if p.idleHoldTime != 0 {
		t.Errorf("idle hold = %v after clear, want 0", p.idleHoldTime)
	}
}

// -------------------------------------------------------------------------
// Deletion
// -------------------------------------------------------------------------

// TestPeerShutdownDiscardsQueue verifies that after Shutdown the run loop
// discards queued events and exits without processing them.
func TestPeerShutdownDiscardsQueue(t *testing.T) {
	t.Parallel()

	p, _ := newTestPeer(t, testPeerConfig())

	done := make(chan struct{})
	go func() {
		p.Run(t.Context())
		close(done)
	}()

	p.Shutdown()
	// Events enqueued after deletion must be discarded, not processed.
	p.Enqueue(EvStart{})
	p.Enqueue(EvStart{})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit after Shutdown")
	}

	if got := p.State(); got != StateIdle {
		t.Errorf("state = %v after shutdown, want %v", got, StateIdle)
	}
}

// TestPeerShutdownSendsPeerDeconfigured verifies that removing an
// established peer sends Cease with "Peer De-configured" (RFC 4486)
// before tearing the session down.
func TestPeerShutdownSendsPeerDeconfigured(t *testing.T) {
	t.Parallel()

	p, d := newTestPeer(t, testPeerConfig())
	s := establish(t, p, d)

	p.deleted.Store(true)
	p.teardown("peer deleted")

	code, subcode := s.lastNotification()
	if code != uint8(packet.BGP_ERROR_CEASE) || subcode != uint8(packet.BGP_ERROR_SUB_PEER_DECONFIGURED) {
		t.Errorf("notification = (%d, %d), want Cease/peer-deconfigured", code, subcode)
	}
	if !s.isClosed() {
		t.Error("session left open after teardown")
	}
}

// TestPeerShutdownSuppressesTimers verifies that no timer can be armed
// once deletion has begun.
func TestPeerShutdownSuppressesTimers(t *testing.T) {
	t.Parallel()

	p, _ := newTestPeer(t, testPeerConfig())
	p.Shutdown()

	p.timers.Start(timerConnect, time.Hour)
	if p.timers.IsRunning(timerConnect) {
		t.Error("timer armed after Shutdown")
	}
}
