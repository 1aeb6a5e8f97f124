package bgp_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	packet "github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/wolfguard/gobgpd/internal/bgp"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type stubSession struct {
	id     uint32
	remote netip.AddrPort

	mu     sync.Mutex
	closed bool
}

func (s *stubSession) ID() uint32                    { return s.id }
func (s *stubSession) Send(*packet.BGPMessage) error { return nil }
func (s *stubSession) RemoteAddr() netip.AddrPort    { return s.remote }

func (s *stubSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stubDialer returns inert pending sessions: connects never complete, so
// peers sit in Connect for the duration of a test.
type stubDialer struct {
	mu     sync.Mutex
	nextID uint32
}

func (d *stubDialer) Dial(_ context.Context, remote netip.AddrPort, _ *bgp.Peer) bgp.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return &stubSession{id: d.nextID, remote: remote}
}

func testManager(t *testing.T) *bgp.Manager {
	t.Helper()

	m := bgp.NewManager(&stubDialer{}, slog.New(slog.DiscardHandler))
	t.Cleanup(m.Close)
	return m
}

func adminDownConfig(addr string) bgp.PeerConfig {
	return bgp.PeerConfig{
		Addr:      netip.MustParseAddrPort(addr),
		LocalAS:   65001,
		RemoteAS:  65002,
		RouterID:  netip.MustParseAddr("192.0.2.1"),
		HoldTime:  bgp.DefaultHoldTime,
		AdminDown: true,
	}
}

// -------------------------------------------------------------------------
// CRUD
// -------------------------------------------------------------------------

func TestManagerAddPeer(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	p, err := m.AddPeer(t.Context(), adminDownConfig("192.0.2.2:179"))
	if err != nil {
		t.Fatalf("AddPeer: unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("AddPeer returned nil peer")
	}

	got, ok := m.LookupPeer(netip.MustParseAddr("192.0.2.2"))
	if !ok {
		t.Fatal("LookupPeer did not find the added peer")
	}
	if got.Addr() != p.Addr() {
		t.Errorf("looked-up peer addr = %v, want %v", got.Addr(), p.Addr())
	}
}

func TestManagerAddPeerDuplicate(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	if _, err := m.AddPeer(t.Context(), adminDownConfig("192.0.2.2:179")); err != nil {
		t.Fatalf("first AddPeer: %v", err)
	}

	_, err := m.AddPeer(t.Context(), adminDownConfig("192.0.2.2:179"))
	if !errors.Is(err, bgp.ErrDuplicatePeer) {
		t.Fatalf("duplicate AddPeer error = %v, want ErrDuplicatePeer", err)
	}
}

func TestManagerAddPeerInvalidAddr(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	_, err := m.AddPeer(t.Context(), bgp.PeerConfig{})
	if !errors.Is(err, bgp.ErrInvalidPeerAddr) {
		t.Fatalf("error = %v, want ErrInvalidPeerAddr", err)
	}
}

func TestManagerRemovePeer(t *testing.T) {
	t.Parallel()

	m := testManager(t)
	addr := netip.MustParseAddr("192.0.2.2")

	if _, err := m.AddPeer(t.Context(), adminDownConfig("192.0.2.2:179")); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := m.RemovePeer(addr); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if _, ok := m.LookupPeer(addr); ok {
		t.Error("removed peer still found")
	}

	if err := m.RemovePeer(addr); !errors.Is(err, bgp.ErrPeerNotFound) {
		t.Fatalf("second RemovePeer error = %v, want ErrPeerNotFound", err)
	}
}

// -------------------------------------------------------------------------
// Inbound dispatch
// -------------------------------------------------------------------------

func TestManagerDispatchInboundUnknownPeer(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	s := &stubSession{id: 1, remote: netip.MustParseAddrPort("203.0.113.9:41000")}
	err := m.DispatchInbound(s)
	if !errors.Is(err, bgp.ErrPeerNotFound) {
		t.Fatalf("error = %v, want ErrPeerNotFound", err)
	}
	if !s.isClosed() {
		t.Error("connection from unknown peer not closed")
	}
}

func TestManagerDispatchInboundKnownPeer(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	if _, err := m.AddPeer(t.Context(), adminDownConfig("192.0.2.2:179")); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	// The source port of the inbound connection is ephemeral; dispatch
	// keys on the address alone.
	s := &stubSession{id: 1, remote: netip.MustParseAddrPort("192.0.2.2:55123")}
	if err := m.DispatchInbound(s); err != nil {
		t.Fatalf("DispatchInbound: %v", err)
	}

	// The peer is admin down, so the state machine refuses the
	// connection. What matters here is that it was routed, not dropped
	// at the manager.
	waitFor(t, func() bool { return s.isClosed() })
}

// -------------------------------------------------------------------------
// Reconciliation
// -------------------------------------------------------------------------

func TestManagerReconcilePeers(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	if _, err := m.AddPeer(t.Context(), adminDownConfig("192.0.2.2:179")); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if _, err := m.AddPeer(t.Context(), adminDownConfig("192.0.2.3:179")); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	// Desired set drops .3 and introduces .4; .2 is unchanged.
	desired := []bgp.PeerConfig{
		adminDownConfig("192.0.2.2:179"),
		adminDownConfig("192.0.2.4:179"),
	}

	added, removed, err := m.ReconcilePeers(t.Context(), desired)
	if err != nil {
		t.Fatalf("ReconcilePeers: %v", err)
	}
	if added != 1 || removed != 1 {
		t.Errorf("added/removed = %d/%d, want 1/1", added, removed)
	}

	if _, ok := m.LookupPeer(netip.MustParseAddr("192.0.2.3")); ok {
		t.Error("deconfigured peer still present")
	}
	if _, ok := m.LookupPeer(netip.MustParseAddr("192.0.2.4")); !ok {
		t.Error("new peer not present")
	}
	if len(m.Peers()) != 2 {
		t.Errorf("peer count = %d, want 2", len(m.Peers()))
	}
}

// -------------------------------------------------------------------------
// Notifications
// -------------------------------------------------------------------------

func TestManagerStateChangeFanOut(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go m.RunDispatch(ctx)

	// An enabled peer with the stub dialer transitions Idle -> Connect
	// immediately; that transition must reach the public channel.
	cfg := adminDownConfig("192.0.2.2:179")
	cfg.AdminDown = false
	if _, err := m.AddPeer(t.Context(), cfg); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	select {
	case sc := <-m.StateChanges():
		if sc.NewState != bgp.StateConnect {
			t.Errorf("first transition to %v, want %v", sc.NewState, bgp.StateConnect)
		}
		if sc.PeerAddr != netip.MustParseAddrPort("192.0.2.2:179") {
			t.Errorf("peer addr = %v", sc.PeerAddr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no state change received")
	}
}

func TestManagerStateCallback(t *testing.T) {
	t.Parallel()

	m := testManager(t)

	var (
		mu      sync.Mutex
		changes []bgp.StateChange
	)
	m.RegisterStateCallback(func(sc bgp.StateChange) {
		mu.Lock()
		changes = append(changes, sc)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go m.RunDispatch(ctx)

	cfg := adminDownConfig("192.0.2.2:179")
	cfg.AdminDown = false
	if _, err := m.AddPeer(t.Context(), cfg); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) > 0
	})

	mu.Lock()
	first := changes[0]
	mu.Unlock()
	if first.NewState != bgp.StateConnect {
		t.Errorf("callback saw transition to %v, want %v", first.NewState, bgp.StateConnect)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
