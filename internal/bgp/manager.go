package bgp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrInvalidPeerAddr indicates a peer configuration without a valid
	// transport endpoint.
	ErrInvalidPeerAddr = errors.New("invalid peer address")

	// ErrDuplicatePeer indicates that a peer already exists for the address.
	ErrDuplicatePeer = errors.New("duplicate peer")

	// ErrPeerNotFound indicates that no peer exists for the address.
	ErrPeerNotFound = errors.New("peer not found")
)

// notifyChSize buffers the aggregated state change channel. Sized to absorb
// bursts of transitions across many peers without blocking peer goroutines.
const notifyChSize = 64

// -------------------------------------------------------------------------
// Manager — BGP Peer Manager
// -------------------------------------------------------------------------

// Manager owns all configured peers, routes accepted inbound connections
// to the owning state machine, and provides the CRUD API for peer
// lifecycle.
//
// Inbound demultiplexing is by remote address: an accepted connection from
// an address with no configured peer is refused. The per-peer machinery
// then decides whether the connection becomes the session or loses the
// collision.
type Manager struct {
	// peers indexed by the remote address (without port: a peer is
	// identified by its address, the source port of an inbound connection
	// is ephemeral).
	peers map[netip.Addr]*peerEntry

	mu sync.RWMutex

	sessionIDs *SessionIDAllocator
	dialer     Dialer

	// metrics is the optional metrics reporter. Never nil -- uses
	// noopMetrics when no collector is configured.
	metrics Reporter

	updateHandler UpdateHandler

	// rawNotifyCh receives state changes from all peers. The dispatch
	// goroutine forwards them to publicNotifyCh.
	rawNotifyCh chan StateChange

	// publicNotifyCh is the fan-out channel exposed via StateChanges().
	publicNotifyCh chan StateChange

	// callbacks are invoked by the dispatch goroutine for every state
	// change, before the channel fan-out. Guarded by cbMu.
	callbacks []StateCallback
	cbMu      sync.RWMutex

	logger *slog.Logger
}

// peerEntry holds a peer and its cancellation function. The cancel
// function is used by RemovePeer to stop the peer goroutine.
type peerEntry struct {
	peer   *Peer
	cancel context.CancelFunc
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the Reporter for the manager and all peers it
// creates. If r is nil, a no-op reporter is used.
func WithManagerMetrics(r Reporter) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithManagerUpdateHandler registers the Update receiver installed on
// every peer the manager creates.
func WithManagerUpdateHandler(h UpdateHandler) ManagerOption {
	return func(m *Manager) {
		m.updateHandler = h
	}
}

// WithSessionIDs shares an externally created allocator between the
// manager and a transport layer built before the manager.
func WithSessionIDs(ids *SessionIDAllocator) ManagerOption {
	return func(m *Manager) {
		if ids != nil {
			m.sessionIDs = ids
		}
	}
}

// NewManager creates a peer manager. The dialer provides outbound
// connection attempts for active peers; internal/netio supplies the real
// one and tests substitute fakes.
func NewManager(dialer Dialer, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		peers:          make(map[netip.Addr]*peerEntry),
		sessionIDs:     NewSessionIDAllocator(),
		dialer:         dialer,
		metrics:        noopMetrics{},
		rawNotifyCh:    make(chan StateChange, notifyChSize),
		publicNotifyCh: make(chan StateChange, notifyChSize),
		logger:         logger.With(slog.String("component", "bgp.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionIDs exposes the allocator so the transport layer can tag the
// connections it creates.
func (m *Manager) SessionIDs() *SessionIDAllocator {
	return m.sessionIDs
}

// -------------------------------------------------------------------------
// Peer CRUD
// -------------------------------------------------------------------------

// AddPeer creates a peer state machine, starts its goroutine, and arms it
// with the administrative start (unless configured admin-down).
//
// Returns ErrDuplicatePeer if a peer already exists for the address.
func (m *Manager) AddPeer(ctx context.Context, cfg PeerConfig) (*Peer, error) {
	if !cfg.Addr.IsValid() || !cfg.Addr.Addr().IsValid() {
		return nil, fmt.Errorf("add peer: %w", ErrInvalidPeerAddr)
	}

	addr := cfg.Addr.Addr()

	p := NewPeer(cfg, m.dialer, m.rawNotifyCh, m.logger,
		WithPeerMetrics(m.metrics),
		WithUpdateHandler(m.updateHandler),
	)

	m.mu.Lock()
	if _, dup := m.peers[addr]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("add peer %s: %w", addr, ErrDuplicatePeer)
	}

	entry := &peerEntry{peer: p}
	// Decouple peer lifetime from the parent context so that SIGTERM does
	// not immediately kill sessions. Graceful shutdown first drains every
	// peer with a Cease, then Close cancels each goroutine explicitly.
	peerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry.cancel = cancel
	go p.Run(peerCtx)

	m.peers[addr] = entry
	m.mu.Unlock()

	m.metrics.RegisterPeer(cfg.Addr.String())
	p.Initialize()

	m.logger.Info("peer added",
		slog.String("peer", cfg.Addr.String()),
		slog.Uint64("remote_as", uint64(cfg.RemoteAS)),
		slog.Bool("passive", cfg.Passive),
		slog.Bool("admin_down", cfg.AdminDown),
		slog.Duration("hold_time", cfg.HoldTime),
	)

	return p, nil
}

// RemovePeer shuts the peer down and removes it. The peer's sessions
// close, queued events are discarded, and its goroutine exits.
//
// Returns ErrPeerNotFound if no peer exists for the address.
func (m *Manager) RemovePeer(addr netip.Addr) error {
	m.mu.Lock()
	entry, ok := m.peers[addr]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("remove peer %s: %w", addr, ErrPeerNotFound)
	}
	delete(m.peers, addr)
	m.mu.Unlock()

	// Shutdown before cancel: the deleted flag makes the run loop discard
	// whatever is still queued instead of acting on it.
	entry.peer.Shutdown()
	entry.cancel()

	m.metrics.UnregisterPeer(entry.peer.Addr().String())

	m.logger.Info("peer removed",
		slog.String("peer", entry.peer.Addr().String()),
	)

	return nil
}

// LookupPeer returns the peer configured for the given remote address.
func (m *Manager) LookupPeer(addr netip.Addr) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.peers[addr]
	if !ok {
		return nil, false
	}
	return entry.peer, true
}

// DispatchInbound routes an accepted connection to the peer configured
// for its remote address. Connections from unknown addresses are closed.
func (m *Manager) DispatchInbound(s Session) error {
	remote := s.RemoteAddr().Addr()

	p, ok := m.LookupPeer(remote)
	if !ok {
		s.Close()
		return fmt.Errorf("inbound connection from %s: %w", remote, ErrPeerNotFound)
	}

	p.PassiveOpen(s)
	return nil
}

// SetAdminState enables or disables a peer administratively.
func (m *Manager) SetAdminState(addr netip.Addr, down bool) error {
	p, ok := m.LookupPeer(addr)
	if !ok {
		return fmt.Errorf("set admin state for %s: %w", addr, ErrPeerNotFound)
	}
	p.SetAdminState(down)
	return nil
}

// ClearPeer hard-resets a peer's session and backoff state.
func (m *Manager) ClearPeer(addr netip.Addr) error {
	p, ok := m.LookupPeer(addr)
	if !ok {
		return fmt.Errorf("clear peer %s: %w", addr, ErrPeerNotFound)
	}
	p.Clear()
	return nil
}

// -------------------------------------------------------------------------
// Snapshot — read-only peer listing
// -------------------------------------------------------------------------

// Peers returns a snapshot of all configured peers. The returned slice
// contains copies; no references to mutable peer state are held. Used by
// the HTTP API to serve a consistent view without holding locks during
// serialization.
func (m *Manager) Peers() []PeerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make([]PeerSnapshot, 0, len(m.peers))
	for _, entry := range m.peers {
		snapshots = append(snapshots, entry.peer.Snapshot())
	}
	return snapshots
}

// PeerSnapshotFor returns the snapshot of one peer.
func (m *Manager) PeerSnapshotFor(addr netip.Addr) (PeerSnapshot, error) {
	p, ok := m.LookupPeer(addr)
	if !ok {
		return PeerSnapshot{}, fmt.Errorf("snapshot peer %s: %w", addr, ErrPeerNotFound)
	}
	return p.Snapshot(), nil
}

// -------------------------------------------------------------------------
// State Change Notifications
// -------------------------------------------------------------------------

// StateChanges returns a read-only channel receiving state change
// notifications from all peers. Consumed by the HTTP streaming endpoint
// and external callbacks.
//
// The channel is buffered; if the consumer falls behind, the dispatch
// goroutine drops notifications (logged at warn level).
func (m *Manager) StateChanges() <-chan StateChange {
	return m.publicNotifyCh
}

// RegisterStateCallback adds a callback invoked by the dispatch goroutine
// for every peer state change. Callbacks run synchronously and must not
// block; see StateCallback.
func (m *Manager) RegisterStateCallback(cb StateCallback) {
	if cb == nil {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

// invokeCallbacks runs every registered callback for one state change.
func (m *Manager) invokeCallbacks(sc StateChange) {
	m.cbMu.RLock()
	cbs := m.callbacks
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		cb(sc)
	}
}

// RunDispatch forwards state changes from all peers to the public
// StateChanges channel. It must be running for notifications to reach
// external consumers; without it the raw channel fills and peers drop
// their notifications. Blocks until ctx is cancelled.
func (m *Manager) RunDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-m.rawNotifyCh:
			m.invokeCallbacks(sc)
			select {
			case m.publicNotifyCh <- sc:
			default:
				m.logger.Warn("public notification channel full, dropping state change",
					slog.String("peer", sc.PeerAddr.String()),
					slog.String("new_state", sc.NewState.String()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Peer Reconciliation — SIGHUP reload
// -------------------------------------------------------------------------

// ReconcilePeers diffs the desired peer set against the current peers.
// Peers in desired but absent are added; peers present but absent from
// desired are removed. Existing peers are left untouched: parameter
// changes require removing and re-adding the peer.
//
// Returns the number of peers added and removed. Partial failures are
// accumulated; reconciliation continues for all peers.
func (m *Manager) ReconcilePeers(ctx context.Context, desired []PeerConfig) (int, int, error) {
	desiredByAddr := make(map[netip.Addr]PeerConfig, len(desired))
	for _, cfg := range desired {
		desiredByAddr[cfg.Addr.Addr()] = cfg
	}

	current := m.peerAddrSet()

	var added, removed int
	var errs []error

	for addr := range current {
		if _, want := desiredByAddr[addr]; want {
			continue
		}

		m.logger.Info("reconcile: removing deconfigured peer",
			slog.String("peer", addr.String()),
		)

		if err := m.RemovePeer(addr); err != nil {
			errs = append(errs, fmt.Errorf("reconcile remove %s: %w", addr, err))
			continue
		}
		removed++
	}

	for addr, cfg := range desiredByAddr {
		if _, exists := current[addr]; exists {
			continue
		}

		m.logger.Info("reconcile: adding new peer",
			slog.String("peer", addr.String()),
		)

		if _, err := m.AddPeer(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("reconcile add %s: %w", addr, err))
			continue
		}
		added++
	}

	var err error
	if len(errs) > 0 {
		err = errors.Join(errs...)
	}

	m.logger.Info("peer reconciliation complete",
		slog.Int("added", added),
		slog.Int("removed", removed),
	)

	return added, removed, err
}

func (m *Manager) peerAddrSet() map[netip.Addr]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addrs := make(map[netip.Addr]struct{}, len(m.peers))
	for addr := range m.peers {
		addrs[addr] = struct{}{}
	}
	return addrs
}

// -------------------------------------------------------------------------
// Graceful Drain
// -------------------------------------------------------------------------

// DrainAllPeers administratively disables every peer, which sends a Cease
// (administrative shutdown) on established sessions. The caller should
// wait briefly for the notifications to be transmitted before closing.
func (m *Manager) DrainAllPeers() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.peers {
		entry.peer.SetAdminState(true)
	}

	m.logger.Info("all peers disabled for graceful drain",
		slog.Int("count", len(m.peers)),
	)
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Close shuts down every peer goroutine and releases resources. After
// Close returns, no new peers can be added and the StateChanges channel
// should no longer be read.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.peers {
		entry.peer.Shutdown()
		entry.cancel()
	}

	m.peers = make(map[netip.Addr]*peerEntry)

	m.logger.Info("manager closed")
}
