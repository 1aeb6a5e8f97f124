package bgp

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	packet "github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// -------------------------------------------------------------------------
// Peer Configuration & Notifications
// -------------------------------------------------------------------------

// PeerConfig contains the parameters needed to create a peer state machine.
type PeerConfig struct {
	// Addr is the peer's transport endpoint.
	Addr netip.AddrPort

	// LocalAS is our autonomous system number.
	LocalAS uint32

	// RemoteAS is the expected peer AS. Zero accepts any AS.
	RemoteAS uint32

	// RouterID is the local BGP identifier advertised in Open and used as
	// the local side of the collision tie-break.
	RouterID netip.Addr

	// RemoteID is the peer's BGP identifier if known from configuration.
	// Zero defers collision resolution until an Open teaches it to us.
	RemoteID uint32

	// HoldTime is the hold time proposed in our Open. Zero proposes a
	// disabled hold timer.
	HoldTime time.Duration

	// ConnectRetry is the interval between outbound connect attempts.
	ConnectRetry time.Duration

	// OpenTime bounds the wait for the peer's Open in OpenSent.
	OpenTime time.Duration

	// Passive suppresses outbound connects: the peer must dial us.
	Passive bool

	// AdminDown creates the peer administratively disabled.
	AdminDown bool

	// QueueSize bounds the event queue (default 128).
	QueueSize int

	// QueuePolicy selects the queue overflow policy.
	QueuePolicy OverflowPolicy
}

// withDefaults fills zero-valued timer fields. HoldTime zero is meaningful
// (disabled hold timer) and is left alone only when explicitly negative is
// impossible; configuration validation decides whether zero was intended.
func (c PeerConfig) withDefaults() PeerConfig {
	if c.ConnectRetry == 0 {
		c.ConnectRetry = DefaultConnectRetryTime
	}
	if c.OpenTime == 0 {
		c.OpenTime = DefaultOpenTime
	}
	return c
}

// StateChange is emitted when a peer FSM transitions between states.
type StateChange struct {
	// PeerAddr is the peer's transport endpoint.
	PeerAddr netip.AddrPort

	// OldState is the state before the transition.
	OldState State

	// NewState is the state after the transition.
	NewState State

	// Reason is the event label or failure reason that drove the change.
	Reason string

	// Timestamp is when the transition occurred.
	Timestamp time.Time
}

// UpdateHandler receives Update messages from Established sessions. Route
// processing is outside this package; the handler runs on the peer
// goroutine and must not block.
type UpdateHandler func(peer netip.AddrPort, update *packet.BGPUpdate)

// PeerOption configures optional Peer parameters.
type PeerOption func(*Peer)

// WithPeerMetrics attaches a metrics Reporter. Nil keeps the no-op default.
func WithPeerMetrics(r Reporter) PeerOption {
	return func(p *Peer) {
		if r != nil {
			p.metrics = r
		}
	}
}

// WithUpdateHandler registers the receiver for Update messages.
func WithUpdateHandler(h UpdateHandler) PeerOption {
	return func(p *Peer) {
		p.updateHandler = h
	}
}

// evShutdown is the internal wake-up posted by Shutdown so that the run
// loop observes the deleted flag even on an otherwise idle queue.
type evShutdown struct{}

func (evShutdown) Name() string        { return "Shutdown" }
func (evShutdown) Validate(*Peer) bool { return true }

// evClear is the administrative hard reset: tear the session down with a
// Cease (administrative reset), clear backoff, and start over.
type evClear struct{}

func (evClear) Name() string        { return "Clear" }
func (evClear) Validate(*Peer) bool { return true }

// -------------------------------------------------------------------------
// Peer — the state machine instance
// -------------------------------------------------------------------------

// Peer implements the session-establishment state machine for one
// configured BGP neighbor.
//
// A single state machine is used per peer rather than one per TCP
// connection, so the peer tracks both the active and the passive session
// during a connection collision and resolves the race using the BGP
// identifiers. All mutable FSM state is owned by the goroutine started via
// Run; producers in other contexts only ever enqueue events. External
// reads use the atomic State/counter accessors or Snapshot.
type Peer struct {
	cfg PeerConfig

	queue  *eventQueue
	timers *timerSet
	pair   sessionPair
	dialer Dialer

	// state is the current FSM state, atomic for lock-free external reads.
	state atomic.Uint32

	// lastState is the state before the most recent transition.
	// Peer-goroutine only.
	lastState State

	// localID is the local BGP identifier as a host-order uint32.
	localID uint32

	// learnedRemoteID is the peer identifier from the last received Open.
	learnedRemoteID uint32

	// learnedRemoteAS is the peer AS from the last received Open.
	learnedRemoteAS uint32

	// holdTime is the effective hold time: configured until an Open is
	// negotiated, min(local, peer) afterwards.
	holdTime time.Duration

	// idleHoldTime is the current backoff before the next connect cycle.
	// Doubles on each failed cycle from MinIdleHoldTime up to
	// MaxIdleHoldTime; reset to zero on reaching Established.
	idleHoldTime time.Duration

	adminDown atomic.Bool
	deleted   atomic.Bool

	attempts    atomic.Uint64
	msgsSent    atomic.Uint64
	msgsRecv    atomic.Uint64
	updatesRecv atomic.Uint64

	diag diagnostics

	runCtx        context.Context
	metrics       Reporter
	updateHandler UpdateHandler
	notifyCh      chan<- StateChange
	logger        *slog.Logger
}

// NewPeer creates a peer state machine. The goroutine is not started until
// Run is called; Initialize arms the FSM with the administrative start.
func NewPeer(
	cfg PeerConfig,
	dialer Dialer,
	notifyCh chan<- StateChange,
	logger *slog.Logger,
	opts ...PeerOption,
) *Peer {
	cfg = cfg.withDefaults()

	p := &Peer{
		cfg:      cfg,
		dialer:   dialer,
		holdTime: cfg.HoldTime,
		metrics:  noopMetrics{},
		notifyCh: notifyCh,
		logger: logger.With(
			slog.String("peer", cfg.Addr.String()),
		),
	}
	p.queue = newEventQueue(cfg.QueueSize, cfg.QueuePolicy)
	p.timers = newTimerSet(p.queue)
	p.adminDown.Store(cfg.AdminDown)

	if cfg.RouterID.Is4() {
		a4 := cfg.RouterID.As4()
		p.localID = binary.BigEndian.Uint32(a4[:])
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// -------------------------------------------------------------------------
// Public API — safe from any goroutine
// -------------------------------------------------------------------------

// Enqueue posts an event to the peer's queue. Never blocks; overflow is
// resolved by the queue's configured drop policy and counted.
func (p *Peer) Enqueue(ev Event) {
	if !p.queue.Enqueue(ev) {
		p.metrics.IncQueueDrop(p.cfg.Addr.String())
		p.logger.Warn("event queue overflow",
			slog.String("event", ev.Name()),
			slog.String("policy", p.queue.policy.String()),
		)
	}
}

// Initialize arms the state machine with the administrative start event.
func (p *Peer) Initialize() {
	if !p.adminDown.Load() {
		p.Enqueue(EvStart{})
	}
}

// Shutdown marks the peer deleted. The run loop discards every event
// dequeued after the flag is set, drains the queue, tears down sessions
// and timers, and exits. Timers can no longer be armed once set.
func (p *Peer) Shutdown() {
	p.deleted.Store(true)
	p.timers.CancelAll(true)
	p.queue.Enqueue(evShutdown{})
}

// SetAdminState enables or disables the peer administratively.
func (p *Peer) SetAdminState(down bool) {
	if down {
		p.Enqueue(EvStop{})
	} else {
		p.Enqueue(EvStart{})
	}
}

// Clear hard-resets the session: Cease (administrative reset), backoff
// cleared, immediate restart.
func (p *Peer) Clear() {
	p.Enqueue(evClear{})
}

// PassiveOpen hands an accepted inbound connection to the state machine.
func (p *Peer) PassiveOpen(s Session) {
	p.Enqueue(EvPassiveOpen{Session: s})
}

// State returns the current FSM state (atomic read).
func (p *Peer) State() State {
	return State(p.state.Load()) //nolint:gosec // G115: State is 0-5, fits uint8
}

// Addr returns the peer's configured transport endpoint.
func (p *Peer) Addr() netip.AddrPort { return p.cfg.Addr }

// Snapshot returns a read-only copy of the peer's observable state.
//
// NOTE: non-counter fields (hold time, diagnostics, learned ids) are
// written by the peer goroutine without synchronization and may be
// slightly stale when snapshotted concurrently. Exact consistency is not
// required for display and monitoring purposes.
func (p *Peer) Snapshot() PeerSnapshot {
	return PeerSnapshot{
		Addr:              p.cfg.Addr.String(),
		RemoteAS:          p.remoteAS(),
		RemoteID:          p.learnedRemoteID,
		State:             p.State(),
		LastState:         p.lastState,
		AdminDown:         p.adminDown.Load(),
		Passive:           p.cfg.Passive,
		HoldTime:          p.holdTime,
		IdleHoldTime:      p.idleHoldTime,
		ConnectAttempts:   p.attempts.Load(),
		Flaps:             p.diag.flaps,
		QueueDropped:      p.queue.Dropped(),
		LastEvent:         p.diag.lastEvent,
		LastEventAt:       p.diag.lastEventAt,
		LastStateChangeAt: p.diag.lastStateChangeAt,
		NotificationIn:    p.diag.notificationIn,
		NotificationOut:   p.diag.notificationOut,
		MessagesSent:      p.msgsSent.Load(),
		MessagesReceived:  p.msgsRecv.Load(),
		UpdatesReceived:   p.updatesRecv.Load(),
	}
}

func (p *Peer) remoteAS() uint32 {
	if p.learnedRemoteAS != 0 {
		return p.learnedRemoteAS
	}
	return p.cfg.RemoteAS
}

// MessageReceived records an inbound message for counters. Called by the
// transport reader before it enqueues the corresponding event.
func (p *Peer) MessageReceived(msgType uint8) {
	p.msgsRecv.Add(1)
	p.metrics.IncMessageReceived(p.cfg.Addr.String(), messageTypeName(msgType))
}

// -------------------------------------------------------------------------
// Run Loop — single-flight event processing
// -------------------------------------------------------------------------

// Run starts the peer event loop and blocks until ctx is cancelled or the
// peer is shut down. Exactly one event is processed at a time; the
// transition logic below therefore needs no locking.
func (p *Peer) Run(ctx context.Context) {
	p.runCtx = ctx

	p.logger.Info("peer started",
		slog.String("state", p.State().String()),
		slog.Bool("passive", p.cfg.Passive),
		slog.Bool("admin_down", p.adminDown.Load()),
	)

	for {
		select {
		case <-ctx.Done():
			p.teardown("context cancelled")
			return

		case ev := <-p.queue.C():
			if p.deleted.Load() {
				// Deletion short-circuits: discard everything still
				// queued and exit without processing.
				n := p.queue.drain()
				p.teardown("peer deleted")
				if n > 0 {
					p.logger.Debug("discarded queued events on delete",
						slog.Int("count", n))
				}
				return
			}
			p.step(ev)
		}
	}
}

// step re-validates and dispatches one dequeued event.
func (p *Peer) step(ev Event) {
	if !ev.Validate(p) {
		p.logger.Debug("dropping stale event",
			slog.String("event", ev.Name()),
			slog.String("state", p.State().String()),
		)
		return
	}

	p.diag.recordEvent(ev.Name())
	p.handleEvent(ev)
}

// teardown releases every owned resource. Called exactly once, from the
// run loop, on exit. A deconfigured peer says goodbye first: Cease with
// "peer deconfigured" (RFC 4486) on the surviving session, so the remote
// side can distinguish removal from a transport failure.
func (p *Peer) teardown(reason string) {
	if p.deleted.Load() {
		p.sendNotificationOnAssigned(
			uint8(packet.BGP_ERROR_CEASE),
			uint8(packet.BGP_ERROR_SUB_PEER_DECONFIGURED),
			nil, "peer deconfigured",
		)
	}
	p.timers.CancelAll(true)
	p.pair.deleteAll()
	p.logger.Info("peer stopped", slog.String("reason", reason))
}

// -------------------------------------------------------------------------
// Transition Dispatch
// -------------------------------------------------------------------------

// handleEvent is the transition table entry point. Events without a
// defined (state, event) row fall through to a logged no-op: the FSM stays
// put and performs no externally visible side effect.
func (p *Peer) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case EvStart:
		p.onStart()
	case EvStop:
		p.onStop()
	case evClear:
		p.onClear()
	case evShutdown:
		// Wake-up only; the run loop already acted on the deleted flag.
	case evTimerExpired:
		p.onTimerExpired(ev.id)
	case EvConnected:
		p.onConnected(ev.Session)
	case EvConnectFail:
		p.onConnectFail(ev.Session, ev.Err)
	case EvPassiveOpen:
		p.onPassiveOpen(ev.Session)
	case EvClosed:
		p.onClosed(ev.Session)
	case EvOpen:
		p.onOpen(ev.Session, ev.Open)
	case EvKeepalive:
		p.onKeepalive(ev.Session)
	case EvUpdate:
		p.onUpdate(ev.Session, ev.Update)
	case EvNotification:
		p.onNotification(ev.Notification)
	case EvMessageError:
		p.onMessageError(ev)
	default:
		p.ignore(ev.Name())
	}
}

// ignore logs an event with no transition defined for the current state.
func (p *Peer) ignore(name string) {
	p.logger.Debug("event ignored in current state",
		slog.String("event", name),
		slog.String("state", p.State().String()),
	)
}

// -------------------------------------------------------------------------
// Administrative events
// -------------------------------------------------------------------------

func (p *Peer) onStart() {
	p.adminDown.Store(false)

	if p.State() != StateIdle {
		p.ignore("Start")
		return
	}

	if p.idleHoldTime > 0 {
		p.timers.Start(timerIdleHold, Jitter(p.idleHoldTime))
		return
	}
	p.startConnection()
}

func (p *Peer) onStop() {
	p.adminDown.Store(true)

	st := p.State()
	if st == StateIdle {
		p.timers.Cancel(timerIdleHold)
		return
	}

	// RFC 4271 Section 6.7: Cease with "administrative shutdown".
	p.sendNotificationOnAssigned(
		uint8(packet.BGP_ERROR_CEASE),
		uint8(packet.BGP_ERROR_SUB_ADMINISTRATIVE_SHUTDOWN),
		nil, "administratively down",
	)
	p.idleHoldTime = 0
	p.toIdle(false, "administratively down")
}

func (p *Peer) onClear() {
	if p.State() != StateIdle {
		p.sendNotificationOnAssigned(
			uint8(packet.BGP_ERROR_CEASE),
			uint8(packet.BGP_ERROR_SUB_ADMINISTRATIVE_RESET),
			nil, "administrative reset",
		)
	}
	p.idleHoldTime = 0
	p.attempts.Store(0)
	p.diag.reset()
	p.toIdle(false, "administrative reset")
	if !p.adminDown.Load() {
		p.startConnection()
	}
}

// -------------------------------------------------------------------------
// Timer events
// -------------------------------------------------------------------------

func (p *Peer) onTimerExpired(id timerID) {
	switch id {
	case timerConnect:
		p.onConnectTimer()
	case timerOpen:
		p.onOpenTimer()
	case timerHold:
		p.onHoldTimer()
	case timerIdleHold:
		p.onIdleHoldTimer()
	case timerKeepalive:
		p.onKeepaliveTimer()
	default:
		p.ignore("TimerExpired")
	}
}

func (p *Peer) onConnectTimer() {
	switch p.State() {
	case StateConnect:
		// The outbound attempt did not produce a session in time.
		p.toIdle(true, "connect timer expired")
	case StateActive:
		// Retry the outbound connect while continuing to listen.
		p.startActiveConnect()
	default:
		p.ignore("ConnectTimerExpired")
	}
}

func (p *Peer) onOpenTimer() {
	if p.State() != StateOpenSent {
		p.ignore("OpenTimerExpired")
		return
	}
	p.sendNotificationOnAssigned(
		uint8(packet.BGP_ERROR_HOLD_TIMER_EXPIRED),
		uint8(packet.BGP_ERROR_SUB_HOLD_TIMER_EXPIRED),
		nil, "open timer expired",
	)
	p.toIdle(true, "open timer expired")
}

func (p *Peer) onHoldTimer() {
	switch p.State() {
	case StateOpenSent, StateOpenConfirm, StateEstablished:
		p.sendNotificationOnAssigned(
			uint8(packet.BGP_ERROR_HOLD_TIMER_EXPIRED),
			uint8(packet.BGP_ERROR_SUB_HOLD_TIMER_EXPIRED),
			nil, "hold timer expired",
		)
		p.toIdle(true, "hold timer expired")
	default:
		p.ignore("HoldTimerExpired")
	}
}

func (p *Peer) onIdleHoldTimer() {
	if p.State() != StateIdle || p.adminDown.Load() {
		p.ignore("IdleHoldTimerExpired")
		return
	}
	p.startConnection()
}

func (p *Peer) onKeepaliveTimer() {
	switch p.State() {
	case StateOpenConfirm, StateEstablished:
		if s := p.pair.assigned(); s != nil {
			p.sendMessage(s, newKeepaliveMessage())
		}
		p.startKeepaliveTimer()
	default:
		p.ignore("KeepaliveTimerExpired")
	}
}

// -------------------------------------------------------------------------
// Transport events
// -------------------------------------------------------------------------

func (p *Peer) onConnected(s Session) {
	switch p.State() {
	case StateConnect, StateActive:
		p.pair.assign(s, RoleActive)
		p.maybeResolveCollision()
		if p.State() == StateIdle {
			// Collision tie closed everything.
			return
		}
		if !p.pair.owns(s) {
			// Collision kept the passive side; nothing more to do here.
			return
		}
		p.enterOpenSent(s)
	default:
		// Stale success for an attempt the FSM no longer cares about.
		p.pair.deleteSession(s)
		p.ignore("TcpConnected")
	}
}

func (p *Peer) onConnectFail(s Session, err error) {
	p.pair.deleteSession(s)

	if p.State() != StateConnect {
		p.ignore("TcpConnectFail")
		return
	}

	reason := "connection failed"
	if err != nil {
		reason = "connection failed: " + err.Error()
	}
	p.toIdle(true, reason)
}

func (p *Peer) onPassiveOpen(s Session) {
	if p.adminDown.Load() {
		s.Close()
		return
	}

	switch p.State() {
	case StateIdle, StateEstablished:
		// Not ready for a new connection (Idle), or already done with
		// session selection (Established). Refuse.
		s.Close()

	case StateActive, StateConnect, StateOpenSent, StateOpenConfirm:
		if p.pair.passive != nil {
			// One passive candidate at a time.
			s.Close()
			return
		}
		p.pair.assign(s, RolePassive)
		p.maybeResolveCollision()
		if p.State() == StateIdle {
			return
		}
		if !p.pair.owns(s) {
			return
		}
		// The passive session proceeds exactly like an established
		// outbound connect: Open goes out and OpenSent begins (or
		// continues, during an unresolved collision window).
		p.sendMessage(s, p.openMessage())
		if st := p.State(); st == StateActive || st == StateConnect {
			p.timers.Cancel(timerConnect)
			p.timers.Start(timerOpen, p.cfg.OpenTime)
			p.setState(StateOpenSent, "passive connection")
		}
	}
}

func (p *Peer) onClosed(s Session) {
	p.pair.deleteSession(s)

	if p.State() == StateIdle {
		return
	}

	// During the collision window losing one candidate is not fatal:
	// the other session carries on in the same state.
	if p.pair.assigned() != nil {
		p.logger.Debug("collision candidate closed, continuing on survivor",
			slog.Uint64("session_id", uint64(s.ID())),
		)
		return
	}

	if p.State() == StateActive {
		// Still just listening; nothing was torn down that matters.
		return
	}

	p.toIdle(true, "connection closed")
}

// -------------------------------------------------------------------------
// Message events
// -------------------------------------------------------------------------

func (p *Peer) onOpen(s Session, open *packet.BGPOpen) {
	p.learnedRemoteID = openIdentifier(open)
	p.learnedRemoteAS = openPeerAS(open)

	// The Open may be what finally decides a pending collision.
	p.maybeResolveCollision()
	if p.State() == StateIdle {
		return
	}
	if !p.pair.owns(s) {
		// The Open arrived on the losing candidate.
		return
	}

	switch p.State() {
	case StateOpenSent:
		p.processOpen(s, open)
	case StateOpenConfirm, StateEstablished:
		// Duplicate Open on a negotiated session is an FSM error
		// (RFC 4271 Section 6.6).
		p.fsmError(s)
	default:
		p.ignore("BgpOpen")
	}
}

// processOpen validates the peer's Open and advances to OpenConfirm.
func (p *Peer) processOpen(s Session, open *packet.BGPOpen) {
	if oerr := validateOpen(open, p.cfg.RemoteAS, p.localID); oerr != nil {
		p.sendNotification(s,
			uint8(packet.BGP_ERROR_OPEN_MESSAGE_ERROR), oerr.Subcode,
			nil, oerr.Reason,
		)
		p.toIdle(true, oerr.Reason)
		return
	}

	p.timers.Cancel(timerOpen)

	p.holdTime = negotiateHoldTime(p.cfg.HoldTime, open.HoldTime)
	if p.holdTime > 0 {
		p.timers.Start(timerHold, p.holdTime)
	} else {
		p.timers.Cancel(timerHold)
	}
	p.startKeepaliveTimer()

	p.sendMessage(s, newKeepaliveMessage())
	p.setState(StateOpenConfirm, "open received")
}

func (p *Peer) onKeepalive(s Session) {
	switch p.State() {
	case StateOpenConfirm:
		p.restartHoldTimer()
		p.setState(StateEstablished, "keepalive received")
		// A successful establishment resets the failure bookkeeping.
		p.idleHoldTime = 0
		p.attempts.Store(0)
	case StateEstablished:
		p.restartHoldTimer()
	case StateOpenSent:
		// Keepalive before Open is an FSM error (RFC 4271 Section 6.6).
		p.fsmError(s)
	default:
		p.ignore("BgpKeepalive")
	}
}

func (p *Peer) onUpdate(s Session, update *packet.BGPUpdate) {
	switch p.State() {
	case StateEstablished:
		p.restartHoldTimer()
		p.updatesRecv.Add(1)
		if p.updateHandler != nil {
			p.updateHandler(p.cfg.Addr, update)
		}
	case StateOpenSent, StateOpenConfirm:
		p.fsmError(s)
	default:
		p.ignore("BgpUpdate")
	}
}

func (p *Peer) onNotification(notif *packet.BGPNotification) {
	if p.State() == StateIdle {
		p.ignore("BgpNotification")
		return
	}

	reason := notificationReason(notif.ErrorCode, notif.ErrorSubcode)
	p.diag.recordNotificationIn(notif.ErrorCode, notif.ErrorSubcode, reason)
	p.toIdle(true, "notification received: "+reason)
}

func (p *Peer) onMessageError(ev EvMessageError) {
	if p.State() == StateIdle {
		p.ignore("BgpMessageError")
		return
	}

	p.sendNotification(ev.Session, ev.Code, ev.Subcode, ev.Data, ev.Reason)
	p.toIdle(true, "message parse error: "+ev.Reason)
}

// fsmError sends an FSM-error Notification for a message arriving in a
// state where RFC 4271 defines an error path, and recovers through Idle.
func (p *Peer) fsmError(s Session) {
	subcode := uint8(0)
	switch p.State() {
	case StateOpenSent:
		subcode = uint8(packet.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENSENT_STATE)
	case StateOpenConfirm:
		subcode = uint8(packet.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENCONFIRM_STATE)
	case StateEstablished:
		subcode = uint8(packet.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_ESTABLISHED_STATE)
	}
	p.sendNotification(s,
		uint8(packet.BGP_ERROR_FSM_ERROR), subcode,
		nil, "unexpected message for state "+p.State().String(),
	)
	p.toIdle(true, "fsm error")
}

// -------------------------------------------------------------------------
// Connection lifecycle helpers
// -------------------------------------------------------------------------

// startConnection leaves Idle: passive peers wait in Active, everyone else
// dials out in Connect. The connect-retry timer is (re)armed either way so
// a silent attempt cannot wedge the FSM.
func (p *Peer) startConnection() {
	if p.cfg.Passive {
		p.setState(StateActive, "start (passive)")
		return
	}
	p.startActiveConnect()
}

// startActiveConnect arms the connect timer and begins an outbound dial.
func (p *Peer) startActiveConnect() {
	p.timers.Start(timerConnect, Jitter(p.cfg.ConnectRetry))
	p.pair.dialing = p.dialer.Dial(p.runCtx, p.cfg.Addr, p)
	p.setState(StateConnect, "connecting")
}

// enterOpenSent sends our Open on the session and starts the open timer.
func (p *Peer) enterOpenSent(s Session) {
	p.timers.Cancel(timerConnect)
	p.sendMessage(s, p.openMessage())
	p.timers.Start(timerOpen, p.cfg.OpenTime)
	p.setState(StateOpenSent, "connection established")
}

// maybeResolveCollision applies the tie-break as soon as both candidate
// sessions are live and a remote identifier is known (configured, or
// learned from an Open). With no identifier available yet, resolution is
// deferred until the first Open arrives.
func (p *Peer) maybeResolveCollision() {
	if !p.pair.both() {
		return
	}

	remoteID := p.learnedRemoteID
	if remoteID == 0 {
		remoteID = p.cfg.RemoteID
	}
	if remoteID == 0 {
		return
	}

	outcome := ResolveCollision(p.localID, remoteID)
	p.logger.Info("connection collision resolved",
		slog.String("outcome", outcome.String()),
		slog.Uint64("local_id", uint64(p.localID)),
		slog.Uint64("remote_id", uint64(remoteID)),
	)

	switch outcome {
	case KeepActive:
		p.closeWithCease(p.pair.passive, "collision: passive session closed")
	case KeepPassive:
		p.closeWithCease(p.pair.active, "collision: active session closed")
	case CloseBoth:
		// Identical identifiers on both sides: misconfiguration with no
		// deterministic winner. Close everything and back off.
		p.closeWithCease(p.pair.active, "collision tie: identical identifiers")
		p.closeWithCease(p.pair.passive, "collision tie: identical identifiers")
		p.toIdle(true, "collision tie: identical identifiers")
	}
}

// closeWithCease sends a Cease (connection collision resolution) on the
// session and deletes it from the pair.
func (p *Peer) closeWithCease(s Session, reason string) {
	if s == nil {
		return
	}
	p.sendNotification(s,
		uint8(packet.BGP_ERROR_CEASE),
		uint8(packet.BGP_ERROR_SUB_CONNECTION_COLLISION_RESOLUTION),
		nil, reason,
	)
	p.pair.deleteSession(s)
}

// toIdle is the universal recovery path. viaFailure drives the backoff
// bookkeeping: the connect-attempt counter increments and the idle-hold
// time doubles (floor MinIdleHoldTime, cap MaxIdleHoldTime). Fresh
// administrative entries to Idle skip both. The idle-hold timer is armed
// unless the peer is administratively down or being deleted.
func (p *Peer) toIdle(viaFailure bool, reason string) {
	if p.State() == StateEstablished {
		p.diag.flaps++
	}

	p.pair.deleteAll()
	p.timers.Cancel(timerConnect)
	p.timers.Cancel(timerOpen)
	p.timers.Cancel(timerHold)
	p.timers.Cancel(timerKeepalive)
	p.timers.Cancel(timerIdleHold)

	p.learnedRemoteID = 0
	p.learnedRemoteAS = 0
	p.holdTime = p.cfg.HoldTime

	if viaFailure && !p.adminDown.Load() {
		p.attempts.Add(1)
		p.metrics.IncConnectAttempt(p.cfg.Addr.String())
		p.bumpIdleHold()
	}

	p.setState(StateIdle, reason)

	if p.adminDown.Load() || p.deleted.Load() {
		return
	}
	if p.idleHoldTime > 0 {
		p.timers.Start(timerIdleHold, Jitter(p.idleHoldTime))
	}
}

// bumpIdleHold doubles the idle-hold backoff from the floor up to the cap.
func (p *Peer) bumpIdleHold() {
	switch {
	case p.idleHoldTime == 0:
		p.idleHoldTime = MinIdleHoldTime
	case p.idleHoldTime*2 > MaxIdleHoldTime:
		p.idleHoldTime = MaxIdleHoldTime
	default:
		p.idleHoldTime *= 2
	}
}

// -------------------------------------------------------------------------
// Timer helpers
// -------------------------------------------------------------------------

func (p *Peer) restartHoldTimer() {
	if p.holdTime > 0 {
		p.timers.Start(timerHold, p.holdTime)
	}
}

// startKeepaliveTimer paces outbound Keepalives at a third of the hold
// time, the conventional KeepaliveTimer derivation. A zero hold time
// disables keepalives along with the hold timer.
func (p *Peer) startKeepaliveTimer() {
	if p.holdTime > 0 {
		p.timers.Start(timerKeepalive, p.holdTime/3)
	}
}

// -------------------------------------------------------------------------
// Message sending
// -------------------------------------------------------------------------

func (p *Peer) openMessage() *packet.BGPMessage {
	return newOpenMessage(p.cfg.LocalAS, p.cfg.HoldTime, p.cfg.RouterID)
}

// sendMessage serializes and sends one message, counting the outcome.
// Send failures are not handled here: the transport reports them as an
// EvClosed, which drives the normal recovery path.
func (p *Peer) sendMessage(s Session, msg *packet.BGPMessage) {
	if err := s.Send(msg); err != nil {
		p.logger.Warn("failed to send message",
			slog.String("type", messageTypeName(msg.Header.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.msgsSent.Add(1)
	p.metrics.IncMessageSent(p.cfg.Addr.String(), messageTypeName(msg.Header.Type))
}

// sendNotification records the outbound notification in diagnostics before
// the session can go away, then sends it.
func (p *Peer) sendNotification(s Session, code, subcode uint8, data []byte, reason string) {
	p.diag.recordNotificationOut(code, subcode, reason)
	if s == nil {
		return
	}
	p.sendMessage(s, newNotificationMessage(code, subcode, data))
}

// sendNotificationOnAssigned sends on the surviving session if one exists.
func (p *Peer) sendNotificationOnAssigned(code, subcode uint8, data []byte, reason string) {
	p.sendNotification(p.pair.assigned(), code, subcode, data, reason)
}

// -------------------------------------------------------------------------
// State transitions
// -------------------------------------------------------------------------

// setState performs the bookkeeping every transition shares: previous
// state, timestamps, diagnostics, metrics, and the state-change fan-out.
func (p *Peer) setState(newState State, reason string) {
	oldState := p.State()
	if oldState == newState {
		return
	}

	p.lastState = oldState
	p.state.Store(uint32(newState))
	p.diag.recordStateChange()

	p.logger.Info("peer state changed",
		slog.String("old_state", oldState.String()),
		slog.String("new_state", newState.String()),
		slog.String("reason", reason),
	)
	p.metrics.RecordStateTransition(p.cfg.Addr.String(),
		oldState.String(), newState.String())
	p.metrics.SetPeerState(p.cfg.Addr.String(), newState)

	if p.notifyCh == nil {
		return
	}
	sc := StateChange{
		PeerAddr:  p.cfg.Addr,
		OldState:  oldState,
		NewState:  newState,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	select {
	case p.notifyCh <- sc:
	default:
		p.logger.Warn("notification channel full, dropping state change")
	}
}

// messageTypeName maps a BGP message type to its metrics/log label.
func messageTypeName(t uint8) string {
	switch t {
	case packet.BGP_MSG_OPEN:
		return "open"
	case packet.BGP_MSG_UPDATE:
		return "update"
	case packet.BGP_MSG_NOTIFICATION:
		return "notification"
	case packet.BGP_MSG_KEEPALIVE:
		return "keepalive"
	case packet.BGP_MSG_ROUTE_REFRESH:
		return "route_refresh"
	default:
		return "unknown"
	}
}

// notificationReason renders a received code/subcode pair for diagnostics.
func notificationReason(code, subcode uint8) string {
	var name string
	switch int(code) {
	case packet.BGP_ERROR_MESSAGE_HEADER_ERROR:
		name = "message header error"
	case packet.BGP_ERROR_OPEN_MESSAGE_ERROR:
		name = "open message error"
	case packet.BGP_ERROR_UPDATE_MESSAGE_ERROR:
		name = "update message error"
	case packet.BGP_ERROR_HOLD_TIMER_EXPIRED:
		name = "hold timer expired"
	case packet.BGP_ERROR_FSM_ERROR:
		name = "fsm error"
	case packet.BGP_ERROR_CEASE:
		name = "cease"
	default:
		name = "unknown"
	}
	if subcode == 0 {
		return name
	}
	return name + " (subcode " + strconv.Itoa(int(subcode)) + ")"
}
