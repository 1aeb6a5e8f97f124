package bgpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfguard/gobgpd/internal/bgp"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gobgpd"
	subsystem = "bgp"
)

// Label names for BGP metrics.
const (
	labelPeerAddr    = "peer_addr"
	labelMessageType = "message_type"
	labelFromState   = "from_state"
	labelToState     = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus BGP Metrics
// -------------------------------------------------------------------------

// Collector holds all BGP Prometheus metrics and implements bgp.Reporter.
//
// Metrics are designed for production monitoring:
//   - Peer gauges track configured peers and their current FSM state.
//   - Message counters track sent/received volumes per peer and type.
//   - State transition counters record FSM changes for flap alerting.
//   - Queue drop and connect attempt counters flag overload and churn.
type Collector struct {
	// Peers tracks the number of currently configured BGP peers.
	// Incremented on peer creation, decremented on peer removal.
	Peers prometheus.Gauge

	// PeerState reports a peer's current FSM state as a numeric gauge
	// (0=Idle .. 5=Established). One series per peer.
	PeerState *prometheus.GaugeVec

	// MessagesSent counts BGP messages transmitted per peer and type.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts BGP messages received per peer and type.
	MessagesReceived *prometheus.CounterVec

	// StateTransitions counts FSM state transitions. Each counter is
	// labeled with the old state and new state for precise alerting
	// (e.g., Established->Idle).
	StateTransitions *prometheus.CounterVec

	// QueueDrops counts peer events discarded because the event queue
	// was full.
	QueueDrops *prometheus.CounterVec

	// ConnectAttempts counts session establishment attempts per peer.
	ConnectAttempts *prometheus.CounterVec
}

// Collector implements the FSM's reporting interface.
var _ bgp.Reporter = (*Collector)(nil)

// NewCollector creates a Collector with all BGP metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gobgpd_bgp_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Peers,
		c.PeerState,
		c.MessagesSent,
		c.MessagesReceived,
		c.StateTransitions,
		c.QueueDrops,
		c.ConnectAttempts,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	peerLabels := []string{labelPeerAddr}
	messageLabels := []string{labelPeerAddr, labelMessageType}
	transitionLabels := []string{labelPeerAddr, labelFromState, labelToState}

	return &Collector{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of currently configured BGP peers.",
		}),

		PeerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_state",
			Help:      "Current FSM state per peer (0=Idle, 1=Active, 2=Connect, 3=OpenSent, 4=OpenConfirm, 5=Established).",
		}, peerLabels),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total BGP messages transmitted.",
		}, messageLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total BGP messages received.",
		}, messageLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total BGP peer FSM state transitions.",
		}, transitionLabels),

		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_drops_total",
			Help:      "Total peer events discarded due to a full event queue.",
		}, peerLabels),

		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connect_attempts_total",
			Help:      "Total session establishment attempts.",
		}, peerLabels),
	}
}

// -------------------------------------------------------------------------
// Peer Lifecycle
// -------------------------------------------------------------------------

// RegisterPeer increments the configured peers gauge and initializes the
// peer's state series. Called when a new peer is created by the Manager.
func (c *Collector) RegisterPeer(peer string) {
	c.Peers.Inc()
	c.PeerState.WithLabelValues(peer).Set(float64(bgp.StateIdle))
}

// UnregisterPeer decrements the configured peers gauge and drops the
// peer's state series. Called when a peer is removed by the Manager.
func (c *Collector) UnregisterPeer(peer string) {
	c.Peers.Dec()
	c.PeerState.DeletePartialMatch(prometheus.Labels{labelPeerAddr: peer})
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessageSent increments the transmitted messages counter for the
// given peer and message type.
func (c *Collector) IncMessageSent(peer, msgType string) {
	c.MessagesSent.WithLabelValues(peer, msgType).Inc()
}

// IncMessageReceived increments the received messages counter for the
// given peer and message type.
func (c *Collector) IncMessageReceived(peer, msgType string) {
	c.MessagesReceived.WithLabelValues(peer, msgType).Inc()
}

// IncQueueDrop increments the dropped events counter for the given peer.
// Called when the peer's event queue overflows.
func (c *Collector) IncQueueDrop(peer string) {
	c.QueueDrops.WithLabelValues(peer).Inc()
}

// IncConnectAttempt increments the establishment attempts counter for
// the given peer.
func (c *Collector) IncConnectAttempt(peer string) {
	c.ConnectAttempts.WithLabelValues(peer).Inc()
}

// -------------------------------------------------------------------------
// State Tracking
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on session flaps (e.g.,
// Established->Idle transitions).
func (c *Collector) RecordStateTransition(peer, from, to string) {
	c.StateTransitions.WithLabelValues(peer, from, to).Inc()
}

// SetPeerState updates the peer's numeric state gauge.
func (c *Collector) SetPeerState(peer string, state bgp.State) {
	c.PeerState.WithLabelValues(peer).Set(float64(state))
}
