package bgp

// Reporter receives counter updates from the state machine. The concrete
// Prometheus implementation lives in internal/metrics; the bgp package
// depends only on this interface so that tests and metric-less deployments
// pay nothing. Peer and Manager fields of this type are never nil: the
// zero configuration installs noopMetrics.
type Reporter interface {
	// RegisterPeer makes the peer's series visible with zero values.
	RegisterPeer(peer string)

	// UnregisterPeer drops the peer's series after removal.
	UnregisterPeer(peer string)

	// RecordStateTransition counts one FSM transition for the peer.
	RecordStateTransition(peer, from, to string)

	// IncMessageSent counts one transmitted message of the given type.
	IncMessageSent(peer, msgType string)

	// IncMessageReceived counts one received message of the given type.
	IncMessageReceived(peer, msgType string)

	// IncQueueDrop counts one event discarded by queue overflow.
	IncQueueDrop(peer string)

	// IncConnectAttempt counts one failed connect cycle.
	IncConnectAttempt(peer string)

	// SetPeerState publishes the peer's current state as a gauge value.
	SetPeerState(peer string, state State)
}

// noopMetrics is the default Reporter.
type noopMetrics struct{}

func (noopMetrics) RegisterPeer(string)                          {}
func (noopMetrics) UnregisterPeer(string)                        {}
func (noopMetrics) RecordStateTransition(string, string, string) {}
func (noopMetrics) IncMessageSent(string, string)                {}
func (noopMetrics) IncMessageReceived(string, string)            {}
func (noopMetrics) IncQueueDrop(string)                          {}
func (noopMetrics) IncConnectAttempt(string)                     {}
func (noopMetrics) SetPeerState(string, State)                   {}
