package bgp

import (
	"context"
	"net/netip"

	packet "github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// Session is the state machine's view of one TCP connection to the peer.
// The concrete implementation lives in internal/netio; tests use fakes.
//
// Send and Close never block the peer goroutine for long: the netio
// implementation writes with a deadline and reports failures back as
// EvClosed rather than through the Send error where possible.
type Session interface {
	// ID is the unique nonzero identifier allocated for this session.
	// It keys the session pair's arena and diagnostics; the peer holds
	// sessions only through the pair manager, never by back-pointer webs.
	ID() uint32

	// Send serializes and writes one BGP message on the wire.
	Send(msg *packet.BGPMessage) error

	// Close tears the connection down. Idempotent.
	Close()

	// RemoteAddr is the remote endpoint of the connection.
	RemoteAddr() netip.AddrPort
}

// Dialer starts outbound connection attempts. Dial is asynchronous: it
// returns the pending session handle immediately and the outcome re-enters
// the state machine as an EvConnected or EvConnectFail event carrying the
// same handle. Closing the returned session aborts the attempt.
type Dialer interface {
	Dial(ctx context.Context, remote netip.AddrPort, p *Peer) Session
}
