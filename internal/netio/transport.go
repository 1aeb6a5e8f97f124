package netio

import (
	"errors"
	"time"
)

// -------------------------------------------------------------------------
// BGP Transport Constants — RFC 4271 Section 2, RFC 5082
// -------------------------------------------------------------------------

const (
	// PortBGP is the well-known BGP TCP port (RFC 4271 Section 2).
	PortBGP uint16 = 179

	// ttlGTSM is the TTL for GTSM-protected sessions (RFC 5082: senders
	// use 255, receivers drop anything below the expected floor).
	ttlGTSM uint8 = 255

	// defaultDialTimeout bounds a single outbound connect attempt. Kept
	// below the connect-retry interval so a hung SYN cannot outlive the
	// cycle that started it.
	defaultDialTimeout = 20 * time.Second

	// defaultWriteTimeout bounds a single message write. The state
	// machine goroutine calls Send synchronously; a peer that stopped
	// reading must not wedge it.
	defaultWriteTimeout = 10 * time.Second
)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrConnClosed indicates an operation on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotConnected indicates a Send on a connection whose dial has
	// not completed yet.
	ErrNotConnected = errors.New("connection not established")

	// ErrMessageTooLarge indicates an outbound message exceeding the
	// RFC 4271 Section 4.1 maximum of 4096 octets.
	ErrMessageTooLarge = errors.New("message exceeds maximum length")

	// ErrUnexpectedConnType indicates the listener produced something
	// other than a *net.TCPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type from listener")
)

// Options configures socket-level behavior shared by the dialer and the
// listener.
type Options struct {
	// GTSM enables RFC 5082 protection: outbound TTL 255 and a kernel
	// minimum-TTL filter on received segments. Only meaningful for
	// directly connected peers.
	GTSM bool

	// DialTimeout bounds one outbound connect attempt (default 20s).
	DialTimeout time.Duration

	// WriteTimeout bounds one message write (default 10s).
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout == 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}
