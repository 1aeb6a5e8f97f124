package netio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	packet "github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/wolfguard/gobgpd/internal/bgp"
)

// EventSink receives the transport's events and counters. Satisfied by
// *bgp.Peer; tests substitute recorders.
type EventSink interface {
	Enqueue(ev bgp.Event)
	MessageReceived(msgType uint8)
}

// -------------------------------------------------------------------------
// Conn — one TCP connection to a peer
// -------------------------------------------------------------------------

// Conn implements bgp.Session over a TCP connection. A Conn is created in
// one of two ways: accepted by the Listener (connected immediately), or
// handed out by the Dialer as a pending handle whose connect completes in
// the background.
//
// The reader goroutine owns all reads: it frames messages per RFC 4271
// Section 4.1, parses them with the gobgp codec, and enqueues the
// corresponding events. It never touches FSM state directly.
type Conn struct {
	id           uint32
	sink         EventSink
	ids          *bgp.SessionIDAllocator
	remote       netip.AddrPort
	writeTimeout time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	nc         net.Conn
	closed     bool
	cancelDial context.CancelFunc
}

// newConn wires a Conn around an already-established transport connection
// (nc non-nil) or a pending dial (nc nil, completed via connected).
func newConn(
	id uint32,
	nc net.Conn,
	remote netip.AddrPort,
	sink EventSink,
	ids *bgp.SessionIDAllocator,
	writeTimeout time.Duration,
	logger *slog.Logger,
) *Conn {
	return &Conn{
		id:           id,
		nc:           nc,
		remote:       remote,
		sink:         sink,
		ids:          ids,
		writeTimeout: writeTimeout,
		logger: logger.With(
			slog.Uint64("session_id", uint64(id)),
			slog.String("remote", remote.String()),
		),
	}
}

// ID returns the allocated session identifier.
func (c *Conn) ID() uint32 { return c.id }

// RemoteAddr returns the remote endpoint.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

// Send serializes and writes one BGP message with a write deadline.
func (c *Conn) Send(msg *packet.BGPMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("send to %s: %w", c.remote, ErrConnClosed)
	}
	if c.nc == nil {
		return fmt.Errorf("send to %s: %w", c.remote, ErrNotConnected)
	}

	wire, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("serialize message for %s: %w", c.remote, err)
	}
	if len(wire) > packet.BGP_MAX_MESSAGE_LENGTH {
		return fmt.Errorf("message of %d octets for %s: %w",
			len(wire), c.remote, ErrMessageTooLarge)
	}

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline for %s: %w", c.remote, err)
	}
	if _, err := c.nc.Write(wire); err != nil {
		return fmt.Errorf("write message to %s: %w", c.remote, err)
	}

	return nil
}

// Close tears the connection down and releases its session id.
// Idempotent: the state machine and the reader may both close.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.cancelDial != nil {
		c.cancelDial()
	}
	if c.nc != nil {
		if err := c.nc.Close(); err != nil {
			c.logger.Debug("close connection", slog.String("error", err.Error()))
		}
	}

	c.ids.Release(c.id)
}

// connected installs the transport connection after a successful dial and
// reports whether the Conn was still open to take it.
func (c *Conn) connected(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.nc = nc
	c.cancelDial = nil
	return true
}

// startReader launches the framing reader for an established connection.
func (c *Conn) startReader() {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()

	if nc == nil {
		return
	}
	go c.readLoop(nc)
}

// readLoop frames and parses inbound messages until the connection dies.
// Every exit path ends with an EvClosed; the dequeue-time ownership check
// makes it a no-op when the state machine already dropped this session.
func (c *Conn) readLoop(nc net.Conn) {
	defer c.sink.Enqueue(bgp.EvClosed{Session: c})

	hdr := make([]byte, packet.BGP_HEADER_LENGTH)

	for {
		if _, err := io.ReadFull(nc, hdr); err != nil {
			if err != io.EOF {
				c.logger.Debug("read header", slog.String("error", err.Error()))
			}
			return
		}

		// RFC 4271 Section 4.1: total length covers the header and must
		// be within [19, 4096]. The erroneous length goes back in the
		// Notification data field (Section 6.1).
		msgLen := int(binary.BigEndian.Uint16(hdr[16:18]))
		if msgLen < packet.BGP_HEADER_LENGTH || msgLen > packet.BGP_MAX_MESSAGE_LENGTH {
			c.sink.Enqueue(bgp.EvMessageError{
				Session: c,
				Code:    uint8(packet.BGP_ERROR_MESSAGE_HEADER_ERROR),
				Subcode: uint8(packet.BGP_ERROR_SUB_BAD_MESSAGE_LENGTH),
				Data:    []byte{hdr[16], hdr[17]},
				Reason:  fmt.Sprintf("message length %d out of range", msgLen),
			})
			return
		}

		wire := make([]byte, msgLen)
		copy(wire, hdr)
		if _, err := io.ReadFull(nc, wire[packet.BGP_HEADER_LENGTH:]); err != nil {
			c.logger.Debug("read body", slog.String("error", err.Error()))
			return
		}

		msg, err := packet.ParseBGPMessage(wire)
		if err != nil {
			code, subcode, data, reason := bgp.ClassifyParseError(err)
			c.sink.Enqueue(bgp.EvMessageError{
				Session: c,
				Code:    code,
				Subcode: subcode,
				Data:    data,
				Reason:  reason,
			})
			return
		}

		c.dispatch(msg)
	}
}

// dispatch turns a parsed message into the matching FSM event.
func (c *Conn) dispatch(msg *packet.BGPMessage) {
	c.sink.MessageReceived(msg.Header.Type)

	switch body := msg.Body.(type) {
	case *packet.BGPOpen:
		c.sink.Enqueue(bgp.EvOpen{Session: c, Open: body})
	case *packet.BGPKeepAlive:
		c.sink.Enqueue(bgp.EvKeepalive{Session: c})
	case *packet.BGPUpdate:
		c.sink.Enqueue(bgp.EvUpdate{Session: c, Update: body})
	case *packet.BGPNotification:
		c.sink.Enqueue(bgp.EvNotification{Session: c, Notification: body})
	default:
		// Parseable but irrelevant here (route refresh): counted, dropped.
		c.logger.Debug("ignoring message",
			slog.Uint64("type", uint64(msg.Header.Type)))
	}
}
