package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"github.com/wolfguard/gobgpd/internal/bgp"
)

// -------------------------------------------------------------------------
// Dialer — outbound connection attempts
// -------------------------------------------------------------------------

// Dialer implements bgp.Dialer over TCP. Dial returns a pending Conn
// immediately; the connect runs in the background and its outcome
// re-enters the state machine as EvConnected or EvConnectFail.
type Dialer struct {
	ids    *bgp.SessionIDAllocator
	opts   Options
	logger *slog.Logger
}

// NewDialer creates a Dialer sharing the daemon's session id allocator.
func NewDialer(ids *bgp.SessionIDAllocator, opts Options, logger *slog.Logger) *Dialer {
	return &Dialer{
		ids:    ids,
		opts:   opts.withDefaults(),
		logger: logger.With(slog.String("component", "netio.dialer")),
	}
}

// Dial starts an outbound connect to the peer. The returned session handle
// is pending: Send fails until the connect completes, and Close aborts the
// attempt.
func (d *Dialer) Dial(ctx context.Context, remote netip.AddrPort, p *bgp.Peer) bgp.Session {
	id, err := d.ids.Allocate()
	if err != nil {
		// Out of session ids: report through the normal failure path so
		// the peer backs off instead of wedging.
		c := newConn(0, nil, remote, p, d.ids, d.opts.WriteTimeout, d.logger)
		p.Enqueue(bgp.EvConnectFail{Session: c, Err: err})
		return c
	}

	c := newConn(id, nil, remote, p, d.ids, d.opts.WriteTimeout, d.logger)

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	c.cancelDial = cancel

	go d.dial(dialCtx, cancel, c, remote, p)

	return c
}

func (d *Dialer) dial(
	ctx context.Context,
	cancel context.CancelFunc,
	c *Conn,
	remote netip.AddrPort,
	p *bgp.Peer,
) {
	defer cancel()

	nd := net.Dialer{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return configureSocket(rc, d.opts.GTSM)
		},
	}

	nc, err := nd.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		c.Close()
		p.Enqueue(bgp.EvConnectFail{
			Session: c,
			Err:     fmt.Errorf("dial %s: %w", remote, err),
		})
		return
	}

	if !c.connected(nc) {
		// The state machine abandoned the attempt while the handshake
		// was in flight.
		if closeErr := nc.Close(); closeErr != nil {
			d.logger.Debug("close abandoned connection",
				slog.String("error", closeErr.Error()))
		}
		return
	}

	c.startReader()
	p.Enqueue(bgp.EvConnected{Session: c})
}
