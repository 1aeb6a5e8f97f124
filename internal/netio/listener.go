package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"github.com/wolfguard/gobgpd/internal/bgp"
)

// -------------------------------------------------------------------------
// Listener — inbound BGP connections
// -------------------------------------------------------------------------

// ListenerConfig holds configuration for the BGP listener.
type ListenerConfig struct {
	// Addr is the local address to bind to. An invalid (zero) address
	// binds the wildcard.
	Addr netip.Addr

	// Port is the TCP listen port (default 179).
	Port uint16

	// Options carries the socket-level settings (GTSM, timeouts).
	Options Options
}

// Listener accepts inbound connections and hands them to the peer
// configured for the remote address. Connections from unknown addresses
// are refused at accept time.
type Listener struct {
	ln      *net.TCPListener
	manager *bgp.Manager
	opts    Options
	logger  *slog.Logger
}

// NewListener binds the BGP listen socket.
func NewListener(cfg ListenerConfig, manager *bgp.Manager, logger *slog.Logger) (*Listener, error) {
	port := cfg.Port
	if port == 0 {
		port = PortBGP
	}

	var host string
	if cfg.Addr.IsValid() {
		host = cfg.Addr.String()
	}
	laddr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return configureSocket(rc, cfg.Options.GTSM)
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", laddr, err)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		closeErr := ln.Close()
		return nil, errors.Join(
			fmt.Errorf("listen on %s: %w", laddr, ErrUnexpectedConnType),
			closeErr,
		)
	}

	return &Listener{
		ln:      tcpLn,
		manager: manager,
		opts:    cfg.Options.withDefaults(),
		logger:  logger.With(slog.String("component", "netio.listener")),
	}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Run accepts connections until ctx is cancelled or the listener breaks.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := l.ln.Close(); err != nil {
			l.logger.Debug("close listener", slog.String("error", err.Error()))
		}
	}()

	l.logger.Info("listening for BGP connections",
		slog.String("addr", l.ln.Addr().String()),
	)

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		l.handleAccept(nc)
	}
}

// handleAccept routes a new connection to the owning peer's state machine.
func (l *Listener) handleAccept(nc net.Conn) {
	remote, err := remoteAddrPort(nc)
	if err != nil {
		l.logger.Warn("refusing connection with unusable remote address",
			slog.String("error", err.Error()),
		)
		_ = nc.Close()
		return
	}

	p, ok := l.manager.LookupPeer(remote.Addr())
	if !ok {
		l.logger.Debug("refusing connection from unconfigured peer",
			slog.String("remote", remote.String()),
		)
		_ = nc.Close()
		return
	}

	id, err := l.manager.SessionIDs().Allocate()
	if err != nil {
		l.logger.Warn("refusing connection, no session ids",
			slog.String("remote", remote.String()),
		)
		_ = nc.Close()
		return
	}

	c := newConn(id, nc, remote, p, l.manager.SessionIDs(), l.opts.WriteTimeout, l.logger)
	c.startReader()

	// Re-routed through the manager: the peer may have been removed
	// between the lookup above and now, in which case the connection is
	// closed rather than handed to a dead state machine.
	if err := l.manager.DispatchInbound(c); err != nil {
		l.logger.Debug("inbound connection refused",
			slog.String("remote", remote.String()),
			slog.String("error", err.Error()),
		)
	}
}

// remoteAddrPort extracts the remote endpoint as a netip.AddrPort.
func remoteAddrPort(nc net.Conn) (netip.AddrPort, error) {
	tcpAddr, ok := nc.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("remote address %v: %w",
			nc.RemoteAddr(), ErrUnexpectedConnType)
	}
	return tcpAddr.AddrPort(), nil
}
