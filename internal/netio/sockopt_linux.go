//go:build linux

package netio

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureSocket applies BGP socket options via the Control callback.
//
// Options set:
//   - SO_REUSEADDR: fast rebinding of the listen port after restart
//   - With GTSM (RFC 5082): IP_TTL = 255 on transmit and IP_MINTTL = 255
//     so the kernel drops segments that crossed a router
func configureSocket(rc syscall.RawConn, gtsm bool) error {
	var sockErr error

	err := rc.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		sockErr = applySockOpts(int(fd), gtsm)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

// applySockOpts sets individual socket options on the file descriptor.
func applySockOpts(fd int, gtsm bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	if !gtsm {
		return nil
	}

	// RFC 5082 Section 3: GTSM senders use TTL 255 and receivers check
	// it. IP_MINTTL makes the kernel enforce the receive side.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, int(ttlGTSM)); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MINTTL, int(ttlGTSM)); err != nil {
		return fmt.Errorf("set IP_MINTTL: %w", err)
	}

	return nil
}
