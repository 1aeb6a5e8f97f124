//go:build !linux

package netio

import (
	"errors"
	"syscall"
)

// ErrGTSMUnsupported indicates that GTSM socket filtering is not available
// on this platform.
var ErrGTSMUnsupported = errors.New("GTSM not supported on this platform")

// configureSocket is a no-op on non-Linux platforms, except that GTSM is
// refused rather than silently skipped: a peer expecting TTL security must
// not come up without it.
func configureSocket(_ syscall.RawConn, gtsm bool) error {
	if gtsm {
		return ErrGTSMUnsupported
	}
	return nil
}
