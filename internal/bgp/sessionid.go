package bgp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// maxAllocAttempts is the maximum number of random generation attempts
// before returning ErrSessionIDExhausted. With a 32-bit random space and a
// handful of live connections per daemon, collisions are astronomically
// unlikely; the limit is a safety net against degenerate states.
const maxAllocAttempts = 100

// ErrSessionIDExhausted indicates that the allocator could not generate a
// unique nonzero session id after the maximum number of attempts.
var ErrSessionIDExhausted = errors.New("session id allocator exhausted")

// SessionIDAllocator generates unique, nonzero, random ids for transport
// sessions. Zero is reserved as "no session" in diagnostics, so it is
// never returned. Thread-safe via sync.Mutex: ids are allocated from the
// listener and dialer goroutines concurrently.
type SessionIDAllocator struct {
	mu        sync.Mutex
	allocated map[uint32]struct{}
}

// NewSessionIDAllocator creates an allocator with an empty allocation set.
func NewSessionIDAllocator() *SessionIDAllocator {
	return &SessionIDAllocator{
		allocated: make(map[uint32]struct{}),
	}
}

// Allocate generates a unique, nonzero, random session id.
func (a *SessionIDAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [4]byte

	for range maxAllocAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate random session id: %w", err)
		}

		id := binary.BigEndian.Uint32(buf[:])

		if id == 0 {
			continue
		}

		if _, exists := a.allocated[id]; exists {
			continue
		}

		a.allocated[id] = struct{}{}

		return id, nil
	}

	return 0, fmt.Errorf("allocate session id after %d attempts: %w",
		maxAllocAttempts, ErrSessionIDExhausted)
}

// Release removes a previously allocated id from the allocation set. Called
// during session teardown to prevent id leaks. Releasing an id that was not
// allocated is a no-op.
func (a *SessionIDAllocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, id)
}

// IsAllocated reports whether an id is currently allocated.
func (a *SessionIDAllocator) IsAllocated(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, exists := a.allocated[id]
	return exists
}
