// Package gate serializes access to the shared browser with a bounded
// counting semaphore. The browser is not safely reentrant — concurrent
// navigation or DOM manipulation races corrupt its state — so every driver
// call must hold a Permit, and at most N operations are ever in flight.
package gate

import (
	"errors"
	"sync"
	"time"
)

// ErrCapacity is returned when no slot frees up within the acquire timeout.
// It signals capacity exhaustion, not a request error: callers should report
// it as retryable and back off.
var ErrCapacity = errors.New("gate: at capacity")

// Gate is a counting semaphore with a bounded acquire wait.
type Gate struct {
	slots chan struct{}
}

// New creates a Gate admitting at most n concurrent holders. n is clamped
// to a minimum of 1.
func New(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{slots: make(chan struct{}, n)}
}

// Acquire blocks up to timeout for a free slot. A zero or negative timeout
// means a single non-blocking attempt. On success the returned Permit must
// be released exactly once, on every exit path; on timeout it returns
// ErrCapacity and the caller must not proceed.
func (g *Gate) Acquire(timeout time.Duration) (*Permit, error) {
	if timeout <= 0 {
		select {
		case g.slots <- struct{}{}:
			return &Permit{g: g}, nil
		default:
			return nil, ErrCapacity
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case g.slots <- struct{}{}:
		return &Permit{g: g}, nil
	case <-t.C:
		return nil, ErrCapacity
	}
}

// InUse reports the number of currently held slots.
func (g *Gate) InUse() int {
	return len(g.slots)
}

// Cap reports the concurrency limit.
func (g *Gate) Cap() int {
	return cap(g.slots)
}

// Permit represents the right to run one unit of work inside the gated
// section.
type Permit struct {
	g    *Gate
	once sync.Once
}

// Release returns the slot. Safe to call more than once (a deferred release
// plus an explicit one restores exactly one unit).
func (p *Permit) Release() {
	p.once.Do(func() { <-p.g.slots })
}
