// Package pool provides a bounded permit pool that caps the number of
// simultaneously in-flight requests during a run.
package pool

import "context"

// Permits is a counting permit pool. Acquire blocks until a slot is free;
// Release returns exactly one slot. Release must be called exactly once per
// successful Acquire, including on failure paths.
type Permits struct {
	slots chan struct{}
}

// NewPermits creates a pool with the given ceiling. A ceiling below 1 is
// raised to 1.
func NewPermits(ceiling int) *Permits {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Permits{slots: make(chan struct{}, ceiling)}
}

// Acquire blocks until a permit is available or the context is cancelled.
// Waiting for a permit is a suspension, not an error; the only error return
// is context cancellation.
func (p *Permits) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one permit. Calling Release without a matching Acquire
// panics, which surfaces double-release bugs immediately.
func (p *Permits) Release() {
	select {
	case <-p.slots:
	default:
		panic("pool: release without matching acquire")
	}
}

// InFlight reports the number of currently held permits.
func (p *Permits) InFlight() int {
	return len(p.slots)
}

// Ceiling reports the configured maximum number of permits.
func (p *Permits) Ceiling() int {
	return cap(p.slots)
}
