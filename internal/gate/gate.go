// Package gate implements a process-wide cap on upstream dispatches in
// flight, with FIFO admission ordering and context-bound waiting.
//
// A buffered channel used as a counting semaphore gives FIFO-ordered
// blocked senders for free, since Go's runtime services channel sends in
// the order they started blocking — no external queueing library needed.
package gate

import (
	"context"

	"llmgate/internal/apierr"
	"llmgate/internal/monitoring"
)

// Gate bounds the number of concurrently admitted upstream dispatches.
type Gate struct {
	slots chan struct{}
}

// New creates a gate admitting at most maxConcurrent callers at once.
func New(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	monitoring.GateCapacity.Set(float64(maxConcurrent))
	return &Gate{slots: make(chan struct{}, maxConcurrent)}
}

// Release is returned by Acquire and must be called exactly once to free the slot.
type Release func()

// Acquire blocks until a slot is free or ctx is done, returning a Release
// closure to relinquish the slot. Waiters are served in the order they
// called Acquire.
func (g *Gate) Acquire(ctx context.Context) (Release, error) {
	select {
	case g.slots <- struct{}{}:
		monitoring.GateInUse.Set(float64(len(g.slots)))
		return g.release, nil
	case <-ctx.Done():
		return nil, apierr.New(apierr.KindAdmissionTimeout, "concurrency gate admission deadline exceeded")
	}
}

func (g *Gate) release() {
	select {
	case <-g.slots:
	default:
	}
	monitoring.GateInUse.Set(float64(len(g.slots)))
}

// InUse reports how many slots are currently occupied, for metrics.
func (g *Gate) InUse() int {
	return len(g.slots)
}

// Capacity reports the gate's configured maximum concurrency.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}
