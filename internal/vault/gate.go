package vault

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// gateWeight is what a writer takes; a reader takes one unit. Waiters are
// served in order, so a queued writer is not starved by new readers.
const gateWeight = 1 << 30

// gate is a readers-writer lock whose acquisition honors a context and a
// deadline, so a caller queued behind a long re-key or import gives up with
// ErrIO instead of waiting forever.
type gate struct {
	sem *semaphore.Weighted
}

func newGate() *gate {
	return &gate{sem: semaphore.NewWeighted(gateWeight)}
}

func (g *gate) acquire(ctx context.Context, timeout time.Duration, n int64) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.sem.Acquire(waitCtx, n); err != nil {
		return nil, fmt.Errorf("%w: store busy: %w", ErrIO, err)
	}
	return func() { g.sem.Release(n) }, nil
}

// hold blocks until the lock is free. Only for calls that carry no context
// and must not fail.
func (g *gate) hold(n int64) func() {
	_ = g.sem.Acquire(context.Background(), n)
	return func() { g.sem.Release(n) }
}

func (s *Store) readLock(ctx context.Context) (func(), error) {
	return s.gate.acquire(ctx, s.ioTimeout, 1)
}

func (s *Store) writeLock(ctx context.Context) (func(), error) {
	return s.gate.acquire(ctx, s.ioTimeout, gateWeight)
}
