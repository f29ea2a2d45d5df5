package monitor

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of work units in flight. A pool created throttled
// admits one unit at a time; Widen restores the full width. This is how a
// resume scan runs single-threaded until the start id is found.
type Pool struct {
	sem      *semaphore.Weighted
	reserved int64
}

// NewPool returns a pool of the given width. When throttled, all but one
// permit is held back until Widen is called.
func NewPool(width int64, throttled bool) *Pool {
	p := &Pool{sem: semaphore.NewWeighted(width)}
	if throttled && width > 1 {
		// the semaphore is untouched, so this cannot fail
		if p.sem.TryAcquire(width - 1) {
			p.reserved = width - 1
		}
	}
	return p
}

// Acquire blocks until a worker slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *Pool) Release() {
	p.sem.Release(1)
}

// Widen releases the permits held back at construction. Callers must not
// invoke it more than once; Monitor.ResetWorkerPool guards that.
func (p *Pool) Widen() {
	if p.reserved > 0 {
		p.sem.Release(p.reserved)
		p.reserved = 0
	}
}
