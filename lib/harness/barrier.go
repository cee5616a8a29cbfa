package harness

import (
	"context"
	"errors"
	"sync"
)

// ErrBarrierBroken is returned by Barrier.Wait when the barrier was aborted
// before all participants arrived
var ErrBarrierBroken = errors.New("barrier broken")

// generation is one round of the barrier. done is closed on release or abort.
type generation struct {
	done   chan struct{}
	broken bool
}

// Barrier releases its participants once n of them are waiting. After a
// release it starts over for the next n participants, until it is aborted.
type Barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	broken  bool
	gen     *generation
}

func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, gen: &generation{done: make(chan struct{})}}
}

// Wait blocks until all participants of the current round arrived, the
// barrier is aborted or ctx ends
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.broken {
		b.mu.Unlock()
		return ErrBarrierBroken
	}
	g := b.gen
	b.arrived++
	if b.arrived == b.n {
		b.arrived = 0
		b.gen = &generation{done: make(chan struct{})}
		close(g.done)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-g.done:
	case <-ctx.Done():
		b.Abort()
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if g.broken {
		return ErrBarrierBroken
	}
	return nil
}

// Abort breaks the barrier for everybody still waiting or yet to arrive.
// Rounds that were already released are not affected.
func (b *Barrier) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return
	}
	b.broken = true
	b.gen.broken = true
	close(b.gen.done)
}
