package oncrpc

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// cooperativePool bounds the number of concurrently in-flight tasks for the
// cooperative scheduling model: each accepted connection, and each outbound
// call, is its own goroutine, but an unbounded fan-out would let a hostile
// or buggy peer exhaust memory opening connections. Tasks are admitted by
// semaphore permit rather than pulled off a shared work queue, because they
// are driven by accept()/dial() loops.
type cooperativePool struct {
	sem *semaphore.Weighted
	max int64
}

// newCooperativePool returns a pool admitting at most maxConcurrent tasks at
// once. maxConcurrent <= 0 means unbounded.
func newCooperativePool(maxConcurrent int) *cooperativePool {
	if maxConcurrent <= 0 {
		return &cooperativePool{}
	}
	return &cooperativePool{sem: semaphore.NewWeighted(int64(maxConcurrent)), max: int64(maxConcurrent)}
}

// Go runs fn in a new goroutine once a permit is available, blocking the
// caller (typically an accept or dial loop) until one is. It returns
// immediately with ctx.Err() if ctx is cancelled before a permit is granted.
func (p *cooperativePool) Go(ctx context.Context, fn func()) error {
	if p.sem == nil {
		go fn()
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// TryGo runs fn in a new goroutine if a permit is immediately available,
// without blocking. It reports whether fn was started.
func (p *cooperativePool) TryGo(fn func()) bool {
	if p.sem == nil {
		go fn()
		return true
	}
	if !p.sem.TryAcquire(1) {
		return false
	}
	go func() {
		defer p.sem.Release(1)
		fn()
	}()
	return true
}
