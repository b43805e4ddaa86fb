package oncrpc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCooperativePoolRunsUpToLimit(t *testing.T) {
	pool := newCooperativePool(2)
	var running int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		err := pool.Go(context.Background(), func() {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				cur := atomic.LoadInt32(&maxObserved)
				if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
		if err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	wg.Wait()

	if maxObserved > 2 {
		t.Errorf("observed %d concurrently running tasks, want <= 2", maxObserved)
	}
}

func TestCooperativePoolUnboundedRunsImmediately(t *testing.T) {
	pool := newCooperativePool(0)
	done := make(chan struct{})
	if err := pool.Go(context.Background(), func() { close(done) }); err != nil {
		t.Fatalf("Go: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unbounded pool did not run task")
	}
}

func TestCooperativePoolTryGoRespectsLimit(t *testing.T) {
	pool := newCooperativePool(1)
	block := make(chan struct{})
	started := make(chan struct{})
	if !pool.TryGo(func() {
		close(started)
		<-block
	}) {
		t.Fatal("expected first TryGo to succeed")
	}
	<-started

	if pool.TryGo(func() {}) {
		t.Error("expected second TryGo to fail while pool is saturated")
	}
	close(block)
}

func TestCooperativePoolGoRespectsContextCancellation(t *testing.T) {
	pool := newCooperativePool(1)
	block := make(chan struct{})
	if err := pool.Go(context.Background(), func() { <-block }); err != nil {
		t.Fatalf("Go: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Go(ctx, func() {})
	if err == nil {
		t.Error("expected context deadline error while pool is saturated")
	}
	close(block)
}
