package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	if !sl.IsHeld() {
		t.Error("expected IsHeld to return true when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if sl.IsHeld() {
		t.Error("expected lock to be free after all workers released it")
	}
}

func TestSpinlockYields(t *testing.T) {
	var yieldCount int
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)

	var sl Spinlock
	sl.Acquire()

	yieldFn = func() {
		yieldCount++
		if yieldCount == 2 {
			sl.Release()
		}
	}

	sl.Acquire()
	if yieldCount != 2 {
		t.Fatalf("expected yieldFn to be called 2 times; got %d", yieldCount)
	}
}
