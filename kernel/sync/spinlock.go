// Package sync provides synchronization primitive implementations for spinlocks
// and wait queues.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked by spinning tasks after attemptsBeforeYielding
	// failed acquisition attempts. Tests may replace it.
	yieldFn = runtime.Gosched
)

// attemptsBeforeYielding defines the number of failed acquisition attempts
// after which a spinning task yields its time slice.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, attemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IsHeld returns true if some task currently holds the lock.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) == 1
}

// archAcquireSpinlock spins on state using a test-and-test-and-set loop and
// yields every attemptsBeforeYielding failed attempts.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}
