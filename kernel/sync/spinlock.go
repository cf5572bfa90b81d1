// Package sync provides the spinlock used to guard allocator state.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// spinAttempts is the number of acquire attempts before the waiting
	// task gives up its time slice.
	spinAttempts = 64
)

var (
	// yieldFn is invoked by a waiting task after spinAttempts failed
	// attempts to acquire a lock. Tests replace it to count contention.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked lock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttempts)
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

// acquireSpinlock spins on a compare-and-swap of state from 0 to 1, yielding
// every attemptsBeforeYielding failed attempts.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for attempt := uint32(0); attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}
		yieldFn()
	}
}
