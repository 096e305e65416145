// Package sync provides the busy-wait locks used by the memory management
// code. Every lock is held for a bounded critical section; none of them
// queue waiters.
package sync

import (
	"sync/atomic"

	"github.com/primeseven1/crescent/kernel/cpu"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which a spinning task invokes yieldFn (if set).
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by spinning tasks. It is nil on bare metal
	// where there is nothing to yield to; hosted environments install
	// one with SetYieldFn.
	yieldFn func()

	// saveFlagsFn and restoreFlagsFn mask and unmask interrupts around
	// IRQSpinlock critical sections. They are no-ops until
	// EnableIRQMasking is invoked so that the locks can be used by code
	// running outside ring 0 (e.g. tests and the hosted simulator).
	saveFlagsFn    = func() uintptr { return 0 }
	restoreFlagsFn = func(uintptr) {}
)

// EnableIRQMasking makes IRQSpinlock disable interrupts on the current CPU
// while it is held. It must be invoked exactly once by the kernel entrypoint
// before any interrupt handler is installed.
func EnableIRQMasking() {
	saveFlagsFn = cpu.SaveFlagsAndDisableInterrupts
	restoreFlagsFn = cpu.RestoreInterrupts
}

// SetYieldFn installs the function invoked by tasks that keep failing to
// acquire a Spinlock. Passing nil restores pure busy-waiting.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts == attemptsBeforeYielding {
			attempts = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
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

// IRQSpinlock is a Spinlock that keeps interrupts disabled on the current
// CPU while it is held so that an interrupt handler cannot re-enter a
// critical section owned by the code it interrupted.
type IRQSpinlock struct {
	lock Spinlock
}

// Acquire disables interrupts, acquires the lock and returns the interrupt
// state that must be passed to Release.
func (l *IRQSpinlock) Acquire() uintptr {
	flags := saveFlagsFn()
	l.lock.Acquire()
	return flags
}

// Release relinquishes the lock and restores the interrupt state captured
// by the matching Acquire call.
func (l *IRQSpinlock) Release(flags uintptr) {
	l.lock.Release()
	restoreFlagsFn(flags)
}
