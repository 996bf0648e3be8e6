package sync

import (
	"sync/atomic"

	"gopherxv/kernel"
	"gopherxv/kernel/cpu"
	"gopherxv/kernel/kfmt"
)

var (
	errReacquire = &kernel.Error{Module: "sync", Message: "lock already held by this cpu"}
	errNotHeld   = &kernel.Error{Module: "sync", Message: "release of a lock not held by this cpu"}
	errPopOff    = &kernel.Error{Module: "sync", Message: "interrupt nesting underflow"}
)

// CPULock is a spinlock that is held by an execution core rather than by a
// task. Acquiring it disables interrupts on the acquiring core until the
// matching Release, so a lock holder can never be preempted by the clock.
//
// A nil core may be passed by contexts that do not run on a core (e.g. the
// clock or boot code); such holders skip the re-entrancy checks.
type CPULock struct {
	Spinlock

	holder atomic.Pointer[cpu.CPU]
}

// Acquire disables interrupts on c and spins until the lock is available.
// Acquiring a lock already held by c is fatal.
func (l *CPULock) Acquire(c *cpu.CPU) {
	c.PushOff()
	if l.Holding(c) {
		kfmt.Panic(errReacquire)
	}

	l.Spinlock.Acquire()
	l.holder.Store(c)
}

// Release relinquishes the lock and restores the interrupt state of c.
// Releasing a lock that c does not hold is fatal.
func (l *CPULock) Release(c *cpu.CPU) {
	if c != nil && !l.Holding(c) {
		kfmt.Panic(errNotHeld)
	}

	l.holder.Store(nil)
	l.Spinlock.Release()

	if !c.PopOff() {
		kfmt.Panic(errPopOff)
	}
}

// Holding returns true if the lock is held by c.
func (l *CPULock) Holding(c *cpu.CPU) bool {
	return c != nil && l.Locked() && l.holder.Load() == c
}
