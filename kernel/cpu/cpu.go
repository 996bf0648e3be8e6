// Package cpu models the per-core state the kernel relies on: the interrupt
// enable flag, the interrupt-disable nesting depth used by spinlocks and the
// saved scheduler context each core switches back to.
package cpu

import (
	"context"
	"sync/atomic"
)

// CPU describes a single execution core. Apart from the pending-interrupt
// bookkeeping, its fields are only touched by the goroutine that currently
// owns the core: either the core's scheduler loop or the process it switched
// into.
type CPU struct {
	id int

	// intr mirrors the hardware interrupt enable bit.
	intr bool

	// noff is the depth of PushOff nesting; intena records whether
	// interrupts were enabled before the outermost PushOff.
	noff   int
	intena bool

	// sched is the context the core's scheduler loop resumes from.
	sched Context

	// irq is signalled whenever an interrupt is raised for this core.
	irq     chan struct{}
	preempt atomic.Bool
}

// New returns a CPU with the given hardware id. Interrupts start disabled.
func New(id int) *CPU {
	c := &CPU{
		id:  id,
		irq: make(chan struct{}, 1),
	}
	c.sched.resume = make(chan struct{}, 1)
	c.sched.started = true
	return c
}

// ID returns the hardware id of this core.
func (c *CPU) ID() int {
	if c == nil {
		return -1
	}
	return c.id
}

// IntrOn enables interrupts.
func (c *CPU) IntrOn() {
	if c != nil {
		c.intr = true
	}
}

// IntrOff disables interrupts.
func (c *CPU) IntrOff() {
	if c != nil {
		c.intr = false
	}
}

// IntrGet returns true if interrupts are enabled.
func (c *CPU) IntrGet() bool {
	return c != nil && c.intr
}

// PushOff disables interrupts and increments the nesting depth. It is
// matched by a call to PopOff; it takes two PopOff calls to undo two PushOff
// calls and if interrupts were initially off they stay off.
func (c *CPU) PushOff() {
	if c == nil {
		return
	}

	old := c.intr
	c.intr = false
	if c.noff == 0 {
		c.intena = old
	}
	c.noff++
}

// PopOff undoes a single PushOff call. It returns false if interrupts were
// enabled or if there was no matching PushOff.
func (c *CPU) PopOff() bool {
	if c == nil {
		return true
	}

	if c.intr || c.noff < 1 {
		return false
	}

	c.noff--
	if c.noff == 0 && c.intena {
		c.intr = true
	}
	return true
}

// Noff returns the current PushOff nesting depth.
func (c *CPU) Noff() int {
	if c == nil {
		return 0
	}
	return c.noff
}

// Intena reports whether interrupts were enabled before the outermost
// PushOff.
func (c *CPU) Intena() bool {
	return c != nil && c.intena
}

// SetIntena restores a previously saved Intena value.
func (c *CPU) SetIntena(v bool) {
	if c != nil {
		c.intena = v
	}
}

// Context returns the saved scheduler context of this core.
func (c *CPU) Context() *Context {
	return &c.sched
}

// Interrupt raises an interrupt for this core. If preempt is true the
// process running on the core is asked to yield at its next checkpoint.
func (c *CPU) Interrupt(preempt bool) {
	if preempt {
		c.preempt.Store(true)
	}

	select {
	case c.irq <- struct{}{}:
	default:
	}
}

// PreemptPending reports and clears a pending preemption request.
func (c *CPU) PreemptPending() bool {
	return c != nil && c.preempt.Swap(false)
}

// WaitForInterrupt parks the core until an interrupt is raised or ctx is
// cancelled. It returns false if ctx was cancelled.
func (c *CPU) WaitForInterrupt(ctx context.Context) bool {
	select {
	case <-c.irq:
		return true
	case <-ctx.Done():
		return false
	}
}
