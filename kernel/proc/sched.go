package proc

import (
	"context"

	"gopherxv/kernel"
	"gopherxv/kernel/cpu"
	"gopherxv/kernel/kfmt"
	ksync "gopherxv/kernel/sync"

	"go.uber.org/zap"
)

var (
	errSchedLock          = &kernel.Error{Module: "proc", Message: "sched: table lock not held"}
	errSchedLocks         = &kernel.Error{Module: "proc", Message: "sched: locks held"}
	errSchedRunning       = &kernel.Error{Module: "proc", Message: "sched: process is running"}
	errSchedInterruptible = &kernel.Error{Module: "proc", Message: "sched: interruptible"}
)

// Scheduler runs the scheduling loop of core c until ctx is cancelled. Each
// pass scans the process table and switches into every runnable process in
// turn; a process runs until it yields, sleeps or exits. If a full pass
// finds nothing to run, the core idles until the next interrupt.
func (t *Table) Scheduler(ctx context.Context, c *cpu.CPU) error {
	t.log.Debug("scheduler started", zap.Int("cpu", c.ID()))

	for {
		// Make sure devices can interrupt; the table lock is held across
		// the whole scan so interrupts stay off until it is released.
		c.IntrOn()

		found := false
		t.lock.Acquire(c)
		for n := t.head.next; n != &t.head; n = n.next {
			p := n.proc
			if p.state != Runnable {
				continue
			}

			// Switch to the chosen process. It is the process's job to
			// release the table lock and then reacquire it before
			// jumping back to us.
			p.state = Running
			p.cpu = c
			t.current[c.ID()] = p
			t.switches.Add(1)
			cpu.Switch(c.Context(), &p.context)

			// The process is done running for now. Its node is still
			// linked since reaping it requires the lock we now hold.
			t.current[c.ID()] = nil
			found = true
		}
		t.lock.Release(c)

		if err := ctx.Err(); err != nil {
			return err
		}

		if !found {
			if !c.WaitForInterrupt(ctx) {
				return ctx.Err()
			}
		}
	}
}

// checkSched verifies the invariants that must hold when switching from p
// to the scheduler.
func (t *Table) checkSched(p *Proc) {
	c := p.cpu

	switch {
	case !t.lock.Holding(c):
		kfmt.Panic(errSchedLock)
	case c.Noff() != 1:
		kfmt.Panic(errSchedLocks)
	case p.state == Running:
		kfmt.Panic(errSchedRunning)
	case c.IntrGet():
		kfmt.Panic(errSchedInterruptible)
	}
}

// sched switches from p to the scheduler of its core. The caller must hold
// only the table lock and must have already changed p.state. Since p may be
// resumed on a different core, the interrupt state saved by the lock is
// carried across the switch.
func (t *Table) sched(p *Proc) {
	t.checkSched(p)

	intena := p.cpu.Intena()
	cpu.Switch(&p.context, p.cpu.Context())
	p.cpu.SetIntena(intena)
}

// schedExit is like sched but terminates the calling process.
func (t *Table) schedExit(p *Proc) {
	t.checkSched(p)
	cpu.SwitchAndExit(p.cpu.Context())
}

// forkret returns the entry point of p. The first time a process is
// scheduled it starts here, still holding the table lock acquired by the
// scheduler.
func (t *Table) forkret(p *Proc) func() {
	return func() {
		t.lock.Release(p.cpu)

		if p.program != nil {
			p.program(p)
		}
		t.Exit(p, 0)
	}
}

// Yield gives up the core for one scheduling round.
func (t *Table) Yield(p *Proc) {
	t.lock.Acquire(p.cpu)
	p.state = Runnable
	t.sched(p)
	t.lock.Release(p.cpu)
}

// Sleep atomically releases lk and blocks p on channel ch; lk is reacquired
// before Sleep returns. The caller must hold lk, which may be the table lock
// itself. A nil lk is allowed for callers that wait on a condition that no
// lock protects.
func (t *Table) Sleep(p *Proc, ch interface{}, lk *ksync.CPULock) {
	// Once the table lock is held no wakeup can be missed since Wakeup
	// needs that lock too, so it is safe to release lk.
	if lk != &t.lock {
		t.lock.Acquire(p.cpu)
		if lk != nil {
			lk.Release(p.cpu)
		}
	}

	p.channel = ch
	p.state = Sleeping
	t.sched(p)

	// Tidy up.
	p.channel = nil

	if lk != &t.lock {
		t.lock.Release(p.cpu)
		if lk != nil {
			lk.Acquire(p.cpu)
		}
	}
}

// Wakeup makes every process sleeping on ch runnable except caller, which
// may be nil when the wakeup does not originate from a process.
func (t *Table) Wakeup(caller *Proc, ch interface{}) {
	c := cpuOf(caller)
	t.lock.Acquire(c)
	t.wakeupLocked(caller, ch)
	t.lock.Release(c)
}

// WakeupLocked is like Wakeup but must be called with the table lock held.
func (t *Table) WakeupLocked(caller *Proc, ch interface{}) {
	t.wakeupLocked(caller, ch)
}

func (t *Table) wakeupLocked(caller *Proc, ch interface{}) {
	woken := false
	for n := t.head.next; n != &t.head; n = n.next {
		p := n.proc
		if p != caller && p.state == Sleeping && p.channel == ch {
			p.state = Runnable
			woken = true
		}
	}

	if woken {
		t.kick()
	}
}
