// Package trap connects processes to the kernel. It resolves page faults,
// runs the checks performed on every entry into and exit from the kernel,
// dispatches system calls and drives the clock.
package trap

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"gopherxv/kernel"
	"gopherxv/kernel/cpu"
	"gopherxv/kernel/kfmt"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/vmm"
	"gopherxv/kernel/proc"
	"gopherxv/kernel/shm"
	ksync "gopherxv/kernel/sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Unresolved faults are logged at most once per second after an initial
// burst of faultLogBurst entries.
const faultLogBurst = 10

var (
	errKernelAddress = &kernel.Error{Module: "trap", Message: "fault on a non-user address"}
	errProtection    = &kernel.Error{Module: "trap", Message: "protection fault"}
)

// Stats describes the trap layer counters.
type Stats struct {
	Ticks          uint64
	Syscalls       uint64
	FaultsResolved uint64
	FaultsFailed   uint64
}

// Trap is the trap layer shared by every core.
type Trap struct {
	tbl     *proc.Table
	shm     *shm.Manager
	cpus    []*cpu.CPU
	console io.Writer
	log     *zap.Logger

	// ticks is protected by ticksLock; its address is the channel
	// processes sleep on while waiting for the clock.
	ticksLock ksync.CPULock
	ticks     uint64

	syscalls       atomic.Uint64
	faultsResolved atomic.Uint64
	faultsFailed   atomic.Uint64

	faultLog        *rate.Limiter
	faultLogDropped atomic.Uint64
}

// New returns a trap layer for the processes of tbl. Register dumps are
// written to console.
func New(tbl *proc.Table, mgr *shm.Manager, cpus []*cpu.CPU, console io.Writer, log *zap.Logger) *Trap {
	if log == nil {
		log = kfmt.Logger()
	}

	return &Trap{
		tbl:     tbl,
		shm:     mgr,
		cpus:    cpus,
		console: console,
		log:     log.Named("trap"),

		faultLog: rate.NewLimiter(rate.Every(time.Second), faultLogBurst),
	}
}

// PageFault handles a fault raised by p while accessing virtAddr. Write
// faults on copy-on-write pages get a private copy and faults on unmapped
// addresses below the process size get a fresh zeroed page. Any other fault
// flags p for termination and is returned to the caller.
func (t *Trap) PageFault(p *proc.Proc, virtAddr uintptr, write bool) *kernel.Error {
	var (
		pdt = p.PageTable()
		err *kernel.Error
	)

	switch {
	case virtAddr >= vmm.MaxUserAddr:
		err = errKernelAddress
	case write && pdt.IsCopyOnWrite(virtAddr):
		err = pdt.ResolveCopyOnWrite(virtAddr)
	case !pdt.IsMapped(virtAddr):
		err = pdt.ResolveLazy(virtAddr, p.Size())
	default:
		err = errProtection
	}

	if err != nil {
		t.faultsFailed.Add(1)
		if t.faultLog.Allow() {
			t.log.Warn("unexpected page fault",
				zap.Int("pid", p.PID()),
				zap.Uint64("stval", uint64(virtAddr)),
				zap.Bool("write", write),
				zap.Uint64("suppressed", t.faultLogDropped.Swap(0)),
				zap.Error(err),
			)
		} else {
			t.faultLogDropped.Add(1)
		}
		t.tbl.SetKilled(p)
		return err
	}

	t.faultsResolved.Add(1)
	return nil
}

// access runs fn over the user bytes of p starting at virtAddr, one page at
// a time, raising page faults the way the hardware would. A process whose
// fault cannot be resolved exits.
func (t *Trap) access(p *proc.Proc, virtAddr uintptr, n int, write bool, fn func(buf []byte, done int) int) {
	for done := 0; done < n; {
		buf, err := p.PageTable().Access(virtAddr+uintptr(done), write)
		if err != nil {
			if t.PageFault(p, virtAddr+uintptr(done), write) != nil {
				t.tbl.Exit(p, -1)
			}
			continue
		}

		if len(buf) > n-done {
			buf = buf[:n-done]
		}
		done += fn(buf, done)
	}
}

// Load copies len(dst) bytes from the user address virtAddr of p.
func (t *Trap) Load(p *proc.Proc, virtAddr uintptr, dst []byte) {
	t.access(p, virtAddr, len(dst), false, func(buf []byte, done int) int {
		return copy(dst[done:], buf)
	})
}

// Store copies src to the user address virtAddr of p.
func (t *Trap) Store(p *proc.Proc, virtAddr uintptr, src []byte) {
	t.access(p, virtAddr, len(src), true, func(buf []byte, done int) int {
		return copy(buf, src[done:])
	})
}

// Checkpoint is the check performed when p is interrupted or returns to
// user mode: a killed process exits and a process whose core has a pending
// timer interrupt gives up the core.
func (t *Trap) Checkpoint(p *proc.Proc) {
	if t.tbl.Killed(p) {
		t.tbl.Exit(p, -1)
	}

	if p.CPU().PreemptPending() {
		t.tbl.Yield(p)
	}
}

// Clock advances the tick counter every interval until ctx is cancelled.
// Each tick wakes up processes sleeping on the clock and requests a
// reschedule on every core.
func (t *Trap) Clock(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		t.ticksLock.Acquire(nil)
		t.ticks++
		t.tbl.Wakeup(nil, &t.ticks)
		t.ticksLock.Release(nil)

		for _, c := range t.cpus {
			c.Interrupt(true)
		}
	}
}

// Ticks returns the number of clock ticks since boot.
func (t *Trap) Ticks() uint64 {
	t.ticksLock.Acquire(nil)
	defer t.ticksLock.Release(nil)
	return t.ticks
}

// Stats returns a snapshot of the trap layer counters.
func (t *Trap) Stats() Stats {
	return Stats{
		Ticks:          t.Ticks(),
		Syscalls:       t.syscalls.Load(),
		FaultsResolved: t.faultsResolved.Load(),
		FaultsFailed:   t.faultsFailed.Load(),
	}
}

// pageAligned reports whether virtAddr is a page-aligned user address.
func pageAligned(virtAddr uintptr) bool {
	return virtAddr&(mm.PageSize-1) == 0 && virtAddr < vmm.MaxUserAddr
}
