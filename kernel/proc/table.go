package proc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"gopherxv/kernel"
	"gopherxv/kernel/cpu"
	"gopherxv/kernel/kfmt"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/vmm"
	ksync "gopherxv/kernel/sync"

	"go.uber.org/zap"
)

var (
	// ErrProcTableFull is returned when the number of live processes has
	// reached the configured ceiling.
	ErrProcTableFull = &kernel.Error{Module: "proc", Message: "process table is full"}

	// ErrNoChildren is returned by Wait when the caller has no children.
	ErrNoChildren = &kernel.Error{Module: "proc", Message: "no children"}

	// ErrKilled is returned by Wait when the caller has been killed.
	ErrKilled = &kernel.Error{Module: "proc", Message: "process has been killed"}

	// ErrNoSuchProcess is returned by Kill for unknown pids.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrBadSize is returned by Grow when the requested size is invalid.
	ErrBadSize = &kernel.Error{Module: "proc", Message: "invalid address space size"}

	// ErrBadAddress is returned when a result cannot be copied to the
	// caller's address space.
	ErrBadAddress = &kernel.Error{Module: "proc", Message: "bad user address"}

	errInitExiting = &kernel.Error{Module: "proc", Message: "init exiting"}
	errNoInit      = &kernel.Error{Module: "proc", Message: "init process already created"}
)

// Config defines the process table limits and memory policies.
type Config struct {
	// MaxProcs is the maximum number of live processes.
	MaxProcs int

	// NOFILE is the size of each process descriptor table.
	NOFILE int

	// CopyOnWriteFork shares frames between parent and child on fork
	// instead of copying them.
	CopyOnWriteFork bool

	// LazyAllocation defers frame allocation for grown memory until the
	// first access.
	LazyAllocation bool
}

// procNode links a process into the process table.
type procNode struct {
	prev, next *procNode
	proc       *Proc
}

// Table is the process table. All structural changes, process state
// transitions and the sleep/wakeup rendezvous are serialized by a single
// table-wide lock.
type Table struct {
	lock ksync.CPULock

	// head is the sentinel of a circular doubly-linked list; new
	// processes are inserted right after it.
	head    procNode
	nextPID int

	// current tracks the process running on each core.
	current []*Proc

	initProc *Proc
	cpus     []*cpu.CPU
	cfg      Config
	alloc    mm.Allocator
	log      *zap.Logger

	switches atomic.Uint64
}

// Stats describes the process table state.
type Stats struct {
	Procs           map[State]int
	ContextSwitches uint64
}

// NewTable creates an empty process table served by the supplied cores.
// Core ids must range from 0 to len(cpus)-1.
func NewTable(cfg Config, alloc mm.Allocator, cpus []*cpu.CPU, log *zap.Logger) *Table {
	if log == nil {
		log = kfmt.Logger()
	}

	t := &Table{
		nextPID: 1,
		current: make([]*Proc, len(cpus)),
		cpus:    cpus,
		cfg:     cfg,
		alloc:   alloc,
		log:     log.Named("proc"),
	}
	t.head.next, t.head.prev = &t.head, &t.head
	return t
}

// Lock returns the table-wide lock. It may be passed to Sleep by callers
// that protect their wait condition with it.
func (t *Table) Lock() *ksync.CPULock {
	return &t.lock
}

// insert links n right after the sentinel. The caller must hold the table
// lock.
func (t *Table) insert(n *procNode) {
	n.prev = &t.head
	n.next = t.head.next
	t.head.next.prev = n
	t.head.next = n
}

// remove unlinks n. The caller must hold the table lock.
func (t *Table) remove(n *procNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

// kick raises an interrupt on every core so that idle schedulers rescan the
// table.
func (t *Table) kick() {
	for _, c := range t.cpus {
		c.Interrupt(false)
	}
}

func cpuOf(p *Proc) *cpu.CPU {
	if p == nil {
		return nil
	}
	return p.cpu
}

// allocProc reserves a table entry and sets up the kernel stack, trap frame
// and address space of a new process. On success it returns with the table
// lock held; on failure everything acquired is released and the lock is
// not held.
func (t *Table) allocProc(c *cpu.CPU) (*Proc, *kernel.Error) {
	t.lock.Acquire(c)

	active := 0
	for n := t.head.next; n != &t.head; n = n.next {
		if n.proc.state != Unused {
			active++
		}
	}
	if active >= t.cfg.MaxProcs {
		t.lock.Release(c)
		return nil, ErrProcTableFull
	}

	p := &Proc{
		pid:     t.nextPID,
		state:   Used,
		kstack:  mm.InvalidFrame,
		tfFrame: mm.InvalidFrame,
		ofile:   make([]File, t.cfg.NOFILE),
	}
	t.nextPID++
	p.node = &procNode{proc: p}
	t.insert(p.node)

	var err *kernel.Error
	if p.kstack, err = t.alloc.AllocFrame(); err != nil {
		t.freeProc(p)
		t.lock.Release(c)
		return nil, err
	}

	if p.tfFrame, err = t.alloc.AllocFrame(); err != nil {
		t.freeProc(p)
		t.lock.Release(c)
		return nil, err
	}
	tfBytes := t.alloc.FrameBytes(p.tfFrame)
	kernel.Memset(tfBytes, 0)
	p.tf = (*TrapFrame)(unsafe.Pointer(&tfBytes[0]))
	p.tf.KernelSP = uint64(p.kstack.Address() + mm.PageSize)

	if p.pdt, err = t.procPageTable(p); err != nil {
		t.freeProc(p)
		t.lock.Release(c)
		return nil, err
	}

	// The first switch into the process enters forkret with the stack
	// pointer at the top of its kernel stack.
	p.context.Init(t.forkret(p), p.kstack.Address()+mm.PageSize)
	return p, nil
}

// procPageTable creates an address space with the trap frame of p mapped
// at vmm.TrapFrameAddr.
func (t *Table) procPageTable(p *Proc) (*vmm.PageDirectoryTable, *kernel.Error) {
	pdt, err := vmm.New(t.alloc)
	if err != nil {
		return nil, err
	}

	if err = pdt.Map(mm.PageFromAddress(vmm.TrapFrameAddr), p.tfFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		pdt.Destroy()
		return nil, err
	}

	return pdt, nil
}

// freeProc releases every resource held by p and unlinks it from the
// table. The caller must hold the table lock.
func (t *Table) freeProc(p *Proc) {
	if p.pdt != nil {
		_ = p.pdt.Unmap(mm.PageFromAddress(vmm.TrapFrameAddr), false)
		p.pdt.Destroy()
		p.pdt = nil
	}
	if p.tfFrame.Valid() {
		t.alloc.FreeFrame(p.tfFrame)
		p.tfFrame = mm.InvalidFrame
	}
	if p.kstack.Valid() {
		t.alloc.FreeFrame(p.kstack)
		p.kstack = mm.InvalidFrame
	}

	p.tf = nil
	p.sz = 0
	p.pid = 0
	p.parent = nil
	p.name = ""
	p.channel = nil
	p.killed = false
	p.xstate = 0
	p.program = nil
	p.state = Unused

	if p.node != nil {
		t.remove(p.node)
		p.node = nil
	}
}

// UserInit creates the init process which runs prog. Orphaned processes are
// handed over to init which is expected to reap them.
func (t *Table) UserInit(prog Program, cwd Inode) (*Proc, *kernel.Error) {
	if t.initProc != nil {
		return nil, errNoInit
	}

	p, err := t.allocProc(nil)
	if err != nil {
		return nil, err
	}

	if p.sz, err = p.pdt.Grow(0, mm.PageSize, vmm.FlagRW); err != nil {
		t.freeProc(p)
		t.lock.Release(nil)
		return nil, err
	}

	t.initProc = p
	p.name = "init"
	p.program = prog
	p.cwd = cwd
	p.state = Runnable
	t.lock.Release(nil)

	t.log.Info("created init process", zap.Int("pid", p.pid))
	t.kick()
	return p, nil
}

// Fork creates a child of p whose memory, registers, open files and working
// directory are copies of the parent's. The child observes a return value of
// 0 in its first argument register and runs child, or the program of p if
// child is nil. Fork returns the pid of the child; on failure no trace of
// the child is left behind.
func (t *Table) Fork(p *Proc, child Program) (int, *kernel.Error) {
	np, err := t.allocProc(p.cpu)
	if err != nil {
		return -1, err
	}

	if err = p.pdt.CopyTo(np.pdt, t.cfg.CopyOnWriteFork); err != nil {
		t.freeProc(np)
		t.lock.Release(p.cpu)
		return -1, err
	}
	np.sz = p.sz

	// Copy saved user registers; fork returns 0 in the child.
	*np.tf = *p.tf
	np.tf.KernelSP = uint64(np.kstack.Address() + mm.PageSize)
	np.tf.A[0] = 0

	for fd, f := range p.ofile {
		if f != nil && fd < len(np.ofile) {
			np.ofile[fd] = f.Dup()
		}
	}
	if p.cwd != nil {
		np.cwd = p.cwd.Dup()
	}

	np.name = p.name
	np.program = child
	if np.program == nil {
		np.program = p.program
	}
	np.parent = p
	np.state = Runnable
	pid := np.pid
	t.lock.Release(p.cpu)

	t.log.Debug("fork", zap.Int("parent", p.pid), zap.Int("child", pid))
	t.kick()
	return pid, nil
}

// reparent hands the children of p over to init. The caller must hold the
// table lock.
func (t *Table) reparent(p *Proc) {
	for n := t.head.next; n != &t.head; n = n.next {
		if n.proc.parent == p {
			n.proc.parent = t.initProc
			t.wakeupLocked(p, t.initProc)
		}
	}
}

// Exit terminates p with the supplied status. The process remains a zombie
// until its parent calls Wait. Exit never returns; exiting the init process
// is fatal.
func (t *Table) Exit(p *Proc, status int) {
	if p == t.initProc {
		kfmt.Panic(errInitExiting)
	}

	for fd, f := range p.ofile {
		if f != nil {
			f.Close()
			p.ofile[fd] = nil
		}
	}
	if p.cwd != nil {
		p.cwd.Put()
		p.cwd = nil
	}

	t.lock.Acquire(p.cpu)

	// Give any children to init and wake up the parent which might be
	// sleeping in Wait.
	t.reparent(p)
	t.wakeupLocked(p, p.parent)

	p.xstate = status
	p.state = Zombie
	t.log.Debug("exit", zap.Int("pid", p.pid), zap.Int("status", status))

	// Jump into the scheduler, never to return.
	t.schedExit(p)
}

// Wait blocks until a child of p exits, reaps it and returns its pid. If addr
// is not zero, the exit status of the child is copied to that user address.
// Wait fails immediately if p has no children or has been killed.
func (t *Table) Wait(p *Proc, addr uintptr) (int, *kernel.Error) {
	t.lock.Acquire(p.cpu)

	for {
		// Scan through table looking for exited children.
		haveKids := false
		for n := t.head.next; n != &t.head; n = n.next {
			child := n.proc
			if child.parent != p {
				continue
			}

			haveKids = true
			if child.state != Zombie {
				continue
			}

			pid := child.pid
			if addr != 0 {
				var status [4]byte
				binary.LittleEndian.PutUint32(status[:], uint32(int32(child.xstate)))
				if err := p.pdt.CopyOut(addr, status[:], p.sz); err != nil {
					t.lock.Release(p.cpu)
					return -1, ErrBadAddress
				}
			}

			t.freeProc(child)
			t.lock.Release(p.cpu)
			return pid, nil
		}

		switch {
		case !haveKids:
			t.lock.Release(p.cpu)
			return -1, ErrNoChildren
		case p.killed:
			t.lock.Release(p.cpu)
			return -1, ErrKilled
		}

		// Wait for a child to exit.
		t.Sleep(p, p, &t.lock)
	}
}

// Kill flags the process with the given pid for termination. A sleeping
// target is made runnable so it can observe the flag. caller may be nil
// when the request does not originate from a process.
func (t *Table) Kill(caller *Proc, pid int) *kernel.Error {
	c := cpuOf(caller)
	t.lock.Acquire(c)

	for n := t.head.next; n != &t.head; n = n.next {
		p := n.proc
		if p.pid != pid {
			continue
		}

		p.killed = true
		if p.state == Sleeping {
			// Wake process from sleep().
			p.state = Runnable
		}
		t.lock.Release(c)

		t.log.Info("kill", zap.Int("pid", pid))
		t.kick()
		return nil
	}

	t.lock.Release(c)
	return ErrNoSuchProcess
}

// SetKilled flags p for termination.
func (t *Table) SetKilled(p *Proc) {
	t.lock.Acquire(p.cpu)
	p.killed = true
	t.lock.Release(p.cpu)
}

// Killed returns true if p has been flagged for termination.
func (t *Table) Killed(p *Proc) bool {
	t.lock.Acquire(p.cpu)
	killed := p.killed
	t.lock.Release(p.cpu)
	return killed
}

// Grow grows or shrinks the user memory of p by delta bytes. With lazy
// allocation enabled, growth only updates the declared size and frames are
// assigned on first access.
func (t *Table) Grow(p *Proc, delta int) *kernel.Error {
	size := p.sz

	switch {
	case delta > 0:
		newSize := size + uintptr(delta)
		if newSize < size || newSize > vmm.MaxUserAddr {
			return ErrBadSize
		}

		if t.cfg.LazyAllocation {
			p.sz = newSize
			return nil
		}

		var err *kernel.Error
		if p.sz, err = p.pdt.Grow(size, newSize, vmm.FlagRW); err != nil {
			return err
		}
	case delta < 0:
		shrink := uintptr(-delta)
		if shrink > size {
			return ErrBadSize
		}
		p.sz = p.pdt.Shrink(size, size-shrink)
	}

	return nil
}

// Current returns the process running on c.
func (t *Table) Current(c *cpu.CPU) *Proc {
	t.lock.Acquire(nil)
	defer t.lock.Release(nil)
	return t.current[c.ID()]
}

// State returns the lifecycle state of p.
func (t *Table) State(p *Proc) State {
	t.lock.Acquire(nil)
	defer t.lock.Release(nil)
	return p.state
}

// Procdump writes a listing of every live process to w.
func (t *Table) Procdump(w io.Writer) {
	t.lock.Acquire(nil)
	defer t.lock.Release(nil)

	for n := t.head.next; n != &t.head; n = n.next {
		p := n.proc
		if p.state == Unused {
			continue
		}
		fmt.Fprintf(w, "%d %-6s %s\n", p.pid, p.state, p.name)
	}
}

// Stats returns a snapshot of the process table.
func (t *Table) Stats() Stats {
	t.lock.Acquire(nil)
	defer t.lock.Release(nil)

	stats := Stats{
		Procs:           make(map[State]int),
		ContextSwitches: t.switches.Load(),
	}
	for n := t.head.next; n != &t.head; n = n.next {
		stats.Procs[n.proc.state]++
	}
	return stats
}
