// Package proc implements the process table, the process lifecycle
// (fork/exit/wait/kill), the per-core scheduler loop and the sleep/wakeup
// rendezvous used by blocking operations.
package proc

import (
	"gopherxv/kernel/cpu"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/vmm"
)

// State describes the lifecycle state of a process.
type State uint8

const (
	// Unused marks a process whose table entry has been released.
	Unused State = iota

	// Used marks a process that is being set up.
	Used

	// Sleeping marks a process blocked on a channel.
	Sleeping

	// Runnable marks a process that is ready to be scheduled.
	Runnable

	// Running marks a process currently executing on a core.
	Running

	// Zombie marks a process that has exited but has not been reaped by
	// its parent yet.
	Zombie
)

var stateNames = [...]string{
	Unused:   "unused",
	Used:     "used",
	Sleeping: "sleep",
	Runnable: "runble",
	Running:  "run",
	Zombie:   "zombie",
}

// String implements fmt.Stringer for State.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "???"
}

// File is an open file reference owned by a process. The process table only
// duplicates references on fork and closes them on exit.
type File interface {
	Dup() File
	Close()
}

// Inode is a reference to the working directory of a process.
type Inode interface {
	Dup() Inode
	Put()
}

// Program is the user code executed by a process. When a Program returns,
// the process exits with status 0. A Program must not defer work that
// touches kernel state since Exit terminates the calling goroutine.
type Program func(p *Proc)

// TrapFrame holds the user registers saved on entry to the kernel. It
// overlays the trap frame page of each process.
type TrapFrame struct {
	KernelSP uint64
	Epc      uint64
	RA       uint64
	SP       uint64
	GP       uint64
	TP       uint64
	T        [7]uint64
	S        [12]uint64
	A        [8]uint64
}

// Proc is a process control block.
type Proc struct {
	// The following fields are protected by the table lock.
	state   State
	channel interface{}
	killed  bool
	xstate  int
	pid     int
	parent  *Proc
	cpu     *cpu.CPU

	// The following fields are private to the process.
	kstack  mm.Frame
	tfFrame mm.Frame
	tf      *TrapFrame
	pdt     *vmm.PageDirectoryTable
	sz      uintptr
	context cpu.Context
	ofile   []File
	cwd     Inode
	name    string
	program Program

	node *procNode
}

// PID returns the process id.
func (p *Proc) PID() int { return p.pid }

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// SetName updates the process name reported by Procdump.
func (p *Proc) SetName(name string) { p.name = name }

// CPU returns the core the process is currently running on.
func (p *Proc) CPU() *cpu.CPU { return p.cpu }

// TrapFrame returns the saved user registers of the process.
func (p *Proc) TrapFrame() *TrapFrame { return p.tf }

// PageTable returns the address space of the process.
func (p *Proc) PageTable() *vmm.PageDirectoryTable { return p.pdt }

// Size returns the number of bytes of user memory declared by the process.
func (p *Proc) Size() uintptr { return p.sz }

// Cwd returns the working directory of the process.
func (p *Proc) Cwd() Inode { return p.cwd }

// CopyOut copies src to the user address addr of the process.
func (p *Proc) CopyOut(addr uintptr, src []byte) error {
	if err := p.pdt.CopyOut(addr, src, p.sz); err != nil {
		return err
	}
	return nil
}

// CopyIn copies len(dst) bytes from the user address addr of the process.
func (p *Proc) CopyIn(dst []byte, addr uintptr) error {
	if err := p.pdt.CopyIn(dst, addr, p.sz); err != nil {
		return err
	}
	return nil
}

// AllocFD installs f in the lowest free descriptor slot and returns its
// index. It returns false if the descriptor table is full.
func (p *Proc) AllocFD(f File) (int, bool) {
	for fd, slot := range p.ofile {
		if slot == nil {
			p.ofile[fd] = f
			return fd, true
		}
	}
	return -1, false
}

// File returns the file installed at fd or nil.
func (p *Proc) File(fd int) File {
	if fd < 0 || fd >= len(p.ofile) {
		return nil
	}
	return p.ofile[fd]
}

// CloseFD closes the file installed at fd. It returns false if fd is not
// in use.
func (p *Proc) CloseFD(fd int) bool {
	f := p.File(fd)
	if f == nil {
		return false
	}

	p.ofile[fd] = nil
	f.Close()
	return true
}
