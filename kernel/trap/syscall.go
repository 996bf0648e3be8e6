package trap

import (
	"strings"

	"gopherxv/kernel"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/vmm"
	"gopherxv/kernel/proc"
	"gopherxv/kernel/shm"
)

// Open flags accepted by ShmOpen.
const (
	ORdOnly = 0x000
	OWrOnly = 0x001
	ORdWr   = 0x002
	OCreate = 0x200
)

// errnoOf translates the register introspection errors to their return
// codes.
func errnoOf(err *kernel.Error) int {
	switch err {
	case nil:
		return 0
	case proc.ErrNoPermission:
		return -1
	case proc.ErrInvalidPID:
		return -2
	case proc.ErrInvalidRegister:
		return -3
	case proc.ErrReturnIO:
		return -4
	default:
		return -1
	}
}

// syscall runs fn on behalf of p between the kernel entry and exit
// checkpoints. The result is stored in the first argument register.
func (t *Trap) syscall(p *proc.Proc, fn func() int) int {
	t.syscalls.Add(1)

	if t.tbl.Killed(p) {
		t.tbl.Exit(p, -1)
	}

	// Return to the instruction after the ecall.
	p.TrapFrame().Epc += 4

	ret := fn()
	p.TrapFrame().A[0] = uint64(int64(ret))

	t.Checkpoint(p)
	return ret
}

// Fork creates a child of p running child and returns its pid, or -1.
func (t *Trap) Fork(p *proc.Proc, child proc.Program) int {
	return t.syscall(p, func() int {
		pid, err := t.tbl.Fork(p, child)
		if err != nil {
			return -1
		}
		return pid
	})
}

// Exit terminates p with status. It never returns.
func (t *Trap) Exit(p *proc.Proc, status int) {
	t.syscall(p, func() int {
		t.tbl.Exit(p, status)
		return 0
	})
}

// Wait reaps an exited child of p, storing its status at addr unless addr
// is zero, and returns its pid or -1.
func (t *Trap) Wait(p *proc.Proc, addr uintptr) int {
	return t.syscall(p, func() int {
		pid, err := t.tbl.Wait(p, addr)
		if err != nil {
			return -1
		}
		return pid
	})
}

// Kill requests the termination of pid.
func (t *Trap) Kill(p *proc.Proc, pid int) int {
	return t.syscall(p, func() int {
		if t.tbl.Kill(p, pid) != nil {
			return -1
		}
		return 0
	})
}

// Getpid returns the pid of p.
func (t *Trap) Getpid(p *proc.Proc) int {
	return t.syscall(p, func() int {
		return p.PID()
	})
}

// Sbrk grows the memory of p by n bytes and returns the previous size.
func (t *Trap) Sbrk(p *proc.Proc, n int) int {
	return t.syscall(p, func() int {
		addr := int(p.Size())
		if t.tbl.Grow(p, n) != nil {
			return -1
		}
		return addr
	})
}

// Sleep blocks p for n clock ticks. It returns -1 if p is killed while
// sleeping.
func (t *Trap) Sleep(p *proc.Proc, n int) int {
	return t.syscall(p, func() int {
		if n < 0 {
			n = 0
		}

		t.ticksLock.Acquire(p.CPU())
		ticks0 := t.ticks
		for t.ticks-ticks0 < uint64(n) {
			if t.tbl.Killed(p) {
				t.ticksLock.Release(p.CPU())
				return -1
			}
			t.tbl.Sleep(p, &t.ticks, &t.ticksLock)
		}
		t.ticksLock.Release(p.CPU())
		return 0
	})
}

// Uptime returns the number of clock ticks since boot.
func (t *Trap) Uptime(p *proc.Proc) int {
	return t.syscall(p, func() int {
		t.ticksLock.Acquire(p.CPU())
		ticks := t.ticks
		t.ticksLock.Release(p.CPU())
		return int(ticks)
	})
}

// Dump prints the saved s2-s11 registers of p to the console.
func (t *Trap) Dump(p *proc.Proc) int {
	return t.syscall(p, func() int {
		t.tbl.Dump(p, t.console)
		return 0
	})
}

// Dump2 stores register s<reg> of process pid at addr. It returns 0 on
// success, -1 if p may not inspect pid, -2 for unknown pids, -3 for invalid
// registers and -4 if the value cannot be stored.
func (t *Trap) Dump2(p *proc.Proc, pid, reg int, addr uintptr) int {
	return t.syscall(p, func() int {
		return errnoOf(t.tbl.Dump2(p, pid, reg, addr))
	})
}

// ShmOpen opens the shared memory object called name and returns a
// descriptor for it. With OCreate, a missing object of size bytes is created;
// a zero size defaults to one page. Names must start with a slash.
func (t *Trap) ShmOpen(p *proc.Proc, name string, flags int, size uintptr) int {
	return t.syscall(p, func() int {
		if !strings.HasPrefix(name, "/") {
			return -1
		}

		var (
			obj *shm.Object
			err *kernel.Error
		)
		if flags&OCreate != 0 {
			if size == 0 {
				size = mm.PageSize
			}
			obj, err = t.shm.Create(name, size)
		} else {
			obj, err = t.shm.Lookup(name)
		}
		if err != nil {
			return -1
		}

		h := t.shm.Open(obj, flags&(OWrOnly|ORdWr) != 0)
		fd, ok := p.AllocFD(h)
		if !ok {
			h.Close()
			return -1
		}
		return fd
	})
}

// ShmUnlink removes name from the shared memory namespace.
func (t *Trap) ShmUnlink(p *proc.Proc, name string) int {
	return t.syscall(p, func() int {
		if t.shm.Unlink(name) != nil {
			return -1
		}
		return 0
	})
}

// handle returns the shared memory handle installed at fd.
func handle(p *proc.Proc, fd int) *shm.Handle {
	h, _ := p.File(fd).(*shm.Handle)
	return h
}

// ShmMap maps the object open at fd into p at the page-aligned address
// virtAddr. Read-only descriptors produce read-only mappings.
func (t *Trap) ShmMap(p *proc.Proc, fd int, virtAddr uintptr) int {
	return t.syscall(p, func() int {
		h := handle(p, fd)
		if h == nil || !pageAligned(virtAddr) {
			return -1
		}

		var flags vmm.PageTableEntryFlag
		if h.Writable() {
			flags |= vmm.FlagRW
		}
		if t.shm.Map(p.PageTable(), virtAddr, h.Object(), flags) != nil {
			return -1
		}
		return 0
	})
}

// ShmUnmap removes the mapping of the object open at fd from virtAddr.
func (t *Trap) ShmUnmap(p *proc.Proc, fd int, virtAddr uintptr) int {
	return t.syscall(p, func() int {
		h := handle(p, fd)
		if h == nil || t.shm.Unmap(p.PageTable(), virtAddr, h.Object()) != nil {
			return -1
		}
		return 0
	})
}

// Read reads up to n bytes from fd into the user address addr.
func (t *Trap) Read(p *proc.Proc, fd int, addr uintptr, n int) int {
	return t.syscall(p, func() int {
		h := handle(p, fd)
		if h == nil {
			return -1
		}
		count, _ := h.Read(p, addr, n)
		return count
	})
}

// Write writes up to n bytes from the user address addr to fd.
func (t *Trap) Write(p *proc.Proc, fd int, addr uintptr, n int) int {
	return t.syscall(p, func() int {
		h := handle(p, fd)
		if h == nil {
			return -1
		}
		count, _ := h.Write(p, addr, n)
		return count
	})
}

// Close releases the descriptor fd.
func (t *Trap) Close(p *proc.Proc, fd int) int {
	return t.syscall(p, func() int {
		if !p.CloseFD(fd) {
			return -1
		}
		return 0
	})
}
