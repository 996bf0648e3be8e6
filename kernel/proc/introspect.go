package proc

import (
	"encoding/binary"
	"fmt"
	"io"

	"gopherxv/kernel"
)

const (
	// Saved registers s2 to s11 may be inspected.
	firstDumpReg = 2
	lastDumpReg  = 11
)

var (
	// ErrNoPermission is returned when the caller is neither the target
	// process nor one of its ancestors.
	ErrNoPermission = &kernel.Error{Module: "proc", Message: "permission denied"}

	// ErrInvalidPID is returned when no process with the requested pid
	// exists.
	ErrInvalidPID = &kernel.Error{Module: "proc", Message: "invalid pid"}

	// ErrInvalidRegister is returned for register indices outside s2-s11.
	ErrInvalidRegister = &kernel.Error{Module: "proc", Message: "invalid register"}

	// ErrReturnIO is returned when the register value cannot be copied to
	// the caller.
	ErrReturnIO = &kernel.Error{Module: "proc", Message: "cannot return register value"}
)

// Dump writes the saved s2-s11 registers of p to w.
func (t *Table) Dump(p *Proc, w io.Writer) {
	for reg := firstDumpReg; reg <= lastDumpReg; reg++ {
		fmt.Fprintf(w, "s%d = %d\n", reg, uint32(p.tf.S[reg]))
	}
}

// Dump2 copies the saved register s<reg> of the process identified by pid
// to the user address addr of p. Only p itself and its ancestors may
// inspect a process.
func (t *Table) Dump2(p *Proc, pid, reg int, addr uintptr) *kernel.Error {
	if reg < firstDumpReg || reg > lastDumpReg {
		return ErrInvalidRegister
	}

	t.lock.Acquire(p.cpu)

	var target *Proc
	for n := t.head.next; n != &t.head; n = n.next {
		if n.proc.pid == pid {
			target = n.proc
			break
		}
	}

	if target == nil || target.tf == nil {
		t.lock.Release(p.cpu)
		return ErrInvalidPID
	}

	allowed := target == p
	for ancestor := target.parent; !allowed && ancestor != nil; ancestor = ancestor.parent {
		allowed = ancestor == p
	}
	if !allowed {
		t.lock.Release(p.cpu)
		return ErrNoPermission
	}

	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], target.tf.S[reg])
	t.lock.Release(p.cpu)

	if err := p.pdt.CopyOut(addr, value[:], p.sz); err != nil {
		return ErrReturnIO
	}
	return nil
}
