package shm

import (
	"gopherxv/kernel"
	"gopherxv/kernel/proc"
	ksync "gopherxv/kernel/sync"
)

// Handle is an open shared memory descriptor. Duplicates created by fork
// share the handle and its offset; the object reference is dropped when the
// last duplicate is closed.
type Handle struct {
	lock ksync.Spinlock
	refs int
	off  int

	mgr      *Manager
	obj      *Object
	writable bool
}

// Open wraps a reference obtained from Create or Lookup in a handle. The
// handle takes ownership of that reference.
func (m *Manager) Open(obj *Object, writable bool) *Handle {
	return &Handle{
		refs:     1,
		mgr:      m,
		obj:      obj,
		writable: writable,
	}
}

// Object returns the object behind the handle.
func (h *Handle) Object() *Object {
	return h.obj
}

// Writable reports whether the handle was opened for writing.
func (h *Handle) Writable() bool {
	return h.writable
}

// Dup implements proc.File.
func (h *Handle) Dup() proc.File {
	h.lock.Acquire()
	h.refs++
	h.lock.Release()
	return h
}

// Close implements proc.File.
func (h *Handle) Close() {
	h.lock.Acquire()
	h.refs--
	last := h.refs == 0
	h.lock.Release()

	if last {
		h.mgr.Release(h.obj)
	}
}

// Read copies up to n bytes at the handle offset to the user address addr
// and advances the offset by the number of bytes copied.
func (h *Handle) Read(us UserMemory, addr uintptr, n int) (int, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	count, err := h.mgr.Read(h.obj, us, addr, h.off, n)
	if err != nil {
		return -1, err
	}
	h.off += count
	return count, nil
}

// Write copies up to n bytes from the user address addr to the handle
// offset and advances the offset by the number of bytes copied.
func (h *Handle) Write(us UserMemory, addr uintptr, n int) (int, *kernel.Error) {
	if !h.writable {
		return -1, ErrReadOnly
	}

	h.lock.Acquire()
	defer h.lock.Release()

	count, err := h.mgr.Write(h.obj, us, addr, h.off, n)
	if err != nil {
		return -1, err
	}
	h.off += count
	return count, nil
}

// Seek moves the handle offset to off.
func (h *Handle) Seek(off int) {
	h.lock.Acquire()
	h.off = off
	h.lock.Release()
}
