// Package shm implements named shared memory objects. Each object owns a set
// of physical frames which can be mapped into any number of address spaces
// and accessed through open handles. An object is only torn down once it has
// been unlinked from the namespace and its last reference is released.
package shm

import (
	"gopherxv/kernel"
	"gopherxv/kernel/kfmt"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/vmm"
	ksync "gopherxv/kernel/sync"

	"go.uber.org/zap"
)

var (
	// ErrBadName is returned for empty names or names that do not fit in
	// the configured maximum length.
	ErrBadName = &kernel.Error{Module: "shm", Message: "invalid object name"}

	// ErrBadSize is returned for zero sizes or sizes above the configured
	// ceiling.
	ErrBadSize = &kernel.Error{Module: "shm", Message: "invalid object size"}

	// ErrTableFull is returned when every object slot is in use.
	ErrTableFull = &kernel.Error{Module: "shm", Message: "shared memory table is full"}

	// ErrNotFound is returned when no linked object has the requested name.
	ErrNotFound = &kernel.Error{Module: "shm", Message: "no such object"}

	// ErrInvalidObject is returned when operating on an object whose slot
	// has been reset.
	ErrInvalidObject = &kernel.Error{Module: "shm", Message: "object is not valid"}

	// ErrMisaligned is returned by Map and Unmap for addresses that are not
	// page-aligned.
	ErrMisaligned = &kernel.Error{Module: "shm", Message: "mapping address is not page-aligned"}

	// ErrCopy is returned by Read and Write when the user buffer cannot be
	// accessed.
	ErrCopy = &kernel.Error{Module: "shm", Message: "cannot access user buffer"}

	// ErrReadOnly is returned when writing through a read-only handle.
	ErrReadOnly = &kernel.Error{Module: "shm", Message: "handle is not writable"}

	errRefUnderflow = &kernel.Error{Module: "shm", Message: "object reference count underflow"}
)

// Config defines the limits of the shared memory table.
type Config struct {
	// NameMax is the size of the name buffer; names must be shorter.
	NameMax int

	// MaxObjects is the number of object slots.
	MaxObjects int

	// MaxPages is the largest object size in pages.
	MaxPages int
}

// UserMemory is the address space of the process on whose behalf Read and
// Write copy data.
type UserMemory interface {
	CopyOut(addr uintptr, src []byte) error
	CopyIn(dst []byte, addr uintptr) error
}

// Object is a shared memory object slot.
type Object struct {
	lock ksync.Spinlock

	name     string
	ref      int
	size     uintptr
	frames   []mm.Frame
	valid    bool
	unlinked bool
}

// Name returns the name the object was created with.
func (obj *Object) Name() string {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return obj.name
}

// Size returns the object size in bytes.
func (obj *Object) Size() uintptr {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return obj.size
}

// PageCount returns the number of frames backing the object.
func (obj *Object) PageCount() int {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return len(obj.frames)
}

// Refs returns the number of open references to the object.
func (obj *Object) Refs() int {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return obj.ref
}

// Stats describes the shared memory table.
type Stats struct {
	Objects  int
	Unlinked int
	Pages    int
}

// Manager owns the shared memory table. The table lock guards name lookups
// and slot allocation; each object lock guards the fields of its slot. When
// both are needed the table lock is acquired first.
type Manager struct {
	lock    ksync.Spinlock
	objects []Object

	cfg   Config
	alloc mm.Allocator
	log   *zap.Logger
}

// NewManager returns a manager with cfg.MaxObjects empty slots.
func NewManager(cfg Config, alloc mm.Allocator, log *zap.Logger) *Manager {
	if log == nil {
		log = kfmt.Logger()
	}

	return &Manager{
		objects: make([]Object, cfg.MaxObjects),
		cfg:     cfg,
		alloc:   alloc,
		log:     log.Named("shm"),
	}
}

// find returns the linked object called name. The caller must hold the
// table lock.
func (m *Manager) find(name string) *Object {
	for i := range m.objects {
		obj := &m.objects[i]
		if obj.valid && !obj.unlinked && obj.name == name {
			return obj
		}
	}
	return nil
}

// Create returns a counted reference to the object called name, creating it
// with size zero-filled bytes if it does not exist yet. Attaching to an
// existing object ignores size. If the backing frames cannot be allocated,
// nothing is left behind.
func (m *Manager) Create(name string, size uintptr) (*Object, *kernel.Error) {
	if len(name) == 0 || len(name) >= m.cfg.NameMax {
		return nil, ErrBadName
	}

	if size == 0 || size > uintptr(m.cfg.MaxPages)*mm.PageSize {
		return nil, ErrBadSize
	}

	m.lock.Acquire()
	defer m.lock.Release()

	if obj := m.find(name); obj != nil {
		obj.lock.Acquire()
		obj.ref++
		obj.lock.Release()
		return obj, nil
	}

	var obj *Object
	for i := range m.objects {
		if !m.objects[i].valid {
			obj = &m.objects[i]
			break
		}
	}
	if obj == nil {
		return nil, ErrTableFull
	}

	obj.lock.Acquire()
	defer obj.lock.Release()

	pageCount := int(mm.PageRoundUp(size) >> mm.PageShift)
	frames := make([]mm.Frame, 0, pageCount)
	for len(frames) < pageCount {
		frame, err := m.alloc.AllocFrame()
		if err != nil {
			for _, f := range frames {
				m.alloc.RefDec(f)
			}
			m.log.Debug("create failed", zap.String("name", name), zap.Int("pages", pageCount), zap.Error(err))
			return nil, err
		}

		kernel.Memset(m.alloc.FrameBytes(frame), 0)
		frames = append(frames, frame)
	}

	obj.name = name
	obj.size = size
	obj.frames = frames
	obj.ref = 1
	obj.unlinked = false
	obj.valid = true

	m.log.Debug("created object", zap.String("name", name), zap.Uint64("size", uint64(size)), zap.Int("pages", pageCount))
	return obj, nil
}

// Lookup returns a counted reference to the linked object called name.
func (m *Manager) Lookup(name string) (*Object, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	obj := m.find(name)
	if obj == nil {
		return nil, ErrNotFound
	}

	obj.lock.Acquire()
	obj.ref++
	obj.lock.Release()
	return obj, nil
}

// Release drops a reference obtained from Create or Lookup. Once an unlinked
// object has no references left, its frames are released and its slot is
// reset.
func (m *Manager) Release(obj *Object) {
	if obj == nil {
		return
	}

	m.lock.Acquire()
	obj.lock.Acquire()

	if obj.ref == 0 {
		obj.lock.Release()
		m.lock.Release()
		kfmt.Panic(errRefUnderflow)
	}

	obj.ref--
	if obj.ref == 0 && obj.unlinked {
		m.destroy(obj)
	}

	obj.lock.Release()
	m.lock.Release()
}

// Unlink removes the object called name from the namespace. The object
// itself survives until its last reference is released.
func (m *Manager) Unlink(name string) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	obj := m.find(name)
	if obj == nil {
		return ErrNotFound
	}

	obj.lock.Acquire()
	obj.unlinked = true
	if obj.ref == 0 {
		m.destroy(obj)
	}
	obj.lock.Release()

	m.log.Debug("unlinked object", zap.String("name", name))
	return nil
}

// destroy drops the frames of obj and resets its slot. The caller must hold
// both the table lock and the object lock.
func (m *Manager) destroy(obj *Object) {
	for _, frame := range obj.frames {
		m.alloc.RefDec(frame)
	}

	m.log.Debug("destroyed object", zap.String("name", obj.name), zap.Int("pages", len(obj.frames)))

	obj.name = ""
	obj.size = 0
	obj.frames = nil
	obj.unlinked = false
	obj.valid = false
}

// Map installs the frames of obj into pdt starting at virtAddr. Every
// installed page holds a reference to its frame. If any page cannot be
// mapped, the pages installed by this call are removed again.
func (m *Manager) Map(pdt *vmm.PageDirectoryTable, virtAddr uintptr, obj *Object, flags vmm.PageTableEntryFlag) *kernel.Error {
	if virtAddr&(mm.PageSize-1) != 0 {
		return ErrMisaligned
	}

	obj.lock.Acquire()
	defer obj.lock.Release()

	if !obj.valid {
		return ErrInvalidObject
	}

	flags |= vmm.FlagPresent | vmm.FlagUserAccessible | vmm.FlagShared
	page := mm.PageFromAddress(virtAddr)
	for i, frame := range obj.frames {
		if err := pdt.Map(page+mm.Page(i), frame, flags); err != nil {
			pdt.UnmapRange(virtAddr, i, true)
			return err
		}
		m.alloc.RefInc(frame)
	}

	return nil
}

// Unmap removes the pages of obj mapped at virtAddr from pdt.
func (m *Manager) Unmap(pdt *vmm.PageDirectoryTable, virtAddr uintptr, obj *Object) *kernel.Error {
	if virtAddr&(mm.PageSize-1) != 0 {
		return ErrMisaligned
	}

	obj.lock.Acquire()
	defer obj.lock.Release()

	if !obj.valid {
		return ErrInvalidObject
	}

	pdt.UnmapRange(virtAddr, len(obj.frames), true)
	return nil
}

// Read copies up to n bytes starting at offset off of obj to the user
// address addr. The transfer is clamped to the object size; reads at or
// past the end return 0.
func (m *Manager) Read(obj *Object, us UserMemory, addr uintptr, off, n int) (int, *kernel.Error) {
	return m.transfer(obj, addr, off, n, func(buf []byte, addr uintptr) error {
		return us.CopyOut(addr, buf)
	})
}

// Write copies up to n bytes from the user address addr into obj starting
// at offset off. Writes never extend the object; writes at or past the end
// return 0.
func (m *Manager) Write(obj *Object, us UserMemory, addr uintptr, off, n int) (int, *kernel.Error) {
	return m.transfer(obj, addr, off, n, func(buf []byte, addr uintptr) error {
		return us.CopyIn(buf, addr)
	})
}

// transfer walks the frames of obj covering [off, off+n) and invokes copyFn
// for each page-sized chunk with the chunk's backing bytes and user address.
func (m *Manager) transfer(obj *Object, addr uintptr, off, n int, copyFn func([]byte, uintptr) error) (int, *kernel.Error) {
	obj.lock.Acquire()
	defer obj.lock.Release()

	if !obj.valid {
		return -1, ErrInvalidObject
	}

	if off < 0 || uintptr(off) >= obj.size || n <= 0 {
		return 0, nil
	}
	if uintptr(off+n) > obj.size {
		n = int(obj.size) - off
	}

	done := 0
	for done < n {
		pos := uintptr(off + done)
		pageOff := pos & (mm.PageSize - 1)
		chunk := int(mm.PageSize - pageOff)
		if chunk > n-done {
			chunk = n - done
		}

		frameBytes := m.alloc.FrameBytes(obj.frames[pos>>mm.PageShift])
		if err := copyFn(frameBytes[pageOff:pageOff+uintptr(chunk)], addr+uintptr(done)); err != nil {
			return -1, ErrCopy
		}
		done += chunk
	}

	return done, nil
}

// Stats returns a snapshot of the shared memory table.
func (m *Manager) Stats() Stats {
	m.lock.Acquire()
	defer m.lock.Release()

	var stats Stats
	for i := range m.objects {
		obj := &m.objects[i]
		obj.lock.Acquire()
		if obj.valid {
			stats.Objects++
			stats.Pages += len(obj.frames)
			if obj.unlinked {
				stats.Unlinked++
			}
		}
		obj.lock.Release()
	}
	return stats
}
