package shm

import (
	"bytes"
	"errors"
	"testing"

	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/pmm"
	"gopherxv/kernel/mm/vmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errTestBadAddr = errors.New("bad address")

// userBuffer is a flat user address space starting at address 0.
type userBuffer struct {
	mem []byte
}

func (u *userBuffer) CopyOut(addr uintptr, src []byte) error {
	if addr+uintptr(len(src)) > uintptr(len(u.mem)) {
		return errTestBadAddr
	}
	copy(u.mem[addr:], src)
	return nil
}

func (u *userBuffer) CopyIn(dst []byte, addr uintptr) error {
	if addr+uintptr(len(dst)) > uintptr(len(u.mem)) {
		return errTestBadAddr
	}
	copy(dst, u.mem[addr:])
	return nil
}

func testConfig() Config {
	return Config{NameMax: 32, MaxObjects: 16, MaxPages: 1024}
}

func newTestManager(t *testing.T, cfg Config, frameCount int) (*Manager, *pmm.Allocator) {
	t.Helper()

	alloc, err := pmm.New(mm.PageSize, uintptr(frameCount+1)*mm.PageSize, zap.NewNop())
	require.Nil(t, err)

	return NewManager(cfg, alloc, zap.NewNop()), alloc
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), 8)

	specs := []struct {
		name   string
		size   uintptr
		expErr interface{}
	}{
		{"", mm.PageSize, ErrBadName},
		{"/" + string(bytes.Repeat([]byte{'a'}, 31)), mm.PageSize, ErrBadName},
		{"/ok", 0, ErrBadSize},
		{"/ok", 1025 * mm.PageSize, ErrBadSize},
	}

	for specIndex, spec := range specs {
		obj, err := m.Create(spec.name, spec.size)
		assert.Nil(t, obj, "[spec %d]", specIndex)
		assert.Equal(t, spec.expErr, err, "[spec %d]", specIndex)
	}

	// The longest accepted name leaves room for the terminator.
	obj, err := m.Create("/"+string(bytes.Repeat([]byte{'a'}, 30)), mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, 1, obj.PageCount())
}

func TestCreateAttachesToExisting(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 8)

	obj, err := m.Create("/a", 100)
	require.Nil(t, err)
	assert.Equal(t, "/a", obj.Name())
	assert.Equal(t, uintptr(100), obj.Size())
	assert.Equal(t, 1, obj.Refs())

	again, err := m.Create("/a", 5*mm.PageSize)
	require.Nil(t, err)
	assert.Equal(t, obj, again)
	assert.Equal(t, uintptr(100), again.Size())
	assert.Equal(t, 2, obj.Refs())
	assert.Equal(t, uint64(7), alloc.Stats().FreeFrames)

	found, err := m.Lookup("/a")
	require.Nil(t, err)
	assert.Equal(t, obj, found)
	assert.Equal(t, 3, obj.Refs())

	_, err = m.Lookup("/b")
	assert.Equal(t, ErrNotFound, err)
	assert.Equal(t, ErrNotFound, m.Unlink("/b"))
}

func TestCreateIsZeroFilled(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), 8)

	obj, err := m.Create("/z", 2*mm.PageSize)
	require.Nil(t, err)

	user := &userBuffer{mem: bytes.Repeat([]byte{0xff}, 2*int(mm.PageSize))}
	n, err := m.Read(obj, user, 0, 0, len(user.mem))
	require.Nil(t, err)
	assert.Equal(t, len(user.mem), n)
	assert.Equal(t, make([]byte, len(user.mem)), user.mem)
}

func TestUnlinkWithOpenReference(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 8)
	initialFree := alloc.Stats().FreeFrames

	obj, err := m.Create("/x", mm.PageSize)
	require.Nil(t, err)

	user := &userBuffer{mem: make([]byte, 64)}
	copy(user.mem, "hello")
	n, err := m.Write(obj, user, 0, 0, 5)
	require.Nil(t, err)
	require.Equal(t, 5, n)

	second, err := m.Lookup("/x")
	require.Nil(t, err)

	require.Nil(t, m.Unlink("/x"))
	assert.Equal(t, ErrNotFound, m.Unlink("/x"))

	_, err = m.Lookup("/x")
	assert.Equal(t, ErrNotFound, err, "unlinked names must disappear from the namespace")
	assert.Equal(t, Stats{Objects: 1, Unlinked: 1, Pages: 1}, m.Stats())

	// Held references keep observing the data.
	n, err = m.Read(second, user, 32, 0, 5)
	require.Nil(t, err)
	assert.Equal(t, "hello", string(user.mem[32:32+n]))

	m.Release(obj)
	assert.Equal(t, 1, second.Refs())
	assert.Equal(t, initialFree-1, alloc.Stats().FreeFrames)

	m.Release(second)
	assert.Equal(t, Stats{}, m.Stats())
	assert.Equal(t, initialFree, alloc.Stats().FreeFrames)

	_, err = m.Read(second, user, 0, 0, 5)
	assert.Equal(t, ErrInvalidObject, err)

	// The slot can be reused for a fresh, zero-filled object.
	fresh, err := m.Create("/x", mm.PageSize)
	require.Nil(t, err)
	n, err = m.Read(fresh, user, 0, 0, 5)
	require.Nil(t, err)
	assert.Equal(t, make([]byte, 5), user.mem[:n])
}

func TestUnlinkWithoutReferences(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 8)
	initialFree := alloc.Stats().FreeFrames

	obj, err := m.Create("/y", 3*mm.PageSize)
	require.Nil(t, err)

	// Dropping the last reference of a linked object keeps it alive.
	m.Release(obj)
	assert.Equal(t, Stats{Objects: 1, Pages: 3}, m.Stats())

	again, err := m.Lookup("/y")
	require.Nil(t, err)
	assert.Equal(t, obj, again)
	m.Release(again)

	require.Nil(t, m.Unlink("/y"))
	assert.Equal(t, Stats{}, m.Stats())
	assert.Equal(t, initialFree, alloc.Stats().FreeFrames)
}

func TestReleaseUnderflowIsFatal(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), 8)

	obj, err := m.Create("/u", mm.PageSize)
	require.Nil(t, err)
	m.Release(obj)

	assert.PanicsWithValue(t, errRefUnderflow, func() { m.Release(obj) })
	assert.False(t, m.lock.Locked())
}

func TestTableFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxObjects = 2
	m, _ := newTestManager(t, cfg, 8)

	_, err := m.Create("/1", 1)
	require.Nil(t, err)
	_, err = m.Create("/2", 1)
	require.Nil(t, err)

	_, err = m.Create("/3", 1)
	assert.Equal(t, ErrTableFull, err)

	// Attaching does not need a slot.
	_, err = m.Create("/1", 1)
	assert.Nil(t, err)
}

func TestCreateOutOfMemory(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 4)

	obj, err := m.Create("/big", 5*mm.PageSize)
	assert.Nil(t, obj)
	assert.Equal(t, pmm.ErrOutOfMemory, err)
	assert.Equal(t, uint64(4), alloc.Stats().FreeFrames)
	assert.Equal(t, Stats{}, m.Stats())

	_, err = m.Lookup("/big")
	assert.Equal(t, ErrNotFound, err)
}

func TestMultiPageReadWrite(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), 8)

	obj, err := m.Create("/mp", 3*mm.PageSize)
	require.Nil(t, err)

	user := &userBuffer{mem: make([]byte, 4*mm.PageSize)}
	for i := 0; i < 201; i++ {
		user.mem[i] = byte(i)
	}

	// The range straddles the boundary between page 0 and page 1.
	n, err := m.Write(obj, user, 0, 4000, 201)
	require.Nil(t, err)
	require.Equal(t, 201, n)

	n, err = m.Read(obj, user, 1000, 4000, 201)
	require.Nil(t, err)
	require.Equal(t, 201, n)
	assert.Equal(t, user.mem[:201], user.mem[1000:1201])

	specs := []struct {
		descr  string
		off, n int
		exp    int
	}{
		{"truncated at the end", 3*int(mm.PageSize) - 10, 50, 10},
		{"offset at the end", 3 * int(mm.PageSize), 10, 0},
		{"offset past the end", 5 * int(mm.PageSize), 10, 0},
		{"zero length", 0, 0, 0},
		{"negative length", 0, -4, 0},
		{"whole object", 0, 4 * int(mm.PageSize), 3 * int(mm.PageSize)},
	}

	for specIndex, spec := range specs {
		n, err := m.Write(obj, user, 0, spec.off, spec.n)
		assert.Nil(t, err, "[spec %d] %s", specIndex, spec.descr)
		assert.Equal(t, spec.exp, n, "[spec %d] write: %s", specIndex, spec.descr)

		n, err = m.Read(obj, user, 0, spec.off, spec.n)
		assert.Nil(t, err, "[spec %d] %s", specIndex, spec.descr)
		assert.Equal(t, spec.exp, n, "[spec %d] read: %s", specIndex, spec.descr)
	}

	assert.Equal(t, 3*mm.PageSize, obj.Size(), "writes must never extend the object")
}

func TestReadWriteCopyFailure(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), 8)

	obj, err := m.Create("/cf", 2*mm.PageSize)
	require.Nil(t, err)

	// The user buffer ends in the middle of the transfer.
	user := &userBuffer{mem: make([]byte, 100)}

	n, err := m.Read(obj, user, 0, 0, 200)
	assert.Equal(t, -1, n)
	assert.Equal(t, ErrCopy, err)

	n, err = m.Write(obj, user, 50, 0, 100)
	assert.Equal(t, -1, n)
	assert.Equal(t, ErrCopy, err)
}

func TestMapUnmap(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 32)
	initialFree := alloc.Stats().FreeFrames

	pdt, err := vmm.New(alloc)
	require.Nil(t, err)

	obj, err := m.Create("/map", 3*mm.PageSize)
	require.Nil(t, err)

	const base = 0x400000
	require.Nil(t, m.Map(pdt, base, obj, vmm.FlagRW))

	for i, frame := range obj.frames {
		va := uintptr(base) + uintptr(i)*mm.PageSize
		assert.Equal(t, 2, alloc.RefGet(frame))

		phys, err := pdt.Translate(va)
		require.Nil(t, err)
		assert.Equal(t, frame.Address(), phys)
	}

	// Writes through the mapping are visible to Read.
	buf, err := pdt.Access(base+mm.PageSize+8, true)
	require.Nil(t, err)
	copy(buf, "mapped")

	user := &userBuffer{mem: make([]byte, 16)}
	n, err := m.Read(obj, user, 0, int(mm.PageSize)+8, 6)
	require.Nil(t, err)
	assert.Equal(t, "mapped", string(user.mem[:n]))

	// The mapping outlives the object.
	require.Nil(t, m.Unlink("/map"))
	frames := append([]mm.Frame(nil), obj.frames...)
	m.Release(obj)
	for _, frame := range frames {
		assert.Equal(t, 1, alloc.RefGet(frame))
	}
	assert.Equal(t, ErrInvalidObject, m.Unmap(pdt, base, obj))

	pdt.UnmapRange(base, len(frames), true)
	pdt.Destroy()
	assert.Equal(t, initialFree, alloc.Stats().FreeFrames)
}

func TestUnmapDropsReferences(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 32)

	pdt, err := vmm.New(alloc)
	require.Nil(t, err)

	obj, err := m.Create("/um", 2*mm.PageSize)
	require.Nil(t, err)

	require.Nil(t, m.Map(pdt, 0x10000, obj, vmm.FlagRW))
	require.Nil(t, m.Unmap(pdt, 0x10000, obj))

	for i, frame := range obj.frames {
		assert.Equal(t, 1, alloc.RefGet(frame))
		assert.False(t, pdt.IsMapped(0x10000+uintptr(i)*mm.PageSize))
	}

	assert.Equal(t, ErrMisaligned, m.Map(pdt, 0x10010, obj, vmm.FlagRW))
	assert.Equal(t, ErrMisaligned, m.Unmap(pdt, 0x10010, obj))
}

func TestMapRollsBack(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 32)

	pdt, err := vmm.New(alloc)
	require.Nil(t, err)

	obj, err := m.Create("/rb", 3*mm.PageSize)
	require.Nil(t, err)

	// Occupy the third page of the target range.
	const base = 0x200000
	blocker, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, pdt.Map(mm.PageFromAddress(base+2*mm.PageSize), blocker, vmm.FlagPresent|vmm.FlagUserAccessible))

	assert.NotNil(t, m.Map(pdt, base, obj, vmm.FlagRW))

	assert.False(t, pdt.IsMapped(base))
	assert.False(t, pdt.IsMapped(base+mm.PageSize))
	for _, frame := range obj.frames {
		assert.Equal(t, 1, alloc.RefGet(frame))
	}
	assert.Equal(t, 1, alloc.RefGet(blocker))
}

func TestForkSharesMappings(t *testing.T) {
	m, alloc := newTestManager(t, testConfig(), 64)

	parent, err := vmm.New(alloc)
	require.Nil(t, err)
	child, err := vmm.New(alloc)
	require.Nil(t, err)

	obj, err := m.Create("/fork", mm.PageSize)
	require.Nil(t, err)
	require.Nil(t, m.Map(parent, 0x1000, obj, vmm.FlagRW))

	require.Nil(t, parent.CopyTo(child, true))
	assert.Equal(t, 3, alloc.RefGet(obj.frames[0]))
	assert.False(t, parent.IsCopyOnWrite(0x1000))

	buf, err := child.Access(0x1000, true)
	require.Nil(t, err)
	copy(buf, "child")

	buf, err = parent.Access(0x1000, false)
	require.Nil(t, err)
	assert.Equal(t, "child", string(buf[:5]))
}
