package vmm

import (
	"testing"

	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/pmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const userFlags = FlagPresent | FlagRW | FlagUserAccessible

func newTestAllocator(t *testing.T, frameCount int) *pmm.Allocator {
	t.Helper()

	alloc, err := pmm.New(mm.PageSize, uintptr(frameCount+1)*mm.PageSize, zap.NewNop())
	require.Nil(t, err)
	return alloc
}

func newTestPDT(t *testing.T, alloc *pmm.Allocator) *PageDirectoryTable {
	t.Helper()

	pdt, err := New(alloc)
	require.Nil(t, err)
	return pdt
}

func freeFrames(alloc *pmm.Allocator) uint64 {
	return alloc.Stats().FreeFrames
}

func TestMapTranslateUnmap(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	pdt := newTestPDT(t, alloc)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)

	page := mm.PageFromAddress(0x400000)
	require.Nil(t, pdt.Map(page, frame, userFlags))

	physAddr, err := pdt.Translate(page.Address() + 0x123)
	require.Nil(t, err)
	assert.Equal(t, frame.Address()+0x123, physAddr)
	assert.True(t, pdt.IsMapped(page.Address()))

	assert.Equal(t, errRemap, pdt.Map(page, frame, userFlags))

	require.Nil(t, pdt.Unmap(page, true))
	assert.Equal(t, 0, alloc.RefGet(frame))
	assert.False(t, pdt.IsMapped(page.Address()))
	assert.Equal(t, errNotMapped, pdt.Unmap(page, true))

	_, err = pdt.Translate(page.Address())
	assert.Equal(t, errNotMapped, err)
}

func TestMapErrors(t *testing.T) {
	t.Run("address out of range", func(t *testing.T) {
		alloc := newTestAllocator(t, 4)
		pdt := newTestPDT(t, alloc)
		assert.Equal(t, errAddressRange, pdt.Map(mm.PageFromAddress(MaxVirtAddr), 0, userFlags))
	})

	t.Run("no frames for page tables", func(t *testing.T) {
		alloc := newTestAllocator(t, 2)
		pdt := newTestPDT(t, alloc)

		// Exhaust the pool so no intermediate table can be allocated.
		_, err := alloc.AllocFrame()
		require.Nil(t, err)
		assert.Equal(t, pmm.ErrOutOfMemory, pdt.Map(mm.Page(0), 0, userFlags))
	})
}

func TestTranslateIgnoresKernelPages(t *testing.T) {
	alloc := newTestAllocator(t, 8)
	pdt := newTestPDT(t, alloc)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, pdt.Map(mm.PageFromAddress(TrapFrameAddr), frame, FlagPresent|FlagRW))

	_, err = pdt.Translate(TrapFrameAddr)
	assert.Equal(t, errNotMapped, err)
	_, err = pdt.Access(TrapFrameAddr, false)
	assert.Equal(t, ErrFault, err)
}

func TestGrowShrink(t *testing.T) {
	alloc := newTestAllocator(t, 32)
	initialFree := freeFrames(alloc)
	pdt := newTestPDT(t, alloc)

	size, err := pdt.Grow(0, 3*mm.PageSize+1, FlagRW)
	require.Nil(t, err)
	assert.Equal(t, 3*mm.PageSize+1, size)

	for page := mm.Page(0); page < 4; page++ {
		buf, err := pdt.Access(page.Address(), true)
		require.Nil(t, err)
		assert.Equal(t, make([]byte, mm.PageSize), buf, "grown pages should be zero-filled")
	}

	size = pdt.Shrink(size, mm.PageSize)
	assert.Equal(t, mm.PageSize, size)
	assert.True(t, pdt.IsMapped(0))
	assert.False(t, pdt.IsMapped(mm.PageSize))

	size = pdt.Shrink(size, 0)
	assert.Equal(t, uintptr(0), size)
	assert.False(t, pdt.IsMapped(0))

	// Intermediate tables and the root stay allocated until Destroy.
	assert.Equal(t, initialFree-3, freeFrames(alloc))
	pdt.Destroy()
	assert.Equal(t, initialFree, freeFrames(alloc))
}

func TestGrowRollsBackOnExhaustion(t *testing.T) {
	alloc := newTestAllocator(t, 6)
	pdt := newTestPDT(t, alloc)

	// root + 2 intermediate tables leave 3 frames for pages.
	size, err := pdt.Grow(0, 8*mm.PageSize, FlagRW)
	assert.Equal(t, pmm.ErrOutOfMemory, err)
	assert.Equal(t, uintptr(0), size)
	assert.False(t, pdt.IsMapped(0))
	assert.Equal(t, uint64(3), freeFrames(alloc))
}

func TestCopyToEager(t *testing.T) {
	alloc := newTestAllocator(t, 32)
	parent := newTestPDT(t, alloc)
	child := newTestPDT(t, alloc)

	size, err := parent.Grow(0, 2*mm.PageSize, FlagRW)
	require.Nil(t, err)
	require.Nil(t, parent.CopyOut(100, []byte("parent"), size))

	require.Nil(t, parent.CopyTo(child, false))

	got := make([]byte, 6)
	require.Nil(t, child.CopyIn(got, 100, size))
	assert.Equal(t, "parent", string(got))

	require.Nil(t, child.CopyOut(100, []byte("child!"), size))
	require.Nil(t, parent.CopyIn(got, 100, size))
	assert.Equal(t, "parent", string(got), "child writes must not be visible to the parent")

	parentPhys, _ := parent.Translate(0)
	childPhys, _ := child.Translate(0)
	assert.NotEqual(t, parentPhys, childPhys)
}

func TestCopyToCopyOnWrite(t *testing.T) {
	alloc := newTestAllocator(t, 32)
	parent := newTestPDT(t, alloc)
	child := newTestPDT(t, alloc)

	size, err := parent.Grow(0, mm.PageSize, FlagRW)
	require.Nil(t, err)
	require.Nil(t, parent.CopyOut(0, []byte("shared"), size))

	require.Nil(t, parent.CopyTo(child, true))

	parentPhys, _ := parent.Translate(0)
	childPhys, _ := child.Translate(0)
	require.Equal(t, parentPhys, childPhys)

	frame := mm.FrameFromAddress(parentPhys)
	assert.Equal(t, 2, alloc.RefGet(frame))
	assert.True(t, parent.IsCopyOnWrite(0))
	assert.True(t, child.IsCopyOnWrite(0))

	_, err = child.Access(0, true)
	assert.Equal(t, ErrFault, err, "writes to a copy-on-write page must fault")

	require.Nil(t, child.ResolveCopyOnWrite(0))
	assert.False(t, child.IsCopyOnWrite(0))
	assert.Equal(t, 1, alloc.RefGet(frame))

	buf, err := child.Access(0, true)
	require.Nil(t, err)
	copy(buf, "CHILD!")

	got := make([]byte, 6)
	require.Nil(t, parent.CopyIn(got, 0, size))
	assert.Equal(t, "shared", string(got))

	// The parent still holds the page as copy-on-write; a kernel write
	// resolves the fault transparently.
	require.Nil(t, parent.CopyOut(0, []byte("PARENT"), size))
	assert.False(t, parent.IsCopyOnWrite(0))
	assert.Equal(t, 0, alloc.RefGet(frame), "the original frame should be released after both copies")

	assert.Equal(t, errNotCopyOnWrite, parent.ResolveCopyOnWrite(0))
}

func TestCopyToSharedPages(t *testing.T) {
	alloc := newTestAllocator(t, 32)
	parent := newTestPDT(t, alloc)
	child := newTestPDT(t, alloc)

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, parent.Map(mm.Page(16), frame, userFlags|FlagShared))

	for _, cow := range []bool{true, false} {
		require.Nil(t, parent.CopyTo(child, cow))

		childPhys, err := child.Translate(mm.Page(16).Address())
		require.Nil(t, err)
		assert.Equal(t, frame.Address(), childPhys)
		assert.False(t, child.IsCopyOnWrite(mm.Page(16).Address()))
		assert.Equal(t, 2, alloc.RefGet(frame))

		require.Nil(t, child.Unmap(mm.Page(16), true))
	}
}

func TestCopyToRollback(t *testing.T) {
	alloc := newTestAllocator(t, 10)
	parent := newTestPDT(t, alloc)
	child := newTestPDT(t, alloc)

	// Two roots, two tables and four pages leave no room for a full copy.
	_, err := parent.Grow(0, 4*mm.PageSize, FlagRW)
	require.Nil(t, err)
	before := freeFrames(alloc)

	err = parent.CopyTo(child, false)
	assert.Equal(t, pmm.ErrOutOfMemory, err)

	for page := mm.Page(0); page < 4; page++ {
		assert.False(t, child.IsMapped(page.Address()))
	}

	child.Destroy()
	assert.Equal(t, before+1, freeFrames(alloc))
}

func TestCopyOnWriteCopyToRollback(t *testing.T) {
	alloc := newTestAllocator(t, 10)
	parent := newTestPDT(t, alloc)
	child := newTestPDT(t, alloc)

	const highAddr = 1 << 30

	// Each mapping needs two table frames in the child; only two are left.
	_, err := parent.Grow(0, mm.PageSize, FlagRW)
	require.Nil(t, err)
	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, parent.Map(mm.PageFromAddress(highAddr), frame, userFlags))
	require.Equal(t, uint64(2), freeFrames(alloc))

	err = parent.CopyTo(child, true)
	assert.Equal(t, pmm.ErrOutOfMemory, err)

	for _, addr := range []uintptr{0, highAddr} {
		assert.False(t, child.IsMapped(addr), "addr %#x", addr)
		assert.False(t, parent.IsCopyOnWrite(addr), "addr %#x", addr)

		pageFrame, err := parent.Translate(addr)
		require.Nil(t, err)
		assert.Equal(t, 1, alloc.RefGet(mm.FrameFromAddress(pageFrame)), "addr %#x", addr)
	}

	// Writes need no allocation even with the pool drained.
	child.Destroy()
	for freeFrames(alloc) > 0 {
		_, err = alloc.AllocFrame()
		require.Nil(t, err)
	}
	buf, err := parent.Access(0, true)
	require.Nil(t, err)
	buf[0] = 'x'
	assert.Nil(t, parent.CopyOut(highAddr, []byte("x"), highAddr+mm.PageSize))
}

func TestResolveLazy(t *testing.T) {
	alloc := newTestAllocator(t, 16)
	pdt := newTestPDT(t, alloc)
	size := 4 * mm.PageSize

	_, err := pdt.Access(2*mm.PageSize, false)
	assert.Equal(t, ErrFault, err)

	require.Nil(t, pdt.ResolveLazy(2*mm.PageSize+10, size))
	buf, err := pdt.Access(2*mm.PageSize, true)
	require.Nil(t, err)
	assert.Equal(t, make([]byte, mm.PageSize), buf)

	assert.Equal(t, errAlreadyMapped, pdt.ResolveLazy(2*mm.PageSize, size))
	assert.Equal(t, errOutsideSize, pdt.ResolveLazy(size, size))

	// Kernel copies materialize pages on demand.
	require.Nil(t, pdt.CopyOut(mm.PageSize-2, []byte{1, 2, 3, 4}, size))
	assert.True(t, pdt.IsMapped(0))
	assert.True(t, pdt.IsMapped(mm.PageSize))

	assert.Equal(t, errOutsideSize, pdt.CopyOut(size, []byte{1}, size))
}

func TestDestroyReleasesEverything(t *testing.T) {
	alloc := newTestAllocator(t, 32)
	initialFree := freeFrames(alloc)
	pdt := newTestPDT(t, alloc)

	_, err := pdt.Grow(0, 5*mm.PageSize, FlagRW)
	require.Nil(t, err)
	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	require.Nil(t, pdt.Map(mm.PageFromAddress(1<<30), frame, userFlags))

	pdt.Destroy()
	assert.Equal(t, initialFree, freeFrames(alloc))
	assert.False(t, pdt.Frame().Valid())

	// Destroying twice is a no-op.
	pdt.Destroy()
}
