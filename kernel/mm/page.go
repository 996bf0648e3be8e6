package mm

import (
	"math"

	"gopherxv/kernel"
)

// Frame is the index of a physical page.
type Frame uintptr

// InvalidFrame is returned by allocators that could not reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns false for InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of f.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(PageRoundDown(physAddr) >> PageShift)
}

// Page is the index of a virtual page.
type Page uintptr

// Address returns the virtual address of the first byte of p.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(PageRoundDown(virtAddr) >> PageShift)
}

// PageRoundUp rounds addr up to the nearest page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return PageRoundDown(addr + PageSize - 1)
}

// PageRoundDown rounds addr down to the page that contains it.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// Allocator is implemented by physical frame allocators that keep a
// reference count for every frame they hand out. A frame returned by
// AllocFrame starts with a reference count of 1 and is returned to the free
// pool when RefDec drops its count to 0 or when FreeFrame is invoked.
type Allocator interface {
	// AllocFrame reserves a single frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame to the free pool.
	FreeFrame(Frame)

	// RefInc increments the reference count of a frame.
	RefInc(Frame)

	// RefDec decrements the reference count of a frame, freeing it when
	// the count reaches zero.
	RefDec(Frame)

	// RefGet returns the reference count of a frame.
	RefGet(Frame) int

	// FrameBytes returns a slice overlaying the contents of an allocated
	// frame.
	FrameBytes(Frame) []byte
}
