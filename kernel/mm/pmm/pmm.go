// Package pmm implements the physical frame allocator. Frames above the
// kernel image and below the top of physical memory are handed out from a
// free stack; every frame carries a reference count so that frames shared
// between address spaces are only returned to the pool once the last
// reference is dropped.
package pmm

import (
	"fmt"

	"gopherxv/kernel"
	"gopherxv/kernel/kfmt"
	"gopherxv/kernel/mm"
	ksync "gopherxv/kernel/sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	// allocFill is written to every frame handed out by AllocFrame and
	// freeFill to every frame returned to the pool, so that stale
	// references show up as recognizable garbage.
	allocFill = 0x05
	freeFill  = 0x01
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

var (
	// ErrOutOfMemory is returned when the free pool is exhausted.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errBadRange      = &kernel.Error{Module: "pmm", Message: "physical memory top must lie above the end of the kernel image"}
	errMisaligned    = &kernel.Error{Module: "pmm", Message: "free of misaligned address"}
	errFrameRange    = &kernel.Error{Module: "pmm", Message: "free of frame outside the managed region"}
	errDoubleFree    = &kernel.Error{Module: "pmm", Message: "free of frame that is not allocated"}
	errRefFreeFrame  = &kernel.Error{Module: "pmm", Message: "reference count update on a free frame"}
	errRefUnderflow  = &kernel.Error{Module: "pmm", Message: "reference count underflow"}
	errAccessOutside = &kernel.Error{Module: "pmm", Message: "access to frame outside the managed region"}
)

// Allocator is a physical frame allocator with per-frame reference counts.
// Allocations and frees are serialized by freeLock while reference count
// updates are serialized by refLock.
type Allocator struct {
	// startFrame is the first managed frame; endFrame is one past the
	// last managed frame.
	startFrame mm.Frame
	endFrame   mm.Frame

	// memory overlays the managed region [startFrame, endFrame).
	memory []byte

	freeLock ksync.Spinlock
	free     []mm.Frame

	// reservedBitmap tracks allocated frames; bit i corresponds to frame
	// (startFrame + i).
	reservedBitmap []uint64

	refLock ksync.Spinlock
	refs    []int32

	log *zap.Logger
}

// Stats describes the allocator state.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
}

// New returns an allocator that manages the physical memory between the
// page-rounded end of the kernel image and physTop.
func New(kernelEnd, physTop uintptr, log *zap.Logger) (*Allocator, *kernel.Error) {
	start := mm.PageRoundUp(kernelEnd)
	physTop = mm.PageRoundDown(physTop)
	if physTop <= start {
		return nil, errBadRange
	}

	if log == nil {
		log = kfmt.Logger()
	}

	alloc := &Allocator{
		startFrame: mm.FrameFromAddress(start),
		endFrame:   mm.FrameFromAddress(physTop),
		memory:     make([]byte, physTop-start),
		refs:       make([]int32, physTop>>mm.PageShift),
		log:        log.Named("pmm"),
	}

	frameCount := uint64(alloc.endFrame - alloc.startFrame)
	alloc.reservedBitmap = make([]uint64, (frameCount+63)>>6)
	alloc.free = make([]mm.Frame, 0, frameCount)

	// Push frames in reverse order so that allocations start from the
	// lowest address.
	kernel.Memset(alloc.memory, freeFill)
	for frame := alloc.endFrame - 1; ; frame-- {
		alloc.free = append(alloc.free, frame)
		if frame == alloc.startFrame {
			break
		}
	}

	alloc.printMemoryMap(kernelEnd)
	return alloc, nil
}

// printMemoryMap logs the physical memory layout seen by the allocator.
func (alloc *Allocator) printMemoryMap(kernelEnd uintptr) {
	managed := uint64(alloc.endFrame.Address() - alloc.startFrame.Address())
	alloc.log.Info("system memory map",
		zap.String("kernel", rangeString(0, kernelEnd)),
		zap.String("managed", rangeString(alloc.startFrame.Address(), alloc.endFrame.Address())),
		zap.String("free", humanize.IBytes(managed)),
		zap.Uint64("frames", uint64(alloc.endFrame-alloc.startFrame)),
	)
}

func rangeString(start, end uintptr) string {
	return fmt.Sprintf("[0x%10x - 0x%10x], size: %s", start, end, humanize.IBytes(uint64(end-start)))
}

// managed returns true if frame lies inside the region handed out by this
// allocator.
func (alloc *Allocator) managed(frame mm.Frame) bool {
	return frame >= alloc.startFrame && frame < alloc.endFrame
}

// markFrame updates the reservation bit for frame. The caller must hold
// freeLock.
func (alloc *Allocator) markFrame(frame mm.Frame, flag markAs) {
	var (
		index = uint64(frame - alloc.startFrame)
		block = index >> 6
		mask  = uint64(1) << (index & 63)
	)

	switch flag {
	case markFree:
		alloc.reservedBitmap[block] &^= mask
	case markReserved:
		alloc.reservedBitmap[block] |= mask
	}
}

// isReserved returns true if frame is currently allocated. The caller must
// hold freeLock.
func (alloc *Allocator) isReserved(frame mm.Frame) bool {
	index := uint64(frame - alloc.startFrame)
	return alloc.reservedBitmap[index>>6]&(uint64(1)<<(index&63)) != 0
}

// AllocFrame reserves a free frame, fills it with a junk pattern and sets its
// reference count to 1. It returns ErrOutOfMemory if no frame is available.
func (alloc *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.freeLock.Acquire()
	if len(alloc.free) == 0 {
		alloc.freeLock.Release()
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frame := alloc.free[len(alloc.free)-1]
	alloc.free = alloc.free[:len(alloc.free)-1]
	alloc.markFrame(frame, markReserved)

	// freeLock is always taken before refLock.
	alloc.refLock.Acquire()
	alloc.refs[frame] = 1
	alloc.refLock.Release()
	alloc.freeLock.Release()

	kernel.Memset(alloc.FrameBytes(frame), allocFill)
	return frame, nil
}

// FreeAddr returns the frame at the supplied physical address to the pool.
// The address must be page-aligned.
func (alloc *Allocator) FreeAddr(physAddr uintptr) {
	if physAddr&(mm.PageSize-1) != 0 {
		kfmt.Panic(errMisaligned)
	}

	alloc.FreeFrame(mm.FrameFromAddress(physAddr))
}

// FreeFrame returns frame to the pool regardless of its reference count.
// Freeing a frame outside the managed region or a frame that is not
// allocated is fatal.
func (alloc *Allocator) FreeFrame(frame mm.Frame) {
	if !alloc.managed(frame) {
		kfmt.Panic(errFrameRange)
	}

	alloc.refLock.Acquire()
	alloc.refs[frame] = 0
	alloc.refLock.Release()

	alloc.freeFrame(frame)
}

// freeFrame fills frame with junk and pushes it back to the free stack.
func (alloc *Allocator) freeFrame(frame mm.Frame) {
	alloc.freeLock.Acquire()
	if !alloc.isReserved(frame) {
		alloc.freeLock.Release()
		kfmt.Panic(errDoubleFree)
		return
	}

	kernel.Memset(alloc.FrameBytes(frame), freeFill)
	alloc.markFrame(frame, markFree)
	alloc.free = append(alloc.free, frame)
	alloc.freeLock.Release()
}

// RefInc increments the reference count of frame. Frames outside the
// managed region are ignored.
func (alloc *Allocator) RefInc(frame mm.Frame) {
	if !alloc.managed(frame) {
		return
	}

	alloc.refLock.Acquire()
	if alloc.refs[frame] == 0 {
		alloc.refLock.Release()
		kfmt.Panic(errRefFreeFrame)
		return
	}
	alloc.refs[frame]++
	alloc.refLock.Release()
}

// RefDec decrements the reference count of frame and frees it once the
// count reaches zero. Frames outside the managed region are ignored.
func (alloc *Allocator) RefDec(frame mm.Frame) {
	if !alloc.managed(frame) {
		return
	}

	alloc.refLock.Acquire()
	if alloc.refs[frame] <= 0 {
		alloc.refLock.Release()
		kfmt.Panic(errRefUnderflow)
		return
	}
	alloc.refs[frame]--
	release := alloc.refs[frame] == 0
	alloc.refLock.Release()

	if release {
		alloc.freeFrame(frame)
	}
}

// RefGet returns the reference count of frame; 0 if the frame is free or
// outside the managed region.
func (alloc *Allocator) RefGet(frame mm.Frame) int {
	if !alloc.managed(frame) {
		return 0
	}

	alloc.refLock.Acquire()
	defer alloc.refLock.Release()
	return int(alloc.refs[frame])
}

// FrameBytes returns a slice overlaying the contents of frame.
func (alloc *Allocator) FrameBytes(frame mm.Frame) []byte {
	if !alloc.managed(frame) {
		kfmt.Panic(errAccessOutside)
		return nil
	}

	offset := frame.Address() - alloc.startFrame.Address()
	return alloc.memory[offset : offset+mm.PageSize : offset+mm.PageSize]
}

// Stats returns a snapshot of the allocator state.
func (alloc *Allocator) Stats() Stats {
	alloc.freeLock.Acquire()
	defer alloc.freeLock.Release()

	return Stats{
		TotalFrames: uint64(alloc.endFrame - alloc.startFrame),
		FreeFrames:  uint64(len(alloc.free)),
	}
}

// ManagedRange returns the first managed frame and one past the last.
func (alloc *Allocator) ManagedRange() (mm.Frame, mm.Frame) {
	return alloc.startFrame, alloc.endFrame
}
