package vmm

import "gopherxv/kernel/mm"

// PageTableEntryFlag is a permission or status bit of a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry packs a physical frame address (bits 12-51) together with
// its flag bits.
type pageTableEntry uintptr

// makePTE returns an entry pointing at frame with the given flags set.
func makePTE(frame mm.Frame, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry(frame.Address()&ptePhysPageMask | uintptr(flags)&^ptePhysPageMask)
}

// HasFlags reports whether every bit in flags is set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return PageTableEntryFlag(pte)&flags == flags
}

// Flags returns the entry without its frame address.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= pageTableEntry(flags)
}

// Frame returns the physical frame the entry points at.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uintptr(pte) & ptePhysPageMask)
}

// SetFrame repoints the entry at frame, keeping its flags.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = makePTE(frame, pte.Flags())
}
