// Package vmm implements per-process address spaces. Each address space is a
// multi-level page table whose tables live in frames obtained from a
// reference counting frame allocator.
package vmm

import (
	"unsafe"

	"gopherxv/kernel"
	"gopherxv/kernel/mm"
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme together with the allocator that backs its tables and pages.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
	alloc    mm.Allocator
}

// New allocates and clears the top-level table of a new address space.
func New(alloc mm.Allocator) (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}

	kernel.Memset(alloc.FrameBytes(pdtFrame), 0)
	return &PageDirectoryTable{pdtFrame: pdtFrame, alloc: alloc}, nil
}

// Frame returns the physical frame that holds the top-level table.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// table returns the page table stored in frame.
func (pdt *PageDirectoryTable) table(frame mm.Frame) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(&pdt.alloc.FrameBytes(frame)[0]))
}

// Destroy releases every user page mapped in this address space and frees
// the frames used by its page tables. Non-user mappings must be removed by
// their owner before calling Destroy.
func (pdt *PageDirectoryTable) Destroy() {
	if !pdt.pdtFrame.Valid() {
		return
	}

	pdt.freeTable(pdt.pdtFrame, 0)
	pdt.pdtFrame = mm.InvalidFrame
}

func (pdt *PageDirectoryTable) freeTable(frame mm.Frame, level uint8) {
	table := pdt.table(frame)
	for index := range table {
		pte := table[index]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 {
			if pte.HasFlags(FlagUserAccessible) {
				pdt.alloc.RefDec(pte.Frame())
			}
		} else {
			pdt.freeTable(pte.Frame(), level+1)
		}
		table[index] = 0
	}

	pdt.alloc.FreeFrame(frame)
}
