package vmm

import (
	"gopherxv/kernel"
	"gopherxv/kernel/mm"
)

var (
	errNotCopyOnWrite = &kernel.Error{Module: "vmm", Message: "page is not flagged as copy-on-write"}
	errOutsideSize    = &kernel.Error{Module: "vmm", Message: "fault address lies beyond the address space size"}
	errAlreadyMapped  = &kernel.Error{Module: "vmm", Message: "fault address is already mapped"}
)

// ResolveCopyOnWrite gives the page containing faultAddress a private copy
// of its shared frame. The page is re-pointed to the copy with write
// permission and the reference count of the original frame is dropped.
func (pdt *PageDirectoryTable) ResolveCopyOnWrite(faultAddress uintptr) *kernel.Error {
	pte := pdt.lookup(faultAddress)
	if pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible|FlagCopyOnWrite) {
		return errNotCopyOnWrite
	}

	origFrame := pte.Frame()
	copyFrame, err := pdt.alloc.AllocFrame()
	if err != nil {
		return err
	}

	// Copy page contents, mark as RW and remove CoW flag
	copy(pdt.alloc.FrameBytes(copyFrame), pdt.alloc.FrameBytes(origFrame))
	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(copyFrame)

	pdt.alloc.RefDec(origFrame)
	return nil
}

// ResolveLazy maps a zero-filled frame at the page containing faultAddress.
// The address must lie below size, the number of bytes the address space
// has declared, and must not already be mapped.
func (pdt *PageDirectoryTable) ResolveLazy(faultAddress, size uintptr) *kernel.Error {
	if faultAddress >= size || faultAddress >= MaxUserAddr {
		return errOutsideSize
	}

	page := mm.PageFromAddress(faultAddress)
	if pdt.IsMapped(page.Address()) {
		return errAlreadyMapped
	}

	frame, err := pdt.alloc.AllocFrame()
	if err != nil {
		return err
	}

	kernel.Memset(pdt.alloc.FrameBytes(frame), 0)
	if err = pdt.Map(page, frame, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		pdt.alloc.FreeFrame(frame)
		return err
	}

	return nil
}
