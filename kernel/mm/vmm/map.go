package vmm

import (
	"gopherxv/kernel"
	"gopherxv/kernel/mm"
)

var (
	// ErrFault is returned when an access to a user address is not
	// permitted by the current mappings.
	ErrFault = &kernel.Error{Module: "vmm", Message: "page fault"}

	errRemap        = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errNotMapped    = &kernel.Error{Module: "vmm", Message: "page is not mapped"}
	errAddressRange = &kernel.Error{Module: "vmm", Message: "virtual address outside the address space"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables at each paging level are allocated on demand.
// Attempting to map a page that is already present fails without changing
// the existing mapping.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if page.Address() >= MaxVirtAddr {
		return errAddressRange
	}

	var err *kernel.Error

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = errRemap
				return false
			}

			*pte = makePTE(frame, flags|FlagPresent)
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = pdt.alloc.AllocFrame()
			if err != nil {
				return false
			}

			kernel.Memset(pdt.alloc.FrameBytes(newTableFrame), 0)
			*pte = makePTE(newTableFrame, FlagPresent|FlagRW)
		}

		return true
	})

	return err
}

// Unmap removes the mapping for page. If release is true, the reference
// count of the frame backing the page is dropped.
func (pdt *PageDirectoryTable) Unmap(page mm.Page, release bool) *kernel.Error {
	pte := pdt.lookup(page.Address())
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return errNotMapped
	}

	frame := pte.Frame()
	*pte = 0
	if release {
		pdt.alloc.RefDec(frame)
	}

	return nil
}

// UnmapRange removes the mappings for pageCount pages starting at the page
// that contains virtAddr. Pages that are not mapped are skipped.
func (pdt *PageDirectoryTable) UnmapRange(virtAddr uintptr, pageCount int, release bool) {
	for page := mm.PageFromAddress(virtAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		_ = pdt.Unmap(page, release)
	}
}

// Translate returns the physical address that corresponds to the supplied
// user-accessible virtual address.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte := pdt.lookup(virtAddr)
	if pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible) {
		return 0, errNotMapped
	}

	return pte.Frame().Address() + (virtAddr & (mm.PageSize - 1)), nil
}

// IsMapped returns true if virtAddr is backed by a present mapping.
func (pdt *PageDirectoryTable) IsMapped(virtAddr uintptr) bool {
	pte := pdt.lookup(virtAddr)
	return pte != nil && pte.HasFlags(FlagPresent)
}

// IsCopyOnWrite returns true if virtAddr is a user page flagged as
// copy-on-write.
func (pdt *PageDirectoryTable) IsCopyOnWrite(virtAddr uintptr) bool {
	pte := pdt.lookup(virtAddr)
	return pte != nil && pte.HasFlags(FlagPresent|FlagUserAccessible|FlagCopyOnWrite)
}
