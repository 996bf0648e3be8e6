package vmm

import (
	"gopherxv/kernel"
	"gopherxv/kernel/mm"
)

// Grow allocates and maps zero-filled user pages so that the user region
// grows from oldSize to newSize bytes. On failure every page added by the
// call is released and oldSize is returned with the error.
func (pdt *PageDirectoryTable) Grow(oldSize, newSize uintptr, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if newSize <= oldSize {
		return oldSize, nil
	}

	if newSize > MaxUserAddr {
		return oldSize, errAddressRange
	}

	for virtAddr := mm.PageRoundUp(oldSize); virtAddr < newSize; virtAddr += mm.PageSize {
		frame, err := pdt.alloc.AllocFrame()
		if err != nil {
			pdt.Shrink(virtAddr, oldSize)
			return oldSize, err
		}

		kernel.Memset(pdt.alloc.FrameBytes(frame), 0)
		if err = pdt.Map(mm.PageFromAddress(virtAddr), frame, flags|FlagPresent|FlagUserAccessible); err != nil {
			pdt.alloc.FreeFrame(frame)
			pdt.Shrink(virtAddr, oldSize)
			return oldSize, err
		}
	}

	return newSize, nil
}

// Shrink unmaps and releases the user pages so that the user region
// shrinks from oldSize to newSize bytes. Pages in the range that were never
// materialized are skipped. It returns the new size.
func (pdt *PageDirectoryTable) Shrink(oldSize, newSize uintptr) uintptr {
	if newSize >= oldSize {
		return oldSize
	}

	start, end := mm.PageRoundUp(newSize), mm.PageRoundUp(oldSize)
	if start < end {
		pdt.UnmapRange(start, int((end-start)>>mm.PageShift), true)
	}

	return newSize
}

// CopyTo duplicates every user mapping of this address space into dst,
// which is expected to contain no user mappings.
//
// Shared pages are mapped into dst as-is. Otherwise, if cow is true, the
// frames are shared and every writable page is flagged as copy-on-write in
// both address spaces; if cow is false, each page is copied into a freshly
// allocated frame. If the copy fails, every mapping added to dst is removed
// and the pages of this address space that were already flagged
// copy-on-write are made writable again.
func (pdt *PageDirectoryTable) CopyTo(dst *PageDirectoryTable, cow bool) *kernel.Error {
	var (
		err    *kernel.Error
		copied []mm.Page

		// restore holds the pages flipped from writable to
		// copy-on-write by this call.
		restore = make(map[mm.Page]bool)
	)

	pdt.visitLeaves(func(page mm.Page, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagUserAccessible) {
			return true
		}

		frame := pte.Frame()
		switch {
		case pte.HasFlags(FlagShared):
			if err = dst.Map(page, frame, pte.Flags()); err == nil {
				pdt.alloc.RefInc(frame)
			}
		case cow:
			flags := pte.Flags()
			if flags&FlagRW != 0 {
				flags = (flags &^ FlagRW) | FlagCopyOnWrite
			}
			// The parent page only turns copy-on-write once the child
			// holds the mapping, so a failed copy leaves it untouched.
			if err = dst.Map(page, frame, flags); err == nil {
				pdt.alloc.RefInc(frame)
				restore[page] = flags != pte.Flags()
				*pte = makePTE(frame, flags)
			}
		default:
			var newFrame mm.Frame
			if newFrame, err = pdt.alloc.AllocFrame(); err != nil {
				break
			}

			copy(pdt.alloc.FrameBytes(newFrame), pdt.alloc.FrameBytes(frame))
			flags := pte.Flags()
			if flags&FlagCopyOnWrite != 0 {
				flags = (flags &^ FlagCopyOnWrite) | FlagRW
			}
			if err = dst.Map(page, newFrame, flags); err != nil {
				pdt.alloc.FreeFrame(newFrame)
			}
		}

		if err != nil {
			return false
		}

		copied = append(copied, page)
		return true
	})

	if err != nil {
		for _, page := range copied {
			_ = dst.Unmap(page, true)
			if restore[page] {
				pte := pdt.lookup(page.Address())
				pte.ClearFlags(FlagCopyOnWrite)
				pte.SetFlags(FlagRW)
			}
		}
	}

	return err
}
