package vmm

import "gopherxv/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted and no
// further page table entries are visited. Entries for the next level are
// read from the frame pointed to by the current entry, so walkFn must
// ensure that the entry is present before allowing the walk to continue.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdt.pdtFrame
	for level := uint8(0); level < pageLevels; level++ {
		index := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &pdt.table(tableFrame)[index]

		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		tableFrame = pte.Frame()
	}
}

// lookup returns the last-level entry for virtAddr or nil if one of the
// intermediate tables is missing. The returned entry may be non-present.
func (pdt *PageDirectoryTable) lookup(virtAddr uintptr) *pageTableEntry {
	var entry *pageTableEntry

	if virtAddr >= MaxVirtAddr {
		return nil
	}

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		// Abort walk if the next page table entry is missing
		return pte.HasFlags(FlagPresent)
	})

	return entry
}

// leafVisitor is invoked by visitLeaves for every present last-level entry.
type leafVisitor func(page mm.Page, pte *pageTableEntry) bool

// visitLeaves calls visitFn for every present last-level entry in ascending
// virtual address order until visitFn returns false.
func (pdt *PageDirectoryTable) visitLeaves(visitFn leafVisitor) {
	pdt.visitTable(pdt.pdtFrame, 0, 0, visitFn)
}

func (pdt *PageDirectoryTable) visitTable(frame mm.Frame, level uint8, base uintptr, visitFn leafVisitor) bool {
	table := pdt.table(frame)
	for index := range table {
		pte := &table[index]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		virtAddr := base | uintptr(index)<<pageLevelShifts[level]
		if level == pageLevels-1 {
			if !visitFn(mm.PageFromAddress(virtAddr), pte) {
				return false
			}
			continue
		}

		if !pdt.visitTable(pte.Frame(), level+1, virtAddr, visitFn) {
			return false
		}
	}

	return true
}
