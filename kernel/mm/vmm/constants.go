package vmm

const (
	// pageLevels indicates the number of page levels used by an address
	// space. Three levels of 512 entries each cover a 39-bit virtual
	// address space.
	pageLevels = 3

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. Bits 12-51 contain the
	// physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// MaxVirtAddr is one past the highest usable virtual address. It is
	// one bit less than the maximum allowed by the paging scheme to avoid
	// having to sign-extend addresses that have the high bit set.
	MaxVirtAddr = uintptr(1) << (9 + 9 + 9 + 12 - 1)

	// TrapFrameAddr is the virtual address where each process maps its
	// trap frame page. It is not accessible from user-mode.
	TrapFrameAddr = MaxVirtAddr - 2*4096

	// MaxUserAddr is the upper bound for user-accessible mappings.
	MaxUserAddr = TrapFrameAddr
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite

	// FlagShared marks shared memory pages. Forked address spaces map
	// them as-is instead of copying them.
	FlagShared

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)
