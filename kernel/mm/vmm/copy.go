package vmm

import (
	"gopherxv/kernel"
	"gopherxv/kernel/mm"
)

// Access returns the bytes between virtAddr and the end of its page if the
// user mappings allow the requested access. It never resolves faults.
func (pdt *PageDirectoryTable) Access(virtAddr uintptr, write bool) ([]byte, *kernel.Error) {
	if virtAddr >= MaxUserAddr {
		return nil, ErrFault
	}

	pte := pdt.lookup(virtAddr)
	if pte == nil || !pte.HasFlags(FlagPresent|FlagUserAccessible) || (write && !pte.HasFlags(FlagRW)) {
		return nil, ErrFault
	}

	return pdt.alloc.FrameBytes(pte.Frame())[virtAddr&(mm.PageSize-1):], nil
}

// userPage behaves like Access but materializes copy-on-write and lazily
// allocated pages below size the way the fault handler would.
func (pdt *PageDirectoryTable) userPage(virtAddr uintptr, write bool, size uintptr) ([]byte, *kernel.Error) {
	buf, err := pdt.Access(virtAddr, write)
	if err == nil {
		return buf, nil
	}

	switch {
	case write && pdt.IsCopyOnWrite(virtAddr):
		err = pdt.ResolveCopyOnWrite(virtAddr)
	case !pdt.IsMapped(virtAddr):
		err = pdt.ResolveLazy(virtAddr, size)
	}

	if err != nil {
		return nil, err
	}

	return pdt.Access(virtAddr, write)
}

// CopyOut copies src to the user address virtAddr. size is the number of
// bytes the address space has declared; unmapped pages below it are
// allocated on demand.
func (pdt *PageDirectoryTable) CopyOut(virtAddr uintptr, src []byte, size uintptr) *kernel.Error {
	for len(src) != 0 {
		dst, err := pdt.userPage(virtAddr, true, size)
		if err != nil {
			return err
		}

		n := copy(dst, src)
		src = src[n:]
		virtAddr += uintptr(n)
	}

	return nil
}

// CopyIn copies len(dst) bytes from the user address virtAddr into dst.
func (pdt *PageDirectoryTable) CopyIn(dst []byte, virtAddr uintptr, size uintptr) *kernel.Error {
	for len(dst) != 0 {
		src, err := pdt.userPage(virtAddr, false, size)
		if err != nil {
			return err
		}

		n := copy(dst, src)
		dst = dst[n:]
		virtAddr += uintptr(n)
	}

	return nil
}
