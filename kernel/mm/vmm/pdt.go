package vmm

import (
	"unsafe"

	"helios/bootinfo"
	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap

	// The granular PDT which is set up by the setupPDTForKernel call. Its
	// entries cover the kernel image at its linked virtual address plus an
	// identity mapping of the physical memory reported by the loader.
	kernelPDT PageDirectoryTable
)

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init sets up the page table directory starting at the supplied physical
// address. If the supplied frame does not match the currently active PDT, then
// Init assumes that this is a new page table directory that needs
// bootstrapping. In such a case, a temporary mapping is established so that
// Init can:
//   - call kernel.Memset to clear the frame contents
//   - setup a recursive mapping for the last table entry to the page itself.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	// Check active PDT physical address. If it matches the input pdt then
	// nothing more needs to be done
	activePdtAddr := activePDTFn()
	if pdtFrame.Address() == activePdtAddr {
		return nil
	}

	// Create a temporary mapping for the pdt frame so we can work on it
	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	// Clear the page contents and setup recursive mapping for the last PDT entry
	kernel.Memset(pdtPage.Address(), 0, mm.PageSize)
	lastPdtEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)))
	*lastPdtEntry = 0
	lastPdtEntry.SetFlags(FlagPresent | FlagRW)
	lastPdtEntry.SetFrame(pdtFrame)

	// Remove temporary mapping
	_ = unmapFn(pdtPage)

	return nil
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using this PDT. This method behaves in a similar fashion to the global Map()
// function with the difference that it also supports inactive page PDTs by
// establishing a temporary mapping so that Map() can access the inactive PDT
// entries.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)
	// If this table is not active we need to temporarily map it to the
	// last entry in the active PDT so we can access it using the recursive
	// virtual address scheme.
	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntryAddr = activePdtFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(unsafe.Pointer(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	err := mapFn(page, frame, flags)

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	return err
}

// Unmap removes a mapping previously installed by a call to Map() on this PDT.
// This method behaves in a similar fashion to the global Unmap() function with
// the difference that it also supports inactive page PDTs by establishing a
// temporary mapping so that Unmap() can access the inactive PDT entries.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)
	// If this table is not active we need to temporarily map it to the
	// last entry in the active PDT so we can access it using the recursive
	// virtual address scheme.
	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntryAddr = activePdtFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(unsafe.Pointer(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	err := unmapFn(page)

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	return err
}

// ShareKernelMappings copies the top-level entries of the active kernel PDT
// into this PDT. The kernel mappings span both halves of the address space:
// the image and the reserved regions live in the upper half while the
// physical memory identity map, which secondary processors execute their
// startup code from, lives in the lower half. Sharing the top-level entries
// means mappings later installed through any processor's tables are observed
// by all of them. The recursive self-map entry is skipped; it must keep
// pointing to this PDT.
func (pdt PageDirectoryTable) ShareKernelMappings() *kernel.Error {
	tmpPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}

	lastIndex := uintptr((1 << pageLevelBits[0]) - 1)
	for index := uintptr(0); index < lastIndex; index++ {
		src := (*pageTableEntry)(ptePtrFn(pdtVirtualAddr + (index << mm.PointerShift)))
		dst := (*pageTableEntry)(ptePtrFn(tmpPage.Address() + (index << mm.PointerShift)))
		*dst = *src
	}

	_ = unmapFn(tmpPage)
	return nil
}

// Root returns the physical address of the top-level table. It is the value
// a processor loads into its page table base register to activate this PDT.
func (pdt PageDirectoryTable) Root() uintptr {
	return pdt.pdtFrame.Address()
}

// NewProcessorPDT prepares the page directory table a secondary processor
// starts on: a freshly allocated top-level table sharing the kernel mappings
// of the bootstrap processor's PDT. It must be invoked on the bootstrap
// processor while its kernel PDT is active.
func NewProcessorPDT() (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	pdt := new(PageDirectoryTable)
	if err = pdt.Init(pdtFrame); err != nil {
		return nil, err
	}
	if err = pdt.ShareKernelMappings(); err != nil {
		return nil, err
	}

	return pdt, nil
}

// Activate enables this page directory table and flushes the TLB
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// setupPDTForKernel establishes a new granular PDT covering the kernel image
// at its linked virtual address plus a huge-page identity mapping of the
// physical memory reported by the loader. The identity mapping is what allows
// the frame allocator and the platform discovery code to access physical
// memory directly after the loader's own page tables are reclaimed.
func setupPDTForKernel() *kernel.Error {
	bi := bootinfo.Get()
	if bi == nil {
		return ErrUnmapped
	}

	// Allocate frame for the page directory and initialize it
	kernelPDTFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	if err = kernelPDT.Init(kernelPDTFrame); err != nil {
		return err
	}

	// Map the kernel image contents to the virtual address the image was
	// linked to run at.
	var (
		imageVirt = uintptr(bi.Image.VirtBase)
		curPage   = mm.PageFromAddress(imageVirt)
		lastPage  = mm.PageFromAddress(imageVirt + uintptr(bi.Image.Size) - 1)
		curFrame  = mm.FrameFromAddress(uintptr(bi.Image.PhysBase))
	)
	for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
		if err = kernelPDT.Map(curPage, curFrame, FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	// Identity-map each reported physical region using huge pages. Regions
	// sharing a huge page after alignment trigger ErrAlreadyMapped for the
	// shared page which is expected and ignored.
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if region.Kind == bootinfo.RegionBad {
			return true
		}

		start := uintptr(region.Base) & ^(hugePageSize - 1)
		for addr := start; addr < uintptr(region.End()); addr += hugePageSize {
			mapErr := kernelPDT.Map(mm.PageFromAddress(addr), mm.FrameFromAddress(addr), FlagPresent|FlagRW|FlagGlobal|FlagHugePage)
			if mapErr != nil && mapErr != ErrAlreadyMapped {
				err = mapErr
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	// Ensure that any pages mapped by the memory allocator using
	// EarlyReserveRegion are copied to the new page directory.
	for rsvAddr := earlyReserveLastUsed; rsvAddr < tempMappingAddr; rsvAddr += mm.PageSize {
		page := mm.PageFromAddress(rsvAddr)

		frameAddr, err := translateFn(rsvAddr)
		if err != nil {
			return err
		}

		if err = kernelPDT.Map(page, mm.Frame(frameAddr>>mm.PageShift), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	// Activate the new PDT. After this point the loader's page tables are
	// no longer referenced and their frames may be reclaimed.
	kernelPDT.Activate()

	return nil
}

var (
	// ErrUnmapped is returned when looking up a virtual memory address that
	// is not mapped to a physical page.
	ErrUnmapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the target page already has
	// a mapping and FlagOverwrite was not supplied.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrMisalignedAddress is returned when a huge page mapping is
	// requested for a frame that is not aligned to the huge page size.
	ErrMisalignedAddress = &kernel.Error{Module: "vmm", Message: "frame address is not aligned to the requested page size"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	// tableAddr is initially set to the recursively mapped virtual address for the
	// last entry in the top-most page table. Dereferencing a pointer to this address
	// will allow us to access
	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		// By shifting the table virtual address left by pageLevelShifts[level] we add
		// a new level of indirection to our recursive mapping allowing us to access
		// the table pointed to by the page entry
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		// Shift left by the number of bits for this paging level to get
		// the virtual address of the table pointed to by entryAddr
		entryAddr <<= pageLevelBits[level]
	}
}
