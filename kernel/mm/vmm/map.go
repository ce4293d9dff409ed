package vmm

import (
	"unsafe"

	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/mm"
	"helios/kernel/sync"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by the
// vmm package's Init function. The purpose of this frame is to assist
// in implementing on-demand memory allocation when mapping it in
// conjunction with the CopyOnWrite flag. Page mappings can be set up
// for a range of pages with no physical memory reserved for their
// contents; a write to any of those pages triggers a page fault causing
// a new frame to be allocated, cleared (the blank frame is copied to
// the new frame) and installed in-place with RW permissions.
var ReservedZeroedFrame mm.Frame

var (
	// protectReservedZeroedPage is set to true once ReservedZeroedFrame has
	// been initialized to prevent RW mappings to it.
	protectReservedZeroedPage bool

	// nextAddrFn is used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion

	// shootdownFn broadcasts a TLB invalidation for the supplied virtual
	// address to the other online processors and blocks until each one
	// acknowledges it. It remains nil until SMP bring-up registers a
	// broadcast implementation; before that point only one processor runs
	// and the local flush suffices.
	shootdownFn func(virtAddr uintptr)

	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// tableLock serializes structural mutations of the page tables. All
// processors share the kernel mappings so once the secondary processors are
// online every Map and Unmap must hold it; holding it across the shootdown
// notification also keeps concurrent invalidation broadcasts from clobbering
// each other's state.
var tableLock sync.Spinlock

var (
	// splitMapTmpFn and splitUnmapTmpFn install and remove the temporary
	// mapping used to populate a freshly allocated split table. They run
	// with tableLock already held and therefore bypass the locking entry
	// points. Tests override them. Assigned in init: an initializer
	// expression here would form an initialization cycle through
	// splitHugePage.
	splitMapTmpFn   func(frame mm.Frame) (mm.Page, *kernel.Error)
	splitUnmapTmpFn func(page mm.Page) *kernel.Error
)

func init() {
	splitMapTmpFn = func(frame mm.Frame) (mm.Page, *kernel.Error) {
		if err := mapInternal(mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW|FlagOverwrite); err != nil {
			return 0, err
		}
		return mm.PageFromAddress(tempMappingAddr), nil
	}
	splitUnmapTmpFn = unmapInternal
}

// SetShootdownBroadcast registers the function used to broadcast TLB
// invalidations to the other processors whenever a mapping is removed or
// replaced. The function must block until every online processor has
// acknowledged the invalidation.
func SetShootdownBroadcast(fn func(virtAddr uintptr)) {
	shootdownFn = fn
}

// notifyShootdown invalidates the TLB entry for virtAddr on this processor and
// broadcasts the invalidation to the others.
func notifyShootdown(virtAddr uintptr) {
	flushTLBEntryFn(virtAddr)
	if shootdownFn != nil {
		shootdownFn(virtAddr)
	}
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Calls to Map will use the
// system frame allocator to initialize missing page tables at each paging
// level supported by the MMU.
//
// Passing FlagHugePage installs the mapping at the next-to-last paging level
// covering a 2M region; the supplied frame must be aligned to the huge page
// size or ErrMisalignedAddress is returned.
//
// Mapping a page that already has a mapping fails with ErrAlreadyMapped
// unless FlagOverwrite is supplied, in which case the previous mapping is
// replaced and the stale translation is shot down on every processor. When
// the previous mapping is a huge page covering the target address it is first
// split into a full final-level table; the split is never merged back.
//
// Attempts to map ReservedZeroedFrame with a RW flag will result in an error.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}
	if (flags&FlagHugePage) != 0 && frame.Address()&(hugePageSize-1) != 0 {
		return ErrMisalignedAddress
	}

	tableLock.Acquire()
	err := mapInternal(page, frame, flags)
	tableLock.Release()
	return err
}

// mapInternal installs a mapping without acquiring tableLock; the caller must
// hold it.
func mapInternal(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		err      *kernel.Error
		wantHuge = (flags & FlagHugePage) != 0
	)

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// A huge mapping terminates one level above the final one with
		// the entry covering the whole 2M region.
		if wantHuge && pteLevel == pageLevels-2 {
			err = installEntry(pte, frame, flags, page.Address())
			return false
		}

		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			err = installEntry(pte, frame, flags, page.Address())
			return false
		}

		// A huge page already covers this address. Without FlagOverwrite
		// that counts as an existing mapping; with it the huge page is
		// split into a final-level table so the finer mapping can be
		// installed on top.
		if pte.HasFlags(FlagHugePage) {
			if (flags & FlagOverwrite) == 0 {
				err = ErrAlreadyMapped
				return false
			}
			if err = splitHugePage(pte, pteLevel, page.Address()); err != nil {
				return false
			}
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mm.PageSize)
		}

		return true
	})

	return err
}

// installEntry writes the final entry for a mapping enforcing the overwrite
// semantics: replacing an existing mapping requires FlagOverwrite and shoots
// down the stale translation on every processor.
func installEntry(pte *pageTableEntry, frame mm.Frame, flags PageTableEntryFlag, virtAddr uintptr) *kernel.Error {
	replacing := pte.HasFlags(FlagPresent)
	if replacing && (flags&FlagOverwrite) == 0 {
		return ErrAlreadyMapped
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags &^ FlagOverwrite)

	if replacing {
		notifyShootdown(virtAddr)
	} else {
		flushTLBEntryFn(virtAddr)
	}
	return nil
}

// splitHugePage replaces the huge page entry pointed to by pte with a freshly
// allocated final-level table whose entries cover the same physical range with
// the same flags. The split is permanent; the entries are never merged back
// into a huge page.
func splitHugePage(pte *pageTableEntry, pteLevel uint8, virtAddr uintptr) *kernel.Error {
	tableFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	tmpPage, err := splitMapTmpFn(tableFrame)
	if err != nil {
		return err
	}

	var (
		baseFrame  = pte.Frame()
		smallFlags = PageTableEntryFlag(uintptr(*pte)&^ptePhysPageMask) &^ FlagHugePage
		entryCount = uintptr(1) << pageLevelBits[pteLevel+1]
	)
	for index := uintptr(0); index < entryCount; index++ {
		entry := (*pageTableEntry)(unsafe.Pointer(tmpPage.Address() + (index << mm.PointerShift)))
		*entry = 0
		entry.SetFrame(baseFrame + mm.Frame(index))
		entry.SetFlags(smallFlags)
	}

	_ = splitUnmapTmpFn(tmpPage)

	*pte = 0
	pte.SetFrame(tableFrame)
	pte.SetFlags(FlagPresent | FlagRW)
	notifyShootdown(virtAddr & ^(hugePageSize - 1))

	return nil
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the active virtual address space, establishes the
// mapping and returns back the Page that corresponds to the region start.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	// Reserve next free block in the address space
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startPage), nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
//
// Attempts to map ReservedZeroedFrame will result in an error.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	tableLock.Acquire()
	err := mapInternal(mm.PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagRW|FlagOverwrite)
	tableLock.Release()
	if err != nil {
		return 0, err
	}

	return mm.PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or
// MapTemporary. Removing a mapping invalidates the translation on this
// processor and broadcasts the invalidation to the others. Unmapping an
// address inside a huge page removes the whole huge mapping.
func Unmap(page mm.Page) *kernel.Error {
	tableLock.Acquire()
	err := unmapInternal(page)
	tableLock.Release()
	return err
}

// unmapInternal removes a mapping without acquiring tableLock; the caller
// must hold it.
func unmapInternal(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// A huge page covering this address is removed as a whole.
		if pteLevel < pageLevels-1 && pte.HasFlags(FlagPresent|FlagHugePage) {
			pte.ClearFlags(FlagPresent)
			notifyShootdown(page.Address() & ^(hugePageSize - 1))
			return false
		}

		// If we reached the last level all we need to do is to set the
		// page as non-present and invalidate its translation
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				err = ErrUnmapped
				return false
			}
			pte.ClearFlags(FlagPresent)
			notifyShootdown(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrUnmapped
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrUnmapped if the virtual address does not correspond
// to a mapped physical address. Addresses covered by a huge page resolve
// through the huge entry.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      *kernel.Error
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrUnmapped
			return false
		}

		if pteLevel < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			physAddr = pte.Frame().Address() + (virtAddr & (hugePageSize - 1))
			return false
		}

		if pteLevel == pageLevels-1 {
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
		}
		return true
	})

	if err != nil {
		return 0, err
	}
	return physAddr, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
