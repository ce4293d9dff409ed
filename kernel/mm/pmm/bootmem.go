package pmm

import (
	"helios/bootinfo"
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
)

// minUsablePhysAddr is the lowest physical address the allocator will ever
// hand out. Physical memory below 1MiB is left alone: the firmware keeps
// real-mode structures there and the SMP startup trampoline must be placed in
// that window.
const minUsablePhysAddr = uintptr(0x100000)

var errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "boot allocator out of memory"}

// excludedRange describes a physical address range that must never be handed
// out by any allocator in this package.
type excludedRange struct {
	start, end uintptr
}

// bootMemAllocator implements a rudimentary physical memory allocator which
// is used to carve out the frames backing the bitmap allocator's own
// metadata.
//
// The allocator walks the memory regions reported in the handoff structure
// and returns the next available free frame in ascending address order.
// Allocations are tracked via an internal counter holding the last allocated
// frame; frames obtained from this allocator can never be freed. Once the
// bitmap allocator is up it takes over and the boot allocator is never
// consulted again.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// exclusions holds the address ranges (kernel image, handoff
	// structure) that must never be allocated.
	exclusions []excludedRange
}

// excluded returns true if the supplied frame overlaps one of the exclusion
// ranges.
func (alloc *bootMemAllocator) excluded(frame mm.Frame) bool {
	fStart := frame.Address()
	fEnd := fStart + mm.PageSize
	for _, ex := range alloc.exclusions {
		if fStart < ex.end && ex.start < fEnd {
			return true
		}
	}

	return false
}

// usableRegionExtents converts a region into an inclusive frame range,
// rounding the (potentially unaligned) region extents inwards and clamping
// the start to minUsablePhysAddr. ok is false when no full frame fits.
func usableRegionExtents(region *bootinfo.MemoryRegion) (startFrame, endFrame mm.Frame, ok bool) {
	base := uintptr(region.Base)
	end := uintptr(region.End())

	if base < minUsablePhysAddr {
		base = minUsablePhysAddr
	}

	// Round the start up and the end down to frame boundaries
	base = (base + mm.PageSize - 1) & ^(mm.PageSize - 1)
	end = end & ^(mm.PageSize - 1)

	if end <= base {
		return 0, 0, false
	}

	return mm.Frame(base >> mm.PageShift), mm.Frame(end>>mm.PageShift) - 1, true
}

// AllocFrame reserves the next available free frame from the usable regions
// in the handoff structure. It returns an error if no more memory can be
// allocated.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var (
		err      = errBootAllocOutOfMemory
		selected mm.Frame
	)

	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if region.Kind != bootinfo.RegionUsable {
			return true
		}

		regionStartFrame, regionEndFrame, ok := usableRegionExtents(region)
		if !ok {
			return true
		}

		// Skip regions that have been fully consumed already
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		// The last allocated frame either points into a previous region
		// or inside this one. In the first case (or on the very first
		// allocation) start at the region start; otherwise continue
		// right after the last allocation.
		candidate := regionStartFrame
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionStartFrame {
			candidate = alloc.lastAllocFrame + 1
		}

		for ; candidate <= regionEndFrame; candidate++ {
			if !alloc.excluded(candidate) {
				selected = candidate
				err = nil
				return false
			}
		}

		return true
	})

	if err != nil {
		return mm.InvalidFrame, err
	}

	alloc.allocCount++
	alloc.lastAllocFrame = selected
	return selected, nil
}

// AllocContiguousRun reserves count physically contiguous frames and returns
// the first frame of the run. Frames skipped while searching for a contiguous
// run remain allocated and are simply wasted; the amounts involved are tiny.
func (alloc *bootMemAllocator) AllocContiguousRun(count uintptr) (mm.Frame, *kernel.Error) {
	var (
		start, prev mm.Frame
		got         uintptr
	)

	for got < count {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return mm.InvalidFrame, err
		}

		if got == 0 || frame != prev+1 {
			start, got = frame, 1
		} else {
			got++
		}
		prev = frame
	}

	return start, nil
}

// printMemoryMap logs the physical memory map carried by the handoff
// structure.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] physical memory map:\n")
	var totalFree uint64
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Base, region.End(), region.Length, region.Kind.String())

		if region.Kind == bootinfo.RegionUsable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Printf("[pmm] free memory: %dKb\n", totalFree/1024)
}
