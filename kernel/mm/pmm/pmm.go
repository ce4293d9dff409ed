// Package pmm implements the physical frame allocator. The allocator is
// seeded at kernel-side init from the memory map carried by the handoff
// structure and tracks frame ownership through per-pool bitmaps. Frames
// overlapping the kernel image or the handoff structure itself are permanently
// reserved; reclaimable regions stay reserved until the matching reclaim call
// releases them.
package pmm

import (
	"unsafe"

	"helios/bootinfo"
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/sync"
)

var (
	errNotInitialized     = &kernel.Error{Module: "pmm", Message: "allocator not initialized"}
	errFreeUntrackedFrame = &kernel.Error{Module: "pmm", Message: "attempt to free a frame not tracked by the allocator"}
	errDoubleFree         = &kernel.Error{Module: "pmm", Message: "attempt to free an unallocated frame"}

	// panicFn is overridden by tests that exercise the fatal paths.
	panicFn = kfmt.Panic

	lock        sync.Spinlock
	bootMem     bootMemAllocator
	frameAlloc  bitmapAllocator
	initialized bool

	// exclusionStore provides heap-free backing for the exclusion list;
	// the Go allocator is not usable while the allocator bootstraps.
	exclusionStore [2]excludedRange
)

// Init bootstraps the frame allocator from the memory map in the registered
// handoff structure and installs it as the system frame allocator. The caller
// must have validated the handoff structure first; Init mutates allocator
// state and cannot be rolled back.
func Init() *kernel.Error {
	bi := bootinfo.Get()
	if bi == nil {
		return errNotInitialized
	}

	exclusionStore[0] = excludedRange{
		start: uintptr(bi.Image.PhysBase),
		end:   uintptr(bi.Image.PhysBase + bi.Image.Size),
	}
	exclusionStore[1] = excludedRange{
		start: uintptr(unsafe.Pointer(bi)),
		end:   uintptr(unsafe.Pointer(bi)) + unsafe.Sizeof(bootinfo.BootInfo{}),
	}
	bootMem.exclusions = exclusionStore[:]

	bootMem.printMemoryMap()

	if err := frameAlloc.init(&bootMem); err != nil {
		return err
	}
	initialized = true

	mm.SetFrameAllocator(AllocFrame, FreeFrame)

	kfmt.Printf("[pmm] tracking %d frames (%d reserved)\n", frameAlloc.totalFrames, frameAlloc.allocatedFrames)
	return nil
}

// AllocFrame reserves and returns the lowest available physical frame.
func AllocFrame() (mm.Frame, *kernel.Error) {
	if !initialized {
		return mm.InvalidFrame, errNotInitialized
	}

	lock.Acquire()
	frame, err := frameAlloc.AllocFrame()
	lock.Release()
	return frame, err
}

// FreeFrame returns a previously allocated frame to the allocator. Freeing a
// frame the allocator never handed out or freeing the same frame twice is
// treated as memory corruption and is fatal.
func FreeFrame(frame mm.Frame) *kernel.Error {
	if !initialized {
		return errNotInitialized
	}

	lock.Acquire()
	err := frameAlloc.FreeFrame(frame)
	lock.Release()
	return err
}

// ReclaimLoaderMemory releases the frames that belonged to the loader once the
// kernel no longer references any loader-owned structure. The call is
// idempotent; only the first invocation releases frames.
func ReclaimLoaderMemory() uint32 {
	if !initialized {
		return 0
	}

	lock.Acquire()
	reclaimed := frameAlloc.reclaim(bootinfo.RegionLoaderReclaimable)
	lock.Release()

	if reclaimed != 0 {
		kfmt.Printf("[pmm] reclaimed %d loader frames\n", reclaimed)
	}
	return reclaimed
}

// ReclaimACPIMemory releases the frames holding the firmware configuration
// tables once platform discovery has consumed them. The call is idempotent.
func ReclaimACPIMemory() uint32 {
	if !initialized {
		return 0
	}

	lock.Acquire()
	reclaimed := frameAlloc.reclaim(bootinfo.RegionACPIReclaimable)
	lock.Release()

	if reclaimed != 0 {
		kfmt.Printf("[pmm] reclaimed %d ACPI frames\n", reclaimed)
	}
	return reclaimed
}

// FreeFrameCount returns the number of frames currently available for
// allocation.
func FreeFrameCount() uint32 {
	lock.Acquire()
	free := frameAlloc.totalFrames - frameAlloc.allocatedFrames
	lock.Release()
	return free
}

// TotalFrameCount returns the number of frames tracked by the allocator.
func TotalFrameCount() uint32 {
	return frameAlloc.totalFrames
}
