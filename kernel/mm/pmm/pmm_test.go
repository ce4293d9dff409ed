package pmm

import (
	"testing"
	"unsafe"

	"helios/bootinfo"
	"helios/kernel/mm"
)

const (
	testKernelBase = 0x100000
	testKernelSize = 0x20000
	testLoaderBase = 0x1000000
	testACPIBase   = 0x1010000
)

// testBootInfo builds a handoff structure describing a small machine: 640K of
// low memory, the reserved EBDA hole, 15M of usable memory holding the kernel
// image, a loader-owned region and an ACPI table region.
func testBootInfo() *bootinfo.BootInfo {
	bi := &bootinfo.BootInfo{
		Magic:       bootinfo.Magic,
		Version:     bootinfo.Version,
		RegionCount: 5,
	}
	bi.Regions[0] = bootinfo.MemoryRegion{Base: 0x0, Length: 0x9fc00, Kind: bootinfo.RegionUsable}
	bi.Regions[1] = bootinfo.MemoryRegion{Base: 0x9fc00, Length: 0x400, Kind: bootinfo.RegionReserved}
	bi.Regions[2] = bootinfo.MemoryRegion{Base: 0x100000, Length: 0xf00000, Kind: bootinfo.RegionUsable}
	bi.Regions[3] = bootinfo.MemoryRegion{Base: testLoaderBase, Length: 0x10000, Kind: bootinfo.RegionLoaderReclaimable}
	bi.Regions[4] = bootinfo.MemoryRegion{Base: testACPIBase, Length: 0x4000, Kind: bootinfo.RegionACPIReclaimable}
	bi.Image = bootinfo.KernelImage{PhysBase: testKernelBase, VirtBase: 0xffffffff80000000, Size: testKernelSize}
	return bi
}

// setupAllocator resets the package state, points the allocator metadata
// accesses into a host buffer and runs Init against testBootInfo.
func setupAllocator(t *testing.T) {
	t.Helper()

	bootMem = bootMemAllocator{}
	frameAlloc = bitmapAllocator{}
	initialized = false

	// The first frames the boot allocator can hand out start right after
	// the kernel image; back a window of them with host memory.
	metaWindowBase := uintptr(testKernelBase + testKernelSize)
	metaWindow := make([]byte, 16*mm.PageSize)

	origFrameToVirt := frameToVirtFn
	frameToVirtFn = func(frame mm.Frame) uintptr {
		off := frame.Address() - metaWindowBase
		if off >= uintptr(len(metaWindow)) {
			t.Fatalf("allocator accessed frame %x outside the backed metadata window", frame.Address())
		}
		return uintptr(unsafe.Pointer(&metaWindow[off]))
	}

	bi := testBootInfo()
	bootinfo.SetInfoPtr(uintptr(unsafe.Pointer(bi)))

	t.Cleanup(func() {
		frameToVirtFn = origFrameToVirt
		bootinfo.SetInfoPtr(0)
		bootMem = bootMemAllocator{}
		frameAlloc = bitmapAllocator{}
		initialized = false
	})

	if err := Init(); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
}

func TestAllocFrameAvoidsReservedRanges(t *testing.T) {
	setupAllocator(t)

	frame, err := AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame returned error: %v", err)
	}

	// The first allocation must land past the kernel image; everything
	// below it is either sub-1M memory, the reserved hole or the image
	// itself.
	if got := frame.Address(); got < testKernelBase+testKernelSize {
		t.Fatalf("expected first frame at or above %x; got %x", testKernelBase+testKernelSize, got)
	}

	for i := 0; i < 64; i++ {
		frame, err = AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame returned error on allocation %d: %v", i, err)
		}

		addr := frame.Address()
		if addr >= 0x9fc00 && addr < 0xa0000 {
			t.Fatalf("allocator returned a frame inside the reserved hole: %x", addr)
		}
		if addr >= testKernelBase && addr < testKernelBase+testKernelSize {
			t.Fatalf("allocator returned a frame inside the kernel image: %x", addr)
		}
	}
}

func TestAllocFreeRestoresFreeCount(t *testing.T) {
	setupAllocator(t)

	before := FreeFrameCount()

	var frames [32]mm.Frame
	for i := range frames {
		frame, err := AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame returned error: %v", err)
		}
		frames[i] = frame
	}

	if got := FreeFrameCount(); got != before-uint32(len(frames)) {
		t.Fatalf("expected %d free frames after allocations; got %d", before-uint32(len(frames)), got)
	}

	for _, frame := range frames {
		if err := FreeFrame(frame); err != nil {
			t.Fatalf("FreeFrame(%x) returned error: %v", frame.Address(), err)
		}
	}

	if got := FreeFrameCount(); got != before {
		t.Fatalf("expected free frame count restored to %d; got %d", before, got)
	}
}

func TestFreeFrameFatalPaths(t *testing.T) {
	setupAllocator(t)

	var panicked interface{}
	origPanic := panicFn
	panicFn = func(e interface{}) { panicked = e }
	defer func() { panicFn = origPanic }()

	t.Run("double free", func(t *testing.T) {
		frame, err := AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame returned error: %v", err)
		}
		if err = FreeFrame(frame); err != nil {
			t.Fatalf("first FreeFrame returned error: %v", err)
		}

		panicked = nil
		if err = FreeFrame(frame); err != errDoubleFree {
			t.Fatalf("expected errDoubleFree; got %v", err)
		}
		if panicked != errDoubleFree {
			t.Fatalf("expected a fatal panic with errDoubleFree; got %v", panicked)
		}
	})

	t.Run("untracked frame", func(t *testing.T) {
		panicked = nil
		if err := FreeFrame(mm.FrameFromAddress(0x2000000)); err != errFreeUntrackedFrame {
			t.Fatalf("expected errFreeUntrackedFrame; got %v", err)
		}
		if panicked != errFreeUntrackedFrame {
			t.Fatalf("expected a fatal panic with errFreeUntrackedFrame; got %v", panicked)
		}
	})

	t.Run("kernel image frame", func(t *testing.T) {
		panicked = nil
		if err := FreeFrame(mm.FrameFromAddress(testKernelBase + mm.PageSize)); err != errFreeUntrackedFrame {
			t.Fatalf("expected errFreeUntrackedFrame; got %v", err)
		}
		if panicked != errFreeUntrackedFrame {
			t.Fatalf("expected a fatal panic; got %v", panicked)
		}
	})
}

func TestReclaim(t *testing.T) {
	setupAllocator(t)

	before := FreeFrameCount()

	loaderFrames := uint32(0x10000 >> mm.PageShift)
	if got := ReclaimLoaderMemory(); got != loaderFrames {
		t.Fatalf("expected ReclaimLoaderMemory to release %d frames; got %d", loaderFrames, got)
	}
	if got := ReclaimLoaderMemory(); got != 0 {
		t.Fatalf("expected second reclaim to be a no-op; got %d frames", got)
	}
	if got := FreeFrameCount(); got != before+loaderFrames {
		t.Fatalf("expected %d free frames after loader reclaim; got %d", before+loaderFrames, got)
	}

	acpiFrames := uint32(0x4000 >> mm.PageShift)
	if got := ReclaimACPIMemory(); got != acpiFrames {
		t.Fatalf("expected ReclaimACPIMemory to release %d frames; got %d", acpiFrames, got)
	}
	if got := ReclaimACPIMemory(); got != 0 {
		t.Fatalf("expected second ACPI reclaim to be a no-op; got %d frames", got)
	}
}

func TestAllocFrameExhaustion(t *testing.T) {
	setupAllocator(t)

	free := FreeFrameCount()
	for i := uint32(0); i < free; i++ {
		if _, err := AllocFrame(); err != nil {
			t.Fatalf("AllocFrame returned error with %d frames remaining: %v", free-i, err)
		}
	}

	if _, err := AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory once all frames are allocated; got %v", err)
	}

	// Frames released after exhaustion become allocatable again.
	someFrame := mm.FrameFromAddress(testKernelBase + testKernelSize + 4*uintptr(mm.PageSize))
	if err := FreeFrame(someFrame); err != nil {
		t.Fatalf("FreeFrame returned error: %v", err)
	}
	frame, err := AllocFrame()
	if err != nil {
		t.Fatalf("expected allocation to succeed after a free; got %v", err)
	}
	if frame != someFrame {
		t.Fatalf("expected the freed frame %x to be returned; got %x", someFrame.Address(), frame.Address())
	}
}
