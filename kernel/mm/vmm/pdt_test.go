package vmm

import (
	"runtime"
	"testing"
	"unsafe"

	"helios/kernel"
	"helios/kernel/mm"
)

// alignedPage returns a page-aligned host buffer viewed as a page table.
func alignedPage() (*[mm.PageSize >> mm.PointerShift]pageTableEntry, uintptr) {
	buf := make([]byte, 2*mm.PageSize)
	addr := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) & ^(mm.PageSize - 1)
	return (*[mm.PageSize >> mm.PointerShift]pageTableEntry)(unsafe.Pointer(addr)), addr
}

func TestPageDirectoryTableInitAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origActivePDT func() uintptr, origMapTemporary func(mm.Frame) (mm.Page, *kernel.Error), origUnmap func(mm.Page) *kernel.Error) {
		activePDTFn = origActivePDT
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
	}(activePDTFn, mapTemporaryFn, unmapFn)

	t.Run("already active", func(t *testing.T) {
		var (
			pdt      PageDirectoryTable
			pdtFrame = mm.Frame(123)
		)

		activePDTFn = func() uintptr { return pdtFrame.Address() }
		mapTemporaryFn = func(mm.Frame) (mm.Page, *kernel.Error) {
			t.Fatal("expected no temporary mapping for the active PDT")
			return 0, nil
		}

		if err := pdt.Init(pdtFrame); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("inactive PDT bootstrap", func(t *testing.T) {
		var (
			pdt        PageDirectoryTable
			pdtFrame   = mm.Frame(123)
			unmapCount int
		)

		table, tableAddr := alignedPage()
		// Preload garbage to verify the bootstrap clears it
		table[0] = pageTableEntry(0xbadf00d)

		activePDTFn = func() uintptr { return uintptr(0x1000) }
		mapTemporaryFn = func(frame mm.Frame) (mm.Page, *kernel.Error) {
			if frame != pdtFrame {
				t.Fatalf("expected temporary mapping for frame %d; got %d", pdtFrame, frame)
			}
			return mm.PageFromAddress(tableAddr), nil
		}
		unmapFn = func(mm.Page) *kernel.Error {
			unmapCount++
			return nil
		}

		if err := pdt.Init(pdtFrame); err != nil {
			t.Fatal(err)
		}

		if table[0] != 0 {
			t.Error("expected the PDT contents to be cleared")
		}

		selfRef := table[(mm.PageSize>>mm.PointerShift)-1]
		if !selfRef.HasFlags(FlagPresent|FlagRW) || selfRef.Frame() != pdtFrame {
			t.Errorf("expected the last entry to recursively map the PDT; got %x", uintptr(selfRef))
		}

		if unmapCount != 1 {
			t.Errorf("expected the temporary mapping to be removed; unmap called %d times", unmapCount)
		}
	})

	t.Run("temporary mapping fails", func(t *testing.T) {
		var pdt PageDirectoryTable

		expErr := &kernel.Error{Module: "test", Message: "out of memory"}
		activePDTFn = func() uintptr { return uintptr(0x1000) }
		mapTemporaryFn = func(mm.Frame) (mm.Page, *kernel.Error) { return 0, expErr }

		if err := pdt.Init(mm.Frame(123)); err != expErr {
			t.Fatalf("expected error %v; got %v", expErr, err)
		}
	})
}

func TestPageDirectoryTableMapUnmapAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origActivePDT func() uintptr, origMap func(mm.Page, mm.Frame, PageTableEntryFlag) *kernel.Error, origUnmap func(mm.Page) *kernel.Error, origFlush func(uintptr)) {
		activePDTFn = origActivePDT
		mapFn = origMap
		unmapFn = origUnmap
		flushTLBEntryFn = origFlush
	}(activePDTFn, mapFn, unmapFn, flushTLBEntryFn)

	flushTLBEntryFn = func(uintptr) {}

	t.Run("map on active PDT", func(t *testing.T) {
		var (
			pdt      PageDirectoryTable
			pdtFrame = mm.Frame(123)
		)
		pdt.pdtFrame = pdtFrame
		activePDTFn = func() uintptr { return pdtFrame.Address() }

		mapCalls := 0
		mapFn = func(mm.Page, mm.Frame, PageTableEntryFlag) *kernel.Error {
			mapCalls++
			return nil
		}

		if err := pdt.Map(mm.Page(1), mm.Frame(2), FlagPresent); err != nil {
			t.Fatal(err)
		}
		if mapCalls != 1 {
			t.Errorf("expected 1 Map call; got %d", mapCalls)
		}
	})

	t.Run("map on inactive PDT swaps the recursive entry", func(t *testing.T) {
		var pdt PageDirectoryTable
		pdt.pdtFrame = mm.Frame(123)

		// The active PDT is backed by a host page so the recursive
		// entry manipulation lands somewhere observable.
		activeTable, activeAddr := alignedPage()
		activeFrame := mm.Frame(activeAddr >> mm.PageShift)
		lastIndex := (mm.PageSize >> mm.PointerShift) - 1
		activeTable[lastIndex].SetFlags(FlagPresent | FlagRW)
		activeTable[lastIndex].SetFrame(activeFrame)

		activePDTFn = func() uintptr { return activeAddr }

		var frameDuringMap mm.Frame
		mapFn = func(mm.Page, mm.Frame, PageTableEntryFlag) *kernel.Error {
			frameDuringMap = activeTable[lastIndex].Frame()
			return nil
		}

		if err := pdt.Map(mm.Page(1), mm.Frame(2), FlagPresent); err != nil {
			t.Fatal(err)
		}

		if frameDuringMap != pdt.pdtFrame {
			t.Error("expected the recursive entry to point to the inactive PDT during Map")
		}
		if got := activeTable[lastIndex].Frame(); got != activeFrame {
			t.Error("expected the recursive entry to be restored after Map")
		}
	})

	t.Run("unmap on inactive PDT swaps the recursive entry", func(t *testing.T) {
		var pdt PageDirectoryTable
		pdt.pdtFrame = mm.Frame(123)

		activeTable, activeAddr := alignedPage()
		activeFrame := mm.Frame(activeAddr >> mm.PageShift)
		lastIndex := (mm.PageSize >> mm.PointerShift) - 1
		activeTable[lastIndex].SetFlags(FlagPresent | FlagRW)
		activeTable[lastIndex].SetFrame(activeFrame)

		activePDTFn = func() uintptr { return activeAddr }

		var frameDuringUnmap mm.Frame
		unmapFn = func(mm.Page) *kernel.Error {
			frameDuringUnmap = activeTable[lastIndex].Frame()
			return nil
		}

		if err := pdt.Unmap(mm.Page(1)); err != nil {
			t.Fatal(err)
		}

		if frameDuringUnmap != pdt.pdtFrame {
			t.Error("expected the recursive entry to point to the inactive PDT during Unmap")
		}
		if got := activeTable[lastIndex].Frame(); got != activeFrame {
			t.Error("expected the recursive entry to be restored after Unmap")
		}
	})
}

func TestPageDirectoryTableActivateAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origSwitchPDT func(uintptr)) {
		switchPDTFn = origSwitchPDT
	}(switchPDTFn)

	var switchedTo uintptr
	switchPDTFn = func(pdtAddr uintptr) { switchedTo = pdtAddr }

	var pdt PageDirectoryTable
	pdt.pdtFrame = mm.Frame(123)
	pdt.Activate()

	if exp := pdt.pdtFrame.Address(); switchedTo != exp {
		t.Fatalf("expected Activate to switch to PDT at 0x%x; got 0x%x", exp, switchedTo)
	}
}

func TestShareKernelMappingsAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origMapTemporary func(mm.Frame) (mm.Page, *kernel.Error), origUnmap func(mm.Page) *kernel.Error) {
		ptePtrFn = origPtePtr
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
	}(ptePtrFn, mapTemporaryFn, unmapFn)

	var (
		srcTable  [mm.PageSize >> mm.PointerShift]pageTableEntry
		lastIndex = int(mm.PageSize>>mm.PointerShift) - 1
	)

	// Populate entries in both halves of the source table: the identity
	// mapping of physical memory lives in the lower half and the kernel
	// image mappings in the upper half. Both must be shared.
	for _, index := range []int{0, 3, 300, 510} {
		srcTable[index].SetFlags(FlagPresent | FlagRW)
		srcTable[index].SetFrame(mm.Frame(index + 1))
	}
	srcTable[lastIndex].SetFlags(FlagPresent | FlagRW)
	srcTable[lastIndex].SetFrame(mm.Frame(0xaaa))

	dstTable, dstAddr := alignedPage()
	dstTable[lastIndex].SetFlags(FlagPresent | FlagRW)
	dstTable[lastIndex].SetFrame(mm.Frame(0xbbb))

	var pdt PageDirectoryTable
	pdt.pdtFrame = mm.Frame(dstAddr >> mm.PageShift)

	mapTemporaryFn = func(frame mm.Frame) (mm.Page, *kernel.Error) {
		if frame != pdt.pdtFrame {
			t.Fatalf("expected temporary mapping for the target PDT frame; got %d", frame)
		}
		return mm.PageFromAddress(dstAddr), nil
	}
	unmapFn = func(mm.Page) *kernel.Error { return nil }

	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		if entryAddr >= pdtVirtualAddr {
			return unsafe.Pointer(&srcTable[(entryAddr-pdtVirtualAddr)>>mm.PointerShift])
		}
		return unsafe.Pointer(entryAddr)
	}

	if err := pdt.ShareKernelMappings(); err != nil {
		t.Fatal(err)
	}

	for index := 0; index < lastIndex; index++ {
		if dstTable[index] != srcTable[index] {
			t.Errorf("expected entry %d to be shared with the target PDT", index)
		}
	}

	if got := dstTable[lastIndex].Frame(); got != mm.Frame(0xbbb) {
		t.Error("expected the recursive entry of the target PDT to be preserved")
	}
}

func TestNewProcessorPDTAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origActivePDT func() uintptr, origMapTemporary func(mm.Frame) (mm.Page, *kernel.Error), origUnmap func(mm.Page) *kernel.Error, origPtePtr func(uintptr) unsafe.Pointer) {
		activePDTFn = origActivePDT
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
		ptePtrFn = origPtePtr
		mm.SetFrameAllocator(nil, nil)
	}(activePDTFn, mapTemporaryFn, unmapFn, ptePtrFn)

	var (
		srcTable  [mm.PageSize >> mm.PointerShift]pageTableEntry
		lastIndex = int(mm.PageSize>>mm.PointerShift) - 1
	)
	srcTable[0].SetFlags(FlagPresent | FlagRW)
	srcTable[0].SetFrame(mm.Frame(0x42))

	dstTable, dstAddr := alignedPage()
	dstFrame := mm.Frame(dstAddr >> mm.PageShift)

	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		return dstFrame, nil
	}, nil)
	activePDTFn = func() uintptr { return uintptr(0x1000) }
	mapTemporaryFn = func(frame mm.Frame) (mm.Page, *kernel.Error) {
		if frame != dstFrame {
			t.Fatalf("expected temporary mapping for the new PDT frame; got %d", frame)
		}
		return mm.PageFromAddress(dstAddr), nil
	}
	unmapFn = func(mm.Page) *kernel.Error { return nil }
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		if entryAddr >= pdtVirtualAddr {
			return unsafe.Pointer(&srcTable[(entryAddr-pdtVirtualAddr)>>mm.PointerShift])
		}
		return unsafe.Pointer(entryAddr)
	}

	pdt, err := NewProcessorPDT()
	if err != nil {
		t.Fatal(err)
	}

	if got := pdt.Root(); got != dstFrame.Address() {
		t.Fatalf("expected the PDT root to be 0x%x; got 0x%x", dstFrame.Address(), got)
	}
	if dstTable[0] != srcTable[0] {
		t.Error("expected the kernel mappings to be shared with the new PDT")
	}
	if selfRef := dstTable[lastIndex]; !selfRef.HasFlags(FlagPresent|FlagRW) || selfRef.Frame() != dstFrame {
		t.Errorf("expected the last entry to recursively map the new PDT; got %x", uintptr(selfRef))
	}
}
