package vmm

import (
	"runtime"
	"testing"

	"helios/kernel"
	"helios/kernel/mm"
)

func TestReserveZeroedFrameAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origMapTemporary func(mm.Frame) (mm.Page, *kernel.Error), origUnmap func(mm.Page) *kernel.Error) {
		mapTemporaryFn = origMapTemporary
		unmapFn = origUnmap
		protectReservedZeroedPage = false
		ReservedZeroedFrame = 0
		mm.SetFrameAllocator(nil, nil)
	}(mapTemporaryFn, unmapFn)

	table, tableAddr := alignedPage()
	table[7] = pageTableEntry(0xfeedface)

	frame := mm.Frame(tableAddr >> mm.PageShift)
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		return frame, nil
	}, nil)
	mapTemporaryFn = func(mm.Frame) (mm.Page, *kernel.Error) {
		return mm.PageFromAddress(tableAddr), nil
	}
	unmapFn = func(mm.Page) *kernel.Error { return nil }

	if err := reserveZeroedFrame(); err != nil {
		t.Fatal(err)
	}

	if ReservedZeroedFrame != frame {
		t.Fatalf("expected ReservedZeroedFrame to be %d; got %d", frame, ReservedZeroedFrame)
	}
	if table[7] != 0 {
		t.Error("expected the reserved frame contents to be cleared")
	}

	// Once reserved, the blank frame rejects writable mappings
	if err := Map(mm.Page(0), ReservedZeroedFrame, FlagPresent|FlagRW); err != errAttemptToRWMapReservedFrame {
		t.Fatalf("expected errAttemptToRWMapReservedFrame; got %v", err)
	}
	if _, err := MapTemporary(ReservedZeroedFrame); err != errAttemptToRWMapReservedFrame {
		t.Fatalf("expected errAttemptToRWMapReservedFrame; got %v", err)
	}
}
