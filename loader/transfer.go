package loader

import (
	"unsafe"

	"helios/bootinfo"
	"helios/efi"
	"helios/kernel"
)

var (
	// the following functions are mocked by tests.
	jumpToKernelFn = jumpToKernel

	// mapSnapshot backs the memory map capture. It lives in loader static
	// storage so taking the snapshot itself cannot trigger an allocation
	// that would invalidate the map key.
	mapSnapshot memMapSnapshot
)

// transferToKernel performs the one-way jump into the kernel. It captures the
// final memory map, terminates firmware services with the key from that same
// capture and branches to the kernel entry point with the handoff structure
// pointer as sole argument.
//
// Any firmware allocation between the capture and the exit call invalidates
// the map key; the firmware reports this as a stale key and the whole
// capture+exit sequence is replayed a bounded number of times. A successful
// call never returns.
func transferToKernel(bs efi.BootServices, bi *bootinfo.BootInfo, entryPhysAddr uintptr) *kernel.Error {
	for attempt := 0; attempt < maxSnapshotRetries; attempt++ {
		if err := mapSnapshot.capture(bs); err != nil {
			return err
		}
		if err := mapSnapshot.fillRegions(bi); err != nil {
			return err
		}

		err := bs.ExitBootServices(mapSnapshot.key)
		if err == efi.ErrInvalidMapKey {
			continue
		}
		if err != nil {
			return err
		}

		jumpToKernelFn(entryPhysAddr, uintptr(unsafe.Pointer(bi)))

		// The jump must not come back; if it does, the fallback channel
		// is the only place left to report it.
		return ErrHandoffFailed
	}

	return ErrHandoffFailed
}

// jumpToKernel branches to the kernel entry point passing the handoff
// structure address as the first (and only) argument per the SysV calling
// convention. It never returns.
//
//go:noescape
func jumpToKernel(entryPhysAddr, infoPtr uintptr)
