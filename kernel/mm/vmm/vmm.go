// Package vmm implements the virtual memory manager: page table construction
// and the map/unmap/translate primitives used by the rest of the kernel. The
// page tables are accessed through a recursive mapping installed in the last
// entry of the top-level table which allows every table in the hierarchy to be
// reached through plain virtual addresses.
package vmm

import (
	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn   = cpu.ReadCR2
	translateFn = Translate

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init initializes the vmm system, creates a granular PDT covering the kernel
// image and an identity mapping of physical memory, and installs the
// paging-related fault handlers.
func Init() *kernel.Error {
	if err := setupPDTForKernel(); err != nil {
		return err
	}

	// Install arch-specific handlers for vmm-related faults.
	if err := installFaultHandlers(); err != nil {
		return err
	}

	return reserveZeroedFrame()
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage mm.Page
	)

	if ReservedZeroedFrame, err = mm.AllocFrame(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, mm.PageSize)
	_ = unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}
