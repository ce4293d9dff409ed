// Package kmain contains the kernel entry point: the code that runs first
// after the loader's control transfer. It validates the handoff structure,
// brings up the memory, trap and multi-processor subsystems in dependency
// order and publishes the readiness flag consumed by the secondary
// processors and the scheduler.
package kmain

import (
	"helios/bootinfo"
	"helios/device/acpi"
	"helios/device/serial"
	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/kfmt"
	"helios/kernel/mm/pmm"
	"helios/kernel/mm/vmm"
	"helios/kernel/smp"
	"helios/kernel/trap"
)

var (
	// the following functions are mocked by tests.
	cpuHaltFn       = cpu.Halt
	panicFn         = kfmt.Panic
	pmmInitFn       = pmm.Init
	vmmInitFn       = vmm.Init
	smpInitFn       = smp.Init
	buildTableFn    = trap.BuildTable
	trapLoadFn      = trap.Load
	trapActivateFn  = trap.Activate
	discoverFn      = acpi.DiscoverTopology
	startAllFn      = smp.StartAll
	serialInitFn    = initSerialConsole
	reclaimLoaderFn = pmm.ReclaimLoaderMemory
	reclaimACPIFn   = pmm.ReclaimACPIMemory
)

// Kmain is the first kernel function that runs after control transfer. The
// sole argument is the physical address of the handoff structure assembled
// by the loader. Kmain never returns: it either completes bring-up and parks
// the bootstrap processor until interrupts arrive, or it halts with a
// diagnostic.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	bootinfo.SetInfoPtr(bootInfoPtr)

	// An incompatible handoff structure must halt the kernel before any
	// frame allocator state is touched; its memory map cannot be trusted.
	if err := bootinfo.Get().Validate(); err != nil {
		serialInitFn()
		panicFn(err)
		return
	}

	serialInitFn()

	if err := pmmInitFn(); err != nil {
		panicFn(err)
		return
	}
	if err := vmmInitFn(); err != nil {
		panicFn(err)
		return
	}

	// Trap handler registrations (page fault handlers from the virtual
	// memory manager, the shootdown interrupt) must all precede the table
	// build; the table seals once built.
	if err := smpInitFn(); err != nil {
		panicFn(err)
		return
	}
	if err := buildTableFn(); err != nil {
		panicFn(err)
		return
	}
	if err := trapLoadFn(0); err != nil {
		panicFn(err)
		return
	}
	if err := trapActivateFn(0); err != nil {
		panicFn(err)
		return
	}

	// Cache the command line before the loader-owned memory backing the
	// handoff structure becomes eligible for reclaim.
	cmdLine := bootinfo.GetBootCmdLine()

	// Memory management and trap delivery are up; release the secondary
	// processors. A machine whose configuration tables cannot be parsed
	// still boots on the bootstrap processor alone.
	kernel.SubsystemsReady.Set()

	sink := kfmt.GetOutputSink()
	topology, err := discoverFn(sink)
	switch {
	case err != nil:
		kfmt.Printf("kmain: topology discovery failed (%s); continuing on the boot processor\n", err.Message)
	default:
		if err = startAllFn(topology, sink); err != nil {
			panicFn(err)
			return
		}
	}

	// The configuration tables and the loader structures have been fully
	// consumed; return their memory to the frame pool.
	reclaimed := reclaimLoaderFn() + reclaimACPIFn()

	kfmt.Printf("kmain: boot complete: %d processors online, %d frames reclaimed, cmdline entries: %d\n",
		smp.OnlineCount(), reclaimed, len(cmdLine))

	// Nothing to schedule yet; park until an interrupt arrives.
	cpuHaltFn()
}

// initSerialConsole routes kernel output to the first serial port, replaying
// anything buffered before the console existed.
func initSerialConsole() {
	w := serial.NewWriter(serial.COM1Base)
	w.Init()
	kfmt.SetOutputSink(w)
}
