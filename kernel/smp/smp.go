// Package smp implements secondary processor bring-up. The bootstrap
// processor walks the topology discovered from the firmware configuration
// tables, copies a low-memory startup trampoline into place and releases each
// secondary processor with the init/startup interrupt protocol, polling for
// an acknowledgment with a bounded timeout.
//
// A processor that never acknowledges is marked failed and the system
// proceeds with fewer processors; bring-up failures are the one class of
// early boot errors that is not fatal.
//
// Once at least one secondary is online the package also provides the
// translation cache shootdown broadcast used by the virtual memory manager:
// an interrupt sent to every other online processor which blocks the sender
// until all targets acknowledge the flush.
package smp

import (
	"io"
	"sync/atomic"
	"unsafe"

	"helios/device/acpi"
	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/mm/vmm"
	"helios/kernel/sync"
	"helios/kernel/trap"
)

const (
	// trampolineAddr is the physical address the startup trampoline is
	// copied to. Startup interrupt vectors address 4K-aligned pages below
	// 1M; the frame allocator never hands out memory below that boundary
	// so this frame is always free.
	trampolineAddr = uintptr(0x8000)

	// trampolineParamOff is the offset of the trampoline parameter block
	// within the trampoline frame.
	trampolineParamOff = uintptr(0xf00)

	// Parameter block layout, offsets relative to trampolineParamOff.
	paramOffPDT   = uintptr(0x00) // 32-bit physical address of the page directory table
	paramOffStack = uintptr(0x04) // 64-bit stack top for the 64-bit entry stub
	paramOffEntry = uintptr(0x0c) // 64-bit address of the entry stub
	paramOffIndex = uintptr(0x14) // 32-bit processor index

	// startupVector encodes the trampoline page number in the startup
	// interrupt command.
	startupVector = uint32(trampolineAddr >> 12)
)

// Local interrupt controller register offsets and interrupt command encodings.
const (
	lapicRegID      = uintptr(0x20)
	lapicRegEOI     = uintptr(0xb0)
	lapicRegICRLow  = uintptr(0x300)
	lapicRegICRHigh = uintptr(0x310)

	icrDeliveryInit    = uint32(0x500)
	icrDeliveryStartup = uint32(0x600)
	icrLevelAssert     = uint32(1 << 14)
	icrDestShift       = 24
)

// The bring-up protocol timings are platform sensitive; they are exported as
// tunables rather than constants so a port or a slow emulator can stretch
// them.
var (
	// InitSettleMicros is the delay between the init interrupt and the
	// first startup interrupt.
	InitSettleMicros uint64 = 10000

	// StartupDelayMicros is the delay following each startup interrupt.
	StartupDelayMicros uint64 = 200

	// OnlinePollMicros is the delay between acknowledgment polls.
	OnlinePollMicros uint64 = 100

	// OnlinePollLimit bounds the number of acknowledgment polls before a
	// processor is declared failed.
	OnlinePollLimit = 2000
)

var (
	errNoUsableProcessors   = &kernel.Error{Module: "smp", Message: "topology describes no usable processors"}
	errBootProcessorUnknown = &kernel.Error{Module: "smp", Message: "boot processor not present in topology"}
	errTooManyProcessors    = &kernel.Error{Module: "smp", Message: "topology describes more processors than supported"}
)

var (
	// the following functions are mocked by tests.
	lapicReadFn      = lapicRead
	lapicWriteFn     = lapicWrite
	busyWaitFn       = busyWait
	mapRegionFn      = vmm.MapRegion
	registerTrapFn   = trap.Register
	trapLoadFn       = trap.Load
	trapActivateFn   = trap.Activate
	flushTLBEntryFn  = cpu.FlushTLBEntry
	cpuHaltFn        = cpu.Halt
	trampolineBaseFn = func() uintptr { return trampolineAddr }

	// newProcessorPDTFn allocates the page directory table a secondary
	// processor starts on and returns its physical root address.
	newProcessorPDTFn = func() (uintptr, *kernel.Error) {
		pdt, err := vmm.NewProcessorPDT()
		if err != nil {
			return 0, err
		}
		return pdt.Root(), nil
	}
)

// State tracks a processor through the bring-up protocol.
type State uint8

// The processor bring-up states.
const (
	StateUnstarted State = iota
	StateStartupSent
	StateOnline
	StateFailed
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStartupSent:
		return "startup-sent"
	case StateOnline:
		return "online"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Processor is the kernel-side descriptor for one processor. Descriptors are
// created during bring-up and persist for the kernel lifetime; the scheduler
// consumes the online set.
type Processor struct {
	// Index is the kernel-assigned processor number. The bootstrap
	// processor is always index 0.
	Index int

	// APICID identifies the processor's local interrupt controller.
	APICID uint8

	// State records the bring-up outcome.
	State State

	// StackTop is the top of the exclusively-owned stack the processor
	// entered the kernel on. It is zero for the bootstrap processor,
	// whose stack was established by the loader handoff.
	StackTop uintptr

	online sync.Flag
}

var (
	lapicBase uintptr
	cpus      []Processor

	shootdownAddr    uintptr
	shootdownPending int32
)

// Init registers the translation cache shootdown interrupt handler. It must
// be invoked before the trap table is built and sealed.
func Init() *kernel.Error {
	return registerTrapFn(trap.TLBShootdownVector, 0, shootdownHandler)
}

// StartAll brings up every usable secondary processor described by the
// supplied topology. It must be invoked on the bootstrap processor after the
// trap table has been activated and the readiness flag published. Bring-up
// progress and failures are reported to w.
func StartAll(topology *acpi.Topology, w io.Writer) *kernel.Error {
	if err := mapLocalAPIC(uintptr(topology.LocalAPICAddress)); err != nil {
		return err
	}

	cpus = cpus[:0]
	for _, proc := range topology.Processors {
		if !proc.Enabled {
			continue
		}
		cpus = append(cpus, Processor{
			Index:  len(cpus),
			APICID: proc.APICID,
		})
	}
	switch {
	case len(cpus) == 0:
		return errNoUsableProcessors
	case len(cpus) > trap.MaxCPUs:
		return errTooManyProcessors
	}

	// The bootstrap processor is already running and owns index 0;
	// reorder so the kernel index sequence starts with it.
	bootAPICID := uint8(lapicReadFn(lapicRegID) >> icrDestShift)
	bootIndex := -1
	for i := range cpus {
		if cpus[i].APICID == bootAPICID {
			bootIndex = i
			break
		}
	}
	if bootIndex == -1 {
		return errBootProcessorUnknown
	}
	cpus[0], cpus[bootIndex] = cpus[bootIndex], cpus[0]
	for i := range cpus {
		cpus[i].Index = i
	}
	cpus[0].State = StateOnline
	cpus[0].online.Set()

	installTrampoline()

	online := 1
	for i := 1; i < len(cpus); i++ {
		if startProcessor(&cpus[i], w) {
			online++
		}
	}

	// With the final online set known, route unmap notifications from the
	// virtual memory manager to the other processors.
	vmm.SetShootdownBroadcast(broadcastShootdown)

	kfmt.Fprintf(w, "smp: %d/%d processors online\n", online, len(cpus))
	return nil
}

// Processors returns the processor descriptor set built by StartAll.
func Processors() []Processor {
	return cpus
}

// OnlineCount returns the number of processors that completed bring-up.
func OnlineCount() int {
	count := 0
	for i := range cpus {
		if cpus[i].State == StateOnline {
			count++
		}
	}
	return count
}

// mapLocalAPIC makes the local interrupt controller registers addressable
// through a dedicated virtual window outside the physical identity map. The
// controller registers sit inside a region the kernel identity-maps with huge
// pages, so a window mapping keeps the controller page uncached and
// non-executable without disturbing the covering huge page.
func mapLocalAPIC(physAddr uintptr) *kernel.Error {
	page, err := mapRegionFn(mm.FrameFromAddress(physAddr), mm.PageSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagGlobal|vmm.FlagNoExecute)
	if err != nil {
		return err
	}

	lapicBase = page.Address() + vmm.PageOffset(physAddr)
	return nil
}

// installTrampoline copies the startup stub into the trampoline frame and
// patches the parameter slots that are identical for every processor.
func installTrampoline() {
	base := trampolineBaseFn()
	kernel.Memcopy(uintptr(unsafe.Pointer(&trampolineCode[0])), base, uintptr(len(trampolineCode)))

	writeParam64(base, paramOffEntry, uint64(secondaryEntryAddr()))
}

// startProcessor releases one secondary processor and waits for it to come
// online. A timeout is reported to w and leaves the processor failed; the
// system continues with the remaining processors.
func startProcessor(proc *Processor, w io.Writer) bool {
	pdtRoot, err := newProcessorPDTFn()
	if err != nil {
		kfmt.Fprintf(w, "smp: processor %d: page table allocation failed; marking failed\n", proc.Index)
		proc.State = StateFailed
		return false
	}

	stackFrame, err := mm.AllocFrame()
	if err != nil {
		kfmt.Fprintf(w, "smp: processor %d: stack allocation failed; marking failed\n", proc.Index)
		proc.State = StateFailed
		return false
	}
	proc.StackTop = stackFrame.Address() + mm.PageSize

	// The parameter block is shared between bring-up attempts: processors
	// are released one at a time and each must acknowledge (or time out)
	// before the block is repatched. A processor that wakes up after its
	// poll window expired reads a later sibling's parameters, but by then
	// it has already been marked failed and its index abandoned.
	base := trampolineBaseFn()
	writeParam32(base, paramOffPDT, uint32(pdtRoot))
	writeParam64(base, paramOffStack, uint64(proc.StackTop))
	writeParam32(base, paramOffIndex, uint32(proc.Index))

	// The state moves to startup-sent before the processor is released so
	// a failure it records on its way up is never overwritten.
	proc.State = StateStartupSent

	sendInterrupt(proc.APICID, icrDeliveryInit|icrLevelAssert)
	busyWaitFn(InitSettleMicros)

	for i := 0; i < 2; i++ {
		sendInterrupt(proc.APICID, icrDeliveryStartup|startupVector)
		busyWaitFn(StartupDelayMicros)
	}

	for attempt := 0; attempt < OnlinePollLimit; attempt++ {
		if proc.online.IsSet() {
			if proc.State == StateFailed {
				kfmt.Fprintf(w, "smp: processor %d (controller %d) failed during bring-up\n", proc.Index, proc.APICID)
				return false
			}
			proc.State = StateOnline
			return true
		}
		busyWaitFn(OnlinePollMicros)
	}

	kfmt.Fprintf(w, "smp: processor %d (controller %d) did not acknowledge startup; marking failed\n", proc.Index, proc.APICID)
	proc.State = StateFailed
	return false
}

// secondaryEntry is the first kernel code a secondary processor runs after
// the trampoline switched it to 64-bit mode on its private stack. The
// processor joins the shared kernel address space set up by the trampoline
// parameter block, waits for the bootstrap processor to publish the
// readiness flag, activates its trap table slot and acknowledges bring-up.
//
//go:nosplit
func secondaryEntry(index uintptr) {
	kernel.SubsystemsReady.Wait()

	proc := &cpus[index]
	if err := trapLoadFn(proc.Index); err != nil {
		proc.State = StateFailed
		proc.online.Set() // unblock the poller; it observes the failed state
		cpuHaltFn()
		return
	}
	if err := trapActivateFn(proc.Index); err != nil {
		proc.State = StateFailed
		proc.online.Set()
		cpuHaltFn()
		return
	}

	proc.online.Set()

	// Nothing to schedule yet; park until an interrupt arrives.
	cpuHaltFn()
}

// broadcastShootdown propagates a translation cache invalidation for
// virtAddr to every other online processor and blocks until all of them have
// acknowledged the flush. It is registered with the virtual memory manager
// once bring-up completes.
func broadcastShootdown(virtAddr uintptr) {
	selfAPICID := uint8(lapicReadFn(lapicRegID) >> icrDestShift)

	targets := int32(0)
	for i := range cpus {
		if cpus[i].State == StateOnline && cpus[i].APICID != selfAPICID {
			targets++
		}
	}
	if targets == 0 {
		return
	}

	shootdownAddr = virtAddr
	atomic.StoreInt32(&shootdownPending, targets)

	for i := range cpus {
		if cpus[i].State == StateOnline && cpus[i].APICID != selfAPICID {
			sendInterrupt(cpus[i].APICID, uint32(trap.TLBShootdownVector))
		}
	}

	for atomic.LoadInt32(&shootdownPending) > 0 {
	}
}

// shootdownHandler runs on each processor targeted by a shootdown broadcast.
func shootdownHandler(_ *trap.Registers) {
	flushTLBEntryFn(shootdownAddr)
	lapicWriteFn(lapicRegEOI, 0)
	atomic.AddInt32(&shootdownPending, -1)
}

func sendInterrupt(apicID uint8, command uint32) {
	lapicWriteFn(lapicRegICRHigh, uint32(apicID)<<icrDestShift)
	lapicWriteFn(lapicRegICRLow, command)
}

func lapicRead(reg uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(lapicBase + reg))
}

func lapicWrite(reg uintptr, val uint32) {
	*(*uint32)(unsafe.Pointer(lapicBase + reg)) = val
}

func writeParam32(base uintptr, off uintptr, val uint32) {
	*(*uint32)(unsafe.Pointer(base + trampolineParamOff + off)) = val
}

func writeParam64(base uintptr, off uintptr, val uint64) {
	*(*uint64)(unsafe.Pointer(base + trampolineParamOff + off)) = val
}

var spinSink uint64

// busyWait spins for approximately the supplied number of microseconds. The
// calibration is deliberately crude; every delay consumer tolerates
// overshooting.
func busyWait(micros uint64) {
	for n := micros * spinsPerMicro; n > 0; n-- {
		spinSink++
	}
}

const spinsPerMicro = 1000
