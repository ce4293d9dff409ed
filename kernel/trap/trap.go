// Package trap manages the trap table shared by every processor: handler
// registration, the interrupt descriptor table derived from it and the
// per-processor activation state machine. The table is built exactly once by
// the bootstrap processor; each processor then loads and activates it
// independently.
package trap

import (
	"unsafe"

	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/kfmt"
	"helios/kernel/sync"
)

const (
	numVectors = 256

	// kernelCodeSelector is the GDT selector for the kernel code segment
	// set up by the boot assembly.
	kernelCodeSelector = 0x08

	// gateTypeInterrupt marks a present ring-0 interrupt gate.
	gateTypeInterrupt = 0x8e

	// criticalISTIndex is the interrupt stack table slot holding the
	// dedicated known-good stack used by the double fault and machine
	// check handlers.
	criticalISTIndex = 1

	// maxISTIndex is the highest valid interrupt stack table slot.
	maxISTIndex = 7

	// MaxCPUs bounds the number of processors whose trap state is tracked.
	MaxCPUs = 64
)

var (
	ErrTableSealed     = &kernel.Error{Module: "trap", Message: "trap table already built; registrations are closed"}
	ErrTableNotBuilt   = &kernel.Error{Module: "trap", Message: "trap table has not been built"}
	ErrInvalidISTIndex = &kernel.Error{Module: "trap", Message: "interrupt stack table index out of range"}
	ErrInvalidCPU      = &kernel.Error{Module: "trap", Message: "processor index out of range"}
	ErrInvalidState    = &kernel.Error{Module: "trap", Message: "invalid trap state transition for processor"}

	errUnhandledTrap = &kernel.Error{Module: "trap", Message: "unhandled trap"}

	// the following functions are mocked by tests.
	loadIDTFn          = cpu.LoadIDT
	enableInterruptsFn = cpu.EnableInterrupts
	readCR2Fn          = cpu.ReadCR2
	cpuHaltFn          = cpu.Halt
)

// Handler is invoked with the captured register snapshot when its registered
// vector fires.
type Handler func(*Registers)

// State tracks how far a processor has progressed in adopting the shared trap
// table.
type State uint8

const (
	// StateUnconfigured is the initial state; the processor still runs on
	// whatever descriptor table the loader or the trampoline left behind.
	StateUnconfigured State = iota

	// StateLoaded means the processor has loaded the shared table but
	// keeps interrupts disabled.
	StateLoaded

	// StateActive means the processor accepts interrupts through the
	// shared table.
	StateActive
)

// vectorTableBase returns the address of the per-vector entry stub table
// defined in entry_amd64.s.
func vectorTableBase() uintptr

// gateDescriptor is the in-memory format of a long mode IDT entry.
type gateDescriptor struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var (
	lock sync.Spinlock

	handlers   [numVectors]Handler
	istIndexes [numVectors]uint8

	idt [numVectors]gateDescriptor

	// idtDescriptor is the 10 byte limit/base operand consumed by LIDT.
	idtDescriptor [10]byte

	tableBuilt bool

	cpuStates [MaxCPUs]State
)

// Register associates a handler with a trap vector. The istIndex argument
// selects the interrupt stack table slot the handler runs on (0 keeps the
// current stack). Registrations are only accepted while the table has not
// been built yet.
func Register(vector Vector, istIndex uint8, handler Handler) *kernel.Error {
	if istIndex > maxISTIndex {
		return ErrInvalidISTIndex
	}

	lock.Acquire()
	defer lock.Release()

	if tableBuilt {
		return ErrTableSealed
	}

	handlers[vector] = handler
	istIndexes[vector] = istIndex
	return nil
}

// BuildTable seals the registrations and constructs the interrupt descriptor
// table every processor will load. The double fault and machine check gates
// are always placed on the dedicated known-good stack regardless of what
// their registrations requested. Calling BuildTable more than once is a
// no-op.
func BuildTable() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if tableBuilt {
		return nil
	}

	istIndexes[DoubleFault] = criticalISTIndex
	istIndexes[MachineCheck] = criticalISTIndex

	vectorTable := (*[numVectors]uintptr)(unsafe.Pointer(vectorTableBase()))
	for vector := 0; vector < numVectors; vector++ {
		entryAddr := vectorTable[vector]
		idt[vector] = gateDescriptor{
			offsetLow:  uint16(entryAddr),
			selector:   kernelCodeSelector,
			ist:        istIndexes[vector],
			typeAttr:   gateTypeInterrupt,
			offsetMid:  uint16(entryAddr >> 16),
			offsetHigh: uint32(entryAddr >> 32),
		}
	}

	limit := uint16(numVectors*unsafe.Sizeof(gateDescriptor{}) - 1)
	base := uintptr(unsafe.Pointer(&idt[0]))
	idtDescriptor[0] = byte(limit)
	idtDescriptor[1] = byte(limit >> 8)
	for i := uintptr(0); i < 8; i++ {
		idtDescriptor[2+i] = byte(base >> (8 * i))
	}

	tableBuilt = true
	return nil
}

// Load points the calling processor's IDT register at the shared table. The
// table must have been built and the processor must not have loaded it
// already. Interrupts remain disabled until Activate.
func Load(cpuIndex int) *kernel.Error {
	if cpuIndex < 0 || cpuIndex >= MaxCPUs {
		return ErrInvalidCPU
	}

	lock.Acquire()
	defer lock.Release()

	if !tableBuilt {
		return ErrTableNotBuilt
	}
	if cpuStates[cpuIndex] != StateUnconfigured {
		return ErrInvalidState
	}

	loadIDTFn(uintptr(unsafe.Pointer(&idtDescriptor[0])))
	cpuStates[cpuIndex] = StateLoaded
	return nil
}

// Activate enables interrupt delivery on the calling processor. The processor
// must have loaded the table first.
func Activate(cpuIndex int) *kernel.Error {
	if cpuIndex < 0 || cpuIndex >= MaxCPUs {
		return ErrInvalidCPU
	}

	lock.Acquire()
	defer lock.Release()

	if cpuStates[cpuIndex] != StateLoaded {
		return ErrInvalidState
	}

	enableInterruptsFn()
	cpuStates[cpuIndex] = StateActive
	return nil
}

// CPUState reports how far the supplied processor has progressed in adopting
// the trap table.
func CPUState(cpuIndex int) State {
	if cpuIndex < 0 || cpuIndex >= MaxCPUs {
		return StateUnconfigured
	}

	lock.Acquire()
	defer lock.Release()
	return cpuStates[cpuIndex]
}

// dispatchTrap is invoked by the assembly trampoline with the captured
// register snapshot and routes the trap to its registered handler.
//
//go:nosplit
func dispatchTrap(regs *Registers) {
	vector := Vector(regs.Vector)
	if handler := handlers[vector]; handler != nil {
		handler(regs)
		return
	}

	unhandledTrap(vector, regs)
}

// unhandledTrap reports a trap with no registered handler. Before the kernel
// publishes its readiness flag an unhandled trap means bring-up itself is
// broken and the whole system goes down; afterwards only the trapping
// processor is halted.
func unhandledTrap(vector Vector, regs *Registers) {
	kfmt.Printf("\nunhandled trap: vector %d (%s), error code 0x%x\n", uint8(vector), vectorName(vector), regs.Info)
	if vector == PageFaultException || vector == GPFException {
		kfmt.Printf("faulting address: 0x%16x\n", readCR2Fn())
	}
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	if !kernel.SubsystemsReady.IsSet() {
		kfmt.Panic(errUnhandledTrap)
		return
	}

	// Halt never returns on real hardware.
	cpuHaltFn()
}
