package trap

import (
	"testing"
	"unsafe"

	"helios/kernel"
	"helios/kernel/sync"
)

func resetTrapState() {
	lock = sync.Spinlock{}
	handlers = [numVectors]Handler{}
	istIndexes = [numVectors]uint8{}
	idt = [numVectors]gateDescriptor{}
	idtDescriptor = [10]byte{}
	tableBuilt = false
	cpuStates = [MaxCPUs]State{}
}

func TestRegisterAndDispatch(t *testing.T) {
	defer resetTrapState()
	resetTrapState()

	var gotRegs *Registers
	if err := Register(PageFaultException, 0, func(regs *Registers) { gotRegs = regs }); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	regs := &Registers{Vector: uint64(PageFaultException), Info: 2}
	dispatchTrap(regs)

	if gotRegs != regs {
		t.Fatal("expected the registered handler to receive the register snapshot")
	}
}

func TestRegisterErrors(t *testing.T) {
	defer resetTrapState()
	resetTrapState()

	if err := Register(DivideByZero, maxISTIndex+1, nil); err != ErrInvalidISTIndex {
		t.Fatalf("expected ErrInvalidISTIndex; got %v", err)
	}

	if err := BuildTable(); err != nil {
		t.Fatalf("BuildTable returned error: %v", err)
	}

	if err := Register(DivideByZero, 0, func(*Registers) {}); err != ErrTableSealed {
		t.Fatalf("expected ErrTableSealed after BuildTable; got %v", err)
	}
}

func TestBuildTable(t *testing.T) {
	defer resetTrapState()
	resetTrapState()

	// Registrations may request any stack but the critical vectors always
	// end up on the dedicated one.
	if err := Register(DoubleFault, 0, func(*Registers) {}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if err := BuildTable(); err != nil {
		t.Fatalf("BuildTable returned error: %v", err)
	}
	// A second build is a no-op
	if err := BuildTable(); err != nil {
		t.Fatalf("repeated BuildTable returned error: %v", err)
	}

	for _, vector := range []Vector{DoubleFault, MachineCheck} {
		if got := idt[vector].ist; got != criticalISTIndex {
			t.Errorf("expected vector %d to use IST slot %d; got %d", vector, criticalISTIndex, got)
		}
	}

	vectorTable := (*[numVectors]uintptr)(unsafe.Pointer(vectorTableBase()))
	for _, vector := range []Vector{DivideByZero, PageFaultException, DeviceVectorBase} {
		gate := idt[vector]
		if gate.typeAttr != gateTypeInterrupt || gate.selector != kernelCodeSelector {
			t.Errorf("unexpected gate attributes for vector %d: %+v", vector, gate)
		}

		encoded := uintptr(gate.offsetLow) | uintptr(gate.offsetMid)<<16 | uintptr(gate.offsetHigh)<<32
		if encoded != vectorTable[vector] {
			t.Errorf("gate %d encodes entry address %x; stub lives at %x", vector, encoded, vectorTable[vector])
		}
	}
}

func TestPerCPUStateMachine(t *testing.T) {
	defer resetTrapState()
	resetTrapState()

	var loadedAddr uintptr
	origLoadIDT, origEnableInts := loadIDTFn, enableInterruptsFn
	loadIDTFn = func(descriptorAddr uintptr) { loadedAddr = descriptorAddr }
	enableInterruptsFn = func() {}
	defer func() {
		loadIDTFn, enableInterruptsFn = origLoadIDT, origEnableInts
	}()

	if err := Load(0); err != ErrTableNotBuilt {
		t.Fatalf("expected ErrTableNotBuilt before BuildTable; got %v", err)
	}
	if err := BuildTable(); err != nil {
		t.Fatalf("BuildTable returned error: %v", err)
	}

	if err := Load(MaxCPUs); err != ErrInvalidCPU {
		t.Fatalf("expected ErrInvalidCPU; got %v", err)
	}

	// Activating before loading is invalid
	if err := Activate(0); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState for unloaded processor; got %v", err)
	}

	if err := Load(0); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loadedAddr != uintptr(unsafe.Pointer(&idtDescriptor[0])) {
		t.Fatal("expected Load to point the IDT register at the shared descriptor")
	}
	if got := CPUState(0); got != StateLoaded {
		t.Fatalf("expected StateLoaded; got %d", got)
	}
	if err := Load(0); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState on repeated Load; got %v", err)
	}

	if err := Activate(0); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if got := CPUState(0); got != StateActive {
		t.Fatalf("expected StateActive; got %d", got)
	}
	if err := Activate(0); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState on repeated Activate; got %v", err)
	}

	// Other processors progress independently
	if got := CPUState(1); got != StateUnconfigured {
		t.Fatalf("expected processor 1 to remain unconfigured; got %d", got)
	}
}

func TestUnhandledTrapAfterReady(t *testing.T) {
	defer resetTrapState()
	resetTrapState()

	halted := false
	origHalt, origReadCR2 := cpuHaltFn, readCR2Fn
	cpuHaltFn = func() { halted = true }
	readCR2Fn = func() uint64 { return 0xbadf00d000 }
	defer func() {
		cpuHaltFn, readCR2Fn = origHalt, origReadCR2
	}()

	kernel.SubsystemsReady.Set()

	dispatchTrap(&Registers{Vector: uint64(GPFException), Info: 0})
	if !halted {
		t.Fatal("expected an unhandled trap after readiness to halt the trapping processor")
	}
}
