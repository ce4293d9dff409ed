package smp

import (
	"bytes"
	"io"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"helios/device/acpi"
	"helios/kernel"
	"helios/kernel/mm"
	"helios/kernel/mm/vmm"
	"helios/kernel/trap"
)

// icrWrite records one interrupt command issued through the local controller.
type icrWrite struct {
	Dest    uint8
	Command uint32
}

type fakeLAPIC struct {
	selfAPICID uint8
	pendDest   uint8
	commands   []icrWrite

	// onStartup is invoked for every startup interrupt command.
	onStartup func(dest uint8)

	// onShootdown is invoked for every shootdown interrupt command.
	onShootdown func(dest uint8)
}

func (l *fakeLAPIC) read(reg uintptr) uint32 {
	if reg == lapicRegID {
		return uint32(l.selfAPICID) << icrDestShift
	}
	return 0
}

func (l *fakeLAPIC) write(reg uintptr, val uint32) {
	switch reg {
	case lapicRegICRHigh:
		l.pendDest = uint8(val >> icrDestShift)
	case lapicRegICRLow:
		l.commands = append(l.commands, icrWrite{Dest: l.pendDest, Command: val})
		if val&icrDeliveryStartup == icrDeliveryStartup && l.onStartup != nil {
			l.onStartup(l.pendDest)
		}
		if val == uint32(trap.TLBShootdownVector) && l.onShootdown != nil {
			l.onShootdown(l.pendDest)
		}
	}
}

func setupSMP(t *testing.T, lapic *fakeLAPIC) uintptr {
	origLapicRead, origLapicWrite := lapicReadFn, lapicWriteFn
	origBusyWait, origMapRegion := busyWaitFn, mapRegionFn
	origNewPDT, origTrampolineBase := newProcessorPDTFn, trampolineBaseFn
	origSettle, origStartupDelay := InitSettleMicros, StartupDelayMicros
	origPollMicros, origPollLimit := OnlinePollMicros, OnlinePollLimit
	t.Cleanup(func() {
		lapicReadFn, lapicWriteFn = origLapicRead, origLapicWrite
		busyWaitFn, mapRegionFn = origBusyWait, origMapRegion
		newProcessorPDTFn, trampolineBaseFn = origNewPDT, origTrampolineBase
		InitSettleMicros, StartupDelayMicros = origSettle, origStartupDelay
		OnlinePollMicros, OnlinePollLimit = origPollMicros, origPollLimit
		cpus = nil
		lapicBase = 0
		shootdownPending = 0
		vmm.SetShootdownBroadcast(nil)
		mm.SetFrameAllocator(nil, nil)
	})

	lapicReadFn = lapic.read
	lapicWriteFn = lapic.write
	busyWaitFn = func(uint64) {}
	mapRegionFn = func(frame mm.Frame, _ uintptr, _ vmm.PageTableEntryFlag) (mm.Page, *kernel.Error) {
		return mm.PageFromAddress(frame.Address()), nil
	}
	nextPDTRoot := uintptr(0xa000)
	newProcessorPDTFn = func() (uintptr, *kernel.Error) {
		root := nextPDTRoot
		nextPDTRoot += mm.PageSize
		return root, nil
	}
	InitSettleMicros, StartupDelayMicros, OnlinePollMicros = 0, 0, 0
	OnlinePollLimit = 4

	nextStackFrame := mm.Frame(0x200)
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		frame := nextStackFrame
		nextStackFrame++
		return frame, nil
	}, func(mm.Frame) *kernel.Error { return nil })

	// Back the trampoline frame with host memory.
	buf := make([]byte, 2*mm.PageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	if off := base & (mm.PageSize - 1); off != 0 {
		base += mm.PageSize - off
	}
	trampolineBaseFn = func() uintptr { return base }

	return base
}

func testTopology() *acpi.Topology {
	return &acpi.Topology{
		LocalAPICAddress: 0xfee00000,
		Processors: []acpi.Processor{
			{ProcessorID: 0, APICID: 0, Enabled: true},
			{ProcessorID: 1, APICID: 1, Enabled: true},
			{ProcessorID: 2, APICID: 2, Enabled: true},
			{ProcessorID: 3, APICID: 3, Enabled: true},
			{ProcessorID: 4, APICID: 4, Enabled: false},
		},
	}
}

type procView struct {
	Index  int
	APICID uint8
	State  State
}

func TestStartAll(t *testing.T) {
	// The bootstrap processor is the one with controller id 2; the
	// processor with controller id 3 never acknowledges startup.
	lapic := &fakeLAPIC{selfAPICID: 2}
	tramp := setupSMP(t, lapic)

	// Track the page table root handed to each secondary.
	var pdtRoots []uintptr
	nextPDT := newProcessorPDTFn
	newProcessorPDTFn = func() (uintptr, *kernel.Error) {
		root, err := nextPDT()
		pdtRoots = append(pdtRoots, root)
		return root, err
	}

	lapic.onStartup = func(dest uint8) {
		if dest == 3 {
			return
		}
		for i := range cpus {
			if cpus[i].APICID == dest {
				cpus[i].online.Set()
			}
		}
	}

	var out bytes.Buffer
	if err := StartAll(testTopology(), &out); err != nil {
		t.Fatal(err)
	}

	var got []procView
	for i := range cpus {
		got = append(got, procView{Index: cpus[i].Index, APICID: cpus[i].APICID, State: cpus[i].State})
	}
	want := []procView{
		{Index: 0, APICID: 2, State: StateOnline},
		{Index: 1, APICID: 1, State: StateOnline},
		{Index: 2, APICID: 0, State: StateOnline},
		{Index: 3, APICID: 3, State: StateFailed},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected processor set (-want +got):\n%s", diff)
	}

	if OnlineCount() != 3 {
		t.Fatalf("expected 3 online processors; got %d", OnlineCount())
	}
	if !bytes.Contains(out.Bytes(), []byte("did not acknowledge startup")) {
		t.Fatal("expected the bring-up timeout to be reported")
	}
	if !bytes.Contains(out.Bytes(), []byte("3/4 processors online")) {
		t.Fatalf("expected the bring-up summary; got %q", out.String())
	}

	// The trampoline frame must carry the startup stub and the shared
	// parameter slots.
	stub := unsafe.Slice((*byte)(unsafe.Pointer(tramp)), len(trampolineCode))
	if !bytes.Equal(stub, trampolineCode) {
		t.Fatal("trampoline frame does not contain the startup stub")
	}
	if len(pdtRoots) != 3 {
		t.Fatalf("expected a page table per released secondary; got %d", len(pdtRoots))
	}
	if pdtRoots[0] == pdtRoots[1] || pdtRoots[1] == pdtRoots[2] {
		t.Fatal("expected each secondary to receive its own page table")
	}
	if got := *(*uint32)(unsafe.Pointer(tramp + trampolineParamOff + paramOffPDT)); got != uint32(pdtRoots[2]) {
		t.Fatalf("expected the page table root parameter to be patched for the last release; got 0x%x", got)
	}
	if got := *(*uint64)(unsafe.Pointer(tramp + trampolineParamOff + paramOffEntry)); got != uint64(secondaryEntryAddr()) {
		t.Fatalf("expected the entry stub parameter to be patched; got 0x%x", got)
	}

	// Every released processor gets an init interrupt followed by two
	// startup interrupts targeting the trampoline page.
	wantCommands := []icrWrite{
		{Dest: 1, Command: icrDeliveryInit | icrLevelAssert},
		{Dest: 1, Command: icrDeliveryStartup | startupVector},
		{Dest: 1, Command: icrDeliveryStartup | startupVector},
	}
	if diff := cmp.Diff(wantCommands, lapic.commands[:3]); diff != "" {
		t.Fatalf("unexpected interrupt sequence for the first secondary (-want +got):\n%s", diff)
	}

	// Secondaries run on exclusively-owned stacks.
	if cpus[1].StackTop == cpus[2].StackTop || cpus[1].StackTop == 0 {
		t.Fatal("expected each secondary to receive its own stack")
	}
}

func TestStartAllErrors(t *testing.T) {
	lapic := &fakeLAPIC{selfAPICID: 7}
	setupSMP(t, lapic)

	t.Run("no usable processors", func(t *testing.T) {
		topology := &acpi.Topology{
			Processors: []acpi.Processor{{ProcessorID: 0, APICID: 0, Enabled: false}},
		}
		if err := StartAll(topology, io.Discard); err != errNoUsableProcessors {
			t.Fatalf("expected errNoUsableProcessors; got %v", err)
		}
	})

	t.Run("boot processor missing from topology", func(t *testing.T) {
		// The fake controller reports id 7 which no descriptor carries.
		if err := StartAll(testTopology(), io.Discard); err != errBootProcessorUnknown {
			t.Fatalf("expected errBootProcessorUnknown; got %v", err)
		}
	})
}

func TestSecondaryEntry(t *testing.T) {
	origTrapLoad, origTrapActivate, origHalt := trapLoadFn, trapActivateFn, cpuHaltFn
	defer func() {
		trapLoadFn, trapActivateFn, cpuHaltFn = origTrapLoad, origTrapActivate, origHalt
		cpus = nil
	}()

	var loaded, activated []int
	halts := 0
	trapLoadFn = func(cpuIndex int) *kernel.Error {
		loaded = append(loaded, cpuIndex)
		return nil
	}
	trapActivateFn = func(cpuIndex int) *kernel.Error {
		activated = append(activated, cpuIndex)
		return nil
	}
	cpuHaltFn = func() { halts++ }

	kernel.SubsystemsReady.Set()
	cpus = make([]Processor, 2)
	cpus[1] = Processor{Index: 1, APICID: 5}

	secondaryEntry(1)

	if diff := cmp.Diff([]int{1}, loaded); diff != "" {
		t.Fatalf("unexpected trap table loads (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, activated); diff != "" {
		t.Fatalf("unexpected trap table activations (-want +got):\n%s", diff)
	}
	if !cpus[1].online.IsSet() {
		t.Fatal("expected the processor to acknowledge bring-up")
	}
	if halts != 1 {
		t.Fatalf("expected the processor to park; halts=%d", halts)
	}
}

func TestSecondaryEntryTrapFailure(t *testing.T) {
	origTrapLoad, origTrapActivate, origHalt := trapLoadFn, trapActivateFn, cpuHaltFn
	defer func() {
		trapLoadFn, trapActivateFn, cpuHaltFn = origTrapLoad, origTrapActivate, origHalt
		cpus = nil
	}()

	halts := 0
	activations := 0
	trapLoadFn = func(int) *kernel.Error {
		return &kernel.Error{Module: "trap", Message: "table slot allocation failed"}
	}
	trapActivateFn = func(int) *kernel.Error {
		activations++
		return nil
	}
	cpuHaltFn = func() { halts++ }

	kernel.SubsystemsReady.Set()
	cpus = make([]Processor, 2)
	cpus[1] = Processor{Index: 1, APICID: 5, State: StateStartupSent}

	secondaryEntry(1)

	if cpus[1].State != StateFailed {
		t.Fatalf("expected the processor to record its failure; state=%s", cpus[1].State)
	}
	if !cpus[1].online.IsSet() {
		t.Fatal("expected the failed processor to unblock the poller")
	}
	if activations != 0 {
		t.Fatal("expected no trap table activation after a load failure")
	}
	if halts != 1 {
		t.Fatalf("expected the failed processor to park; halts=%d", halts)
	}
}

func TestStartAllSecondaryTrapFailure(t *testing.T) {
	// Controller 1 acknowledges bring-up but reports a trap table failure;
	// the poller must not count it as online.
	lapic := &fakeLAPIC{selfAPICID: 0}
	setupSMP(t, lapic)
	lapic.onStartup = func(dest uint8) {
		for i := range cpus {
			if cpus[i].APICID != dest {
				continue
			}
			if dest == 1 {
				cpus[i].State = StateFailed
			}
			cpus[i].online.Set()
		}
	}

	topology := &acpi.Topology{
		LocalAPICAddress: 0xfee00000,
		Processors: []acpi.Processor{
			{ProcessorID: 0, APICID: 0, Enabled: true},
			{ProcessorID: 1, APICID: 1, Enabled: true},
			{ProcessorID: 2, APICID: 2, Enabled: true},
		},
	}

	var out bytes.Buffer
	if err := StartAll(topology, &out); err != nil {
		t.Fatal(err)
	}

	if cpus[1].State != StateFailed {
		t.Fatalf("expected processor 1 to stay failed; state=%s", cpus[1].State)
	}
	if OnlineCount() != 2 {
		t.Fatalf("expected 2 online processors; got %d", OnlineCount())
	}
	if !bytes.Contains(out.Bytes(), []byte("failed during bring-up")) {
		t.Fatal("expected the bring-up failure to be reported")
	}
	if !bytes.Contains(out.Bytes(), []byte("2/3 processors online")) {
		t.Fatalf("expected the bring-up summary; got %q", out.String())
	}
}

func TestShootdownBroadcast(t *testing.T) {
	lapic := &fakeLAPIC{selfAPICID: 0}
	setupSMP(t, lapic)

	var flushed []uintptr
	origFlush := flushTLBEntryFn
	defer func() { flushTLBEntryFn = origFlush }()
	flushTLBEntryFn = func(virtAddr uintptr) {
		flushed = append(flushed, virtAddr)
	}

	cpus = []Processor{
		{Index: 0, APICID: 0, State: StateOnline},
		{Index: 1, APICID: 1, State: StateOnline},
		{Index: 2, APICID: 2, State: StateOnline},
		{Index: 3, APICID: 3, State: StateFailed},
	}

	// Simulate the remote processors servicing the interrupt.
	lapic.onShootdown = func(uint8) {
		shootdownHandler(nil)
	}

	broadcastShootdown(0xdead000)

	if len(flushed) != 2 || flushed[0] != 0xdead000 || flushed[1] != 0xdead000 {
		t.Fatalf("expected both online secondaries to flush the address; got %v", flushed)
	}
	if shootdownPending != 0 {
		t.Fatalf("expected all acknowledgments to be collected; pending=%d", shootdownPending)
	}

	// With no other processor online the broadcast is a no-op.
	flushed = nil
	lapic.commands = nil
	cpus = cpus[:1]
	broadcastShootdown(0xbeef000)
	if len(flushed) != 0 || len(lapic.commands) != 0 {
		t.Fatal("expected no interrupts with a single online processor")
	}
}

func TestInitRegistersShootdownHandler(t *testing.T) {
	origRegister := registerTrapFn
	defer func() { registerTrapFn = origRegister }()

	var gotVector trap.Vector
	registerTrapFn = func(vector trap.Vector, istIndex uint8, handler trap.Handler) *kernel.Error {
		gotVector = vector
		if istIndex != 0 || handler == nil {
			t.Fatalf("unexpected registration: ist=%d handler=%v", istIndex, handler)
		}
		return nil
	}

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	if gotVector != trap.TLBShootdownVector {
		t.Fatalf("expected the shootdown vector to be registered; got %d", gotVector)
	}
}
