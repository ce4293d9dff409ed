package trap

// Vector describes an x86 interrupt/exception/trap slot.
type Vector uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = Vector(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = Vector(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = Vector(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = Vector(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = Vector(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = Vector(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler. Its handler
	// always runs on a dedicated known-good stack.
	DoubleFault = Vector(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = Vector(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = Vector(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = Vector(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = Vector(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = Vector(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//   - CR0.NE = 1 OR
	//   - an unmasked FP exception is pending
	FloatingPointException = Vector(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = Vector(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors. Like DoubleFault its handler
	// always runs on a dedicated known-good stack.
	MachineCheck = Vector(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = Vector(19)

	// exceptionVectorLimit is the first vector past the CPU exception
	// range.
	exceptionVectorLimit = Vector(32)

	// DeviceVectorBase is the first vector available for device interrupt
	// routing. Vectors below it are reserved for CPU exceptions.
	DeviceVectorBase = Vector(32)

	// TLBShootdownVector is the inter-processor interrupt vector used to
	// broadcast TLB invalidations.
	TLBShootdownVector = Vector(250)

	// SpuriousVector is programmed into the local APIC spurious interrupt
	// register.
	SpuriousVector = Vector(255)
)

// vectorName returns a human readable description for the CPU exception
// vectors.
func vectorName(v Vector) string {
	switch v {
	case DivideByZero:
		return "divide by zero"
	case NMI:
		return "non-maskable interrupt"
	case InvalidOpcode:
		return "invalid opcode"
	case DoubleFault:
		return "double fault"
	case GPFException:
		return "general protection fault"
	case PageFaultException:
		return "page fault"
	case MachineCheck:
		return "machine check"
	default:
		if v < exceptionVectorLimit {
			return "cpu exception"
		}
		return "device interrupt"
	}
}
