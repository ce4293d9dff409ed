package cpu

// EnableInterrupts enables interrupt handling on the current CPU.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling on the current CPU.
func DisableInterrupts()

// Halt disables interrupts and parks the current CPU in a halt loop.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address on the
// current CPU. Other online CPUs sharing the same mappings must be notified
// separately via a TLB shootdown request.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table to point to the specified physical
// address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active root page
// table.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the CPU when the last page
// fault occurred.
func ReadCR2() uint64

// LoadIDT makes the current CPU use the interrupt descriptor table pointed to
// by the supplied descriptor address.
func LoadIDT(descriptorAddr uintptr)

// PortWriteByte writes a uint8 value to the requested I/O port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested I/O port.
func PortReadByte(port uint16) uint8
