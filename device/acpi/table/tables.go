// Package table defines the subset of the ACPI table structures that the
// kernel consumes while discovering the platform topology. The tables are
// produced by the firmware and accessed read-only.
package table

// RSDPDescriptor defines the root system descriptor pointer for ACPI 1.0. This
// is used as the entry-point for parsing ACPI data.
type RSDPDescriptor struct {
	// The signature must contain "RSD PTR " (last byte is a space).
	Signature [8]byte

	// A value that when added to the sum of all other bytes contained in
	// this descriptor should result in the value 0.
	Checksum uint8

	OEMID [6]byte

	// ACPI revision number. It is 0 for ACPI1.0 and 2 for versions 2.0 to 6.2.
	Revision uint8

	// Physical address of 32-bit root system descriptor table.
	RSDTAddr uint32
}

// ExtRSDPDescriptor extends RSDPDescriptor with additional fields. It is used
// when RSDPDescriptor.revision > 1.
type ExtRSDPDescriptor struct {
	RSDPDescriptor

	// The size of the 64-bit root system descriptor table.
	Length uint32

	// Physical address of 64-bit root system descriptor table.
	XSDTAddr uint64

	// A value that when added to the sum of all other bytes contained in
	// this descriptor should result in the value 0.
	ExtendedChecksum uint8

	reserved [3]byte
}

// SDTHeader defines the common header for all ACPI-related tables.
type SDTHeader struct {
	// The signature defines the table type.
	Signature [4]byte

	// The length of the table
	Length uint32

	Revision uint8

	// A value that when added to the sum of all other bytes in the table
	// should result in the value 0.
	Checksum uint8

	// OEM specific information
	OEMID       [6]byte
	OEMTableID  [8]byte
	OEMRevision uint32

	// Information about the ASL compiler that generated this table
	CreatorID       uint32
	CreatorRevision uint32
}

// MADT (Multiple APIC Description Table) is an ACPI table containing
// information about the interrupt controllers and the number of installed
// CPUs. Following the table header are a series of variable sized records
// (MADTEntry) which contain additional information.
type MADT struct {
	SDTHeader

	LocalControllerAddress uint32
	Flags                  uint32
}

// MADT records are packed with no alignment padding, so their multi-byte
// fields cannot be expressed as Go struct fields; consumers decode them using
// the byte offsets below, relative to the start of each record payload (the
// bytes following the MADTEntry header).
const (
	// Local controller record: processor id, controller id, 32-bit flags.
	MADTLocalAPICOffProcessorID = 0
	MADTLocalAPICOffAPICID      = 1
	MADTLocalAPICOffFlags       = 2

	// MADTLocalAPICFlagEnabled is set in the record flags when the
	// processor is usable.
	MADTLocalAPICFlagEnabled = 1 << 0

	// I/O controller record: controller id, reserved byte, 32-bit
	// register address, 32-bit global interrupt base.
	MADTIOAPICOffAPICID           = 0
	MADTIOAPICOffAddress          = 2
	MADTIOAPICOffSysInterruptBase = 6

	// Interrupt source override record: bus source, IRQ source, 32-bit
	// global interrupt, 16-bit flags.
	MADTIntSrcOverrideOffBusSrc          = 0
	MADTIntSrcOverrideOffIRQSrc          = 1
	MADTIntSrcOverrideOffGlobalInterrupt = 2
	MADTIntSrcOverrideOffFlags           = 6
)

// MADTEntryType describes the type of a MADT record.
type MADTEntryType uint8

// The list of supported MADT entry types.
const (
	MADTEntryTypeLocalAPIC MADTEntryType = iota
	MADTEntryTypeIOAPIC
	MADTEntryTypeIntSrcOverride
	MADTEntryTypeNMI
)

// MADTEntry describes a MADT table entry that follows the MADT definition. As
// MADT entries are variable sized records, this struct works as a union. The
// consumer of this struct must check the type value before accessing the union
// values.
type MADTEntry struct {
	Type   MADTEntryType
	Length uint8
}
