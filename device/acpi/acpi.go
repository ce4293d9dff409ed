// Package acpi discovers the platform topology from the firmware
// configuration tables: the set of installed processors, the I/O interrupt
// controllers and the legacy interrupt routing overrides. The tables are
// located through the root system descriptor pointer (RSDP), either handed
// over by the loader or found by scanning the BIOS region, and every table is
// checksum-validated before it is consumed.
package acpi

import (
	"io"
	"unsafe"

	"helios/bootinfo"
	"helios/device/acpi/table"
	"helios/kernel"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
	"helios/kernel/mm/vmm"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errMissingMADT           = &kernel.Error{Module: "acpi", Message: "configuration tables do not describe the interrupt controllers"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}

	mapFn       = vmm.Map
	translateFn = vmm.Translate

	// RDSP must be located in the physical memory region 0xe0000 to 0xfffff
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	madtSignature = "APIC"
)

// Processor describes one processor enumerated from the configuration tables.
type Processor struct {
	// ProcessorID is the firmware-assigned processor identifier.
	ProcessorID uint8

	// APICID is the identifier of the processor's local interrupt
	// controller; startup interrupts target it.
	APICID uint8

	// Enabled reports whether the firmware marked the processor usable.
	Enabled bool
}

// IOAPIC describes an I/O interrupt controller and the first global
// interrupt number it services.
type IOAPIC struct {
	APICID           uint8
	Address          uint32
	SysInterruptBase uint32
}

// InterruptOverride describes a legacy IRQ that the platform routes to a
// different global system interrupt.
type InterruptOverride struct {
	BusSrc          uint8
	IRQSrc          uint8
	GlobalInterrupt uint32
	Flags           uint16
}

// Topology is the result of configuration table discovery. It is built once
// during early kernel initialization and is read-only afterwards; the
// multi-processor bring-up sequence and the interrupt routing layer consume
// it.
type Topology struct {
	// LocalAPICAddress is the physical address at which each processor
	// accesses its own local interrupt controller.
	LocalAPICAddress uint32

	Processors []Processor
	IOAPICs    []IOAPIC
	Overrides  []InterruptOverride
}

// DiscoverTopology locates the firmware configuration tables and parses the
// interrupt controller table into a Topology. Diagnostic output for each
// discovered table is emitted to w.
func DiscoverTopology(w io.Writer) (*Topology, *kernel.Error) {
	rsdtAddr, useXSDT, err := locateRSDT()
	if err != nil {
		return nil, err
	}

	tableMap, err := enumerateTables(w, rsdtAddr, useXSDT)
	if err != nil {
		return nil, err
	}

	madtHeader, exists := tableMap[madtSignature]
	if !exists {
		return nil, errMissingMADT
	}

	return parseMADT(madtHeader), nil
}

// enumerateTables detects and maps all ACPI tables reachable from the root
// system descriptor table, skipping tables whose checksum does not verify.
func enumerateTables(w io.Writer, rsdtAddr uintptr, useXSDT bool) (map[string]*table.SDTHeader, *kernel.Error) {
	header, sizeofHeader, err := mapACPITable(rsdtAddr)
	if err != nil {
		return nil, err
	}

	tableMap := make(map[string]*table.SDTHeader)

	var (
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
	)

	// RSDT uses 4-byte long pointers whereas the XSDT uses 8-byte long.
	switch useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = mapACPITable(addr); err != nil {
			if err == errTableChecksumMismatch {
				kfmt.Fprintf(w, "acpi: %s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(header.Signature[:]),
					uintptr(unsafe.Pointer(header)),
					header.Length,
				)
				continue
			}
			return nil, err
		}

		signature := string(header.Signature[:])
		tableMap[signature] = header
		kfmt.Fprintf(w, "acpi: %s at 0x%16x %6x (%6s %8s)\n",
			signature,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}

	return tableMap, nil
}

// parseMADT walks the variable-sized records following the MADT header and
// collects the processor, I/O controller and interrupt override entries.
func parseMADT(header *table.SDTHeader) *Topology {
	var (
		madt     = (*table.MADT)(unsafe.Pointer(header))
		topology = &Topology{LocalAPICAddress: madt.LocalControllerAddress}

		madtLen  = uintptr(madt.Length)
		madtBase = uintptr(unsafe.Pointer(madt))
		curPtr   = madtBase + unsafe.Sizeof(table.MADT{})
	)

	for curPtr < madtBase+madtLen {
		entry := (*table.MADTEntry)(unsafe.Pointer(curPtr))
		if entry.Length < uint8(unsafe.Sizeof(table.MADTEntry{})) {
			// A corrupt record length would make the walk spin.
			break
		}
		payload := curPtr + unsafe.Sizeof(table.MADTEntry{})

		// Records are packed; multi-byte fields are read at their byte
		// offsets since Go struct layouts would insert padding.
		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			topology.Processors = append(topology.Processors, Processor{
				ProcessorID: readUint8(payload + table.MADTLocalAPICOffProcessorID),
				APICID:      readUint8(payload + table.MADTLocalAPICOffAPICID),
				Enabled:     readUint32(payload+table.MADTLocalAPICOffFlags)&table.MADTLocalAPICFlagEnabled != 0,
			})
		case table.MADTEntryTypeIOAPIC:
			topology.IOAPICs = append(topology.IOAPICs, IOAPIC{
				APICID:           readUint8(payload + table.MADTIOAPICOffAPICID),
				Address:          readUint32(payload + table.MADTIOAPICOffAddress),
				SysInterruptBase: readUint32(payload + table.MADTIOAPICOffSysInterruptBase),
			})
		case table.MADTEntryTypeIntSrcOverride:
			topology.Overrides = append(topology.Overrides, InterruptOverride{
				BusSrc:          readUint8(payload + table.MADTIntSrcOverrideOffBusSrc),
				IRQSrc:          readUint8(payload + table.MADTIntSrcOverrideOffIRQSrc),
				GlobalInterrupt: readUint32(payload + table.MADTIntSrcOverrideOffGlobalInterrupt),
				Flags:           readUint16(payload + table.MADTIntSrcOverrideOffFlags),
			})
		}

		curPtr += uintptr(entry.Length)
	}

	return topology
}

// The read helpers decode little-endian fields at arbitrary byte offsets;
// MADT records carry no alignment guarantees.
func readUint8(addr uintptr) uint8 {
	return *(*uint8)(unsafe.Pointer(addr))
}

func readUint16(addr uintptr) uint16 {
	return uint16(readUint8(addr)) | uint16(readUint8(addr+1))<<8
}

func readUint32(addr uintptr) uint32 {
	return uint32(readUint16(addr)) | uint32(readUint16(addr+2))<<16
}

// ensureIdentityMapped makes sure that every page covering [startAddr,
// startAddr+length) is reachable at its identity virtual address. Most of the
// firmware tables live inside regions the kernel already identity-maps with
// huge pages; those pages translate successfully and are left alone. Pages
// without a translation are identity-mapped one at a time. The mappings are
// never removed: unmapping would tear a covering huge page out from under the
// rest of the kernel.
func ensureIdentityMapped(startAddr, length uintptr) *kernel.Error {
	if length == 0 {
		return nil
	}

	lastPage := mm.PageFromAddress(startAddr + length - 1)
	for curPage := mm.PageFromAddress(startAddr); curPage <= lastPage; curPage++ {
		if _, err := translateFn(curPage.Address()); err == nil {
			continue
		}

		if err := mapFn(curPage, mm.Frame(curPage), vmm.FlagPresent); err != nil && err != vmm.ErrAlreadyMapped {
			return err
		}
	}

	return nil
}

// mapACPITable makes the ACPI table starting at the given address accessible
// and parses its header. It then uses the length field of the header to extend
// accessibility to the full table contents and verifies the checksum before
// returning a pointer to the table header.
func mapACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	// Make the table header accessible so we can read its length field
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	if err = ensureIdentityMapped(tableAddr, sizeofHeader); err != nil {
		return nil, sizeofHeader, err
	}

	// Extend accessibility to the full table contents
	header = (*table.SDTHeader)(unsafe.Pointer(tableAddr))
	if err = ensureIdentityMapped(tableAddr, uintptr(header.Length)); err != nil {
		return nil, sizeofHeader, err
	}

	if !validTable(tableAddr, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// locateRSDT returns the physical address of the root system descriptor table
// (RSDT), or the extended system descriptor table (XSDT) if the system
// supports ACPI 2.0+. The loader-provided pointer is tried first; if it is
// absent or does not validate, the memory region [rsdpLocationLow,
// rsdpLocationHi] is scanned for the RSDP signature.
func locateRSDT() (uintptr, bool, *kernel.Error) {
	if rsdpAddr, ok := bootinfo.GetACPIAddr(); ok {
		if err := ensureIdentityMapped(uintptr(rsdpAddr), unsafe.Sizeof(table.ExtRSDPDescriptor{})); err == nil {
			if rsdtAddr, useXSDT, valid := parseRSDP(uintptr(rsdpAddr)); valid {
				return rsdtAddr, useXSDT, nil
			}
		}
	}

	// Make the BIOS region accessible so we can scan for the header
	if err := ensureIdentityMapped(rsdpLocationLow, rsdpLocationHi-rsdpLocationLow+1); err != nil {
		return 0, false, err
	}

	// The RSDP should be aligned on a 16-byte boundary
	for curPtr := rsdpLocationLow; curPtr < rsdpLocationHi; curPtr += rsdpAlignment {
		if rsdtAddr, useXSDT, valid := parseRSDP(curPtr); valid {
			return rsdtAddr, useXSDT, nil
		}
	}

	return 0, false, errMissingRSDP
}

// parseRSDP checks for a valid root system descriptor pointer at curPtr and
// returns the descriptor table address it points to.
func parseRSDP(curPtr uintptr) (rsdtAddr uintptr, useXSDT, valid bool) {
	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(curPtr))
	for i, b := range rsdpSignature {
		if rsdp.Signature[i] != b {
			return 0, false, false
		}
	}

	if rsdp.Revision == acpiRev1 {
		if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp))) {
			return 0, false, false
		}

		return uintptr(rsdp.RSDTAddr), false, true
	}

	// System uses ACPI revision > 1 and provides an extended RSDP
	// which can be accessed at the same place.
	rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(curPtr))
	if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp2))) {
		return 0, false, false
	}

	return uintptr(rsdp2.XSDTAddr), true, true
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}
