package efi

import (
	"unsafe"

	"helios/kernel"
)

// efiCall invokes a firmware entry point with up to five arguments using the
// calling convention mandated by the UEFI specification. Implemented in
// abi_amd64.s.
func efiCall(fn, a1, a2, a3, a4, a5 uintptr) uintptr

// efiCallFn is mocked by tests so the firmware wrappers can be exercised
// against in-memory tables.
var efiCallFn = efiCall

// Firmware status words. The high bit marks an error; the remaining bits
// carry the status code.
const (
	efiErrBit = uintptr(1) << 63

	statusInvalidParameter = efiErrBit | 2
	statusBufferTooSmall   = efiErrBit | 5
	statusOutOfResources   = efiErrBit | 9
	statusNotFound         = efiErrBit | 14
)

// System table field offsets.
const (
	sysTabOffBootServices = 96
	sysTabOffTableEntries = 104
	sysTabOffConfigTable  = 112

	// Configuration table entries are a GUID followed by a vendor pointer.
	configTableEntrySize = 24
)

// Boot services table entry point offsets. The table starts with a 24-byte
// header followed by 8-byte function pointer slots.
const (
	bootSvcOffAllocatePages    = 40
	bootSvcOffGetMemoryMap     = 56
	bootSvcOffHandleProtocol   = 152
	bootSvcOffExitBootServices = 232
	bootSvcOffLocateProtocol   = 320
)

// File protocol entry point offsets.
const (
	fileProtoOffOpen        = 8
	fileProtoOffClose       = 16
	fileProtoOffRead        = 32
	fileProtoOffGetPosition = 48
	fileProtoOffSetPosition = 56

	simpleFSOffOpenVolume = 8

	fileModeRead = uintptr(1)

	// Passing this position to SetPosition seeks to the end of the file.
	filePositionEnd = uint64(0xffffffffffffffff)
)

// Graphics output protocol offsets.
const (
	gopOffMode = 24

	gopModeOffCurrentMode     = 4
	gopModeOffInfo            = 8
	gopModeOffFramebufferBase = 24

	gopInfoOffHorizontalRes   = 4
	gopInfoOffVerticalRes     = 8
	gopInfoOffPixelFormat     = 12
	gopInfoOffPixelsPerLine   = 32
	gopPixelFormatBGRReserved = 1
)

// Loaded image protocol offsets.
const (
	loadedImageOffOptionsSize = 48
	loadedImageOffOptions     = 56
)

// Firmware allocation parameters: any 4K-aligned address, typed loader data
// so the kernel can reclaim the memory after the handoff.
const (
	allocateAnyPages  = uintptr(0)
	memoryTypeLdrData = uintptr(2)
)

var (
	loadedImageProtocolGUID = GUID{0x5b1b31a1, 0x9562, 0x11d2, [8]byte{0x8e, 0x3f, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}

	acpi20TableGUID = GUID{0x8868e871, 0xe4f1, 0x11d3, [8]byte{0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81}}
	acpi10TableGUID = GUID{0xeb9d2d30, 0x2d88, 0x11d3, [8]byte{0x9a, 0x16, 0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4d}}
)

// statusToError maps a firmware status word to the package error vocabulary.
func statusToError(status uintptr) *kernel.Error {
	switch status {
	case statusBufferTooSmall:
		return ErrMapBufferTooSmall
	case statusOutOfResources:
		return ErrOutOfMemory
	case statusInvalidParameter:
		return ErrInvalidMapKey
	case statusNotFound:
		return ErrNotFound
	default:
		return ErrServiceUnavailable
	}
}

// FirmwareServices implements BootServices on top of the firmware tables
// passed to the loader image entry point.
type FirmwareServices struct {
	imageHandle  Handle
	sysTable     uintptr
	bootServices uintptr
}

// NewFirmwareServices wraps the system table the firmware handed to the
// loader entry point.
func NewFirmwareServices(imageHandle Handle, sysTable uintptr) *FirmwareServices {
	return &FirmwareServices{
		imageHandle:  imageHandle,
		sysTable:     sysTable,
		bootServices: *(*uintptr)(unsafe.Pointer(sysTable + sysTabOffBootServices)),
	}
}

// LocateProtocol returns a handle to the firmware object implementing the
// supplied protocol.
func (fw *FirmwareServices) LocateProtocol(guid GUID) (Handle, *kernel.Error) {
	var ifc uintptr
	status := efiCallFn(
		fw.entryPoint(bootSvcOffLocateProtocol),
		uintptr(unsafe.Pointer(&guid)),
		0,
		uintptr(unsafe.Pointer(&ifc)),
		0, 0,
	)
	if status&efiErrBit != 0 {
		return 0, ErrServiceUnavailable
	}
	return Handle(ifc), nil
}

// OpenVolume returns the filesystem behind a simple filesystem protocol
// handle.
func (fw *FirmwareServices) OpenVolume(h Handle) (Volume, *kernel.Error) {
	var root uintptr
	status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(uintptr(h) + simpleFSOffOpenVolume)),
		uintptr(h),
		uintptr(unsafe.Pointer(&root)),
		0, 0, 0,
	)
	if status&efiErrBit != 0 {
		return nil, statusToError(status)
	}
	return &firmwareVolume{root: root}, nil
}

// FramebufferInfo reads the framebuffer configuration from a graphics output
// protocol handle.
func (fw *FirmwareServices) FramebufferInfo(h Handle) (*FramebufferInfo, *kernel.Error) {
	mode := *(*uintptr)(unsafe.Pointer(uintptr(h) + gopOffMode))
	if mode == 0 {
		return nil, ErrServiceUnavailable
	}
	info := *(*uintptr)(unsafe.Pointer(mode + gopModeOffInfo))
	if info == 0 {
		return nil, ErrServiceUnavailable
	}

	return &FramebufferInfo{
		PhysAddr:  *(*uint64)(unsafe.Pointer(mode + gopModeOffFramebufferBase)),
		Width:     *(*uint32)(unsafe.Pointer(info + gopInfoOffHorizontalRes)),
		Height:    *(*uint32)(unsafe.Pointer(info + gopInfoOffVerticalRes)),
		Stride:    *(*uint32)(unsafe.Pointer(info + gopInfoOffPixelsPerLine)),
		FormatBGR: *(*uint32)(unsafe.Pointer(info + gopInfoOffPixelFormat)) == gopPixelFormatBGRReserved,
	}, nil
}

// AllocatePages allocates physically contiguous loader-data frames.
func (fw *FirmwareServices) AllocatePages(pageCount uintptr) (uintptr, *kernel.Error) {
	var addr uint64
	status := efiCallFn(
		fw.entryPoint(bootSvcOffAllocatePages),
		allocateAnyPages,
		memoryTypeLdrData,
		pageCount,
		uintptr(unsafe.Pointer(&addr)),
		0,
	)
	if status&efiErrBit != 0 {
		return 0, ErrOutOfMemory
	}
	return uintptr(addr), nil
}

// MemoryMap fills buf with the current memory map. The firmware descriptor
// stride is usually larger than this package's MemoryDescriptor, so the raw
// map is requested into the same buffer and compacted in place; each entry is
// read at the firmware stride before the slot it lands in is overwritten.
func (fw *FirmwareServices) MemoryMap(buf []MemoryDescriptor) (int, MapKey, *kernel.Error) {
	if len(buf) == 0 {
		return 0, 0, ErrMapBufferTooSmall
	}

	var (
		mapSize  = uint64(uintptr(len(buf)) * unsafe.Sizeof(MemoryDescriptor{}))
		mapKey   uint64
		descSize uint64
		descVer  uint32
		base     = uintptr(unsafe.Pointer(&buf[0]))
	)
	status := efiCallFn(
		fw.entryPoint(bootSvcOffGetMemoryMap),
		uintptr(unsafe.Pointer(&mapSize)),
		base,
		uintptr(unsafe.Pointer(&mapKey)),
		uintptr(unsafe.Pointer(&descSize)),
		uintptr(unsafe.Pointer(&descVer)),
	)
	if status&efiErrBit != 0 {
		return 0, 0, statusToError(status)
	}
	if descSize < uint64(unsafe.Sizeof(MemoryDescriptor{})) {
		return 0, 0, ErrServiceUnavailable
	}

	count := int(mapSize / descSize)
	for i := 0; i < count; i++ {
		entry := base + uintptr(i)*uintptr(descSize)
		var (
			memType   = *(*uint32)(unsafe.Pointer(entry))
			physStart = *(*uint64)(unsafe.Pointer(entry + 8))
			virtStart = *(*uint64)(unsafe.Pointer(entry + 16))
			pageCount = *(*uint64)(unsafe.Pointer(entry + 24))
			attribute = *(*uint64)(unsafe.Pointer(entry + 32))
		)
		buf[i] = MemoryDescriptor{
			Type:      MemoryType(memType),
			PhysStart: physStart,
			VirtStart: virtStart,
			PageCount: pageCount,
			Attribute: attribute,
		}
	}

	return count, MapKey(mapKey), nil
}

// ExitBootServices terminates all firmware services.
func (fw *FirmwareServices) ExitBootServices(key MapKey) *kernel.Error {
	status := efiCallFn(
		fw.entryPoint(bootSvcOffExitBootServices),
		uintptr(fw.imageHandle),
		uintptr(key),
		0, 0, 0,
	)
	if status&efiErrBit != 0 {
		return statusToError(status)
	}
	return nil
}

// ACPIAddress scans the firmware configuration tables for the ACPI root
// pointer, preferring the 2.0 revision entry over the 1.0 one.
func (fw *FirmwareServices) ACPIAddress() (uint64, bool) {
	var (
		count   = *(*uint64)(unsafe.Pointer(fw.sysTable + sysTabOffTableEntries))
		tabBase = *(*uintptr)(unsafe.Pointer(fw.sysTable + sysTabOffConfigTable))

		addr  uint64
		found bool
	)
	if tabBase == 0 {
		return 0, false
	}

	for i := uint64(0); i < count; i++ {
		entry := tabBase + uintptr(i)*configTableEntrySize
		guid := *(*GUID)(unsafe.Pointer(entry))
		vendorTable := *(*uintptr)(unsafe.Pointer(entry + 16))

		switch guid {
		case acpi20TableGUID:
			return uint64(vendorTable), true
		case acpi10TableGUID:
			addr, found = uint64(vendorTable), true
		}
	}

	return addr, found
}

// CommandLine decodes the load options the firmware attached to the loader
// image. Load options are UCS-2 encoded; characters outside the ASCII range
// are dropped.
func (fw *FirmwareServices) CommandLine() string {
	var ifc uintptr
	status := efiCallFn(
		fw.entryPoint(bootSvcOffHandleProtocol),
		uintptr(fw.imageHandle),
		uintptr(unsafe.Pointer(&loadedImageProtocolGUID)),
		uintptr(unsafe.Pointer(&ifc)),
		0, 0,
	)
	if status&efiErrBit != 0 || ifc == 0 {
		return ""
	}

	var (
		optSize = *(*uint32)(unsafe.Pointer(ifc + loadedImageOffOptionsSize))
		optBase = *(*uintptr)(unsafe.Pointer(ifc + loadedImageOffOptions))
	)
	if optSize < 2 || optBase == 0 {
		return ""
	}

	out := make([]byte, 0, optSize/2)
	for off := uintptr(0); off+1 < uintptr(optSize); off += 2 {
		ch := *(*uint16)(unsafe.Pointer(optBase + off))
		if ch == 0 {
			break
		}
		if ch < 0x80 {
			out = append(out, byte(ch))
		}
	}
	return string(out)
}

func (fw *FirmwareServices) entryPoint(off uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(fw.bootServices + off))
}

// firmwareVolume adapts the root directory of a firmware filesystem to the
// Volume interface.
type firmwareVolume struct {
	root uintptr
}

// Open opens the file at the supplied backslash-separated path for reading.
func (v *firmwareVolume) Open(path string) (File, *kernel.Error) {
	// The firmware expects a NUL-terminated UCS-2 path.
	name := make([]uint16, 0, len(path)+1)
	for i := 0; i < len(path); i++ {
		name = append(name, uint16(path[i]))
	}
	name = append(name, 0)

	var handle uintptr
	status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(v.root + fileProtoOffOpen)),
		v.root,
		uintptr(unsafe.Pointer(&handle)),
		uintptr(unsafe.Pointer(&name[0])),
		fileModeRead,
		0,
	)
	if status&efiErrBit != 0 {
		return nil, statusToError(status)
	}
	return &firmwareFile{handle: handle}, nil
}

// firmwareFile adapts a firmware file protocol handle to the File interface.
type firmwareFile struct {
	handle uintptr
}

// Read fills p with the next bytes of the file.
func (f *firmwareFile) Read(p []byte) (int, *kernel.Error) {
	if len(p) == 0 {
		return 0, nil
	}

	size := uint64(len(p))
	status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(f.handle + fileProtoOffRead)),
		f.handle,
		uintptr(unsafe.Pointer(&size)),
		uintptr(unsafe.Pointer(&p[0])),
		0, 0,
	)
	if status&efiErrBit != 0 {
		return 0, statusToError(status)
	}
	return int(size), nil
}

// Size reports the file size by seeking to the end and restoring the current
// position.
func (f *firmwareFile) Size() (uint64, *kernel.Error) {
	var cur uint64
	if status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(f.handle + fileProtoOffGetPosition)),
		f.handle,
		uintptr(unsafe.Pointer(&cur)),
		0, 0, 0,
	); status&efiErrBit != 0 {
		return 0, statusToError(status)
	}

	if status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(f.handle + fileProtoOffSetPosition)),
		f.handle,
		uintptr(filePositionEnd),
		0, 0, 0,
	); status&efiErrBit != 0 {
		return 0, statusToError(status)
	}

	var end uint64
	if status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(f.handle + fileProtoOffGetPosition)),
		f.handle,
		uintptr(unsafe.Pointer(&end)),
		0, 0, 0,
	); status&efiErrBit != 0 {
		return 0, statusToError(status)
	}

	if status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(f.handle + fileProtoOffSetPosition)),
		f.handle,
		uintptr(cur),
		0, 0, 0,
	); status&efiErrBit != 0 {
		return 0, statusToError(status)
	}

	return end, nil
}

// Close releases the firmware file handle.
func (f *firmwareFile) Close() *kernel.Error {
	if status := efiCallFn(
		*(*uintptr)(unsafe.Pointer(f.handle + fileProtoOffClose)),
		f.handle,
		0, 0, 0, 0,
	); status&efiErrBit != 0 {
		return statusToError(status)
	}
	return nil
}
