// Package efi defines the narrow view of the UEFI boot services that the
// loader depends on. The interfaces decouple the loader logic from the
// firmware calling convention: on real hardware they are backed by thin
// wrappers over the firmware tables while tests substitute in-memory fakes.
//
// All services in this package become unusable the moment ExitBootServices
// succeeds; the loader must capture everything it needs before that point.
package efi

import "helios/kernel"

var (
	// ErrServiceUnavailable is returned by LocateProtocol when the
	// firmware does not expose the requested protocol.
	ErrServiceUnavailable = &kernel.Error{Module: "efi", Message: "firmware does not provide the requested protocol"}

	// ErrOutOfMemory is returned by AllocatePages when the firmware cannot
	// satisfy the allocation.
	ErrOutOfMemory = &kernel.Error{Module: "efi", Message: "firmware allocation failed"}

	// ErrMapBufferTooSmall is returned by MemoryMap when the supplied
	// buffer cannot hold the current memory map.
	ErrMapBufferTooSmall = &kernel.Error{Module: "efi", Message: "memory map does not fit in the supplied buffer"}

	// ErrInvalidMapKey is returned by ExitBootServices when the supplied
	// key no longer matches the current memory map; the firmware map
	// changed after the snapshot was taken.
	ErrInvalidMapKey = &kernel.Error{Module: "efi", Message: "memory map key is stale"}

	// ErrNotFound is returned by Volume.Open when the requested path does
	// not exist.
	ErrNotFound = &kernel.Error{Module: "efi", Message: "file not found"}
)

// GUID identifies a firmware protocol.
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

var (
	// SimpleFileSystemProtocolGUID identifies the protocol exposing the
	// boot volume filesystem.
	SimpleFileSystemProtocolGUID = GUID{0x964e5b22, 0x6459, 0x11d2, [8]byte{0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}}

	// GraphicsOutputProtocolGUID identifies the protocol exposing the
	// firmware-initialized linear framebuffer.
	GraphicsOutputProtocolGUID = GUID{0x9042a9de, 0x23dc, 0x4a38, [8]byte{0x96, 0xfb, 0x7a, 0xde, 0xd0, 0x80, 0x51, 0x6a}}
)

// Handle is an opaque reference to a firmware object obtained via
// LocateProtocol.
type Handle uintptr

// MapKey identifies a specific revision of the firmware memory map. The key
// obtained together with a map snapshot must be presented unchanged to
// ExitBootServices; any firmware allocation in between invalidates it.
type MapKey uint64

// MemoryType enumerates the firmware memory region types that matter to the
// loader.
type MemoryType uint32

const (
	MemoryTypeReserved MemoryType = iota
	MemoryTypeLoaderCode
	MemoryTypeLoaderData
	MemoryTypeBootServicesCode
	MemoryTypeBootServicesData
	MemoryTypeRuntimeServicesCode
	MemoryTypeRuntimeServicesData
	MemoryTypeConventional
	MemoryTypeUnusable
	MemoryTypeACPIReclaim
	MemoryTypeACPINVS
	MemoryTypeMappedIO
	MemoryTypeMappedIOPortSpace
	MemoryTypePalCode
	MemoryTypePersistent
)

// MemoryDescriptor describes one region of the firmware memory map.
type MemoryDescriptor struct {
	Type      MemoryType
	PhysStart uint64
	VirtStart uint64
	PageCount uint64
	Attribute uint64
}

// FramebufferInfo describes the linear framebuffer configured by the
// firmware graphics output protocol.
type FramebufferInfo struct {
	PhysAddr      uint64
	Width, Height uint32
	Stride        uint32
	FormatBGR     bool
}

// File provides sequential read access to a file on the boot volume.
type File interface {
	// Read fills p with the next bytes of the file and returns the number
	// of bytes read. A read at the end of the file returns 0, nil.
	Read(p []byte) (int, *kernel.Error)

	// Size returns the file size in bytes.
	Size() (uint64, *kernel.Error)

	// Close releases the firmware file handle.
	Close() *kernel.Error
}

// Volume provides access to the filesystem the loader booted from.
type Volume interface {
	// Open opens the file at the supplied absolute path. Path components
	// are separated by backslashes per firmware convention.
	Open(path string) (File, *kernel.Error)
}

// BootServices is the loader's window into the firmware. Every method may
// only be used before ExitBootServices succeeds.
type BootServices interface {
	// LocateProtocol returns a handle to the firmware object implementing
	// the supplied protocol or ErrServiceUnavailable.
	LocateProtocol(guid GUID) (Handle, *kernel.Error)

	// OpenVolume returns the filesystem behind a handle located via
	// SimpleFileSystemProtocolGUID.
	OpenVolume(h Handle) (Volume, *kernel.Error)

	// FramebufferInfo returns the framebuffer configuration behind a
	// handle located via GraphicsOutputProtocolGUID.
	FramebufferInfo(h Handle) (*FramebufferInfo, *kernel.Error)

	// AllocatePages allocates the requested number of physically
	// contiguous page-sized frames and returns the physical address of
	// the first one. The memory is typed loader data so the kernel can
	// reclaim it later.
	AllocatePages(pageCount uintptr) (uintptr, *kernel.Error)

	// MemoryMap fills buf with the current memory map and returns the
	// number of descriptors stored together with the map key identifying
	// this revision of the map.
	MemoryMap(buf []MemoryDescriptor) (int, MapKey, *kernel.Error)

	// ExitBootServices terminates all firmware services. The supplied key
	// must match the current memory map revision; ErrInvalidMapKey means
	// the caller must take a fresh snapshot and try again.
	ExitBootServices(key MapKey) *kernel.Error

	// ACPIAddress returns the physical address of the ACPI root pointer
	// structure from the firmware configuration tables, if present.
	ACPIAddress() (uint64, bool)
}
