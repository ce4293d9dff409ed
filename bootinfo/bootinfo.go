// Package bootinfo defines the handoff structure that the loader passes to
// the kernel at control transfer. The structure is the only data shared
// between the two execution contexts: the loader populates it while firmware
// services are still available and the kernel treats it as read-only input
// (reclaiming loader-owned memory is the one sanctioned exception).
//
// The binary layout is versioned through the fixed-offset Magic and Version
// fields; both sides of the boundary must agree on it. No pointer into
// loader-owned memory may be embedded as that memory is not guaranteed to
// remain valid after the transfer.
package bootinfo

import (
	"strings"
	"unsafe"

	"helios/kernel"
)

const (
	// Magic is the value stored in the first 4 bytes of a valid BootInfo
	// structure ("HELI").
	Magic uint32 = 0x494c4548

	// Version is the layout revision described by this package. The kernel
	// refuses handoff structures carrying any other value.
	Version uint16 = 1

	// MaxRegions bounds the number of memory map entries the handoff
	// structure can carry. Firmware maps observed on real hardware stay
	// well below this after merging.
	MaxRegions = 128

	// MaxCmdLineLen bounds the boot command line carried in the structure.
	MaxCmdLineLen = 256
)

var (
	// ErrIncompatibleBootInfo is returned when the magic/version fields do
	// not match the layout compiled into the kernel.
	ErrIncompatibleBootInfo = &kernel.Error{Module: "bootinfo", Message: "incompatible or corrupt boot info structure"}

	// ErrMalformedMemoryMap is returned when the region list is unsorted or
	// contains overlapping entries.
	ErrMalformedMemoryMap = &kernel.Error{Module: "bootinfo", Message: "memory map regions must be sorted and non-overlapping"}
)

// RegionKind describes the ownership and reusability of a physical memory
// region reported by the loader.
type RegionKind uint32

const (
	// RegionUsable memory can be freely used by the kernel.
	RegionUsable RegionKind = iota

	// RegionReserved memory must never be touched.
	RegionReserved

	// RegionACPIReclaimable memory holds firmware configuration tables and
	// may be reused once the kernel has finished consuming them.
	RegionACPIReclaimable

	// RegionLoaderReclaimable memory holds loader-owned structures (the
	// handoff structure itself, loader page tables) and may be reused once
	// the kernel no longer references them.
	RegionLoaderReclaimable

	// RegionBad memory has been reported as defective by the firmware.
	RegionBad
)

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI (reclaimable)"
	case RegionLoaderReclaimable:
		return "loader (reclaimable)"
	case RegionBad:
		return "bad"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a contiguous physical memory region: its base
// address, its length in bytes and its kind.
type MemoryRegion struct {
	Base   uint64
	Length uint64
	Kind   RegionKind
}

// End returns the first address past the region.
func (r *MemoryRegion) End() uint64 {
	return r.Base + r.Length
}

// PixelFormat describes the component layout of a framebuffer pixel.
type PixelFormat uint32

const (
	// PixelFormatRGB stores pixels as red, green, blue (8 bits each).
	PixelFormatRGB PixelFormat = iota

	// PixelFormatBGR stores pixels as blue, green, red (8 bits each).
	PixelFormatBGR

	// PixelFormatUnknown is reported when the firmware uses a custom
	// bitmask layout.
	PixelFormatUnknown
)

// Framebuffer describes the linear framebuffer initialized by the firmware.
// It is consumed by the display driver which is outside this core.
type Framebuffer struct {
	// PhysAddr is the physical address of the framebuffer memory.
	PhysAddr uint64

	// Width and Height in pixels.
	Width, Height uint32

	// Stride is the number of pixels per scanline including padding.
	Stride uint32

	Format PixelFormat
}

// KernelImage describes where the loader placed the kernel binary.
type KernelImage struct {
	// PhysBase is the physical address of the first copied byte.
	PhysBase uint64

	// VirtBase is the virtual address the image was linked to run at.
	VirtBase uint64

	// Size is the image size in bytes.
	Size uint64
}

// BootInfo is the boot-to-kernel data contract. It is created once by the
// loader and is read-only after control transfer.
type BootInfo struct {
	// Magic and Version are checked by the kernel before any other field
	// is interpreted. They live at offset 0 so an incompatible layout is
	// detected no matter how the remaining fields moved.
	Magic   uint32
	Version uint16

	// FramebufferPresent and ACPIAddrPresent indicate whether the optional
	// fields below carry valid data.
	FramebufferPresent uint8
	ACPIAddrPresent    uint8

	// RegionCount is the number of valid entries in Regions. The entries
	// are sorted by base address, non-overlapping and merged.
	RegionCount uint32

	// CmdLineLen is the number of valid bytes in CmdLine.
	CmdLineLen uint32

	Regions [MaxRegions]MemoryRegion

	Framebuffer Framebuffer

	// ACPIAddr is the physical address of the root configuration table
	// pointer (RSDP) when ACPIAddrPresent is non-zero.
	ACPIAddr uint64

	Image KernelImage

	CmdLine [MaxCmdLineLen]byte
}

// Validate checks the magic/version fields and the memory map invariants.
// The kernel must call Validate before mutating any frame-allocator state.
func (bi *BootInfo) Validate() *kernel.Error {
	if bi == nil || bi.Magic != Magic || bi.Version != Version {
		return ErrIncompatibleBootInfo
	}

	if bi.RegionCount > MaxRegions {
		return ErrMalformedMemoryMap
	}

	for i := uint32(1); i < bi.RegionCount; i++ {
		prev, cur := &bi.Regions[i-1], &bi.Regions[i]
		if cur.Base < prev.Base || cur.Base < prev.End() {
			return ErrMalformedMemoryMap
		}
	}

	return nil
}

// MemRegionVisitor defines a visitor that gets invoked by VisitMemRegions for
// each memory region in the handoff structure. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryRegion) bool

var (
	infoData  *BootInfo
	cmdLineKV map[string]string
)

// SetInfoPtr registers the physical location of the handoff structure. It
// must be invoked before any other function exported by this package. The
// supplied pointer is the single argument the loader passes to the kernel
// entry point.
func SetInfoPtr(ptr uintptr) {
	if ptr == 0 {
		infoData = nil
	} else {
		infoData = (*BootInfo)(unsafe.Pointer(ptr))
	}
	cmdLineKV = nil
}

// Get returns the registered handoff structure or nil if SetInfoPtr has not
// been called.
func Get() *BootInfo {
	return infoData
}

// VisitMemRegions invokes the supplied visitor for each memory region carried
// by the registered handoff structure.
func VisitMemRegions(visitor MemRegionVisitor) {
	if infoData == nil {
		return
	}

	for i := uint32(0); i < infoData.RegionCount; i++ {
		if !visitor(&infoData.Regions[i]) {
			return
		}
	}
}

// GetFramebuffer returns the framebuffer descriptor from the handoff
// structure or nil if the loader did not initialize a framebuffer.
func GetFramebuffer() *Framebuffer {
	if infoData == nil || infoData.FramebufferPresent == 0 {
		return nil
	}

	return &infoData.Framebuffer
}

// GetACPIAddr returns the physical address of the firmware root
// configuration table pointer and whether one was provided.
func GetACPIAddr() (uint64, bool) {
	if infoData == nil || infoData.ACPIAddrPresent == 0 {
		return 0, false
	}

	return infoData.ACPIAddr, true
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. This function must only be invoked after bootstrapping the memory
// allocator.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	if infoData == nil || infoData.CmdLineLen == 0 {
		return cmdLineKV
	}

	pairs := strings.Fields(string(infoData.CmdLine[:infoData.CmdLineLen]))
	for _, pair := range pairs {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}
