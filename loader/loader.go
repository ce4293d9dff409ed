// Package loader implements the firmware-hosted half of the boot sequence:
// it copies the kernel binary into memory, assembles the handoff structure,
// captures the final memory map and performs the one-way control transfer
// into the kernel.
//
// The loader runs strictly single-threaded with firmware services available.
// Nothing it owns survives the transfer except the memory it explicitly
// allocated through the firmware; the kernel later reclaims even that.
package loader

import (
	"io"
	"unsafe"

	"helios/bootinfo"
	"helios/device/serial"
	"helios/efi"
	"helios/kernel"
	"helios/kernel/cpu"
	"helios/kernel/kfmt"
	"helios/kernel/mm"
)

var (
	// ErrImageNotFound is returned when the kernel binary is missing from
	// the boot volume.
	ErrImageNotFound = &kernel.Error{Module: "loader", Message: "kernel image not found on boot volume"}

	// ErrImageTruncated is returned when the boot volume yields fewer
	// bytes than the reported image size.
	ErrImageTruncated = &kernel.Error{Module: "loader", Message: "kernel image shorter than its reported size"}

	// ErrInvalidImageFormat is returned when the kernel binary does not
	// carry a valid executable header or its entry point lies outside the
	// image.
	ErrInvalidImageFormat = &kernel.Error{Module: "loader", Message: "kernel image has an invalid format"}

	// ErrAllocationFailed is returned when the firmware cannot provide
	// memory for the kernel image or the handoff structure.
	ErrAllocationFailed = &kernel.Error{Module: "loader", Message: "firmware memory allocation failed"}

	// ErrHandoffFailed indicates that control transfer to the kernel did
	// not complete.
	ErrHandoffFailed = &kernel.Error{Module: "loader", Message: "control transfer to kernel failed"}

	errMemoryMapTooLarge = &kernel.Error{Module: "loader", Message: "firmware memory map exceeds snapshot capacity"}
)

var (
	// the following functions are mocked by tests.
	cpuHaltFn        = cpu.Halt
	fallbackOutputFn = func() io.Writer {
		w := serial.NewWriter(serial.COM1Base)
		w.Init()
		return w
	}
)

// Boot drives the full loader sequence and does not return on success. On
// failure it programs the fallback serial port, reports the error there and
// halts; at this point no other output channel is guaranteed to exist.
func Boot(bs efi.BootServices, cmdLine string) {
	err := Run(bs, cmdLine)

	kfmt.SetOutputSink(fallbackOutputFn())
	kfmt.Printf("loader: boot failed: %s: %s\n", err.Module, err.Message)
	cpuHaltFn()
}

// Run assembles the handoff structure and transfers control to the kernel.
// It only returns on failure.
func Run(bs efi.BootServices, cmdLine string) *kernel.Error {
	bi, err := allocBootInfo(bs)
	if err != nil {
		return err
	}

	img, err := loadKernelImage(bs)
	if err != nil {
		return err
	}
	bi.Image = bootinfo.KernelImage{
		PhysBase: uint64(img.physBase),
		VirtBase: img.virtBase,
		Size:     img.size,
	}

	// The framebuffer is optional; a headless machine boots fine without
	// one and the serial port remains the console.
	probeFramebuffer(bs, bi)

	if acpiAddr, ok := bs.ACPIAddress(); ok {
		bi.ACPIAddr = acpiAddr
		bi.ACPIAddrPresent = 1
	}

	if len(cmdLine) > bootinfo.MaxCmdLineLen {
		cmdLine = cmdLine[:bootinfo.MaxCmdLineLen]
	}
	copy(bi.CmdLine[:], cmdLine)
	bi.CmdLineLen = uint32(len(cmdLine))

	return transferToKernel(bs, bi, img.entryPhysAddr())
}

// allocBootInfo places the handoff structure in firmware-allocated loader
// memory. It cannot live in loader static storage: the kernel reads it after
// the transfer and reclaims it via the loader-reclaimable region type.
func allocBootInfo(bs efi.BootServices) (*bootinfo.BootInfo, *kernel.Error) {
	size := unsafe.Sizeof(bootinfo.BootInfo{})
	pageCount := (size + mm.PageSize - 1) >> mm.PageShift

	addr, err := bs.AllocatePages(pageCount)
	if err != nil {
		return nil, ErrAllocationFailed
	}
	kernel.Memset(addr, 0, pageCount<<mm.PageShift)

	bi := (*bootinfo.BootInfo)(unsafe.Pointer(addr))
	bi.Magic = bootinfo.Magic
	bi.Version = bootinfo.Version
	return bi, nil
}

func probeFramebuffer(bs efi.BootServices, bi *bootinfo.BootInfo) {
	handle, err := bs.LocateProtocol(efi.GraphicsOutputProtocolGUID)
	if err != nil {
		return
	}

	info, err := bs.FramebufferInfo(handle)
	if err != nil || info == nil {
		return
	}

	format := bootinfo.PixelFormatRGB
	if info.FormatBGR {
		format = bootinfo.PixelFormatBGR
	}
	bi.Framebuffer = bootinfo.Framebuffer{
		PhysAddr: info.PhysAddr,
		Width:    info.Width,
		Height:   info.Height,
		Stride:   info.Stride,
		Format:   format,
	}
	bi.FramebufferPresent = 1
}
