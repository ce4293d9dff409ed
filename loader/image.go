package loader

import (
	"encoding/binary"
	"unsafe"

	"helios/efi"
	"helios/kernel"
	"helios/kernel/mm"
)

// kernelImagePath is the fixed location of the kernel binary on the boot
// volume.
const kernelImagePath = `\helios\kernel`

const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7f, 'E', 'L', 'F'

	elfClass64       = 2
	elfDataLittle    = 1
	elfTypeExec      = 2
	elfMachineX86_64 = 0x3e

	elfHeaderLen = 64

	elfOffEntry        = 24
	elfOffPhOff        = 32
	elfOffPhEntSize    = 54
	elfOffPhNum        = 56
	elfProgTypeLoad    = 1
	elfProgOffVirtAddr = 16
)

// loadedImage describes a kernel binary after it has been copied into
// firmware-allocated memory.
type loadedImage struct {
	// physBase is the physical address of the first copied byte.
	physBase uintptr

	// virtBase is the virtual address the image was linked to run at.
	virtBase uint64

	// entry is the virtual address of the kernel entry point.
	entry uint64

	// size is the image size in bytes.
	size uint64
}

// entryPhysAddr returns the physical address corresponding to the image entry
// point. The kernel establishes its own linked-address mappings after the
// handoff, so control transfer targets physical memory.
func (img *loadedImage) entryPhysAddr() uintptr {
	return img.physBase + uintptr(img.entry-img.virtBase)
}

// loadKernelImage copies the kernel binary from the boot volume into freshly
// allocated pages and validates its header. The allocation is sized one page
// beyond the file contents and zero-filled before the copy so no stale
// firmware memory leaks into the image tail.
func loadKernelImage(bs efi.BootServices) (*loadedImage, *kernel.Error) {
	fsHandle, err := bs.LocateProtocol(efi.SimpleFileSystemProtocolGUID)
	if err != nil {
		return nil, err
	}

	vol, err := bs.OpenVolume(fsHandle)
	if err != nil {
		return nil, err
	}

	file, err := vol.Open(kernelImagePath)
	if err != nil {
		if err == efi.ErrNotFound {
			return nil, ErrImageNotFound
		}
		return nil, err
	}
	defer file.Close()

	size, err := file.Size()
	if err != nil {
		return nil, err
	}
	if size < elfHeaderLen {
		return nil, ErrInvalidImageFormat
	}

	pageCount := uintptr(size+uint64(mm.PageSize)-1)>>mm.PageShift + 1
	physBase, err := bs.AllocatePages(pageCount)
	if err != nil {
		return nil, ErrAllocationFailed
	}
	kernel.Memset(physBase, 0, pageCount<<mm.PageShift)

	dst := unsafe.Slice((*byte)(unsafe.Pointer(physBase)), size)
	var copied uint64
	for copied < size {
		n, err := file.Read(dst[copied:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrImageTruncated
		}
		copied += uint64(n)
	}

	img := &loadedImage{physBase: physBase, size: size}
	if err := parseImageHeader(dst, img); err != nil {
		return nil, err
	}

	return img, nil
}

// parseImageHeader validates the ELF64 header of the copied image and fills
// in the entry point and linked base address. Only the fields the handoff
// depends on are checked; full section parsing is left to the kernel's own
// tooling.
func parseImageHeader(image []byte, img *loadedImage) *kernel.Error {
	if image[0] != elfMagic0 || image[1] != elfMagic1 || image[2] != elfMagic2 || image[3] != elfMagic3 {
		return ErrInvalidImageFormat
	}
	if image[4] != elfClass64 || image[5] != elfDataLittle {
		return ErrInvalidImageFormat
	}
	if binary.LittleEndian.Uint16(image[16:]) != elfTypeExec ||
		binary.LittleEndian.Uint16(image[18:]) != elfMachineX86_64 {
		return ErrInvalidImageFormat
	}

	img.entry = binary.LittleEndian.Uint64(image[elfOffEntry:])

	// The linked base is the virtual address of the first loadable program
	// header entry.
	phOff := binary.LittleEndian.Uint64(image[elfOffPhOff:])
	phEntSize := uint64(binary.LittleEndian.Uint16(image[elfOffPhEntSize:]))
	phNum := uint64(binary.LittleEndian.Uint16(image[elfOffPhNum:]))
	// phNum and phEntSize are 16-bit fields so their product cannot
	// overflow; phOff is checked on its own to keep the sum from wrapping.
	if phNum == 0 || phEntSize < 32 || phOff > uint64(len(image)) || phNum*phEntSize > uint64(len(image))-phOff {
		return ErrInvalidImageFormat
	}

	foundLoad := false
	for i := uint64(0); i < phNum; i++ {
		ph := image[phOff+i*phEntSize:]
		if binary.LittleEndian.Uint32(ph) != elfProgTypeLoad {
			continue
		}
		img.virtBase = binary.LittleEndian.Uint64(ph[elfProgOffVirtAddr:])
		foundLoad = true
		break
	}
	if !foundLoad {
		return ErrInvalidImageFormat
	}

	// The declared entry point must land inside the copied image.
	if img.entry < img.virtBase || img.entry >= img.virtBase+img.size {
		return ErrInvalidImageFormat
	}

	return nil
}
