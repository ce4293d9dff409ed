package loader

import (
	"helios/bootinfo"
	"helios/efi"
	"helios/kernel"
	"helios/kernel/mm"
)

const (
	// initialMapDescriptors is the buffer size used for the first memory
	// map query. Firmware maps observed in practice fit comfortably; the
	// buffer doubles on ErrMapBufferTooSmall up to snapshotBufferCap.
	initialMapDescriptors = 64
	snapshotBufferCap     = 256

	// maxSnapshotRetries bounds both the buffer-growth loop and the number
	// of times the whole snapshot+exit sequence is replayed when the
	// firmware reports a stale map key.
	maxSnapshotRetries = 3
)

// memMapSnapshot holds one atomic capture of the firmware memory map together
// with the key identifying that revision. The backing buffer is statically
// sized; the loader never allocates after the map has been captured since any
// allocation would invalidate the key.
type memMapSnapshot struct {
	buf   [snapshotBufferCap]efi.MemoryDescriptor
	count int
	key   efi.MapKey
}

// capture queries the firmware memory map into the snapshot buffer, growing
// the queried window a bounded number of times if the firmware reports that
// the map does not fit.
func (snap *memMapSnapshot) capture(bs efi.BootServices) *kernel.Error {
	bufLen := initialMapDescriptors
	for attempt := 0; attempt < maxSnapshotRetries; attempt++ {
		count, key, err := bs.MemoryMap(snap.buf[:bufLen])
		switch err {
		case nil:
			snap.count = count
			snap.key = key
			snap.sort()
			return nil
		case efi.ErrMapBufferTooSmall:
			bufLen *= 2
			if bufLen > snapshotBufferCap {
				return errMemoryMapTooLarge
			}
		default:
			return err
		}
	}

	return errMemoryMapTooLarge
}

// sort orders the captured descriptors by ascending physical base address.
// Insertion sort keeps this allocation-free; firmware maps are small and
// mostly sorted already.
func (snap *memMapSnapshot) sort() {
	desc := snap.buf[:snap.count]
	for i := 1; i < len(desc); i++ {
		for j := i; j > 0 && desc[j].PhysStart < desc[j-1].PhysStart; j-- {
			desc[j], desc[j-1] = desc[j-1], desc[j]
		}
	}
}

// regionKind maps a firmware memory type to the region kind carried in the
// handoff structure. Boot services memory becomes immediately usable: by the
// time the kernel consumes the map, firmware services are gone. Loader-typed
// memory holds the kernel image, the handoff structure and loader page
// tables; the kernel reclaims it once those are no longer referenced.
func regionKind(t efi.MemoryType) bootinfo.RegionKind {
	switch t {
	case efi.MemoryTypeConventional, efi.MemoryTypeBootServicesCode, efi.MemoryTypeBootServicesData:
		return bootinfo.RegionUsable
	case efi.MemoryTypeLoaderCode, efi.MemoryTypeLoaderData:
		return bootinfo.RegionLoaderReclaimable
	case efi.MemoryTypeACPIReclaim:
		return bootinfo.RegionACPIReclaimable
	case efi.MemoryTypeUnusable:
		return bootinfo.RegionBad
	default:
		return bootinfo.RegionReserved
	}
}

// fillRegions converts the snapshot into the handoff structure's region list,
// merging adjacent regions of the same kind.
func (snap *memMapSnapshot) fillRegions(bi *bootinfo.BootInfo) *kernel.Error {
	bi.RegionCount = 0

	for i := 0; i < snap.count; i++ {
		desc := &snap.buf[i]
		if desc.PageCount == 0 {
			continue
		}

		kind := regionKind(desc.Type)
		length := desc.PageCount << mm.PageShift

		if bi.RegionCount > 0 {
			prev := &bi.Regions[bi.RegionCount-1]
			if prev.Kind == kind && prev.End() == desc.PhysStart {
				prev.Length += length
				continue
			}
		}

		if bi.RegionCount == bootinfo.MaxRegions {
			return errMemoryMapTooLarge
		}
		bi.Regions[bi.RegionCount] = bootinfo.MemoryRegion{
			Base:   desc.PhysStart,
			Length: length,
			Kind:   kind,
		}
		bi.RegionCount++
	}

	return nil
}
