package pmm

import (
	"math/bits"
	"unsafe"

	"helios/bootinfo"
	"helios/kernel"
	"helios/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when all frames tracked by the allocator
	// are in use.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// frameToVirtFn converts a frame into a virtual address through which
	// the allocator can access the frame contents. The loader identity-maps
	// all physical memory so the default is a no-op translation; tests
	// redirect it into a host buffer.
	frameToVirtFn = identityFrameToVirt
)

func identityFrameToVirt(frame mm.Frame) uintptr {
	return frame.Address()
}

// framePool tracks the allocation state of a contiguous run of frames that
// originated from a single memory map region.
type framePool struct {
	// startFrame and endFrame describe the inclusive frame range tracked
	// by this pool.
	startFrame, endFrame mm.Frame

	// freeCount tracks the available frames in this pool. The allocator
	// can use this field to skip fully allocated pools without scanning
	// their bitmaps.
	freeCount uint32

	// kind records the memory map region kind this pool was built from.
	// Pools built from reclaimable regions start fully allocated and only
	// become available after the matching reclaim call.
	kind bootinfo.RegionKind

	// reclaimed is set once a reclaimable pool has been released.
	reclaimed bool

	// bitmap tracks the allocation status of each frame in the pool. A
	// set bit means the frame is allocated.
	bitmap []uint64
}

// frameCount returns the number of frames tracked by this pool.
func (p *framePool) frameCount() uint32 {
	return uint32(p.endFrame - p.startFrame + 1)
}

// bitmapAllocator tracks the allocation state of every usable physical frame
// via a set of pools, one per usable memory map region. Each pool carries an
// ownership bitmap so the allocator can detect frees of frames that were
// never handed out.
type bitmapAllocator struct {
	pools []framePool

	// totalFrames counts the frames tracked across all pools while
	// allocatedFrames counts the ones currently handed out (including
	// frames held back because they belong to unreclaimed pools or to an
	// excluded range).
	totalFrames, allocatedFrames uint32

	// exclusions mirror the boot allocator's exclusion list. Frames
	// overlapping these ranges are permanently allocated and any attempt
	// to free them is treated as memory corruption.
	exclusions []excludedRange
}

func poolRegionKind(kind bootinfo.RegionKind) bool {
	return kind == bootinfo.RegionUsable ||
		kind == bootinfo.RegionLoaderReclaimable ||
		kind == bootinfo.RegionACPIReclaimable
}

// poolRegionExtents converts a pool-eligible region into an inclusive frame
// range, clamping and rounding the same way the boot allocator does.
func poolRegionExtents(region *bootinfo.MemoryRegion) (startFrame, endFrame mm.Frame, ok bool) {
	return usableRegionExtents(region)
}

// init bootstraps the allocator state using the memory map carried by the
// handoff structure. The frames backing the pool descriptors and the bitmaps
// are carved out via the supplied boot allocator and remain allocated for the
// lifetime of the system.
func (alloc *bitmapAllocator) init(bootMem *bootMemAllocator) *kernel.Error {
	alloc.exclusions = bootMem.exclusions

	// Pass 1: count pools and the uint64 words their bitmaps need so the
	// required metadata space is known up front.
	var poolCount, bitmapWords uintptr
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if !poolRegionKind(region.Kind) {
			return true
		}
		start, end, ok := poolRegionExtents(region)
		if !ok {
			return true
		}

		poolCount++
		bitmapWords = bitmapWords + uintptr((end-start+64)>>6)
		return true
	})

	if poolCount == 0 {
		return ErrOutOfMemory
	}

	metaSize := (poolCount*unsafe.Sizeof(framePool{}) + bitmapWords*8 + mm.PageSize - 1) & ^(mm.PageSize - 1)
	metaFrame, err := bootMem.AllocContiguousRun(metaSize >> mm.PageShift)
	if err != nil {
		return err
	}

	metaVirt := frameToVirtFn(metaFrame)
	kernel.Memset(metaVirt, 0, metaSize)

	alloc.pools = unsafe.Slice((*framePool)(unsafe.Pointer(metaVirt)), poolCount)
	bitmapStore := unsafe.Slice((*uint64)(unsafe.Pointer(metaVirt+poolCount*unsafe.Sizeof(framePool{}))), bitmapWords)

	// Pass 2: populate the pool descriptors and carve per-pool bitmap
	// slices out of the shared store.
	var (
		poolIndex int
		wordsUsed uintptr
	)
	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if !poolRegionKind(region.Kind) {
			return true
		}
		start, end, ok := poolRegionExtents(region)
		if !ok {
			return true
		}

		words := uintptr((end - start + 64) >> 6)
		pool := &alloc.pools[poolIndex]
		pool.startFrame = start
		pool.endFrame = end
		pool.kind = region.Kind
		pool.bitmap = bitmapStore[wordsUsed : wordsUsed+words]

		frameCount := pool.frameCount()
		alloc.totalFrames += frameCount

		if region.Kind == bootinfo.RegionUsable {
			pool.freeCount = frameCount
			alloc.markTailPadding(pool)
			alloc.markExclusions(pool)
		} else {
			// Reclaimable pools start fully allocated; the frames
			// become available once the owner signals it no longer
			// needs them.
			for i := range pool.bitmap {
				pool.bitmap[i] = ^uint64(0)
			}
			alloc.allocatedFrames += frameCount
		}

		poolIndex++
		wordsUsed += words
		return true
	})

	// The frames the boot allocator handed out (including the metadata
	// frames above) must show up as allocated in the bitmaps.
	alloc.markBootAllocations(bootMem)

	return nil
}

// markTailPadding marks the unused bits of a pool's last bitmap word as
// allocated so the frame scan can never select a frame past the pool end.
func (alloc *bitmapAllocator) markTailPadding(pool *framePool) {
	frameCount := uintptr(pool.frameCount())
	for bit := frameCount; bit < uintptr(len(pool.bitmap))<<6; bit++ {
		pool.bitmap[bit>>6] |= 1 << (bit & 63)
	}
}

// markExclusions permanently reserves the frames of a pool that overlap an
// exclusion range (the kernel image and the handoff structure).
func (alloc *bitmapAllocator) markExclusions(pool *framePool) {
	for _, ex := range alloc.exclusions {
		first := mm.FrameFromAddress(ex.start)
		last := mm.FrameFromAddress(ex.end - 1)

		if first < pool.startFrame {
			first = pool.startFrame
		}
		if last > pool.endFrame {
			last = pool.endFrame
		}

		for frame := first; frame <= last; frame++ {
			if alloc.markAllocated(pool, frame) {
				alloc.allocatedFrames++
			}
		}
	}
}

// markBootAllocations replays the boot allocator's deterministic allocation
// order and marks the frames it handed out as allocated.
func (alloc *bitmapAllocator) markBootAllocations(bootMem *bootMemAllocator) {
	remaining := bootMem.allocCount

	bootinfo.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if region.Kind != bootinfo.RegionUsable {
			return true
		}
		start, end, ok := usableRegionExtents(region)
		if !ok {
			return true
		}

		for frame := start; frame <= end && remaining > 0; frame++ {
			if bootMem.excluded(frame) {
				continue
			}
			if alloc.markAllocated(alloc.poolFor(frame), frame) {
				alloc.allocatedFrames++
			}
			remaining--
		}

		return remaining > 0
	})
}

// markAllocated sets the ownership bit for frame in pool and reports whether
// the bit was previously clear.
func (alloc *bitmapAllocator) markAllocated(pool *framePool, frame mm.Frame) bool {
	bit := uintptr(frame - pool.startFrame)
	mask := uint64(1) << (bit & 63)
	if pool.bitmap[bit>>6]&mask != 0 {
		return false
	}

	pool.bitmap[bit>>6] |= mask
	pool.freeCount--
	return true
}

// poolFor returns the pool tracking the supplied frame or nil if the frame is
// outside every pool.
func (alloc *bitmapAllocator) poolFor(frame mm.Frame) *framePool {
	for i := range alloc.pools {
		if frame >= alloc.pools[i].startFrame && frame <= alloc.pools[i].endFrame {
			return &alloc.pools[i]
		}
	}

	return nil
}

// inExcludedRange returns true if the frame overlaps one of the permanently
// reserved ranges.
func (alloc *bitmapAllocator) inExcludedRange(frame mm.Frame) bool {
	fStart := frame.Address()
	fEnd := fStart + mm.PageSize
	for _, ex := range alloc.exclusions {
		if fStart < ex.end && ex.start < fEnd {
			return true
		}
	}

	return false
}

// AllocFrame reserves and returns the lowest available physical frame. It
// returns ErrOutOfMemory when every tracked frame is in use.
func (alloc *bitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for pi := range alloc.pools {
		pool := &alloc.pools[pi]
		if pool.freeCount == 0 {
			continue
		}

		for wi, word := range pool.bitmap {
			if word == ^uint64(0) {
				continue
			}

			bit := bits.TrailingZeros64(^word)
			pool.bitmap[wi] |= 1 << uint(bit)
			pool.freeCount--
			alloc.allocatedFrames++
			return pool.startFrame + mm.Frame(wi<<6+bit), nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns a frame to the free pool. Freeing a frame that is not
// tracked by the allocator, that overlaps a permanently reserved range or
// that is not currently allocated indicates memory corruption and is fatal.
func (alloc *bitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	pool := alloc.poolFor(frame)
	if pool == nil || alloc.inExcludedRange(frame) {
		panicFn(errFreeUntrackedFrame)
		return errFreeUntrackedFrame
	}

	bit := uintptr(frame - pool.startFrame)
	mask := uint64(1) << (bit & 63)
	if pool.bitmap[bit>>6]&mask == 0 {
		panicFn(errDoubleFree)
		return errDoubleFree
	}

	pool.bitmap[bit>>6] &^= mask
	pool.freeCount++
	alloc.allocatedFrames--
	return nil
}

// reclaim releases every unreclaimed pool of the supplied kind. Frames that
// overlap an exclusion range stay reserved. The operation is idempotent.
func (alloc *bitmapAllocator) reclaim(kind bootinfo.RegionKind) uint32 {
	var reclaimed uint32

	for pi := range alloc.pools {
		pool := &alloc.pools[pi]
		if pool.kind != kind || pool.reclaimed {
			continue
		}

		for wi := range pool.bitmap {
			pool.bitmap[wi] = 0
		}

		frameCount := pool.frameCount()
		pool.freeCount = frameCount
		alloc.allocatedFrames -= frameCount
		alloc.markTailPadding(pool)
		alloc.markExclusions(pool)
		pool.reclaimed = true
		reclaimed += pool.freeCount
	}

	return reclaimed
}
