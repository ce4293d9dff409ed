package mm

import (
	"math"

	"helios/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve a
// frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame containing the given physical address.
// Addresses that are not page-aligned are rounded down to the frame that
// contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page containing the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameFreeFn is a function that returns a previously allocated frame to the
// free pool.
type FrameFreeFn func(Frame) *kernel.Error

var (
	frameAllocator FrameAllocatorFn
	frameFree      FrameFreeFn
)

// SetFrameAllocator registers the allocate/free pair that will be used
// whenever physical frames need to be allocated or released. The vmm package
// relies on this indirection when it grows page tables, which keeps the
// dependency between the two memory subsystems one-directional.
func SetFrameAllocator(allocFn FrameAllocatorFn, freeFn FrameFreeFn) {
	frameAllocator = allocFn
	frameFree = freeFn
}

// AllocFrame allocates a new physical frame using the currently registered
// frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	return frameAllocator()
}

// FreeFrame returns a physical frame to the currently registered frame
// allocator.
func FreeFrame(frame Frame) *kernel.Error {
	return frameFree(frame)
}
