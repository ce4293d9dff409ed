package kernel

import (
	"reflect"
	"unsafe"
)

// byteSliceAt overlays a []byte on top of an arbitrary memory region. The
// caller must guarantee that the region remains valid for the lifetime of the
// returned slice.
func byteSliceAt(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// Memset sets size bytes starting at addr to value. Instead of a plain loop
// the implementation doubles the initialized prefix with copy calls which the
// compiler lowers to an optimized memmove.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := byteSliceAt(addr, size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. The two regions may not overlap.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(byteSliceAt(dst, size), byteSliceAt(src, size))
}
