package elfloader

import "unsafe"

// viewBytes interprets n bytes of real process memory starting at addr
// as a Go byte slice. Every address the loader hands this is either
// inside a Segments reservation this process owns, or (during object
// construction, before Segments exists) simply absent — callers never
// invoke this with addr == 0.
//
// This is the one place unsafe pointer arithmetic crosses into "treat
// mapped memory as a slice", mirroring other_examples/.../memmod_linux.go's
// use of unsafe.Slice over its own mmap'd region.
func viewBytes(addr uintptr, n int) []byte {
	if addr == 0 || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

func viewUint64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

func writeUint64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

func viewUintptr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func writeUintptr(addr uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

func viewUint32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func writeUint32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}
