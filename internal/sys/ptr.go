package sys

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewPointer creates a 64-bit pointer from an unsafe Pointer.
func NewPointer(ptr unsafe.Pointer) Pointer {
	return Pointer{ptr: ptr}
}

// NewSlicePointer creates a 64-bit pointer from a byte slice.
func NewSlicePointer(buf []byte) Pointer {
	if len(buf) == 0 {
		return Pointer{}
	}

	return Pointer{ptr: unsafe.Pointer(&buf[0])}
}

// NewStringPointer allocates a null-terminated backing slice for str and
// returns a pointer to it.
func NewStringPointer(str string) Pointer {
	s, err := unix.ByteSliceFromString(str)
	if err != nil {
		return Pointer{}
	}

	return NewSlicePointer(s)
}
