//go:build linux || darwin

package ffi_wrapper

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// GoString copies a NUL-terminated string out of native memory. The library
// keeps ownership of ptr.
func GoString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	//goland:noinspection GoVetUnsafePointer
	return unix.BytePtrToString((*byte)(unsafe.Pointer(ptr)))
}

// CopyCString copies a NUL-terminated string the library handed over, then
// releases it with free. A nil free leaves ownership with the library.
func CopyCString(ptr uintptr, free func(uintptr)) string {
	if ptr == 0 {
		return ""
	}
	if free != nil {
		defer free(ptr)
	}
	return GoString(ptr)
}

// CopyOut copies n elements out of a native buffer into Go memory and then
// releases the buffer with free. free runs exactly once whenever ptr is
// non-null.
func CopyOut[T byte | float32](ptr, n uintptr, free func(uintptr)) []T {
	if ptr == 0 {
		return []T{}
	}
	defer free(ptr)
	out := make([]T, n)
	if n > 0 {
		//goland:noinspection GoVetUnsafePointer
		copy(out, unsafe.Slice((*T)(unsafe.Pointer(ptr)), n))
	}
	return out
}
