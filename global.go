package scalemalloc

import (
	"unsafe"
)

// defaultMalloc is the process-wide allocator behind the package-level
// functions, mirroring a malloc replacement's single global instance.
var defaultMalloc ScalableMalloc

// CreateGlobal initialises the process-wide allocator. Idempotent only
// before the first allocation; not thread-safe.
func CreateGlobal(options ...Option) error {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	return defaultMalloc.Create(opts)
}

// Global returns the process-wide allocator.
func Global() *ScalableMalloc { return &defaultMalloc }

// Allocate serves size bytes from the global allocator.
func Allocate(size uintptr) unsafe.Pointer { return defaultMalloc.Allocate(size) }

// AllocateAligned serves size bytes at a power-of-two alignment.
func AllocateAligned(size, alignment uintptr) unsafe.Pointer {
	return defaultMalloc.AllocateAligned(size, alignment)
}

// AllocateZeroed serves count*size zeroed bytes.
func AllocateZeroed(count, size uintptr) unsafe.Pointer {
	return defaultMalloc.AllocateZeroed(count, size)
}

// Reallocate resizes an allocation from the global allocator.
func Reallocate(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	return defaultMalloc.Reallocate(ptr, size)
}

// ReallocateZeroed resizes an allocation to count*size zeroed bytes.
func ReallocateZeroed(ptr unsafe.Pointer, count, size uintptr) unsafe.Pointer {
	return defaultMalloc.ReallocateZeroed(ptr, count, size)
}

// AlignedReallocate resizes an aligned allocation.
func AlignedReallocate(ptr unsafe.Pointer, size, alignment uintptr) unsafe.Pointer {
	return defaultMalloc.AlignedReallocate(ptr, size, alignment)
}

// Deallocate releases a pointer produced by the global allocator.
func Deallocate(ptr unsafe.Pointer) { defaultMalloc.Deallocate(ptr) }

// UsableSize reports the capacity behind a global-allocator pointer.
func UsableSize(ptr unsafe.Pointer) uintptr { return defaultMalloc.UsableSize(ptr) }

// OperatorNew allocates with C++ new semantics against the global
// allocator.
func OperatorNew(size uintptr) unsafe.Pointer { return defaultMalloc.OperatorNew(size) }

// OperatorNewAligned is OperatorNew at a power-of-two alignment.
func OperatorNewAligned(size, alignment uintptr) unsafe.Pointer {
	return defaultMalloc.OperatorNewAligned(size, alignment)
}

// ThreadExit hands the calling goroutine's local heap pages to the central
// heap before the goroutine ends.
func ThreadExit() { defaultMalloc.ThreadExit() }
