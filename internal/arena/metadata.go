package arena

import (
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// MetadataAllocate reserves process-lifetime metadata memory (queue slabs,
// dictionary tables, heap bookkeeping) directly from the OS, uncached and
// never NUMA-bound.
func MetadataAllocate(size uintptr) unsafe.Pointer {
	return vmem.Reserve(size, false, -1, nil)
}

// MetadataDeallocate is a no-op: metadata lifetime tracks the whole process
// and is reclaimed by OS teardown.
func MetadataDeallocate(p unsafe.Pointer, size uintptr) {
	_ = p
	_ = size
}
