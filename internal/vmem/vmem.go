// Package vmem provides the virtual-memory and CPU-topology facility the
// allocator tiers are built on. All reservations bypass the Go heap so that
// page contents and page headers are never scanned or moved by the garbage
// collector.
package vmem

import (
	"os"
	"unsafe"
)

var (
	pageSize = uintptr(os.Getpagesize())
)

// PageSize returns the OS virtual-memory page size.
func PageSize() uintptr { return pageSize }

// AllocationGranularity returns the minimum unit the OS hands out mappings
// in. On unix platforms this equals the page size; Windows would use 64 KiB.
func AllocationGranularity() uintptr { return pageSize }

// IsMultipleOfGranularity reports whether size is a non-zero multiple of the
// OS page-allocation granularity.
func IsMultipleOfGranularity(size uintptr) bool {
	return size > 0 && size%AllocationGranularity() == 0
}

// IsAligned reports whether p is aligned to the given power-of-two boundary.
func IsAligned(p unsafe.Pointer, alignment uintptr) bool {
	return uintptr(p)&(alignment-1) == 0
}

// Reserve maps size bytes of zeroed, read-write anonymous memory.
//
// When hugePages is set the mapping is attempted with huge pages first; the
// caller is expected to retry without them on failure. A numaNode >= 0 binds
// the range to that node and verifies the binding post-hoc; a mismatch
// releases the range and reports failure. hint may suggest a placement
// address and may be nil.
func Reserve(size uintptr, hugePages bool, numaNode int, hint unsafe.Pointer) unsafe.Pointer {
	return reserve(size, hugePages, numaNode, hint)
}

// Release returns a range previously obtained from Reserve (or any page-
// granular sub-range of one) to the operating system.
func Release(p unsafe.Pointer, size uintptr) bool {
	return release(p, size)
}

// HugePageMinSize returns the smallest huge-page size supported by the
// system, or 0 when huge pages are unavailable.
func HugePageMinSize() uintptr { return hugePageMinSize() }

// HugePagesAvailable reports whether the system can serve huge-page mappings.
func HugePagesAvailable() bool { return hugePageMinSize() > 0 }

// NumaNodeCount returns the number of configured NUMA nodes, 0 if unknown.
func NumaNodeCount() int { return numaNodeCount() }
