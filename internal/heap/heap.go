// Package heap implements the size-segregated heaps sitting between the
// dispatcher and the segments: the fifteen-bin power-of-two heap backing
// malloc, and the single-bin pool heap backing typed pools. A heap routes
// allocations by size class and deallocations by pointer provenance, and
// owns the per-bin deallocation queues.
package heap

import (
	"unsafe"

	"modernc.org/mathutil"

	"github.com/scalemalloc/scalemalloc/internal/queue"
	"github.com/scalemalloc/scalemalloc/internal/segment"
)

// Bin geometry. Size classes are 16..32768 on small pages and
// 65536..262144 on medium pages.
const (
	BinCount          = 15
	MaxBinIndex       = BinCount - 1
	MinMediumBinIndex = 12

	MinSizeClass     = 16
	Log2MinSizeClass = 4

	// MaxAllocationSize is the largest size class any bin serves.
	MaxAllocationSize = 1 << (BinCount + 3)

	// MaxSmallObjectSize is the largest size class served from small pages.
	MaxSmallObjectSize = 1 << (MinMediumBinIndex + 3)

	// DefaultSmallPageSize and DefaultMediumPageSize are the logical page
	// sizes of the small and medium bins.
	DefaultSmallPageSize  = 65536
	DefaultMediumPageSize = 524288
)

// Heap is the contract the two-tier dispatcher drives. Deallocate reports
// whether the pointer was queued; a false return tells the dispatcher to
// forward the pointer to the other tier.
type Heap interface {
	Allocate(size uintptr) unsafe.Pointer
	Deallocate(ptr unsafe.Pointer, isSmallObject bool) bool
	SegmentCount() int
	Segment(binIndex int) *segment.Segment
}

// QueueFactory builds one deallocation queue of the given slot capacity.
// The local tier supplies the single-consumer queue, the central tier the
// MPMC queue.
type QueueFactory func(capacity uintptr) (queue.Queue, bool)

// LocalQueues is the QueueFactory of thread-local heaps.
func LocalQueues(capacity uintptr) (queue.Queue, bool) {
	return queue.NewBounded(capacity)
}

// CentralQueues is the QueueFactory of the shared central heap.
func CentralQueues(capacity uintptr) (queue.Queue, bool) {
	return queue.NewMPMC(capacity)
}

// roundUpPow2 rounds size to the next power of two.
func roundUpPow2(size uintptr) uintptr {
	return uintptr(1) << uint(mathutil.BitLen(int(size-1)))
}

// binIndexForSize maps a power-of-two size class to its bin, clamped to the
// last bin.
func binIndexForSize(size uintptr) int {
	index := mathutil.BitLen(int(size)) - 1 - Log2MinSizeClass
	if index > MaxBinIndex {
		index = MaxBinIndex
	}
	if index < 0 {
		index = 0
	}

	return index
}

// queueSlots derives a queue's slot capacity from its configured byte size.
func queueSlots(bytes uintptr) uintptr {
	return bytes / unsafe.Sizeof(uint64(0))
}
