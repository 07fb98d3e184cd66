package heap

import (
	"sync/atomic"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/page"
	"github.com/scalemalloc/scalemalloc/internal/segment"
	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// Pow2Params configure a fifteen-bin heap.
type Pow2Params struct {
	SmallPageSize  uintptr
	MediumPageSize uintptr
	PageCounts     [BinCount]uintptr

	RecyclingThreshold uintptr
	SegmentsCanGrow    bool
	GrowCoefficient    float64

	QueueProcessingThreshold uint64
	RecyclableQueueSizes     [BinCount]uintptr // bytes; 8 bytes per slot
	NonRecyclableQueueSizes  [BinCount]uintptr // bytes; 0 disables the queue
}

// DefaultPow2Params returns the heap defaults: 64 KiB small pages, 512 KiB
// medium pages, the stock per-bin page counts and 64 KiB queue sizes.
func DefaultPow2Params() Pow2Params {
	p := Pow2Params{
		SmallPageSize:            DefaultSmallPageSize,
		MediumPageSize:           DefaultMediumPageSize,
		PageCounts:               [BinCount]uintptr{1, 1, 1, 1, 1, 1, 1, 2, 4, 8, 16, 32, 8, 16, 32},
		RecyclingThreshold:       1024,
		SegmentsCanGrow:          true,
		GrowCoefficient:          2.0,
		QueueProcessingThreshold: 1024,
	}

	for i := range p.RecyclableQueueSizes {
		p.RecyclableQueueSizes[i] = 65536
		p.NonRecyclableQueueSizes[i] = 65536
	}

	return p
}

// Pow2 is the fifteen-way array of segments plus per-bin deallocation
// queues. One Pow2 value serves either as a thread-local heap (no locks,
// single-consumer queues) or as the central heap (spinlocked segments,
// MPMC queues), selected at creation.
type Pow2 struct {
	smallPageSize  uintptr
	mediumPageSize uintptr

	segments [BinCount]segment.Segment

	// pending counts allocations since the last drain; crossing the
	// threshold diverts one allocation through the drain slow path.
	pending   atomic.Uint64
	threshold uint64

	recyclable    [BinCount]queueRef
	nonRecyclable [BinCount]queueRef
}

// queueRef wraps an optional queue; a nil queue rejects pushes and pops.
type queueRef struct {
	q interface {
		TryPush(v uint64) bool
		TryPop(v *uint64) bool
	}
}

func (r queueRef) tryPush(v uint64) bool {
	return r.q != nil && r.q.TryPush(v)
}

func (r queueRef) tryPop(v *uint64) bool {
	return r.q != nil && r.q.TryPop(v)
}

// Create builds the heap over two arena regions: one contiguous buffer for
// all small bins and one, aligned to the medium page size, for the medium
// bins. Each bin's segment is threaded over its slice of the buffer.
func (h *Pow2) Create(params Pow2Params, a *arena.Arena, tier segment.Tier, newQueue QueueFactory) bool {
	if !vmem.IsMultipleOfGranularity(params.SmallPageSize) ||
		!vmem.IsMultipleOfGranularity(params.MediumPageSize) {
		return false
	}

	h.smallPageSize = params.SmallPageSize
	h.mediumPageSize = params.MediumPageSize

	var smallTotal, mediumTotal uintptr

	for i := 0; i < BinCount; i++ {
		if i < MinMediumBinIndex {
			smallTotal += params.PageCounts[i] * h.smallPageSize
		} else {
			mediumTotal += params.PageCounts[i] * h.mediumPageSize
		}
	}

	smallBuffer := a.Allocate(smallTotal)
	if smallBuffer == nil || !vmem.IsAligned(smallBuffer, h.smallPageSize) {
		return false
	}

	mediumBuffer := a.AllocateAligned(mediumTotal, h.mediumPageSize)
	if mediumBuffer == nil || !vmem.IsAligned(mediumBuffer, h.mediumPageSize) {
		return false
	}

	segParams := segment.Params{
		RecyclingThreshold: params.RecyclingThreshold,
		CanGrow:            params.SegmentsCanGrow,
		GrowCoefficient:    params.GrowCoefficient,
	}

	sizeClass := uint32(MinSizeClass)
	offset := uintptr(0)

	for i := 0; i < MinMediumBinIndex; i++ {
		segParams.SizeClass = sizeClass
		segParams.LogicalPageSize = h.smallPageSize
		segParams.LogicalPageCount = params.PageCounts[i]

		binBuffer := unsafe.Pointer(uintptr(smallBuffer) + offset)
		if !h.segments[i].Create(tier, binBuffer, a, segParams) {
			return false
		}

		offset += params.PageCounts[i] * h.smallPageSize
		sizeClass <<= 1
	}

	offset = 0

	for i := MinMediumBinIndex; i < BinCount; i++ {
		segParams.SizeClass = sizeClass
		segParams.LogicalPageSize = h.mediumPageSize
		segParams.LogicalPageCount = params.PageCounts[i]

		binBuffer := unsafe.Pointer(uintptr(mediumBuffer) + offset)
		if !h.segments[i].Create(tier, binBuffer, a, segParams) {
			return false
		}

		offset += params.PageCounts[i] * h.mediumPageSize
		sizeClass <<= 1
	}

	h.threshold = params.QueueProcessingThreshold

	for i := 0; i < BinCount; i++ {
		if params.NonRecyclableQueueSizes[i] > 0 {
			q, ok := newQueue(queueSlots(params.NonRecyclableQueueSizes[i]))
			if !ok {
				return false
			}
			h.nonRecyclable[i].q = q
		}

		q, ok := newQueue(queueSlots(params.RecyclableQueueSizes[i]))
		if !ok {
			return false
		}
		h.recyclable[i].q = q
	}

	return true
}

// Allocate serves one object of at least size bytes, rounded up to the
// bin's power-of-two size class. Pending deallocations are drained once
// their count crosses the processing threshold; otherwise queued pointers
// are reissued before the segment is asked for a fresh slot.
func (h *Pow2) Allocate(size uintptr) unsafe.Pointer {
	if size < MinSizeClass {
		size = MinSizeClass
	}

	size = roundUpPow2(size)
	binIndex := binIndexForSize(size)

	if h.pending.Add(1) >= h.threshold {
		return h.allocateByProcessingQueues(binIndex, size)
	}

	var pointer uint64

	if h.nonRecyclable[binIndex].tryPop(&pointer) {
		return unsafe.Pointer(uintptr(pointer))
	}

	if h.recyclable[binIndex].tryPop(&pointer) {
		return unsafe.Pointer(uintptr(pointer))
	}

	return h.segments[binIndex].Allocate(size)
}

// allocateByProcessingQueues is the drain slow path: the recyclable queue
// is emptied into the segment (where empty pages may be recycled), keeping
// the first popped pointer as the allocation result.
func (h *Pow2) allocateByProcessingQueues(binIndex int, size uintptr) unsafe.Pointer {
	h.pending.Store(0)

	if ret := h.processRecyclableQueue(binIndex); ret != nil {
		return ret
	}

	var pointer uint64
	if h.nonRecyclable[binIndex].tryPop(&pointer) {
		return unsafe.Pointer(uintptr(pointer))
	}

	return h.segments[binIndex].Allocate(size)
}

func (h *Pow2) processRecyclableQueue(binIndex int) unsafe.Pointer {
	var ret unsafe.Pointer

	for {
		var pointer uint64
		if !h.recyclable[binIndex].tryPop(&pointer) {
			return ret
		}

		if ret == nil {
			ret = unsafe.Pointer(uintptr(pointer))
		} else {
			h.segments[binIndex].Deallocate(unsafe.Pointer(uintptr(pointer)))
		}
	}
}

// Deallocate recovers the owning page from ptr, derives the bin from the
// header's size class, and queues the pointer: into the recyclable queue
// when the page belongs to this heap's segment for that bin, into the
// non-recyclable queue otherwise. Reports whether the push succeeded.
func (h *Pow2) Deallocate(ptr unsafe.Pointer, isSmallObject bool) bool {
	logicalPageSize := h.smallPageSize
	if !isSmallObject {
		logicalPageSize = h.mediumPageSize
	}

	target := page.FromAddress(ptr, logicalPageSize)
	binIndex := binIndexForSize(uintptr(target.SizeClass()))

	if h.segments[binIndex].ID() == target.SegmentID() {
		return h.recyclable[binIndex].tryPush(uint64(uintptr(ptr)))
	}

	return h.nonRecyclable[binIndex].tryPush(uint64(uintptr(ptr)))
}

// SegmentCount returns the number of bins.
func (h *Pow2) SegmentCount() int { return BinCount }

// Segment returns the segment backing the given bin.
func (h *Pow2) Segment(binIndex int) *segment.Segment {
	return &h.segments[binIndex]
}

// BinPageCount reports the current logical page count of a bin.
func (h *Pow2) BinPageCount(binIndex int) uintptr {
	return h.segments[binIndex].LogicalPageCount()
}
