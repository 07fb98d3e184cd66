package heap

import (
	"sync/atomic"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/segment"
	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// PoolParams configure a single-size-class heap.
type PoolParams struct {
	SizeClass       uint32
	InitialSize     uintptr
	LogicalPageSize uintptr

	SegmentsCanGrow    bool
	RecyclingThreshold uintptr
	GrowCoefficient    float64

	RecyclableQueueSize      uintptr // bytes
	NonRecyclableQueueSize   uintptr // bytes
	QueueProcessingThreshold uint64
}

// DefaultPoolParams returns the pool-heap defaults.
func DefaultPoolParams() PoolParams {
	return PoolParams{
		LogicalPageSize:          DefaultSmallPageSize,
		SegmentsCanGrow:          true,
		RecyclingThreshold:       1,
		GrowCoefficient:          2.0,
		RecyclableQueueSize:      65536,
		NonRecyclableQueueSize:   65536,
		QueueProcessingThreshold: 1024,
	}
}

// Pool is a Pow2 heap collapsed to one bin: one segment, one pair of
// deallocation queues, one size class.
type Pool struct {
	seg segment.Segment

	pending   atomic.Uint64
	threshold uint64

	recyclable    queueRef
	nonRecyclable queueRef
}

// Create builds the pool heap over one arena region. The size class is
// forced up to the 8-byte freelist minimum and the logical page size is
// doubled until at least one slot fits after the page header.
func (h *Pool) Create(params PoolParams, a *arena.Arena, tier segment.Tier, newQueue QueueFactory) bool {
	if params.SizeClass == 0 || params.InitialSize == 0 || params.LogicalPageSize == 0 {
		return false
	}

	if params.SizeClass < 8 {
		params.SizeClass = 8
	}

	for uintptr(params.SizeClass) > params.LogicalPageSize-64 {
		params.LogicalPageSize <<= 1
	}

	if params.InitialSize%params.LogicalPageSize != 0 {
		return false
	}

	buffer := a.AllocateAligned(params.InitialSize, params.LogicalPageSize)
	if buffer == nil || !vmem.IsAligned(buffer, params.LogicalPageSize) {
		return false
	}

	segParams := segment.Params{
		SizeClass:          params.SizeClass,
		LogicalPageSize:    params.LogicalPageSize,
		LogicalPageCount:   params.InitialSize / params.LogicalPageSize,
		RecyclingThreshold: params.RecyclingThreshold,
		CanGrow:            params.SegmentsCanGrow,
		GrowCoefficient:    params.GrowCoefficient,
	}

	if !h.seg.Create(tier, buffer, a, segParams) {
		return false
	}

	if params.NonRecyclableQueueSize > 0 {
		q, ok := newQueue(queueSlots(params.NonRecyclableQueueSize))
		if !ok {
			return false
		}
		h.nonRecyclable.q = q
	}

	q, ok := newQueue(queueSlots(params.RecyclableQueueSize))
	if !ok {
		return false
	}
	h.recyclable.q = q

	h.threshold = params.QueueProcessingThreshold

	return true
}

// Allocate serves one slot of the pool's size class; the size argument is
// accepted for interface symmetry and ignored.
func (h *Pool) Allocate(size uintptr) unsafe.Pointer {
	if h.pending.Add(1) >= h.threshold {
		return h.allocateByProcessingQueues(size)
	}

	var pointer uint64

	if h.nonRecyclable.tryPop(&pointer) {
		return unsafe.Pointer(uintptr(pointer))
	}

	if h.recyclable.tryPop(&pointer) {
		return unsafe.Pointer(uintptr(pointer))
	}

	return h.seg.Allocate(size)
}

func (h *Pool) allocateByProcessingQueues(size uintptr) unsafe.Pointer {
	h.pending.Store(0)

	var ret unsafe.Pointer

	for {
		var pointer uint64
		if !h.recyclable.tryPop(&pointer) {
			break
		}

		if ret == nil {
			ret = unsafe.Pointer(uintptr(pointer))
		} else {
			h.seg.Deallocate(unsafe.Pointer(uintptr(pointer)))
		}
	}

	if ret != nil {
		return ret
	}

	var pointer uint64
	if h.nonRecyclable.tryPop(&pointer) {
		return unsafe.Pointer(uintptr(pointer))
	}

	return h.seg.Allocate(size)
}

// Deallocate queues ptr by provenance: pointers owned by this pool's
// segment may re-enter it (and recycle pages); foreign pointers are only
// ever reissued as-is.
func (h *Pool) Deallocate(ptr unsafe.Pointer, isSmallObject bool) bool {
	_ = isSmallObject // the pool has a single page size

	if h.seg.OwnsPointer(ptr) {
		return h.recyclable.tryPush(uint64(uintptr(ptr)))
	}

	return h.nonRecyclable.tryPush(uint64(uintptr(ptr)))
}

// SegmentCount returns 1; the pool holds a single segment.
func (h *Pool) SegmentCount() int { return 1 }

// Segment returns the pool's segment; binIndex must be 0.
func (h *Pool) Segment(binIndex int) *segment.Segment {
	_ = binIndex
	return &h.seg
}

// PageCount reports the segment's current logical page count.
func (h *Pool) PageCount() uintptr { return h.seg.LogicalPageCount() }
