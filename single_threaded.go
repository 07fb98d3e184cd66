package scalemalloc

import (
	"fmt"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/dict"
	"github.com/scalemalloc/scalemalloc/internal/heap"
	"github.com/scalemalloc/scalemalloc/internal/page"
	"github.com/scalemalloc/scalemalloc/internal/segment"
	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// SingleThreadedOptions configure a SingleThreadedAllocator.
type SingleThreadedOptions struct {
	ArenaInitialSize  uintptr
	LogicalPageCounts [BinCount]uintptr

	PageRecyclingThreshold uintptr
	GrowCoefficient        float64

	DeallocationQueueProcessingThreshold uint64
	DeallocationQueueSizes               [BinCount]uintptr

	UseHugePages           bool
	NumaNode               int
	NonSmallObjectsMapSize uintptr
}

// DefaultSingleThreadedOptions returns the stock single-threaded
// configuration with its 64 MiB arena.
func DefaultSingleThreadedOptions() SingleThreadedOptions {
	opts := SingleThreadedOptions{
		ArenaInitialSize:                     64 * 1024 * 1024,
		LogicalPageCounts:                    [BinCount]uintptr{1, 1, 1, 1, 1, 1, 1, 2, 4, 8, 16, 32, 8, 16, 32},
		PageRecyclingThreshold:               10,
		GrowCoefficient:                      2.0,
		DeallocationQueueProcessingThreshold: 409600,
		NumaNode:                             -1,
		NonSmallObjectsMapSize:               655360,
	}

	for i := 0; i < BinCount; i++ {
		opts.DeallocationQueueSizes[i] = 65536
	}

	return opts
}

// MaxSupportedPoolAlignment is the only alignment the single-threaded
// allocator guarantees; it keeps no padding bookkeeping.
const MaxSupportedPoolAlignment = 16

// SingleThreadedAllocator exposes one unlocked power-of-two heap for use
// inside single-thread containers. It keeps a single deallocation queue
// per bin (no cross-thread traffic exists) and a growing map for medium
// and large sizes.
type SingleThreadedAllocator struct {
	heap  heap.Pow2
	arena arena.Arena

	nonSmallObjects dict.Single

	smallPageSize      uintptr
	mediumPageSize     uintptr
	maxAllocationSize  uintptr
	maxSmallObjectSize uintptr

	created bool
}

// Create builds the allocator's arena and heap.
func (s *SingleThreadedAllocator) Create(opts SingleThreadedOptions) error {
	if s.created {
		return nil
	}

	s.maxAllocationSize = heap.MaxAllocationSize
	s.maxSmallObjectSize = heap.MaxSmallObjectSize

	if !s.nonSmallObjects.Initialise(opts.NonSmallObjectsMapSize / dict.SingleNodeSize) {
		return fmt.Errorf("scalemalloc: bookkeeping map initialisation failed")
	}

	heapParams := heap.DefaultPow2Params()
	heapParams.SegmentsCanGrow = true
	heapParams.RecyclingThreshold = opts.PageRecyclingThreshold
	heapParams.GrowCoefficient = opts.GrowCoefficient
	heapParams.QueueProcessingThreshold = opts.DeallocationQueueProcessingThreshold
	heapParams.PageCounts = opts.LogicalPageCounts
	heapParams.RecyclableQueueSizes = opts.DeallocationQueueSizes
	heapParams.NonRecyclableQueueSizes = [BinCount]uintptr{} // single consumer, no foreign frees

	arenaOpts := arena.DefaultOptions()
	arenaOpts.CacheCapacity = opts.ArenaInitialSize
	arenaOpts.UseHugePages = opts.UseHugePages
	arenaOpts.NumaNode = opts.NumaNode

	if opts.UseHugePages {
		target := vmem.HugePageMinSize()
		if target == 0 {
			return fmt.Errorf("scalemalloc: huge pages requested but unavailable")
		}

		heapParams.SmallPageSize = target
		heapParams.MediumPageSize = target
		arenaOpts.PageAlignment = target
	}

	s.smallPageSize = heapParams.SmallPageSize
	s.mediumPageSize = heapParams.MediumPageSize

	if err := s.arena.Create(arenaOpts); err != nil {
		return err
	}

	if !s.heap.Create(heapParams, &s.arena, segment.Local, heap.LocalQueues) {
		return fmt.Errorf("scalemalloc: single-threaded heap creation failed")
	}

	s.created = true

	return nil
}

// Allocate returns at least size usable bytes aligned to 16, or nil when
// the OS is out of memory.
func (s *SingleThreadedAllocator) Allocate(size uintptr) unsafe.Pointer {
	if size > s.maxAllocationSize {
		return s.allocateLargeObject(size)
	}

	ptr := s.heap.Allocate(size)
	if ptr == nil {
		return nil
	}

	if size > s.maxSmallObjectSize {
		s.nonSmallObjects.Insert(uint64(uintptr(ptr)), size)
	}

	return ptr
}

func (s *SingleThreadedAllocator) allocateLargeObject(size uintptr) unsafe.Pointer {
	ptr := vmem.Reserve(size, false, -1, nil)
	if ptr == nil {
		return nil
	}

	s.nonSmallObjects.Insert(uint64(uintptr(ptr)), size)

	return ptr
}

// Deallocate releases a pointer produced by Allocate. nil is ignored.
func (s *SingleThreadedAllocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	if size, ok := s.nonSmallObjects.Get(uint64(uintptr(ptr))); ok {
		s.deallocateMediumOrLargeObject(ptr, size)
		return
	}

	s.deallocateToHeap(ptr, true)
}

func (s *SingleThreadedAllocator) deallocateMediumOrLargeObject(ptr unsafe.Pointer, size uintptr) {
	if size <= s.maxAllocationSize {
		s.deallocateToHeap(ptr, false)
	} else {
		_ = vmem.Release(ptr, size)
	}
}

// deallocateToHeap queues the pointer; with no second tier to forward to,
// a full queue hands the pointer straight back to its segment.
func (s *SingleThreadedAllocator) deallocateToHeap(ptr unsafe.Pointer, isSmallObject bool) {
	if s.heap.Deallocate(ptr, isSmallObject) {
		return
	}

	pageSize := s.smallPageSize
	if !isSmallObject {
		pageSize = s.mediumPageSize
	}

	sizeClass := page.SizeClassFromAddress(ptr, pageSize)
	s.heap.Segment(binIndexForSizeClass(sizeClass)).Deallocate(ptr)
}

// UsableSize reports the capacity behind ptr.
func (s *SingleThreadedAllocator) UsableSize(ptr unsafe.Pointer) uintptr {
	if size, ok := s.nonSmallObjects.Get(uint64(uintptr(ptr))); ok {
		return size
	}

	return uintptr(page.SizeClassFromAddress(ptr, s.smallPageSize))
}

func binIndexForSizeClass(sizeClass uint32) int {
	index := 0
	for size := uint32(heap.MinSizeClass); size < sizeClass; size <<= 1 {
		index++
	}

	if index > heap.MaxBinIndex {
		index = heap.MaxBinIndex
	}

	return index
}
