package scalemalloc

import (
	"fmt"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/allocator"
	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/dict"
	"github.com/scalemalloc/scalemalloc/internal/heap"
	"github.com/scalemalloc/scalemalloc/internal/memlive"
	"github.com/scalemalloc/scalemalloc/internal/page"
	"github.com/scalemalloc/scalemalloc/internal/segment"
	"github.com/scalemalloc/scalemalloc/internal/spinlock"
	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// MinAlignment is the minimum alignment of every returned pointer.
const MinAlignment = 16

// ScalableMalloc is the general-purpose façade: a two-tier power-of-two
// heap for objects up to 256 KiB, direct virtual-memory reservations above
// that, and a bookkeeping map for everything that leaves the fast path
// (large, medium, and aligned allocations).
type ScalableMalloc struct {
	handlerLock spinlock.Lock

	dispatcher allocator.Scalable

	// nonSmallAndAligned records {size, padding} for pointers the page
	// header alone cannot describe.
	nonSmallAndAligned dict.MPMC

	smallPageSize      uintptr
	maxAllocationSize  uintptr
	maxSmallObjectSize uintptr

	newHandler func()

	profiler *memlive.Collector

	created bool
}

// Create builds the allocator. It is idempotent only before the first
// allocation and is not thread-safe; call it once from one goroutine.
func (m *ScalableMalloc) Create(opts Options) error {
	if m.created {
		return nil
	}

	m.maxAllocationSize = heap.MaxAllocationSize
	m.maxSmallObjectSize = heap.MaxSmallObjectSize
	m.profiler = memlive.NewCollector()

	localParams := heap.DefaultPow2Params()
	localParams.RecyclingThreshold = opts.PageRecyclingThreshold
	localParams.SegmentsCanGrow = opts.LocalHeapsCanGrow
	localParams.GrowCoefficient = opts.GrowCoefficient
	localParams.QueueProcessingThreshold = opts.DeallocationQueuesProcessingThreshold
	localParams.PageCounts = opts.LocalLogicalPageCounts
	localParams.RecyclableQueueSizes = opts.RecyclableDeallocationQueueSizes
	localParams.NonRecyclableQueueSizes = opts.NonRecyclableDeallocationQueueSizes

	centralParams := localParams
	centralParams.SegmentsCanGrow = true
	centralParams.PageCounts = opts.CentralLogicalPageCounts

	arenaOpts := arena.DefaultOptions()
	arenaOpts.CacheCapacity = opts.ArenaInitialSize
	arenaOpts.UseHugePages = opts.UseHugePages
	arenaOpts.NumaNode = opts.NumaNode

	if opts.UseHugePages {
		target := vmem.HugePageMinSize()
		if target == 0 {
			return fmt.Errorf("scalemalloc: huge pages requested but unavailable")
		}

		localParams.SmallPageSize = target
		localParams.MediumPageSize = target
		centralParams.SmallPageSize = target
		centralParams.MediumPageSize = target
		arenaOpts.PageAlignment = target
	}

	m.smallPageSize = localParams.SmallPageSize

	if !m.nonSmallAndAligned.Initialise(opts.NonSmallAndAlignedObjectsMapSize / dict.NodeSize) {
		return fmt.Errorf("scalemalloc: bookkeeping map initialisation failed")
	}

	cfg := allocator.Config{
		Arena:                arenaOpts,
		CachedLocalHeapCount: opts.ThreadLocalCachedHeapCount,
		FastShutdown:         opts.FastShutdown,
		NewCentralHeap: func(a *arena.Arena) heap.Heap {
			h := new(heap.Pow2)
			if !h.Create(centralParams, a, segment.Central, heap.CentralQueues) {
				return nil
			}
			return h
		},
		NewLocalHeap: func(a *arena.Arena) heap.Heap {
			h := new(heap.Pow2)
			if !h.Create(localParams, a, segment.Local, heap.LocalQueues) {
				return nil
			}
			return h
		},
		LocalHeapFootprint: unsafe.Sizeof(heap.Pow2{}),
	}

	if err := m.dispatcher.Create(cfg); err != nil {
		return err
	}

	m.created = true

	return nil
}

// Allocate returns at least size usable bytes aligned to 16, or nil when
// the OS is out of memory.
func (m *ScalableMalloc) Allocate(size uintptr) unsafe.Pointer {
	if size > m.maxAllocationSize {
		return m.allocateLargeObject(size)
	}

	ptr := m.dispatcher.Allocate(size)
	if ptr == nil {
		return nil
	}

	if size > m.maxSmallObjectSize {
		// Medium objects live on medium pages; remember the size so
		// UsableSize and Deallocate can route without a hint.
		m.nonSmallAndAligned.Insert(uint64(uintptr(ptr)), dict.Metadata{Size: size})
	}

	m.profiler.RecordAllocation(size)

	return ptr
}

func (m *ScalableMalloc) allocateLargeObject(size uintptr) unsafe.Pointer {
	ptr := vmem.Reserve(size, false, -1, nil)
	if ptr == nil {
		return nil
	}

	m.nonSmallAndAligned.Insert(uint64(uintptr(ptr)), dict.Metadata{Size: size})
	m.profiler.RecordAllocation(size)

	return ptr
}

// Deallocate releases a pointer produced by any of the allocation entry
// points. nil is ignored.
func (m *ScalableMalloc) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	if metadata, ok := m.nonSmallAndAligned.Get(uint64(uintptr(ptr))); ok {
		m.deallocateNonSmallOrAligned(metadata, ptr)
		return
	}

	m.profiler.RecordDeallocation()
	m.dispatcher.Deallocate(ptr, true)
}

func (m *ScalableMalloc) deallocateNonSmallOrAligned(metadata dict.Metadata, ptr unsafe.Pointer) {
	unpadded := unsafe.Pointer(uintptr(ptr) - metadata.Padding)

	m.profiler.RecordDeallocation()

	switch {
	case metadata.Size <= m.maxSmallObjectSize:
		m.dispatcher.Deallocate(unpadded, true)
	case metadata.Size <= m.maxAllocationSize:
		m.dispatcher.Deallocate(unpadded, false)
	default:
		_ = vmem.Release(unpadded, metadata.Size)
	}
}

// UsableSize reports the real capacity behind ptr: the recorded size for
// large, medium and aligned allocations, the page header's size class for
// everything else.
func (m *ScalableMalloc) UsableSize(ptr unsafe.Pointer) uintptr {
	if metadata, ok := m.nonSmallAndAligned.Get(uint64(uintptr(ptr))); ok {
		return metadata.Size
	}

	return uintptr(page.SizeClassFromAddress(ptr, m.smallPageSize))
}

// AllocateAligned returns size bytes at the requested power-of-two
// alignment. The allocation is padded by the alignment and its metadata
// recorded so Deallocate can reconstruct the original base.
func (m *ScalableMalloc) AllocateAligned(size, alignment uintptr) unsafe.Pointer {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil
	}

	adjustedSize := size + alignment

	if adjustedSize > m.maxAllocationSize {
		return m.allocateAlignedLargeObject(adjustedSize, alignment)
	}

	ptr := m.dispatcher.Allocate(adjustedSize)
	if ptr == nil {
		return nil
	}

	offset := alignment - uintptr(ptr)%alignment
	ret := unsafe.Pointer(uintptr(ptr) + offset)

	m.nonSmallAndAligned.Insert(uint64(uintptr(ret)), dict.Metadata{Size: adjustedSize, Padding: offset})
	m.profiler.RecordAllocation(adjustedSize)

	return ret
}

func (m *ScalableMalloc) allocateAlignedLargeObject(adjustedSize, alignment uintptr) unsafe.Pointer {
	ptr := vmem.Reserve(adjustedSize, false, -1, nil)
	if ptr == nil {
		return nil
	}

	offset := alignment - uintptr(ptr)%alignment
	ret := unsafe.Pointer(uintptr(ptr) + offset)

	m.nonSmallAndAligned.Insert(uint64(uintptr(ret)), dict.Metadata{Size: adjustedSize, Padding: offset})
	m.profiler.RecordAllocation(adjustedSize)

	return ret
}

// AllocateZeroed allocates count*size bytes and clears them.
func (m *ScalableMalloc) AllocateZeroed(count, size uintptr) unsafe.Pointer {
	total := count * size

	ptr := m.Allocate(total)
	if ptr == nil {
		return nil
	}

	clearMemory(ptr, total)

	return ptr
}

// Reallocate resizes ptr to size. A nil ptr allocates; a zero size frees.
// When the current usable size already covers the request ptr is returned
// unchanged; otherwise the contents move to a fresh allocation.
func (m *ScalableMalloc) Reallocate(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return m.Allocate(size)
	}

	if size == 0 {
		m.Deallocate(ptr)
		return nil
	}

	oldSize := m.UsableSize(ptr)
	if size <= oldSize {
		return ptr
	}

	newPtr := m.Allocate(size)
	if newPtr == nil {
		return nil
	}

	copyMemory(newPtr, ptr, oldSize)
	m.Deallocate(ptr)

	return newPtr
}

// ReallocateZeroed resizes ptr to count*size bytes and zeroes the whole
// result.
func (m *ScalableMalloc) ReallocateZeroed(ptr unsafe.Pointer, count, size uintptr) unsafe.Pointer {
	total := count * size

	ret := m.Reallocate(ptr, total)
	if ret != nil {
		clearMemory(ret, total)
	}

	return ret
}

// AlignedReallocate is Reallocate for pointers that must keep a given
// power-of-two alignment.
func (m *ScalableMalloc) AlignedReallocate(ptr unsafe.Pointer, size, alignment uintptr) unsafe.Pointer {
	if ptr == nil {
		return m.AllocateAligned(size, alignment)
	}

	if size == 0 {
		m.Deallocate(ptr)
		return nil
	}

	oldSize := m.UsableSize(ptr)
	if size <= oldSize {
		return ptr
	}

	newPtr := m.AllocateAligned(size, alignment)
	if newPtr == nil {
		return nil
	}

	copyMemory(newPtr, ptr, oldSize)
	m.Deallocate(ptr)

	return newPtr
}

// OperatorNew is Allocate with C++ new semantics: on exhaustion the
// installed new-handler runs; without one the failure panics.
func (m *ScalableMalloc) OperatorNew(size uintptr) unsafe.Pointer {
	ptr := m.Allocate(size)
	if ptr == nil {
		m.handleOperatorNewFailure()
	}

	return ptr
}

// OperatorNewAligned is AllocateAligned with new semantics.
func (m *ScalableMalloc) OperatorNewAligned(size, alignment uintptr) unsafe.Pointer {
	ptr := m.AllocateAligned(size, alignment)
	if ptr == nil {
		m.handleOperatorNewFailure()
	}

	return ptr
}

// SetNewHandler installs the handler OperatorNew invokes on exhaustion.
func (m *ScalableMalloc) SetNewHandler(handler func()) {
	m.handlerLock.Lock()
	m.newHandler = handler
	m.handlerLock.Unlock()
}

func (m *ScalableMalloc) handleOperatorNewFailure() {
	m.handlerLock.Lock()
	handler := m.newHandler
	m.handlerLock.Unlock()

	if handler != nil {
		handler()
		return
	}

	panic("scalemalloc: allocation failed and no new-handler is installed")
}

// ThreadExit transfers the calling goroutine's local heap pages to the
// central heap. Call it from any goroutine that allocated and is about to
// end while its allocations may outlive it.
func (m *ScalableMalloc) ThreadExit() {
	m.dispatcher.ThreadExit()
}

// Profiler returns the live-profiling collector feeding the memlive
// diagnostics endpoint. Collection is off until enabled there.
func (m *ScalableMalloc) Profiler() *memlive.Collector { return m.profiler }

// Destroy tears the allocator down when fast shutdown was disabled.
func (m *ScalableMalloc) Destroy() {
	m.dispatcher.Destroy()
}

func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	dstSlice := (*[1 << 40]byte)(dst)[:size:size]
	srcSlice := (*[1 << 40]byte)(src)[:size:size]
	copy(dstSlice, srcSlice)
}

func clearMemory(p unsafe.Pointer, size uintptr) {
	b := (*[1 << 40]byte)(p)[:size:size]
	for i := range b {
		b[i] = 0
	}
}
