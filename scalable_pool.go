package scalemalloc

import (
	"fmt"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/allocator"
	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/heap"
	"github.com/scalemalloc/scalemalloc/internal/segment"
	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// PoolOptions configure a typed Pool.
type PoolOptions struct {
	ArenaInitialSize       uintptr
	CentralPoolInitialSize uintptr
	LocalPoolInitialSize   uintptr

	LocalPoolCanGrow       bool
	PageRecyclingThreshold uintptr
	GrowCoefficient        float64

	DeallocationQueuesProcessingThreshold uint64
	RecyclableDeallocationQueueSize       uintptr
	NonRecyclableDeallocationQueueSize    uintptr

	UseHugePages               bool
	NumaNode                   int
	ThreadLocalCachedHeapCount uintptr
	FastShutdown               bool
}

// DefaultPoolOptions returns the stock pool configuration: a 64 MiB arena
// split into a 16 MiB central and 32 MiB local starting pool.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		ArenaInitialSize:                      64 * 1024 * 1024,
		CentralPoolInitialSize:                16 * 1024 * 1024,
		LocalPoolInitialSize:                  32 * 1024 * 1024,
		LocalPoolCanGrow:                      true,
		PageRecyclingThreshold:                128,
		GrowCoefficient:                       2.0,
		DeallocationQueuesProcessingThreshold: 409600,
		RecyclableDeallocationQueueSize:       65536,
		NonRecyclableDeallocationQueueSize:    65536,
		NumaNode:                              -1,
		FastShutdown:                          true,
	}
}

// Pool is the fixed-size object pool: the two-tier dispatcher bound to a
// single size class derived from T. Pool allocations skip all bin routing.
type Pool[T any] struct {
	dispatcher allocator.Scalable
	created    bool
}

// Create builds the pool's arena and heaps. The logical page size starts at
// 64 KiB (or the huge-page size) and doubles until one T fits a page after
// the header.
func (p *Pool[T]) Create(opts PoolOptions) error {
	if p.created {
		return nil
	}

	var zero T

	sizeClass := unsafe.Sizeof(zero)
	if sizeClass < 8 {
		sizeClass = 8
	}
	if sizeClass > ^uintptr(0)>>32 {
		return fmt.Errorf("scalemalloc: pool element size %d too large", sizeClass)
	}

	logicalPageSize := uintptr(heap.DefaultSmallPageSize)

	if opts.UseHugePages {
		hugeSize := vmem.HugePageMinSize()
		if hugeSize == 0 {
			return fmt.Errorf("scalemalloc: huge pages requested but unavailable")
		}

		if opts.CentralPoolInitialSize < hugeSize || opts.CentralPoolInitialSize%hugeSize != 0 {
			return fmt.Errorf("scalemalloc: central pool size %d is not a multiple of the huge page size %d",
				opts.CentralPoolInitialSize, hugeSize)
		}
		if opts.LocalPoolInitialSize < hugeSize || opts.LocalPoolInitialSize%hugeSize != 0 {
			return fmt.Errorf("scalemalloc: local pool size %d is not a multiple of the huge page size %d",
				opts.LocalPoolInitialSize, hugeSize)
		}

		logicalPageSize = hugeSize
	}

	// A page must hold at least one slot after its header.
	for sizeClass > logicalPageSize-64 {
		logicalPageSize <<= 1
	}

	arenaOpts := arena.Options{
		CacheCapacity: opts.ArenaInitialSize,
		PageAlignment: logicalPageSize,
		UseHugePages:  opts.UseHugePages,
		NumaNode:      opts.NumaNode,
	}

	poolParams := heap.PoolParams{
		SizeClass:                uint32(sizeClass),
		LogicalPageSize:          logicalPageSize,
		RecyclingThreshold:       opts.PageRecyclingThreshold,
		GrowCoefficient:          opts.GrowCoefficient,
		RecyclableQueueSize:      opts.RecyclableDeallocationQueueSize,
		NonRecyclableQueueSize:   opts.NonRecyclableDeallocationQueueSize,
		QueueProcessingThreshold: opts.DeallocationQueuesProcessingThreshold,
	}

	localParams := poolParams
	localParams.InitialSize = opts.LocalPoolInitialSize
	localParams.SegmentsCanGrow = opts.LocalPoolCanGrow

	centralParams := poolParams
	centralParams.InitialSize = opts.CentralPoolInitialSize
	centralParams.SegmentsCanGrow = true

	cfg := allocator.Config{
		Arena:                arenaOpts,
		CachedLocalHeapCount: opts.ThreadLocalCachedHeapCount,
		FastShutdown:         opts.FastShutdown,
		NewCentralHeap: func(a *arena.Arena) heap.Heap {
			h := new(heap.Pool)
			if !h.Create(centralParams, a, segment.Central, heap.CentralQueues) {
				return nil
			}
			return h
		},
		NewLocalHeap: func(a *arena.Arena) heap.Heap {
			h := new(heap.Pool)
			if !h.Create(localParams, a, segment.Local, heap.LocalQueues) {
				return nil
			}
			return h
		},
		LocalHeapFootprint: unsafe.Sizeof(heap.Pool{}),
	}

	if err := p.dispatcher.Create(cfg); err != nil {
		return err
	}

	p.created = true

	return nil
}

// Allocate returns one uninitialised T slot, or nil on exhaustion.
func (p *Pool[T]) Allocate() *T {
	var zero T
	return (*T)(p.dispatcher.Allocate(unsafe.Sizeof(zero)))
}

// Deallocate returns a slot to the pool. nil is ignored.
func (p *Pool[T]) Deallocate(ptr *T) {
	if ptr == nil {
		return
	}

	p.dispatcher.Deallocate(unsafe.Pointer(ptr), true)
}

// ThreadExit hands the calling goroutine's local pool pages to the central
// pool before the goroutine ends.
func (p *Pool[T]) ThreadExit() {
	p.dispatcher.ThreadExit()
}

// Destroy tears the pool down when fast shutdown was disabled.
func (p *Pool[T]) Destroy() {
	p.dispatcher.Destroy()
}
