// Package scalemalloc is a scalable dynamic memory allocator: a two-tier
// (thread-local plus central) size-segregated heap over OS virtual memory,
// with bounded cross-thread deallocation queues and page recycling. It
// exposes three façades: the general ScalableMalloc, the typed Pool, and
// the SingleThreadedAllocator for single-thread containers.
package scalemalloc

import (
	"github.com/scalemalloc/scalemalloc/internal/heap"
)

// BinCount is the number of size-class bins of the power-of-two heaps.
const BinCount = heap.BinCount

// Options configure the ScalableMalloc façade. The zero value is not
// usable; start from DefaultOptions.
type Options struct {
	// ArenaInitialSize is the initial virtual-memory reservation.
	ArenaInitialSize uintptr

	// CentralLogicalPageCounts and LocalLogicalPageCounts set the
	// starting page count per bin for the two tiers.
	CentralLogicalPageCounts [BinCount]uintptr
	LocalLogicalPageCounts   [BinCount]uintptr

	// PageRecyclingThreshold is the page count a segment must exceed
	// before an empty page is returned to the OS.
	PageRecyclingThreshold uintptr

	// LocalHeapsCanGrow disables local segment growth when false; local
	// exhaustion then falls through to the central heap.
	LocalHeapsCanGrow bool

	// GrowCoefficient multiplies a segment's page count when it grows.
	GrowCoefficient float64

	// DeallocationQueuesProcessingThreshold is the pending-deallocation
	// count that diverts an allocation through queue drainage.
	DeallocationQueuesProcessingThreshold uint64

	// RecyclableDeallocationQueueSizes and
	// NonRecyclableDeallocationQueueSizes are per-bin queue budgets in
	// bytes; slot capacity is the budget divided by eight.
	RecyclableDeallocationQueueSizes    [BinCount]uintptr
	NonRecyclableDeallocationQueueSizes [BinCount]uintptr

	// UseHugePages switches every bin's logical page size to the
	// platform huge-page size.
	UseHugePages bool

	// NumaNode binds the arena to one NUMA node; -1 leaves it unbound.
	NumaNode int

	// ThreadLocalCachedHeapCount local heaps are pre-constructed; zero
	// selects the physical core count.
	ThreadLocalCachedHeapCount uintptr

	// NonSmallAndAlignedObjectsMapSize is the byte budget of the
	// bookkeeping map for large, medium and aligned allocations.
	NonSmallAndAlignedObjectsMapSize uintptr

	// FastShutdown skips teardown at process end and leaves reclamation
	// to the OS.
	FastShutdown bool
}

// DefaultOptions returns the stock configuration: a 2 GiB arena, the
// standard per-bin page counts, 64 KiB deallocation queues per bin, and
// fast shutdown.
func DefaultOptions() Options {
	opts := Options{
		ArenaInitialSize:                      2147483648,
		PageRecyclingThreshold:                10,
		LocalHeapsCanGrow:                     true,
		GrowCoefficient:                       2.0,
		DeallocationQueuesProcessingThreshold: 409600,
		NumaNode:                              -1,
		NonSmallAndAlignedObjectsMapSize:      655360,
		FastShutdown:                          true,
	}

	stockPageCounts := [BinCount]uintptr{1, 1, 1, 1, 1, 1, 1, 2, 4, 8, 16, 32, 8, 16, 32}
	opts.CentralLogicalPageCounts = stockPageCounts
	opts.LocalLogicalPageCounts = stockPageCounts

	for i := 0; i < BinCount; i++ {
		opts.RecyclableDeallocationQueueSizes[i] = 65536
		opts.NonRecyclableDeallocationQueueSizes[i] = 65536
	}

	return opts
}

// Option mutates Options, in the functional style.
type Option func(*Options)

// WithArenaInitialSize sets the initial virtual-memory reservation.
func WithArenaInitialSize(size uintptr) Option {
	return func(o *Options) { o.ArenaInitialSize = size }
}

// WithPageRecyclingThreshold sets the minimum page count a segment keeps
// before returning empty pages.
func WithPageRecyclingThreshold(threshold uintptr) Option {
	return func(o *Options) { o.PageRecyclingThreshold = threshold }
}

// WithGrowCoefficient sets the segment growth multiplier.
func WithGrowCoefficient(c float64) Option {
	return func(o *Options) { o.GrowCoefficient = c }
}

// WithLocalHeapGrowth enables or disables local segment growth.
func WithLocalHeapGrowth(enabled bool) Option {
	return func(o *Options) { o.LocalHeapsCanGrow = enabled }
}

// WithDeallocationQueuesProcessingThreshold sets the drain trigger.
func WithDeallocationQueuesProcessingThreshold(threshold uint64) Option {
	return func(o *Options) { o.DeallocationQueuesProcessingThreshold = threshold }
}

// WithHugePages switches the logical page sizes to huge pages.
func WithHugePages(enabled bool) Option {
	return func(o *Options) { o.UseHugePages = enabled }
}

// WithNumaNode binds the arena to a NUMA node.
func WithNumaNode(node int) Option {
	return func(o *Options) { o.NumaNode = node }
}

// WithThreadLocalCachedHeapCount sets the pre-constructed heap count.
func WithThreadLocalCachedHeapCount(count uintptr) Option {
	return func(o *Options) { o.ThreadLocalCachedHeapCount = count }
}

// WithFastShutdown toggles process-end teardown.
func WithFastShutdown(enabled bool) Option {
	return func(o *Options) { o.FastShutdown = enabled }
}

// WithLocalLogicalPageCounts sets the local tier's starting page counts.
func WithLocalLogicalPageCounts(counts [BinCount]uintptr) Option {
	return func(o *Options) { o.LocalLogicalPageCounts = counts }
}

// WithCentralLogicalPageCounts sets the central tier's starting page counts.
func WithCentralLogicalPageCounts(counts [BinCount]uintptr) Option {
	return func(o *Options) { o.CentralLogicalPageCounts = counts }
}
