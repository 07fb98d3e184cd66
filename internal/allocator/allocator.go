// Package allocator implements the two-tier dispatcher: one shared central
// heap, internally locked, and per-thread local heaps reached through
// thread-local storage with no locking on their hot paths. Allocations try
// the local tier first and fall back to the central tier; a departing
// thread's still-live pages are transferred to the central tier so its
// outstanding allocations survive it.
package allocator

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/heap"
	"github.com/scalemalloc/scalemalloc/internal/spinlock"
	"github.com/scalemalloc/scalemalloc/internal/tls"
	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// DefaultMetadataBufferSize bounds how many local heaps can ever exist:
// the buffer is divided by the per-heap footprint.
const DefaultMetadataBufferSize = 262144

// Config wires a Scalable dispatcher to its heap implementations. The heap
// factories hide whether the tiers are Pow2 or Pool heaps.
type Config struct {
	Arena              arena.Options
	MetadataBufferSize uintptr

	// CachedLocalHeapCount local heaps are constructed up-front so early
	// thread arrivals skip the creation slow path. Zero selects the
	// physical core count.
	CachedLocalHeapCount uintptr

	// FastShutdown (the default for façades) skips all teardown and
	// relies on OS process cleanup, avoiding interactions with
	// still-running threads.
	FastShutdown bool

	// NewCentralHeap and NewLocalHeap build one heap over the shared
	// arena, returning nil on resource exhaustion.
	NewCentralHeap func(a *arena.Arena) heap.Heap
	NewLocalHeap   func(a *arena.Arena) heap.Heap

	// LocalHeapFootprint is the per-local-heap metadata cost used to
	// derive the maximum heap count from MetadataBufferSize.
	LocalHeapFootprint uintptr
}

// Scalable is the dispatcher. One instance serves a whole façade.
type Scalable struct {
	lock spinlock.Lock

	objectsArena arena.Arena
	central      heap.Heap

	locals        []heap.Heap
	maxLocalHeaps uintptr
	activeCount   uintptr
	cachedCount   uintptr
	newLocalHeap  func(a *arena.Arena) heap.Heap
	fastShutdown  bool
	tlsKey        *tls.Key
	uniqueThreads atomic.Uint64

	initialised     atomic.Bool
	shutdownStarted atomic.Bool
}

// Create builds the arena, the central heap, the thread-local-storage key
// with its exit hook, and the pre-cached local heaps.
func (s *Scalable) Create(cfg Config) error {
	if cfg.MetadataBufferSize == 0 {
		cfg.MetadataBufferSize = DefaultMetadataBufferSize
	}

	if !vmem.IsMultipleOfGranularity(cfg.MetadataBufferSize) {
		return fmt.Errorf("allocator: metadata buffer size %d is not a multiple of the OS allocation granularity", cfg.MetadataBufferSize)
	}

	if cfg.NewCentralHeap == nil || cfg.NewLocalHeap == nil || cfg.LocalHeapFootprint == 0 {
		return fmt.Errorf("allocator: heap factories and footprint are required")
	}

	if err := s.objectsArena.Create(cfg.Arena); err != nil {
		return fmt.Errorf("allocator: %w", err)
	}

	s.central = cfg.NewCentralHeap(&s.objectsArena)
	if s.central == nil {
		return fmt.Errorf("allocator: central heap creation failed")
	}

	s.maxLocalHeaps = cfg.MetadataBufferSize / cfg.LocalHeapFootprint
	if s.maxLocalHeaps == 0 {
		return fmt.Errorf("allocator: metadata buffer %d too small for one local heap of footprint %d",
			cfg.MetadataBufferSize, cfg.LocalHeapFootprint)
	}

	s.cachedCount = cfg.CachedLocalHeapCount
	if s.cachedCount == 0 {
		s.cachedCount = uintptr(vmem.PhysicalCoreCount())
	}
	if s.cachedCount > s.maxLocalHeaps {
		s.cachedCount = s.maxLocalHeaps
	}

	s.locals = make([]heap.Heap, s.maxLocalHeaps)
	s.newLocalHeap = cfg.NewLocalHeap
	s.fastShutdown = cfg.FastShutdown

	s.tlsKey = tls.Create(s.threadExitHook)

	for i := uintptr(0); i < s.cachedCount; i++ {
		h := s.newLocalHeap(&s.objectsArena)
		if h == nil {
			return fmt.Errorf("allocator: pre-cached local heap %d creation failed", i)
		}

		s.locals[i] = h
	}

	s.initialised.Store(true)

	return nil
}

// Allocate serves size bytes from the caller's local heap, falling back to
// the central heap when the local tier is missing or exhausted.
func (s *Scalable) Allocate(size uintptr) unsafe.Pointer {
	if local := s.threadLocalHeap(); local != nil {
		if ret := local.Allocate(size); ret != nil {
			return ret
		}
	}

	return s.central.Allocate(size)
}

// Deallocate queues ptr into the caller's local heap; a full or missing
// local queue forwards to the central heap, whose MPMC queues absorb the
// pointer through queue drainage.
func (s *Scalable) Deallocate(ptr unsafe.Pointer, isSmallObject bool) {
	returnedToLocal := false

	if local := s.threadLocalHeap(); local != nil {
		returnedToLocal = local.Deallocate(ptr, isSmallObject)
	}

	if !returnedToLocal {
		s.central.Deallocate(ptr, isSmallObject)
	}
}

// CentralHeap exposes the central tier for page transfer and inspection.
func (s *Scalable) CentralHeap() heap.Heap { return s.central }

// ThreadExit runs the calling goroutine's exit hook: its local heap's
// still-live pages move to the central heap so outstanding allocations
// survive and their later frees route through the central tier. Pointers
// sitting in the departing heap's queues at this moment stay in their
// process-lifetime slabs until process end.
func (s *Scalable) ThreadExit() {
	if s.tlsKey != nil {
		s.tlsKey.RunExitHook()
	}
}

// UniqueThreadCount reports how many distinct threads took the local-heap
// assignment slow path.
func (s *Scalable) UniqueThreadCount() uint64 { return s.uniqueThreads.Load() }

// MaxLocalHeapCount reports the metadata-bounded local heap limit.
func (s *Scalable) MaxLocalHeapCount() uintptr { return s.maxLocalHeaps }

// Destroy tears the dispatcher down when fast shutdown is disabled: every
// created local heap's segments release their empty pages and the storage
// key is retired. With fast shutdown on it is a no-op; OS teardown
// reclaims everything.
func (s *Scalable) Destroy() {
	if s.fastShutdown || !s.initialised.Load() {
		return
	}

	s.shutdownStarted.Store(true)

	created := s.activeCount
	if s.cachedCount > created {
		created = s.cachedCount
	}

	for i := uintptr(0); i < created; i++ {
		if s.locals[i] == nil {
			continue
		}

		for b := 0; b < s.locals[i].SegmentCount(); b++ {
			s.locals[i].Segment(b).Destroy()
		}
	}

	s.tlsKey.Destroy()
	s.objectsArena.Destroy()
}

func (s *Scalable) threadExitHook(arg unsafe.Pointer) {
	if s.fastShutdown {
		return
	}

	if !s.initialised.Load() || s.shutdownStarted.Load() {
		return
	}

	local := *(*heap.Heap)(arg)

	for i := 0; i < s.central.SegmentCount(); i++ {
		s.central.Segment(i).TransferPagesFrom(local.Segment(i).HeadPage())
	}
}

func (s *Scalable) threadLocalHeap() heap.Heap {
	if p := s.tlsKey.Get(); p != nil {
		return *(*heap.Heap)(p)
	}

	// First allocation on this thread; the lock is taken once per thread
	// lifetime to serialize slot assignment.
	s.lock.Lock()

	s.uniqueThreads.Add(1)

	if s.activeCount+1 >= s.maxLocalHeaps {
		// The metadata budget cannot accommodate another thread.
		s.lock.Unlock()
		return nil
	}

	slot := s.activeCount

	if slot >= s.cachedCount {
		h := s.newLocalHeap(&s.objectsArena)
		if h == nil {
			s.lock.Unlock()
			return nil
		}

		s.locals[slot] = h
	}

	s.activeCount++
	s.tlsKey.Set(unsafe.Pointer(&s.locals[slot]))

	s.lock.Unlock()

	return s.locals[slot]
}
