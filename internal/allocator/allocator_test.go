package allocator

import (
	"sync"
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/heap"
	"github.com/scalemalloc/scalemalloc/internal/segment"
)

func testHeapParams() heap.Pow2Params {
	p := heap.DefaultPow2Params()
	p.PageCounts = [heap.BinCount]uintptr{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	return p
}

func testConfig(fastShutdown bool) Config {
	arenaOpts := arena.DefaultOptions()
	arenaOpts.CacheCapacity = 1 << 26

	params := testHeapParams()

	return Config{
		Arena:                arenaOpts,
		CachedLocalHeapCount: 2,
		FastShutdown:         fastShutdown,
		NewCentralHeap: func(a *arena.Arena) heap.Heap {
			h := new(heap.Pow2)
			if !h.Create(params, a, segment.Central, heap.CentralQueues) {
				return nil
			}
			return h
		},
		NewLocalHeap: func(a *arena.Arena) heap.Heap {
			h := new(heap.Pow2)
			if !h.Create(params, a, segment.Local, heap.LocalQueues) {
				return nil
			}
			return h
		},
		LocalHeapFootprint: unsafe.Sizeof(heap.Pow2{}),
	}
}

func newTestDispatcher(t *testing.T, fastShutdown bool) *Scalable {
	t.Helper()

	s := new(Scalable)
	if err := s.Create(testConfig(fastShutdown)); err != nil {
		t.Fatal(err)
	}

	return s
}

func TestCreateRejectsBadMetadataSize(t *testing.T) {
	cfg := testConfig(true)
	cfg.MetadataBufferSize = 1000 // not page-granular

	s := new(Scalable)
	if err := s.Create(cfg); err == nil {
		t.Fatal("Create accepted a non-granular metadata buffer size")
	}
}

func TestAllocateDeallocateSingleThread(t *testing.T) {
	s := newTestDispatcher(t, true)

	p := s.Allocate(128)
	if p == nil {
		t.Fatal("Allocate failed")
	}
	if uintptr(p)%16 != 0 {
		t.Fatalf("pointer %p not 16-byte aligned", p)
	}

	b := (*[128]byte)(p)
	for i := range b {
		b[i] = 0xAB
	}
	for i := range b {
		if b[i] != 0xAB {
			t.Fatalf("corruption at %d", i)
		}
	}

	s.Deallocate(p, true)

	// The freed slot is reissued through the local queues.
	if q := s.Allocate(128); q != p {
		t.Fatalf("expected reissued pointer %p, got %p", p, q)
	}
}

func TestEachThreadGetsOwnHeap(t *testing.T) {
	s := newTestDispatcher(t, true)

	const workers = 4

	var g errgroup.Group

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < 1000; i++ {
				p := s.Allocate(64)
				if p == nil {
					return errTestAllocation
				}
				s.Deallocate(p, true)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := s.UniqueThreadCount(); got != workers {
		t.Fatalf("unique thread count %d, want %d", got, workers)
	}
}

var errTestAllocation = &allocationError{}

type allocationError struct{}

func (*allocationError) Error() string { return "allocation failed" }

func TestCrossThreadFree(t *testing.T) {
	s := newTestDispatcher(t, true)

	const count = 1024

	handoff := make(chan unsafe.Pointer, count)

	var g errgroup.Group

	g.Go(func() error {
		for i := 0; i < count; i++ {
			p := s.Allocate(64)
			if p == nil {
				return errTestAllocation
			}
			*(*uint64)(p) = uint64(i)
			handoff <- p
		}
		close(handoff)
		return nil
	})

	g.Go(func() error {
		for p := range handoff {
			s.Deallocate(p, true)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Allocation keeps working on a fresh goroutine after the pointers were
	// freed on another thread.
	var done sync.WaitGroup
	done.Add(1)
	go func() {
		defer done.Done()
		for i := 0; i < count; i++ {
			p := s.Allocate(64)
			if p == nil {
				t.Error("post-handoff allocation failed")
				return
			}
			if uintptr(p)%16 != 0 {
				t.Errorf("pointer %p not aligned", p)
				return
			}
		}
	}()
	done.Wait()
}

func TestLocalExhaustionFallsBackToCentral(t *testing.T) {
	cfg := testConfig(true)

	// Local heaps that cannot grow exhaust quickly; the central heap,
	// which always may grow, absorbs the overflow.
	localParams := testHeapParams()
	localParams.SegmentsCanGrow = false
	cfg.NewLocalHeap = func(a *arena.Arena) heap.Heap {
		h := new(heap.Pow2)
		if !h.Create(localParams, a, segment.Local, heap.LocalQueues) {
			return nil
		}
		return h
	}

	s := new(Scalable)
	if err := s.Create(cfg); err != nil {
		t.Fatal(err)
	}

	// A single 64 KiB page of 32 KiB objects holds one slot; the second
	// allocation must come from the central tier.
	seen := 0
	for i := 0; i < 8; i++ {
		if p := s.Allocate(32768); p != nil {
			seen++
		}
	}

	if seen != 8 {
		t.Fatalf("only %d of 8 allocations succeeded after local exhaustion", seen)
	}
}

func TestThreadExitTransfersPages(t *testing.T) {
	s := newTestDispatcher(t, false) // transfer runs only without fast shutdown

	const sizeClass = 2048
	binIndex := 7 // log2(2048) - 4

	centralBefore := s.CentralHeap().Segment(binIndex).LogicalPageCount()

	var localPages uintptr

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		// Allocate without freeing, then exit.
		for i := 0; i < 4; i++ {
			if s.Allocate(sizeClass) == nil {
				t.Error("allocation failed")
				return
			}
		}

		local := s.threadLocalHeap()
		localPages = local.Segment(binIndex).LogicalPageCount()

		s.ThreadExit()
	}()
	wg.Wait()

	if localPages == 0 {
		t.Fatal("local heap had no pages to transfer")
	}

	centralAfter := s.CentralHeap().Segment(binIndex).LogicalPageCount()
	if centralAfter != centralBefore+localPages {
		t.Fatalf("central bin page count %d, want %d", centralAfter, centralBefore+localPages)
	}
}

func TestThreadExitWithFastShutdownKeepsPagesLocal(t *testing.T) {
	s := newTestDispatcher(t, true)

	binIndex := 7
	centralBefore := s.CentralHeap().Segment(binIndex).LogicalPageCount()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		if s.Allocate(2048) == nil {
			t.Error("allocation failed")
			return
		}

		s.ThreadExit()
	}()
	wg.Wait()

	if got := s.CentralHeap().Segment(binIndex).LogicalPageCount(); got != centralBefore {
		t.Fatalf("fast shutdown still transferred pages: %d -> %d", centralBefore, got)
	}
}

func TestDestroyWithoutFastShutdown(t *testing.T) {
	s := newTestDispatcher(t, false)

	p := s.Allocate(256)
	if p == nil {
		t.Fatal("Allocate failed")
	}
	s.Deallocate(p, true)

	s.Destroy()
}
