package heap

import (
	"testing"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/page"
	"github.com/scalemalloc/scalemalloc/internal/segment"
)

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()

	a := new(arena.Arena)
	opts := arena.DefaultOptions()
	opts.CacheCapacity = 1 << 26 // 64 MiB

	if err := a.Create(opts); err != nil {
		t.Fatal(err)
	}

	return a
}

func smallTestParams() Pow2Params {
	p := DefaultPow2Params()
	p.PageCounts = [BinCount]uintptr{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	return p
}

func newTestPow2(t *testing.T, tier segment.Tier) *Pow2 {
	t.Helper()

	h := new(Pow2)

	factory := LocalQueues
	if tier == segment.Central {
		factory = CentralQueues
	}

	if !h.Create(smallTestParams(), newTestArena(t), tier, factory) {
		t.Fatal("Pow2 Create failed")
	}

	return h
}

func TestRoundUpPow2(t *testing.T) {
	cases := map[uintptr]uintptr{
		16:     16,
		17:     32,
		31:     32,
		32:     32,
		1000:   1024,
		4096:   4096,
		4097:   8192,
		262144: 262144,
	}

	for in, want := range cases {
		if got := roundUpPow2(in); got != want {
			t.Errorf("roundUpPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestBinIndexForSize(t *testing.T) {
	cases := map[uintptr]int{
		16:      0,
		32:      1,
		2048:    7,
		32768:   11,
		65536:   12,
		262144:  14,
		1 << 20: 14, // clamped
	}

	for in, want := range cases {
		if got := binIndexForSize(in); got != want {
			t.Errorf("binIndexForSize(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPow2AllocateServesSizeClasses(t *testing.T) {
	h := newTestPow2(t, segment.Local)

	for _, n := range []uintptr{1, 15, 16, 17, 63, 64, 65, 4095, 4096, 4097, 32768, 65536, 262144} {
		p := h.Allocate(n)
		if p == nil {
			t.Fatalf("Allocate(%d) failed", n)
		}

		if uintptr(p)%16 != 0 {
			t.Fatalf("Allocate(%d) = %p, not 16-byte aligned", n, p)
		}

		// The page header must carry the rounded size class.
		want := roundUpPow2(n)
		if n < MinSizeClass {
			want = MinSizeClass
		}

		pageSize := uintptr(DefaultSmallPageSize)
		if want > MaxSmallObjectSize {
			pageSize = DefaultMediumPageSize
		}

		if got := page.SizeClassFromAddress(p, pageSize); uintptr(got) != want {
			t.Fatalf("Allocate(%d) landed on size class %d, want %d", n, got, want)
		}
	}
}

func TestPow2RoundTripPayload(t *testing.T) {
	h := newTestPow2(t, segment.Local)

	const n = 4096

	p := h.Allocate(n)
	if p == nil {
		t.Fatal("Allocate failed")
	}

	b := (*[n]byte)(p)
	for i := range b {
		b[i] = byte(i % 255)
	}
	for i := range b {
		if b[i] != byte(i%255) {
			t.Fatalf("corruption at %d", i)
		}
	}

	if !h.Deallocate(p, true) {
		t.Fatal("Deallocate failed")
	}
}

func TestPow2DeallocateRoutesByProvenance(t *testing.T) {
	own := newTestPow2(t, segment.Local)
	foreign := newTestPow2(t, segment.Local)

	p := own.Allocate(64)
	if p == nil {
		t.Fatal("Allocate failed")
	}

	// Same-heap free: the pointer re-enters through this heap's queues.
	if !own.Deallocate(p, true) {
		t.Fatal("same-heap Deallocate failed")
	}
	if q := own.Allocate(64); q != p {
		t.Fatalf("queued pointer not reissued: got %p, want %p", q, p)
	}

	// Cross-heap free: the pointer lands in the foreign heap's
	// non-recyclable queue and is reissued from there as-is.
	if !foreign.Deallocate(p, true) {
		t.Fatal("cross-heap Deallocate failed")
	}
	if q := foreign.Allocate(64); q != p {
		t.Fatalf("non-recyclable pointer not reissued: got %p, want %p", q, p)
	}
}

func TestPow2DrainThresholdRecyclesPages(t *testing.T) {
	params := smallTestParams()
	params.RecyclingThreshold = 1
	params.QueueProcessingThreshold = 8

	h := new(Pow2)
	if !h.Create(params, newTestArena(t), segment.Local, LocalQueues) {
		t.Fatal("Create failed")
	}

	const sizeClass = 2048
	binIndex := binIndexForSize(sizeClass)
	perPage := int((uintptr(DefaultSmallPageSize) - page.HeaderSize) / sizeClass)

	// Fill past one page so the segment grows.
	ptrs := make([]unsafe.Pointer, 0, perPage+1)
	for i := 0; i <= perPage; i++ {
		p := h.Allocate(sizeClass)
		if p == nil {
			t.Fatalf("allocation %d failed", i)
		}
		ptrs = append(ptrs, p)
	}

	if h.BinPageCount(binIndex) < 2 {
		t.Fatalf("segment did not grow: %d pages", h.BinPageCount(binIndex))
	}

	for _, p := range ptrs {
		if !h.Deallocate(p, true) {
			t.Fatal("Deallocate failed")
		}
	}

	// Keep allocating and freeing one slot so the drain path runs; each
	// drain keeps the first popped pointer as its result and pushes the
	// other queued pointers back into the segment.
	for i := 0; i < 64; i++ {
		p := h.Allocate(sizeClass)
		if p == nil {
			t.Fatal("drain-phase allocation failed")
		}
		if !h.Deallocate(p, true) {
			t.Fatal("drain-phase Deallocate failed")
		}
	}

	if got := h.BinPageCount(binIndex); got != 1 {
		t.Fatalf("bin page count %d after drainage, want 1", got)
	}
}

func TestPow2QueueFullForwardsToCaller(t *testing.T) {
	params := smallTestParams()
	params.RecyclableQueueSizes = [BinCount]uintptr{}
	params.NonRecyclableQueueSizes = [BinCount]uintptr{}
	for i := range params.RecyclableQueueSizes {
		params.RecyclableQueueSizes[i] = 16 // two slots
		params.NonRecyclableQueueSizes[i] = 16
	}
	params.QueueProcessingThreshold = 1 << 60 // never drain

	h := new(Pow2)
	if !h.Create(params, newTestArena(t), segment.Local, LocalQueues) {
		t.Fatal("Create failed")
	}

	ptrs := make([]unsafe.Pointer, 4)
	for i := range ptrs {
		ptrs[i] = h.Allocate(64)
		if ptrs[i] == nil {
			t.Fatal("Allocate failed")
		}
	}

	pushed := 0
	for _, p := range ptrs {
		if h.Deallocate(p, true) {
			pushed++
		}
	}

	// Two slots per queue: exactly two same-segment frees fit, the rest
	// must report failure so the dispatcher forwards them.
	if pushed != 2 {
		t.Fatalf("queue accepted %d pointers, want 2", pushed)
	}
}

func TestCentralPow2ConcurrentUse(t *testing.T) {
	h := newTestPow2(t, segment.Central)

	done := make(chan bool, 4)

	for w := 0; w < 4; w++ {
		go func() {
			ok := true

			for i := 0; i < 5000; i++ {
				p := h.Allocate(128)
				if p == nil {
					ok = false
					break
				}

				*(*uint64)(p) = uint64(i)
				h.Deallocate(p, true)
			}

			done <- ok
		}()
	}

	for w := 0; w < 4; w++ {
		if !<-done {
			t.Fatal("central heap allocation failed under concurrency")
		}
	}
}

func TestPoolCreateAdjustsGeometry(t *testing.T) {
	params := DefaultPoolParams()
	params.SizeClass = 4 // below the freelist minimum
	params.InitialSize = 4 * DefaultSmallPageSize

	h := new(Pool)
	if !h.Create(params, newTestArena(t), segment.Local, LocalQueues) {
		t.Fatal("Create failed")
	}

	p := h.Allocate(0)
	if p == nil {
		t.Fatal("Allocate failed")
	}

	if got := page.SizeClassFromAddress(p, DefaultSmallPageSize); got != 8 {
		t.Fatalf("size class %d, want forced minimum 8", got)
	}
}

func TestPoolPageSizeDoublesForHugeSlots(t *testing.T) {
	params := DefaultPoolParams()
	params.SizeClass = DefaultSmallPageSize // cannot fit after the header
	params.InitialSize = 8 * DefaultSmallPageSize

	h := new(Pool)
	if !h.Create(params, newTestArena(t), segment.Local, LocalQueues) {
		t.Fatal("Create failed")
	}

	p := h.Allocate(0)
	if p == nil {
		t.Fatal("Allocate failed")
	}

	// The slot lives on a doubled page.
	if got := page.SizeClassFromAddress(p, 2*DefaultSmallPageSize); got != DefaultSmallPageSize {
		t.Fatalf("size class %d, want %d", got, DefaultSmallPageSize)
	}
}

func TestPoolRoundTrip(t *testing.T) {
	params := DefaultPoolParams()
	params.SizeClass = 96
	params.InitialSize = 2 * DefaultSmallPageSize

	h := new(Pool)
	if !h.Create(params, newTestArena(t), segment.Local, LocalQueues) {
		t.Fatal("Create failed")
	}

	seen := make(map[uintptr]bool)

	for i := 0; i < 100; i++ {
		p := h.Allocate(0)
		if p == nil {
			t.Fatalf("Allocate %d failed", i)
		}
		if seen[uintptr(p)] {
			t.Fatalf("slot %p issued twice", p)
		}
		seen[uintptr(p)] = true
	}

	for p := range seen {
		if !h.Deallocate(unsafe.Pointer(p), true) {
			t.Fatal("Deallocate failed")
		}
	}

	// Queued slots are reissued.
	p := h.Allocate(0)
	if p == nil {
		t.Fatal("Allocate after refill failed")
	}
	if !seen[uintptr(p)] {
		t.Fatal("expected a reissued slot")
	}
}

func TestHeapInterfaces(t *testing.T) {
	var _ Heap = &Pow2{}
	var _ Heap = &Pool{}
}
