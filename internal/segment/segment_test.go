package segment

import (
	"testing"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/page"
)

const testPageSize = 65536

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()

	a := new(arena.Arena)
	opts := arena.DefaultOptions()
	opts.CacheCapacity = 1 << 23
	opts.PageAlignment = testPageSize

	if err := a.Create(opts); err != nil {
		t.Fatal(err)
	}

	return a
}

func newTestSegment(t *testing.T, tier Tier, a *arena.Arena, params Params) *Segment {
	t.Helper()

	buf := a.AllocateAligned(params.LogicalPageSize*params.LogicalPageCount, params.LogicalPageSize)
	if buf == nil {
		t.Fatal("arena buffer allocation failed")
	}

	s := new(Segment)
	if !s.Create(tier, buf, a, params) {
		t.Fatal("segment Create failed")
	}

	return s
}

func defaultParams() Params {
	return Params{
		SizeClass:          2048,
		LogicalPageSize:    testPageSize,
		LogicalPageCount:   1,
		RecyclingThreshold: 1024,
		GrowCoefficient:    2.0,
		CanGrow:            true,
	}
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	a := newTestArena(t)
	buf := a.Allocate(testPageSize)

	var s Segment

	bad := defaultParams()
	bad.SizeClass = 0
	if s.Create(Local, buf, a, bad) {
		t.Error("accepted zero size class")
	}

	bad = defaultParams()
	bad.LogicalPageCount = 0
	if s.Create(Local, buf, a, bad) {
		t.Error("accepted zero page count")
	}

	if s.Create(Local, nil, a, defaultParams()) {
		t.Error("accepted nil buffer")
	}

	misaligned := unsafe.Pointer(uintptr(buf) + 8)
	if s.Create(Local, misaligned, a, defaultParams()) {
		t.Error("accepted misaligned buffer")
	}
}

func TestSegmentIDSpaces(t *testing.T) {
	a := newTestArena(t)

	local := newTestSegment(t, Local, a, defaultParams())
	central := newTestSegment(t, Central, a, defaultParams())

	if local.ID() >= 32768 {
		t.Fatalf("local id %d landed in the central id space", local.ID())
	}
	if central.ID() < 32768 {
		t.Fatalf("central id %d landed in the local id space", central.ID())
	}
	if local.ID() == central.ID() {
		t.Fatal("tiers produced a duplicate id")
	}
}

func TestAllocateStampsPagesWithSegmentID(t *testing.T) {
	a := newTestArena(t)
	s := newTestSegment(t, Local, a, defaultParams())

	p := s.Allocate(2048)
	if p == nil {
		t.Fatal("Allocate failed")
	}

	if !s.OwnsPointer(p) {
		t.Fatal("segment does not own its own allocation")
	}

	pg := page.FromAddress(p, testPageSize)
	if pg.SegmentID() != s.ID() {
		t.Fatalf("page id %d, segment id %d", pg.SegmentID(), s.ID())
	}
}

func TestAllocateGrowsWhenExhausted(t *testing.T) {
	a := newTestArena(t)

	params := defaultParams()
	s := newTestSegment(t, Local, a, params)

	perPage := int((params.LogicalPageSize - page.HeaderSize) / uintptr(params.SizeClass))

	for i := 0; i < perPage; i++ {
		if s.Allocate(2048) == nil {
			t.Fatalf("allocation %d failed before exhaustion", i)
		}
	}

	if got := s.LogicalPageCount(); got != 1 {
		t.Fatalf("page count %d before grow", got)
	}

	// One more allocation forces a grow.
	if s.Allocate(2048) == nil {
		t.Fatal("allocation after exhaustion failed")
	}
	if got := s.LogicalPageCount(); got < 2 {
		t.Fatalf("page count %d after grow, want >= 2", got)
	}
}

func TestAllocateFailsWhenGrowthDisallowed(t *testing.T) {
	a := newTestArena(t)

	params := defaultParams()
	params.CanGrow = false
	s := newTestSegment(t, Local, a, params)

	perPage := int((params.LogicalPageSize - page.HeaderSize) / uintptr(params.SizeClass))

	for i := 0; i < perPage; i++ {
		if s.Allocate(2048) == nil {
			t.Fatalf("allocation %d failed prematurely", i)
		}
	}

	if s.Allocate(2048) != nil {
		t.Fatal("exhausted non-growing segment still allocated")
	}
}

func TestRecyclingReturnsPageCountToThreshold(t *testing.T) {
	a := newTestArena(t)

	params := defaultParams()
	params.RecyclingThreshold = 1
	s := newTestSegment(t, Local, a, params)

	perPage := int((params.LogicalPageSize - page.HeaderSize) / uintptr(params.SizeClass))

	ptrs := make([]unsafe.Pointer, 0, perPage+1)
	for i := 0; i <= perPage; i++ { // one past capacity forces the grow
		p := s.Allocate(2048)
		if p == nil {
			t.Fatalf("allocation %d failed", i)
		}
		ptrs = append(ptrs, p)
	}

	grown := s.LogicalPageCount()
	if grown < 2 {
		t.Fatalf("segment did not grow, page count %d", grown)
	}

	for _, p := range ptrs {
		s.Deallocate(p)
	}

	if got := s.LogicalPageCount(); got != params.RecyclingThreshold {
		t.Fatalf("page count %d after recycling, want %d", got, params.RecyclingThreshold)
	}

	// The survivor must still serve allocations.
	if s.Allocate(2048) == nil {
		t.Fatal("segment unusable after recycling")
	}
}

func TestNextFitReusesFreedSlots(t *testing.T) {
	a := newTestArena(t)
	s := newTestSegment(t, Local, a, defaultParams())

	p1 := s.Allocate(2048)
	p2 := s.Allocate(2048)
	if p1 == nil || p2 == nil {
		t.Fatal("allocations failed")
	}

	s.Deallocate(p2)

	if p3 := s.Allocate(2048); p3 != p2 {
		t.Fatalf("expected freed slot %p, got %p", p2, p3)
	}
}

func TestTransferPagesFrom(t *testing.T) {
	a := newTestArena(t)

	src := newTestSegment(t, Local, a, defaultParams())
	dst := newTestSegment(t, Central, a, defaultParams())

	// Grow the source to three pages so the transfer walks a real chain.
	params := defaultParams()
	perPage := int((params.LogicalPageSize - page.HeaderSize) / uintptr(params.SizeClass))

	var keep unsafe.Pointer
	for i := 0; i < perPage*2+1; i++ {
		p := src.Allocate(2048)
		if p == nil {
			t.Fatalf("allocation %d failed", i)
		}
		if i == 0 {
			keep = p
		}
	}

	srcID := src.ID()
	srcPages := src.LogicalPageCount()
	dstPages := dst.LogicalPageCount()

	dst.TransferPagesFrom(src.HeadPage())

	if got := dst.LogicalPageCount(); got != dstPages+srcPages {
		t.Fatalf("destination page count %d, want %d", got, dstPages+srcPages)
	}

	// Transferred pages keep their original segment id.
	pg := page.FromAddress(keep, testPageSize)
	if pg.SegmentID() != srcID {
		t.Fatalf("transferred page id %d, want %d", pg.SegmentID(), srcID)
	}

	// Every transferred page must be reachable by a forward walk of the
	// destination chain, including the last one.
	count := uintptr(0)
	for iter := dst.HeadPage(); iter != nil; iter = iter.NextPage() {
		count++
	}
	if count != dstPages+srcPages {
		t.Fatalf("chain walk found %d pages, want %d", count, dstPages+srcPages)
	}
}

func TestDeallocateOnEmptySegmentIsNoOp(t *testing.T) {
	var s Segment

	// Never created; head is nil, Deallocate must not crash.
	s.Deallocate(unsafe.Pointer(uintptr(0x10000)))
}
