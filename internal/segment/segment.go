// Package segment maintains an ordered chain of logical pages of one size
// class. It grows by requesting page-aligned ranges from the arena, searches
// next-fit across its pages, and returns empty pages to the arena once the
// chain is larger than the recycling threshold.
package segment

import (
	"sync/atomic"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/page"
	"github.com/scalemalloc/scalemalloc/internal/spinlock"
)

// Tier selects the lock policy and the segment-id space. Local segments are
// single-consumer and take no lock; central segments are shared and
// serialize allocate, deallocate and transfer with a spinlock.
type Tier int

const (
	Local Tier = iota
	Central
)

// centralIDOffset keeps central-tier ids disjoint from local-tier ids, so a
// page header alone identifies both its segment and the owning tier.
const centralIDOffset = 32768

var (
	localIDCounter   atomic.Uint32
	centralIDCounter atomic.Uint32
)

func nextSegmentID(tier Tier) uint16 {
	if tier == Central {
		return uint16(centralIDCounter.Add(1)) + centralIDOffset
	}

	return uint16(localIDCounter.Add(1))
}

// Params are the creation parameters of a segment.
type Params struct {
	SizeClass          uint32
	LogicalPageSize    uintptr
	LogicalPageCount   uintptr
	RecyclingThreshold uintptr
	GrowCoefficient    float64 // 0 grows by exactly the required amount
	CanGrow            bool
}

// Segment owns a doubly linked chain of logical pages of one size class.
type Segment struct {
	lock spinlock.Locker

	params    Params
	id        uint16
	pageCount uintptr

	head     *page.LogicalPage
	tail     *page.LogicalPage
	lastUsed *page.LogicalPage

	arena *arena.Arena
}

// Create threads params.LogicalPageCount pages over externalBuffer, which
// must be aligned to params.LogicalPageSize, and stamps every page with the
// segment's freshly assigned id.
func (s *Segment) Create(tier Tier, externalBuffer unsafe.Pointer, a *arena.Arena, params Params) bool {
	if params.SizeClass == 0 || params.LogicalPageSize == 0 ||
		params.LogicalPageCount == 0 || params.LogicalPageSize <= page.HeaderSize ||
		externalBuffer == nil || a == nil {
		return false
	}

	if uintptr(externalBuffer)&(params.LogicalPageSize-1) != 0 {
		return false
	}

	s.id = nextSegmentID(tier)

	if tier == Central {
		s.lock = &spinlock.Lock{}
	} else {
		s.lock = spinlock.NoOp{}
	}

	s.params = params
	s.arena = a

	return s.grow(uintptr(externalBuffer), params.LogicalPageCount) != nil
}

// ID returns the segment's process-unique identifier.
func (s *Segment) ID() uint16 { return s.id }

// LogicalPageCount returns the current page count of the chain.
func (s *Segment) LogicalPageCount() uintptr { return s.pageCount }

// HeadPage returns the first page of the chain, for transfer at thread exit.
func (s *Segment) HeadPage() *page.LogicalPage { return s.head }

// Allocate serves one slot using a next-fit walk: resume at the last page
// that satisfied an allocation, wrap around through the head, and grow as a
// last resort.
func (s *Segment) Allocate(size uintptr) unsafe.Pointer {
	s.lock.Lock()

	iter := s.lastUsed
	if iter == nil {
		iter = s.head
	}

	for iter != nil {
		if ret := iter.Allocate(size); ret != nil {
			s.lastUsed = iter
			s.lock.Unlock()
			return ret
		}

		iter = iter.NextPage()
	}

	ret := s.allocateFromStart(size)
	s.lock.Unlock()

	return ret
}

// Deallocate returns ptr to its owning page. A page whose used size drops
// to zero is marked unused and recycled back to the arena once the chain
// exceeds the recycling threshold.
func (s *Segment) Deallocate(ptr unsafe.Pointer) {
	if s.head == nil {
		return
	}

	affected := page.FromAddress(ptr, s.params.LogicalPageSize)
	assertOwnership(s, affected, ptr)

	s.lock.Lock()

	affected.Deallocate(ptr)

	if affected.UsedSize() == 0 {
		affected.MarkUnused()

		if s.pageCount > s.params.RecyclingThreshold {
			s.recycle(affected)
		}
	}

	s.lock.Unlock()
}

// OwnsPointer reports whether ptr's page header carries this segment's id.
func (s *Segment) OwnsPointer(ptr unsafe.Pointer) bool {
	return page.FromAddress(ptr, s.params.LogicalPageSize).SegmentID() == s.id
}

// TransferPagesFrom appends every page of the source chain to this
// segment's tail. Page ids are preserved: the pages keep identifying their
// original segment so cross-segment frees still route through the
// non-recyclable queues.
func (s *Segment) TransferPagesFrom(head *page.LogicalPage) {
	s.lock.Lock()

	iter := head
	for iter != nil {
		next := iter.NextPage()
		s.appendPage(iter)
		iter = next
	}

	s.lock.Unlock()
}

// Destroy releases every empty page of the chain back to the arena. Pages
// still holding live slots are left mapped for their callers.
func (s *Segment) Destroy() {
	iter := s.head

	for iter != nil {
		next := iter.NextPage()

		if iter.UsedSize() == 0 {
			s.arena.ReleaseToSystem(unsafe.Pointer(iter), s.params.LogicalPageSize)
		}

		iter = next
	}

	s.head = nil
	s.tail = nil
	s.lastUsed = nil
	s.pageCount = 0
}

// allocateFromStart covers the chain prefix the next-fit walk skipped, then
// falls back to growing.
func (s *Segment) allocateFromStart(size uintptr) unsafe.Pointer {
	if s.lastUsed != nil {
		for iter := s.head; iter != s.lastUsed; iter = iter.NextPage() {
			if ret := iter.Allocate(size); ret != nil {
				s.lastUsed = iter
				return ret
			}
		}
	}

	return s.allocateByGrowing(size)
}

// allocateByGrowing asks the arena for more pages: the grow coefficient
// applied to the current count, lowered to the minimum required amount when
// the arena cannot satisfy the larger request.
func (s *Segment) allocateByGrowing(size uintptr) unsafe.Pointer {
	if !s.params.CanGrow {
		return nil
	}

	desired, minimum := s.calculateQuantities(size)

	buffer := s.arena.AllocateAligned(s.params.LogicalPageSize*desired, s.params.LogicalPageSize)

	if buffer == nil && desired > minimum {
		desired = minimum
		buffer = s.arena.AllocateAligned(s.params.LogicalPageSize*desired, s.params.LogicalPageSize)
	}

	if buffer == nil {
		return nil
	}

	firstNew := s.grow(uintptr(buffer), desired)
	if firstNew == nil {
		return nil
	}

	if ret := firstNew.Allocate(size); ret != nil {
		s.lastUsed = firstNew
		return ret
	}

	return nil
}

func (s *Segment) calculateQuantities(size uintptr) (desired, minimum uintptr) {
	objectCount := size / uintptr(s.params.SizeClass)
	if objectCount == 0 {
		objectCount = 1
	}

	perPage := (s.params.LogicalPageSize - page.HeaderSize) / uintptr(s.params.SizeClass)
	minimum = (objectCount + perPage - 1) / perPage
	if minimum == 0 {
		minimum = 1
	}

	if s.params.GrowCoefficient > 0 {
		desired = uintptr(float64(s.pageCount) * s.params.GrowCoefficient)
		if desired < minimum {
			desired = minimum
		}
	} else {
		desired = minimum
	}

	return desired, minimum
}

// grow threads pageCount logical pages over buffer and links them onto the
// tail. buffer must be aligned to the logical page size.
func (s *Segment) grow(buffer uintptr, pageCount uintptr) *page.LogicalPage {
	var firstNew *page.LogicalPage

	previous := s.tail

	for i := uintptr(0); i < pageCount; i++ {
		pageStart := buffer + i*s.params.LogicalPageSize

		pg := page.Place(unsafe.Pointer(pageStart))
		body := unsafe.Pointer(pageStart + page.HeaderSize)

		if !pg.Create(body, s.params.LogicalPageSize-page.HeaderSize, s.params.SizeClass) {
			s.arena.ReleaseToSystem(unsafe.Pointer(pageStart), s.params.LogicalPageSize)
			return nil
		}

		pg.MarkUsed()
		pg.SetSegmentID(s.id)
		s.pageCount++

		if firstNew == nil {
			firstNew = pg
		}

		if previous == nil {
			s.head = pg
		} else {
			previous.SetNextPage(pg)
			pg.SetPrevPage(previous)
		}

		previous = pg
	}

	s.tail = previous

	return firstNew
}

func (s *Segment) recycle(affected *page.LogicalPage) {
	s.removePage(affected)
	s.arena.ReleaseToSystem(unsafe.Pointer(affected), s.params.LogicalPageSize)
}

func (s *Segment) removePage(affected *page.LogicalPage) {
	next := affected.NextPage()
	previous := affected.PrevPage()

	if affected == s.lastUsed {
		switch {
		case previous != nil:
			s.lastUsed = previous
		case next != nil:
			s.lastUsed = next
		default:
			s.lastUsed = nil
		}
	}

	if previous == nil {
		s.head = next
		if s.head != nil {
			s.head.SetPrevPage(nil)
		}
		if s.head == nil || s.head.NextPage() == nil {
			s.tail = s.head
		}
	} else {
		previous.SetNextPage(next)
		if s.tail == affected {
			s.tail = previous
		}
	}

	if next != nil {
		next.SetPrevPage(previous)
	}

	s.pageCount--
}

func (s *Segment) appendPage(pg *page.LogicalPage) {
	if s.tail != nil {
		s.tail.SetNextPage(pg)
		pg.SetPrevPage(s.tail)
	} else {
		s.head = pg
		pg.SetPrevPage(nil)
	}

	pg.SetNextPage(nil)
	s.tail = pg
	s.pageCount++
}
