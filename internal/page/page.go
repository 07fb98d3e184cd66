// Package page implements the logical page: a page-aligned region whose
// first 64 bytes form a POD header and whose body is carved into fixed-size
// slots tracked by an intrusive LIFO freelist. Because page start addresses
// are aligned to the logical page size, the header is recoverable from any
// interior pointer by masking off the low bits, the same O(1) lookup
// cznic-memory performs with its page mask.
package page

import (
	"unsafe"
)

// Flags stored in the header flag word.
const (
	FlagUsed uint16 = 0x0001
)

// Header is the POD page header embedded in-place at the start of every
// logical page. Field order packs it to exactly one cache line; the page
// lookup depends on the 64-byte size, never on individual offsets.
type Header struct {
	Head         uint64 // freelist top, 0 when the page is full
	Next         uint64 // forward link of the owning segment's chain
	Prev         uint64 // backward link
	UsedSize     uint64
	StartAddress uint64 // first slot byte
	Length       uint64 // slot-region length
	LastUsedNode uint64
	SizeClass    uint32
	Flags        uint16
	SegmentID    uint16
}

// HeaderSize is the in-place header footprint.
const HeaderSize = unsafe.Sizeof(Header{})

// Compile-time guarantees: the header occupies exactly 64 bytes so that a
// logical page loses one cache line and the mask lookup lands on it.
var (
	_ [64 - HeaderSize]byte
	_ [HeaderSize - 64]byte
)

// LogicalPage is a header viewed as the page object itself; it lives inside
// the mapped page memory, never on the Go heap.
type LogicalPage struct {
	hdr Header
}

var _ [64 - unsafe.Sizeof(LogicalPage{})]byte

// FromAddress recovers the owning page of any interior pointer in constant
// time. logicalPageSize must be the power-of-two page size the pointer's
// tier uses.
func FromAddress(ptr unsafe.Pointer, logicalPageSize uintptr) *LogicalPage {
	return (*LogicalPage)(unsafe.Pointer(uintptr(ptr) &^ (logicalPageSize - 1)))
}

// SizeClassFromAddress reads the size class of the page owning ptr.
func SizeClassFromAddress(ptr unsafe.Pointer, logicalPageSize uintptr) uint32 {
	return FromAddress(ptr, logicalPageSize).SizeClass()
}

// Place initialises a LogicalPage object at the given page-start address and
// returns it. The caller owns the memory.
func Place(pageStart unsafe.Pointer) *LogicalPage {
	p := (*LogicalPage)(pageStart)
	p.hdr = Header{}
	return p
}

// Create takes the slot-region buffer (page start plus header), threads
// every slot into the freelist and marks the page used. It rejects a nil buffer, a buffer smaller
// than one slot, and a size class too small to hold the intrusive link.
func (p *LogicalPage) Create(buffer unsafe.Pointer, bufferSize uintptr, sizeClass uint32) bool {
	if buffer == nil || bufferSize < uintptr(sizeClass) || sizeClass < 8 {
		return false
	}

	p.hdr = Header{
		SizeClass:    sizeClass,
		Flags:        FlagUsed,
		StartAddress: uint64(uintptr(buffer)),
		Length:       uint64(bufferSize),
	}

	chunkCount := bufferSize / uintptr(sizeClass)
	for i := uintptr(0); i < chunkCount; i++ {
		p.push(uintptr(buffer) + i*uintptr(sizeClass))
	}

	return true
}

// Allocate pops one slot, or returns nil when the page is full.
func (p *LogicalPage) Allocate(size uintptr) unsafe.Pointer {
	_ = size // every slot is one size class wide

	node := p.pop()
	if node == 0 {
		return nil
	}

	p.hdr.UsedSize += uint64(p.hdr.SizeClass)

	return unsafe.Pointer(node)
}

// Deallocate pushes a slot back onto the freelist.
func (p *LogicalPage) Deallocate(ptr unsafe.Pointer) {
	p.hdr.UsedSize -= uint64(p.hdr.SizeClass)
	p.push(uintptr(ptr))
}

// UsableSize reports the slot width backing ptr.
func (p *LogicalPage) UsableSize(ptr unsafe.Pointer) uintptr {
	_ = ptr
	return uintptr(p.hdr.SizeClass)
}

// CanBeRecycled reports whether the page has been marked out of use.
func (p *LogicalPage) CanBeRecycled() bool { return p.hdr.Flags&FlagUsed == 0 }

// MarkUsed flags the page as holding live slots.
func (p *LogicalPage) MarkUsed() { p.hdr.Flags |= FlagUsed }

// MarkUnused clears the in-use flag, making the page eligible for recycling.
func (p *LogicalPage) MarkUnused() { p.hdr.Flags &^= FlagUsed }

// UsedSize returns the in-use byte count.
func (p *LogicalPage) UsedSize() uint64 { return p.hdr.UsedSize }

// SizeClass returns the page's slot width.
func (p *LogicalPage) SizeClass() uint32 { return p.hdr.SizeClass }

// SegmentID returns the owning segment's process-unique id.
func (p *LogicalPage) SegmentID() uint16 { return p.hdr.SegmentID }

// SetSegmentID stamps the owning segment's id into the header.
func (p *LogicalPage) SetSegmentID(id uint16) { p.hdr.SegmentID = id }

// NextPage returns the forward chain link.
func (p *LogicalPage) NextPage() *LogicalPage {
	return (*LogicalPage)(unsafe.Pointer(uintptr(p.hdr.Next)))
}

// SetNextPage stores the forward chain link; next may be nil.
func (p *LogicalPage) SetNextPage(next *LogicalPage) {
	p.hdr.Next = uint64(uintptr(unsafe.Pointer(next)))
}

// PrevPage returns the backward chain link.
func (p *LogicalPage) PrevPage() *LogicalPage {
	return (*LogicalPage)(unsafe.Pointer(uintptr(p.hdr.Prev)))
}

// SetPrevPage stores the backward chain link; prev may be nil.
func (p *LogicalPage) SetPrevPage(prev *LogicalPage) {
	p.hdr.Prev = uint64(uintptr(unsafe.Pointer(prev)))
}

// When a slot is free its first 8 bytes hold the next-free address; once
// allocated those bytes belong to the caller.

func (p *LogicalPage) push(node uintptr) {
	*(*uint64)(unsafe.Pointer(node)) = p.hdr.Head
	p.hdr.Head = uint64(node)
}

func (p *LogicalPage) pop() uintptr {
	top := uintptr(p.hdr.Head)
	if top == 0 {
		return 0
	}

	p.hdr.Head = *(*uint64)(unsafe.Pointer(top))

	return top
}
