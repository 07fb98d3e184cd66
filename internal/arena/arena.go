// Package arena reserves large virtual-memory ranges from the OS and
// sub-allocates page-aligned byte ranges from them linearly. It releases
// only never-handed-out pages itself; callers own the ranges they received
// and return them through ReleaseToSystem.
package arena

import (
	"fmt"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/spinlock"
	"github.com/scalemalloc/scalemalloc/internal/vmem"
)

// Options configure an Arena.
type Options struct {
	CacheCapacity uintptr // initial reservation size
	PageAlignment uintptr // must be a multiple of the OS allocation granularity
	UseHugePages  bool
	NumaNode      int // -1 means unbound
}

// DefaultOptions returns the arena defaults: a 1 GiB cache aligned to the
// 64 KiB logical-page boundary, no huge pages, no NUMA binding.
func DefaultOptions() Options {
	return Options{
		CacheCapacity: 1 << 30,
		PageAlignment: 65536,
		NumaNode:      -1,
	}
}

// Arena maintains a shared linear cache of reserved memory. All mutation of
// the cache happens under a single spinlock.
type Arena struct {
	lock spinlock.Lock

	pageAlignment uintptr
	useHugePages  bool
	numaNode      int

	cacheBuffer uintptr
	cacheSize   uintptr
	cacheUsed   uintptr
}

// Create validates the options and builds the initial cache.
func (a *Arena) Create(opts Options) error {
	if !vmem.IsMultipleOfGranularity(opts.PageAlignment) {
		return fmt.Errorf("arena: page alignment %d is not a multiple of the OS allocation granularity %d",
			opts.PageAlignment, vmem.AllocationGranularity())
	}

	if opts.CacheCapacity == 0 {
		return fmt.Errorf("arena: cache capacity must be greater than zero")
	}

	a.pageAlignment = opts.PageAlignment
	a.useHugePages = opts.UseHugePages
	a.numaNode = opts.NumaNode

	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.buildCache(opts.CacheCapacity) {
		return fmt.Errorf("arena: failed to reserve %d bytes from the OS", opts.CacheCapacity)
	}

	return nil
}

// PageAlignment returns the alignment every Allocate result honors.
func (a *Arena) PageAlignment() uintptr { return a.pageAlignment }

// Allocate hands out size bytes from the cache tail. When the tail cannot
// hold size plus alignment headroom the current cache is destroyed (its
// unused pages go back to the OS) and a fresh cache of exactly size bytes
// replaces it. The result is always PageAlignment-aligned, or nil when the
// OS refuses the reservation.
func (a *Arena) Allocate(size uintptr) unsafe.Pointer {
	a.lock.Lock()

	if size+a.pageAlignment > a.cacheSize-a.cacheUsed {
		a.destroyLocked()

		if !a.buildCache(size) {
			a.lock.Unlock()
			return nil
		}
	}

	ret := a.cacheBuffer + a.cacheUsed
	a.cacheUsed += size

	a.lock.Unlock()

	return unsafe.Pointer(ret)
}

// AllocateAligned returns size bytes at the requested power-of-two
// alignment, which must be a multiple of the OS allocation granularity.
func (a *Arena) AllocateAligned(size, alignment uintptr) unsafe.Pointer {
	if alignment == a.pageAlignment {
		return a.Allocate(size)
	}

	p := a.Allocate(size + alignment)
	if p == nil {
		return nil
	}

	remainder := uintptr(p) % alignment
	offset := alignment - remainder

	return unsafe.Pointer(uintptr(p) + offset)
}

// ReleaseToSystem returns a range to the OS on behalf of a caller that is
// done with pages it received from Allocate.
func (a *Arena) ReleaseToSystem(p unsafe.Pointer, size uintptr) {
	_ = vmem.Release(p, size)
}

// Destroy releases the never-handed-out tail of the current cache. Ranges
// already given to callers stay valid.
func (a *Arena) Destroy() {
	a.lock.Lock()
	a.destroyLocked()
	a.lock.Unlock()
}

func (a *Arena) destroyLocked() {
	if a.cacheSize > a.cacheUsed {
		start := a.cacheBuffer + a.cacheUsed
		end := a.cacheBuffer + a.cacheSize

		for addr := start; addr < end; addr += vmem.PageSize() {
			_ = vmem.Release(unsafe.Pointer(addr), vmem.PageSize())
		}
	}

	a.cacheBuffer = 0
	a.cacheSize = 0
	a.cacheUsed = 0
}

func (a *Arena) buildCache(size uintptr) bool {
	buffer := a.reserveAligned(size, a.pageAlignment)
	if buffer == nil {
		return false
	}

	a.cacheBuffer = uintptr(buffer)
	a.cacheUsed = 0
	a.cacheSize = size

	return true
}

func (a *Arena) reserveFromSystem(size uintptr) unsafe.Pointer {
	if a.useHugePages {
		if p := vmem.Reserve(size, true, a.numaNode, nil); p != nil {
			return p
		}
		// Huge pages refused, fail over to regular pages.
	}

	return vmem.Reserve(size, false, a.numaNode, nil)
}

// reserveAligned over-allocates by alignment, then returns the misaligned
// head padding and the excess tail to the OS so exactly size bytes remain
// at the alignment boundary.
func (a *Arena) reserveAligned(size, alignment uintptr) unsafe.Pointer {
	actual := size + alignment

	buffer := a.reserveFromSystem(actual)
	if buffer == nil {
		return nil
	}

	remainder := uintptr(buffer) % alignment
	var delta uintptr

	if remainder > 0 {
		delta = alignment - remainder
		_ = vmem.Release(buffer, delta)
		_ = vmem.Release(unsafe.Pointer(uintptr(buffer)+delta+size), remainder)
	} else {
		_ = vmem.Release(unsafe.Pointer(uintptr(buffer)+actual-alignment), alignment)
	}

	return unsafe.Pointer(uintptr(buffer) + delta)
}
