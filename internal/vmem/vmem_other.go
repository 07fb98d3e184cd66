//go:build unix && !linux

package vmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Non-Linux unix platforms serve plain anonymous mappings; huge pages and
// NUMA binding are reported unavailable.

func reserve(size uintptr, hugePages bool, numaNode int, hint unsafe.Pointer) unsafe.Pointer {
	if numaNode >= 0 {
		return nil
	}

	p, err := unix.MmapPtr(-1, 0, hint, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil
	}

	return p
}

func release(p unsafe.Pointer, size uintptr) bool {
	return unix.MunmapPtr(p, size) == nil
}

func hugePageMinSize() uintptr { return 0 }

func numaNodeCount() int { return 0 }
