//go:build linux

package vmem

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Memory-policy syscall constants; x/sys/unix exposes the syscall numbers
// but not the mode/flag values.
const (
	mpolBind   = 2
	mpolFNode  = 1 << 0
	mpolFAddr  = 1 << 1
	mpolMFMove = 1 << 1
)

func reserve(size uintptr, hugePages bool, numaNode int, hint unsafe.Pointer) unsafe.Pointer {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	useMadvise := false

	if hugePages {
		if transparentHugePagesEnabled() {
			// THP is active, an madvise after the plain mapping is enough.
			useMadvise = true
		} else {
			flags |= unix.MAP_HUGETLB
		}
	}

	p, err := unix.MmapPtr(-1, 0, hint, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil
	}

	if useMadvise {
		madviseHugePage(p, size)
	}

	if numaNode >= 0 {
		if !bindToNode(p, size, numaNode) {
			_ = unix.MunmapPtr(p, size)
			return nil
		}
	}

	return p
}

func release(p unsafe.Pointer, size uintptr) bool {
	return unix.MunmapPtr(p, size) == nil
}

func madviseHugePage(p unsafe.Pointer, size uintptr) {
	_, _, _ = unix.Syscall(unix.SYS_MADVISE, uintptr(p), size, uintptr(unix.MADV_HUGEPAGE))
}

// bindToNode applies MPOL_BIND for the given node and verifies the kernel
// actually placed the range there.
func bindToNode(p unsafe.Pointer, size uintptr, node int) bool {
	if numaNodeCount() <= 0 {
		return false
	}

	nodemask := uint64(1) << uint(node)

	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(p), size, mpolBind,
		uintptr(unsafe.Pointer(&nodemask)), 64, mpolMFMove)
	if errno != 0 {
		return false
	}

	return nodeOfAddress(p) == node
}

// nodeOfAddress queries the NUMA node backing the first page of p via
// get_mempolicy(MPOL_F_NODE|MPOL_F_ADDR). Returns -1 if the query fails.
func nodeOfAddress(p unsafe.Pointer) int {
	var node int

	// Touch the page so the policy query sees a faulted mapping.
	*(*byte)(p) = 0

	_, _, errno := unix.Syscall6(unix.SYS_GET_MEMPOLICY,
		uintptr(unsafe.Pointer(&node)), 0, 0,
		uintptr(p), mpolFNode|mpolFAddr, 0)
	if errno != 0 {
		return -1
	}

	return node
}

var (
	hugePageSizeOnce sync.Once
	hugePageSize     uintptr

	thpOnce    sync.Once
	thpEnabled bool

	nodeCountOnce sync.Once
	nodeCount     int
)

func hugePageMinSize() uintptr {
	hugePageSizeOnce.Do(func() {
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return
		}

		for _, line := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(line, "Hugepagesize:") {
				continue
			}

			fields := strings.Fields(line)
			if len(fields) < 2 {
				return
			}

			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return
			}

			hugePageSize = uintptr(kb) * 1024
			return
		}
	})

	return hugePageSize
}

func transparentHugePagesEnabled() bool {
	thpOnce.Do(func() {
		data, err := os.ReadFile("/sys/kernel/mm/transparent_hugepage/enabled")
		if err != nil {
			return
		}

		s := string(data)
		thpEnabled = strings.Contains(s, "[always]") || strings.Contains(s, "[madvise]")
	})

	return thpEnabled
}

func numaNodeCount() int {
	nodeCountOnce.Do(func() {
		entries, err := os.ReadDir("/sys/devices/system/node")
		if err != nil {
			return
		}

		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, "node") {
				if _, err := strconv.Atoi(name[4:]); err == nil {
					nodeCount++
				}
			}
		}
	})

	return nodeCount
}
