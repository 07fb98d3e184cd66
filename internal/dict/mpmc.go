package dict

import (
	"sync/atomic"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/spinlock"
)

// mpmcNode is the chain-node layout inside the metadata slab. next is
// loaded and stored atomically so lookups can traverse lock-free while an
// insert is in flight.
type mpmcNode struct {
	key     uint64
	size    uintptr
	padding uintptr
	next    uintptr
}

const mpmcNodeSize = unsafe.Sizeof(mpmcNode{})

// NodeSize is exported so callers can size the map from a byte budget.
const NodeSize = mpmcNodeSize

// MPMC is an insert-only hash map for insert-rare / lookup-frequent use.
// Insertions are serialized with a spinlock, which removes any ABA window;
// lookups traverse the chains lock-free with acquire loads. The bucket
// table never grows, so a lookup can never observe a rehash. Erase is
// deliberately unsupported: the large-allocation use case never reuses a
// key, and adding removal would invalidate the ABA analysis.
type MPMC struct {
	table     uintptr // array of atomic head pointers
	tableSize uintptr

	insertLock spinlock.Lock

	nodeCache    uintptr
	nodeIndex    uintptr
	nodeCapacity uintptr
}

// Initialise sizes the bucket table and the first node cache. capacity
// should be chosen generously by the caller; chains degrade, they do not
// fail.
func (d *MPMC) Initialise(capacity uintptr) bool {
	if capacity == 0 {
		return false
	}

	d.nodeCapacity = capacity
	d.tableSize = capacity

	table := arena.MetadataAllocate(d.tableSize * unsafe.Sizeof(uintptr(0)))
	if table == nil {
		return false
	}
	d.table = uintptr(table) // metadata memory arrives zeroed

	return d.buildNodeCache()
}

func (d *MPMC) bucket(key uint64) *uintptr {
	index := uintptr(hash64(key)) % d.tableSize
	return (*uintptr)(unsafe.Pointer(d.table + index*unsafe.Sizeof(uintptr(0))))
}

// Insert records key with the given metadata. A fresh node cache is
// allocated when the current one runs out.
func (d *MPMC) Insert(key uint64, value Metadata) bool {
	d.insertLock.Lock()

	if d.nodeIndex >= d.nodeCapacity {
		if !d.buildNodeCache() {
			d.insertLock.Unlock()
			return false
		}
	}

	node := (*mpmcNode)(unsafe.Pointer(d.nodeCache + d.nodeIndex*mpmcNodeSize))
	node.key = key
	node.size = value.Size
	node.padding = value.Padding

	head := d.bucket(key)
	node.next = atomic.LoadUintptr(head)
	atomic.StoreUintptr(head, uintptr(unsafe.Pointer(node)))

	d.nodeIndex++

	d.insertLock.Unlock()

	return true
}

// Get looks key up lock-free. The caller guarantees Get for a key is only
// issued after its Insert returned.
func (d *MPMC) Get(key uint64) (Metadata, bool) {
	current := atomic.LoadUintptr(d.bucket(key))

	for current != 0 {
		node := (*mpmcNode)(unsafe.Pointer(current))

		if node.key == key {
			return Metadata{Size: node.size, Padding: node.padding}, true
		}

		current = atomic.LoadUintptr(&node.next)
	}

	return Metadata{}, false
}

func (d *MPMC) buildNodeCache() bool {
	cache := arena.MetadataAllocate(d.nodeCapacity * mpmcNodeSize)
	if cache == nil {
		return false
	}

	d.nodeCache = uintptr(cache)
	d.nodeIndex = 0

	return true
}
