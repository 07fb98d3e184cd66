package dict

import (
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
)

// singleNode is the chain-node layout of the single-threaded map.
type singleNode struct {
	key   uint64
	value uintptr
	next  uintptr
}

const singleNodeSize = unsafe.Sizeof(singleNode{})

// SingleNodeSize is exported so callers can size the map from a byte budget.
const SingleNodeSize = singleNodeSize

// Single is a non-thread-safe chaining hash map that grows and rehashes
// when the load factor reaches one. Item removal is unsupported.
type Single struct {
	table     uintptr
	nodeCache uintptr

	tableSize uintptr
	itemCount uintptr
}

// Initialise sizes the initial table.
func (d *Single) Initialise(size uintptr) bool {
	if size == 0 {
		return false
	}

	return d.grow(size)
}

// Insert records key -> value, growing the table when full.
func (d *Single) Insert(key uint64, value uintptr) bool {
	if d.itemCount == d.tableSize {
		if !d.grow(d.tableSize * 2) {
			return false
		}
	}

	node := (*singleNode)(unsafe.Pointer(d.nodeCache + d.itemCount*singleNodeSize))
	node.key = key
	node.value = value

	head := d.bucket(key, d.table, d.tableSize)
	node.next = *head
	*head = uintptr(unsafe.Pointer(node))

	d.itemCount++

	return true
}

// Get looks key up.
func (d *Single) Get(key uint64) (uintptr, bool) {
	if d.tableSize == 0 {
		return 0, false
	}

	current := *d.bucket(key, d.table, d.tableSize)

	for current != 0 {
		node := (*singleNode)(unsafe.Pointer(current))

		if node.key == key {
			return node.value, true
		}

		current = node.next
	}

	return 0, false
}

func (d *Single) bucket(key uint64, table, tableSize uintptr) *uintptr {
	index := uintptr(hash64(key)) % tableSize
	return (*uintptr)(unsafe.Pointer(table + index*unsafe.Sizeof(uintptr(0))))
}

// grow allocates a larger table and node cache, rehashes the live chains
// into them, and abandons the old storage to the metadata allocator.
func (d *Single) grow(size uintptr) bool {
	newCache := arena.MetadataAllocate(size * singleNodeSize)
	if newCache == nil {
		return false
	}

	newTable := arena.MetadataAllocate(size * unsafe.Sizeof(uintptr(0)))
	if newTable == nil {
		return false
	}

	copyCount := uintptr(0)

	if d.table != 0 {
		for i := uintptr(0); i < d.tableSize; i++ {
			current := *(*uintptr)(unsafe.Pointer(d.table + i*unsafe.Sizeof(uintptr(0))))

			for current != 0 {
				old := (*singleNode)(unsafe.Pointer(current))

				node := (*singleNode)(unsafe.Pointer(uintptr(newCache) + copyCount*singleNodeSize))
				node.key = old.key
				node.value = old.value

				head := d.bucket(old.key, uintptr(newTable), size)
				node.next = *head
				*head = uintptr(unsafe.Pointer(node))

				copyCount++
				current = old.next
			}
		}
	}

	d.table = uintptr(newTable)
	d.nodeCache = uintptr(newCache)
	d.tableSize = size
	d.itemCount = copyCount

	return true
}
