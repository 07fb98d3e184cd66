// Package queue provides the fixed-capacity pointer queues used as
// deallocation buffers: a single-consumer bounded queue for thread-local
// heaps and a multi-producer multi-consumer ticket queue for the central
// heap. Both store their nodes in process-lifetime metadata memory so queue
// traffic never touches the Go heap.
package queue

import (
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
)

// Queue is the deallocation-buffer contract shared by both disciplines.
type Queue interface {
	TryPush(v uint64) bool
	TryPop(v *uint64) bool
}

// listNode is the intrusive node layout inside the metadata slab.
type listNode struct {
	next uintptr
	data uint64
}

const listNodeSize = unsafe.Sizeof(listNode{})

// Bounded is a non-thread-safe LIFO of pointers over a pre-sized node slab.
// Push takes a node from the freelist; pop returns it. Capacity is fixed at
// creation and push reports false when the freelist is exhausted.
type Bounded struct {
	head     uintptr // used list
	freeHead uintptr // unused nodes
}

// NewBounded builds a queue with the given slot capacity, drawing the node
// slab from the metadata allocator.
func NewBounded(capacity uintptr) (*Bounded, bool) {
	if capacity == 0 {
		return nil, false
	}

	slab := arena.MetadataAllocate(capacity * listNodeSize)
	if slab == nil {
		return nil, false
	}

	q := &Bounded{}

	for i := uintptr(0); i < capacity; i++ {
		n := (*listNode)(unsafe.Pointer(uintptr(slab) + i*listNodeSize))
		n.next = q.freeHead
		q.freeHead = uintptr(unsafe.Pointer(n))
	}

	return q, true
}

// TryPush stores v, reporting false when the queue is full.
func (q *Bounded) TryPush(v uint64) bool {
	if q.freeHead == 0 {
		return false
	}

	n := (*listNode)(unsafe.Pointer(q.freeHead))
	q.freeHead = n.next

	n.data = v
	n.next = q.head
	q.head = uintptr(unsafe.Pointer(n))

	return true
}

// TryPop removes the most recently pushed value, reporting false when empty.
func (q *Bounded) TryPop(v *uint64) bool {
	if q.head == 0 {
		return false
	}

	n := (*listNode)(unsafe.Pointer(q.head))
	*v = n.data

	q.head = n.next
	n.next = q.freeHead
	q.freeHead = uintptr(unsafe.Pointer(n))

	return true
}
