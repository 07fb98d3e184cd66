package queue

import (
	"sync/atomic"
	"unsafe"

	"github.com/scalemalloc/scalemalloc/internal/arena"
	"github.com/scalemalloc/scalemalloc/internal/spinlock"
)

// mpmcSlot pairs a value with its turn counter. Each slot owns a full cache
// line so neighbouring producers and consumers never false-share.
type mpmcSlot struct {
	turn uint64
	data uint64
	_    [spinlock.CacheLineSize - 16]byte
}

const mpmcSlotSize = unsafe.Sizeof(mpmcSlot{})

var _ [mpmcSlotSize - spinlock.CacheLineSize]byte

// MPMC is a fixed-capacity multi-producer multi-consumer array queue in the
// ticket style: a producer claims index head and may fill slot head%capacity
// once its turn counter reads 2*(head/capacity), publishing with
// 2*(head/capacity)+1; consumers mirror on tail with the odd/even roles
// swapped. Head and tail live on separate cache lines.
type MPMC struct {
	capacity uintptr
	slots    uintptr

	_    [spinlock.CacheLineSize - 16]byte
	head uint64
	_    [spinlock.CacheLineSize - 8]byte
	tail uint64
	_    [spinlock.CacheLineSize - 8]byte
}

// NewMPMC builds a queue with the given slot capacity, drawing the slot
// array from the metadata allocator.
func NewMPMC(capacity uintptr) (*MPMC, bool) {
	if capacity == 0 {
		return nil, false
	}

	slab := arena.MetadataAllocate((capacity + 1) * mpmcSlotSize)
	if slab == nil {
		return nil, false
	}

	// Metadata memory arrives zeroed, so every slot starts at turn 0,
	// which is exactly the first producible turn.
	return &MPMC{capacity: capacity, slots: uintptr(slab)}, true
}

func (q *MPMC) slotAt(i uint64) *mpmcSlot {
	idx := uintptr(i) % q.capacity
	return (*mpmcSlot)(unsafe.Pointer(q.slots + idx*mpmcSlotSize))
}

func (q *MPMC) turn(i uint64) uint64 { return i / uint64(q.capacity) }

// TryPush attempts to enqueue v without blocking, reporting false when the
// queue is full.
func (q *MPMC) TryPush(v uint64) bool {
	head := atomic.LoadUint64(&q.head)

	for {
		slot := q.slotAt(head)

		if q.turn(head)*2 == atomic.LoadUint64(&slot.turn) {
			if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
				slot.data = v
				atomic.StoreUint64(&slot.turn, q.turn(head)*2+1)
				return true
			}

			head = atomic.LoadUint64(&q.head)
		} else {
			prev := head
			head = atomic.LoadUint64(&q.head)

			if head == prev {
				return false
			}
		}
	}
}

// TryPop attempts to dequeue into v without blocking, reporting false when
// the queue is empty.
func (q *MPMC) TryPop(v *uint64) bool {
	tail := atomic.LoadUint64(&q.tail)

	for {
		slot := q.slotAt(tail)

		if q.turn(tail)*2+1 == atomic.LoadUint64(&slot.turn) {
			if atomic.CompareAndSwapUint64(&q.tail, tail, tail+1) {
				*v = slot.data
				atomic.StoreUint64(&slot.turn, q.turn(tail)*2+2)
				return true
			}

			tail = atomic.LoadUint64(&q.tail)
		} else {
			prev := tail
			tail = atomic.LoadUint64(&q.tail)

			if tail == prev {
				return false
			}
		}
	}
}

// Size returns a racy estimate of the element count.
func (q *MPMC) Size() uint64 {
	return atomic.LoadUint64(&q.head) - atomic.LoadUint64(&q.tail)
}
