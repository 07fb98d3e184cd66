// Package tls provides goroutine-local storage with an explicit exit hook,
// standing in for the OS thread-local-storage facility the dispatcher
// consumes. Go offers no goroutine-death callback, so the destructor runs
// when the owner calls RunExitHook (surfaced by the public façade as
// ThreadExit).
package tls

import (
	"sync"
	"unsafe"

	"github.com/petermattis/goid"
)

const shardCount = 64

type shard struct {
	mu     sync.RWMutex
	values map[int64]unsafe.Pointer
}

// Key is one logical thread-local slot shared by all goroutines.
type Key struct {
	shards     [shardCount]shard
	destructor func(unsafe.Pointer)
	destroyed  bool
	mu         sync.Mutex
}

// Create builds a new storage key. destructor, if non-nil, is invoked by
// RunExitHook with the departing goroutine's stored value.
func Create(destructor func(unsafe.Pointer)) *Key {
	k := &Key{destructor: destructor}

	for i := range k.shards {
		k.shards[i].values = make(map[int64]unsafe.Pointer)
	}

	return k
}

func (k *Key) shardFor(gid int64) *shard {
	return &k.shards[uint64(gid)%shardCount]
}

// Get returns the calling goroutine's value, or nil if none was set.
func (k *Key) Get() unsafe.Pointer {
	gid := goid.Get()
	s := k.shardFor(gid)

	s.mu.RLock()
	v := s.values[gid]
	s.mu.RUnlock()

	return v
}

// Set stores the calling goroutine's value.
func (k *Key) Set(p unsafe.Pointer) {
	gid := goid.Get()
	s := k.shardFor(gid)

	s.mu.Lock()
	s.values[gid] = p
	s.mu.Unlock()
}

// RunExitHook clears the calling goroutine's slot and, if a value was
// present, invokes the key's destructor with it.
func (k *Key) RunExitHook() {
	gid := goid.Get()
	s := k.shardFor(gid)

	s.mu.Lock()
	v, ok := s.values[gid]
	delete(s.values, gid)
	s.mu.Unlock()

	if ok && v != nil && k.destructor != nil {
		k.destructor(v)
	}
}

// Destroy retires the key. Stored values are discarded without running the
// destructor, matching pthread_key_delete semantics.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.destroyed {
		return
	}
	k.destroyed = true

	for i := range k.shards {
		s := &k.shards[i]
		s.mu.Lock()
		s.values = make(map[int64]unsafe.Pointer)
		s.mu.Unlock()
	}
}
