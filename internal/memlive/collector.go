// Package memlive provides live allocation profiling: a lock-free stats
// collector the façades feed, a plain-HTTP diagnostics endpoint serving
// JSON and text expositions, and a control file watched at runtime to
// toggle sampling without restarting the host process.
package memlive

import (
	"sync/atomic"

	"modernc.org/mathutil"
)

// bucketCount covers the fifteen power-of-two size classes plus one
// overflow bucket for large allocations served straight from the OS.
const bucketCount = 16

const (
	minSizeClassLog = 4  // 16 bytes
	maxSizeClassLog = 18 // 256 KiB
)

type bucket struct {
	allocations atomic.Uint64
	bytes       atomic.Uint64
}

// Collector accumulates allocation statistics. Recording is a no-op until
// sampling is enabled, keeping the disabled cost to one atomic load on the
// allocation path.
type Collector struct {
	enabled atomic.Bool

	totalAllocations   atomic.Uint64
	totalDeallocations atomic.Uint64
	totalBytes         atomic.Uint64

	buckets [bucketCount]bucket
}

// NewCollector returns a disabled collector.
func NewCollector() *Collector { return &Collector{} }

// SetEnabled toggles sampling.
func (c *Collector) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// Enabled reports whether sampling is on.
func (c *Collector) Enabled() bool { return c.enabled.Load() }

func bucketIndex(size uintptr) int {
	if size == 0 {
		return 0
	}

	log := mathutil.BitLen(int(size - 1))
	if log < minSizeClassLog {
		log = minSizeClassLog
	}
	if log > maxSizeClassLog {
		return bucketCount - 1
	}

	return log - minSizeClassLog
}

// RecordAllocation accounts one allocation of the given requested size.
func (c *Collector) RecordAllocation(size uintptr) {
	if !c.enabled.Load() {
		return
	}

	c.totalAllocations.Add(1)
	c.totalBytes.Add(uint64(size))

	b := &c.buckets[bucketIndex(size)]
	b.allocations.Add(1)
	b.bytes.Add(uint64(size))
}

// RecordDeallocation accounts one free.
func (c *Collector) RecordDeallocation() {
	if !c.enabled.Load() {
		return
	}

	c.totalDeallocations.Add(1)
}

// BucketStats is one size-class row of a snapshot.
type BucketStats struct {
	SizeClass   string `json:"size_class"`
	Allocations uint64 `json:"allocations"`
	Bytes       uint64 `json:"bytes"`
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	Enabled            bool          `json:"enabled"`
	TotalAllocations   uint64        `json:"total_allocations"`
	TotalDeallocations uint64        `json:"total_deallocations"`
	TotalBytes         uint64        `json:"total_bytes"`
	InFlight           int64         `json:"in_flight"`
	Buckets            []BucketStats `json:"buckets"`
}

var bucketLabels = [bucketCount]string{
	"16", "32", "64", "128", "256", "512", "1024", "2048",
	"4096", "8192", "16384", "32768", "65536", "131072", "262144", "large",
}

// Stats returns a consistent-enough snapshot for diagnostics; counters are
// read individually, not as one atomic unit.
func (c *Collector) Stats() Snapshot {
	snap := Snapshot{
		Enabled:            c.Enabled(),
		TotalAllocations:   c.totalAllocations.Load(),
		TotalDeallocations: c.totalDeallocations.Load(),
		TotalBytes:         c.totalBytes.Load(),
	}

	snap.InFlight = int64(snap.TotalAllocations) - int64(snap.TotalDeallocations)

	for i := range c.buckets {
		b := &c.buckets[i]

		allocs := b.allocations.Load()
		if allocs == 0 {
			continue
		}

		snap.Buckets = append(snap.Buckets, BucketStats{
			SizeClass:   bucketLabels[i],
			Allocations: allocs,
			Bytes:       b.bytes.Load(),
		})
	}

	return snap
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.totalAllocations.Store(0)
	c.totalDeallocations.Store(0)
	c.totalBytes.Store(0)

	for i := range c.buckets {
		c.buckets[i].allocations.Store(0)
		c.buckets[i].bytes.Store(0)
	}
}
