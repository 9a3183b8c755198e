// Package shardedcounter provides a striped counter for values that are
// updated from many goroutines but only occasionally read exactly, such as
// filesystem-wide free block and inode counts. Updates touch a single shard;
// readers sum all shards.
package shardedcounter

import (
	"runtime"
	"sync/atomic"
)

type shard struct {
	n int64
	// keep shards on separate cache lines
	_ [7]int64
}

// Counter is a striped int64 counter safe for concurrent use.
type Counter struct {
	shards []shard
	next   uint64
}

// New returns a counter holding initial.
func New(initial int64) *Counter {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	c := &Counter{
		shards: make([]shard, n),
	}
	c.shards[0].n = initial
	return c
}

// Add adds delta, which may be negative, to the counter.
func (c *Counter) Add(delta int64) {
	i := atomic.AddUint64(&c.next, 1) % uint64(len(c.shards))
	atomic.AddInt64(&c.shards[i].n, delta)
}

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Dec subtracts one.
func (c *Counter) Dec() { c.Add(-1) }

// Count returns the exact current value by summing all shards.
func (c *Counter) Count() int64 {
	var total int64
	for i := range c.shards {
		total += atomic.LoadInt64(&c.shards[i].n)
	}
	return total
}

// Positive returns the current value clamped at zero, for callers that treat
// the counter as an unsigned quantity.
func (c *Counter) Positive() int64 {
	v := c.Count()
	if v < 0 {
		return 0
	}
	return v
}

// Set replaces the counter value.
func (c *Counter) Set(v int64) {
	for i := range c.shards {
		atomic.StoreInt64(&c.shards[i].n, 0)
	}
	atomic.StoreInt64(&c.shards[0].n, v)
}
