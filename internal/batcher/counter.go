package batcher

import (
	"sync"
	"time"
)

// DefaultCounterTTL is how long a cached counter is trusted over the node's.
const DefaultCounterTTL = 3 * time.Minute

// CounterCache remembers the next counter of each address after the last
// batch we broadcast. Until the node reflects that batch it reports a stale
// counter, so the larger of the two is used. Entries expire after a TTL in
// case a broadcast batch is dropped from the mempool.
type CounterCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]counterEntry
}

type counterEntry struct {
	next    uint64
	updated time.Time
}

// NewCounterCache creates an empty cache. A ttl of 0 uses DefaultCounterTTL.
func NewCounterCache(ttl time.Duration) *CounterCache {
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &CounterCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]counterEntry),
	}
}

// Reserve returns the first of n consecutive counters for address, given the
// next counter the node expects, and records them as used.
func (c *CounterCache) Reserve(address string, nodeNext uint64, n int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := nodeNext
	if e, ok := c.entries[address]; ok && c.now().Sub(e.updated) < c.ttl && e.next > first {
		first = e.next
	}
	c.entries[address] = counterEntry{next: first + uint64(n), updated: c.now()}
	return first
}

// Invalidate forgets address, so the next batch trusts the node again. Used
// when a batch failed before reaching the network.
func (c *CounterCache) Invalidate(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, address)
}

// Next returns the cached next counter, if a fresh entry exists.
func (c *CounterCache) Next(address string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[address]
	if !ok || c.now().Sub(e.updated) >= c.ttl {
		return 0, false
	}
	return e.next, true
}
