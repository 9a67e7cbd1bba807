package verify

import (
	"sync"
	"time"
)

// cacheEntry holds a verified report and the address it was verified
// against.
type cacheEntry struct {
	report    Report
	address   string
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// reportCache is a thread-safe TTL cache of verified reports keyed by ledger
// index. Only verified reports are stored.
type reportCache struct {
	mu      sync.RWMutex
	entries map[int]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func newReportCache(ttl time.Duration) *reportCache {
	return &reportCache{
		entries: make(map[int]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get returns the cached report for index if it is fresh and was verified
// against address.
func (c *reportCache) get(index int, address string) (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[index]
	if !ok || e.expired(c.now()) || e.address != address {
		return Report{}, false
	}
	return e.report, true
}

func (c *reportCache) set(r Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[r.Index] = &cacheEntry{
		report:    r,
		address:   r.Address,
		expiresAt: c.now().Add(c.ttl),
	}
}

// evict removes all expired entries.
func (c *reportCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *reportCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
