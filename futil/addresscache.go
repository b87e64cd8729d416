package futil

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// addressEntry pairs a cached broker address with the time it was stored,
// so stale entries older than the configured maxAge can be treated as a
// miss without a separate cleanup goroutine.
type addressEntry struct {
	addr      string
	timestamp time.Time
}

// AddressCache is an LRU cache of workerId -> broker address, used by
// Broker.Ask/Tell to avoid a findBroker round trip on every call. Entries
// older than maxAge are treated as misses and evicted lazily on lookup.
type AddressCache struct {
	cache  *lru.Cache[string, addressEntry]
	maxAge time.Duration
}

// NewAddressCache builds a cache holding at most max entries, each valid
// for up to maxAge (zero means entries never expire by age).
func NewAddressCache(max int, maxAge time.Duration) (*AddressCache, error) {
	if max <= 0 {
		max = 1024
	}

	c, err := lru.New[string, addressEntry](max)
	if err != nil {
		return nil, err
	}

	return &AddressCache{cache: c, maxAge: maxAge}, nil
}

// Get returns the cached address for workerId, if present and not expired.
func (c *AddressCache) Get(workerID string) (string, bool) {
	entry, ok := c.cache.Get(workerID)
	if !ok {
		return "", false
	}

	if c.maxAge > 0 && time.Since(entry.timestamp) > c.maxAge {
		c.cache.Remove(workerID)
		return "", false
	}

	return entry.addr, true
}

// Put caches addr for workerId.
func (c *AddressCache) Put(workerID, addr string) {
	c.cache.Add(workerID, addressEntry{addr: addr, timestamp: time.Now()})
}

// Evict removes workerId from the cache, used after a request to its
// cached address fails so the next lookup falls back to findBroker.
func (c *AddressCache) Evict(workerID string) {
	c.cache.Remove(workerID)
}

// Purge clears the entire cache, used on broker destroy.
func (c *AddressCache) Purge() {
	c.cache.Purge()
}

// Len reports the number of cached entries.
func (c *AddressCache) Len() int {
	return c.cache.Len()
}
