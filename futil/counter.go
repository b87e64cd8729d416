// Package futil provides the small stateless utilities shared by router,
// registry, and broker: a wrapping RPC sequence counter, the stable numeric
// hash key used to score a broker into the health-check ring, an LRU cache
// of worker addresses, and an exponential backoff driver.
package futil

import "sync"

// maxSafeInteger is the largest integer a registry built on a
// double-precision numeric score can represent exactly: 2^53.
const maxSafeInteger = 1 << 53

// Counter is a monotonically increasing sequence number that wraps back to
// zero before it would exceed maxSafeInteger, so every value it produces
// remains representable without precision loss by a registry that stores
// scores as floating point. It is safe for concurrent use.
type Counter struct {
	mu    sync.Mutex
	value int64
}

// NewCounter returns a Counter seeded at seed, wrapped into range first.
func NewCounter(seed int64) *Counter {
	return &Counter{value: seed % maxSafeInteger}
}

// Next returns the next value and advances the counter, wrapping to zero
// once it would reach maxSafeInteger.
func (c *Counter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.value
	c.value++
	if c.value >= maxSafeInteger {
		c.value = 0
	}
	return v
}
