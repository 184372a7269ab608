package metrics

import "sync/atomic"

// AtomicMaxUint64 atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMaxUint64(addr *atomic.Uint64, val uint64) uint64 {
	for {
		current := addr.Load()
		if val <= current {
			return current
		}
		if addr.CompareAndSwap(current, val) {
			return val
		}
	}
}

// UCounter is an unsigned atomic counter.
type UCounter struct {
	value atomic.Uint64
}

// Add adds delta to the counter.
func (c *UCounter) Add(delta uint64) uint64 {
	return c.value.Add(delta)
}

// Inc increments by 1.
func (c *UCounter) Inc() uint64 {
	return c.value.Add(1)
}

// Load returns the current value.
func (c *UCounter) Load() uint64 {
	return c.value.Load()
}

// Store sets the value.
func (c *UCounter) Store(val uint64) {
	c.value.Store(val)
}

// Reset sets to 0.
func (c *UCounter) Reset() {
	c.value.Store(0)
}

// Max raises the counter to val if val is larger.
func (c *UCounter) Max(val uint64) uint64 {
	return AtomicMaxUint64(&c.value, val)
}
