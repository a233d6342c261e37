// Package latest provides a single-slot "latest value" cell shared between a
// background producer (sensor reader goroutine) and the control tick.
package latest

import (
	"sync"
	"time"
)

// Cell holds the most recent value and when it was stored. Reads never block
// on the producer beyond the short critical section.
type Cell[T any] struct {
	mu  sync.RWMutex
	v   T
	at  time.Time
	set bool
}

func (c *Cell[T]) Store(v T, at time.Time) {
	c.mu.Lock()
	c.v = v
	c.at = at
	c.set = true
	c.mu.Unlock()
}

// Load returns the stored value, its timestamp and whether a value was ever stored.
func (c *Cell[T]) Load() (v T, at time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v, c.at, c.set
}

// Fresh returns the value only if it is younger than maxAge at now.
// A non-positive maxAge accepts any stored value.
func (c *Cell[T]) Fresh(now time.Time, maxAge time.Duration) (T, bool) {
	v, at, ok := c.Load()
	if !ok {
		var zero T
		return zero, false
	}
	if maxAge > 0 && now.Sub(at) >= maxAge {
		var zero T
		return zero, false
	}
	return v, true
}

// Clear forgets the stored value.
func (c *Cell[T]) Clear() {
	c.mu.Lock()
	var zero T
	c.v = zero
	c.at = time.Time{}
	c.set = false
	c.mu.Unlock()
}
