package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter keeps counters in process memory.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

// IncrementBelow ignores ttl; keys are day-bucketed so stale ones are never read.
func (c *MemoryCounter) IncrementBelow(_ context.Context, key string, limit int64, _ time.Duration) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.counts[key]
	if n >= limit {
		return n, false, nil
	}
	n++
	c.counts[key] = n
	return n, true, nil
}

var _ Counter = (*MemoryCounter)(nil)
