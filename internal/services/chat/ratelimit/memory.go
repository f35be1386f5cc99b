package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter keeps counters in process. It only limits one instance.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	sweeps  int
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

const sweepEvery = 1024

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, entries: make(map[string]memoryEntry)}
}

// Increment implements Counter.
func (c *MemoryCounter) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweeps++
	if c.sweeps >= sweepEvery {
		c.sweeps = 0
		for k, entry := range c.entries {
			if !now.Before(entry.expiresAt) {
				delete(c.entries, k)
			}
		}
	}

	entry, ok := c.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = memoryEntry{expiresAt: now.Add(ttl)}
	}
	entry.count++
	c.entries[key] = entry
	return entry.count, nil
}

// Len reports the number of tracked keys.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
