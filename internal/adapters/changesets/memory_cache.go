package changesets

import (
	"context"
	"sync"
	"time"

	"transitreg/internal/core"
)

type memoryEntry struct {
	status  core.AsyncJobStatus
	expires time.Time
}

// MemoryStatusCache is an in-process StatusCache. Expired entries are
// dropped lazily on access.
//
// Entries are visible only to the process that wrote them, so submission
// deduplication holds within a single process. Deployments running more
// than one worker process must share a RedisStatusCache instead.
type MemoryStatusCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStatusCache returns an empty cache. A nil now uses time.Now.
func NewMemoryStatusCache(now func() time.Time) *MemoryStatusCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryStatusCache{entries: make(map[string]memoryEntry), now: now}
}

func (c *MemoryStatusCache) live(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// Reserve implements StatusCache.
func (c *MemoryStatusCache) Reserve(_ context.Context, changesetID string, status core.AsyncJobStatus, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := CacheKey(changesetID)
	if _, ok := c.live(key); ok {
		return false, nil
	}
	c.entries[key] = memoryEntry{status: status, expires: c.now().Add(ttl)}
	return true, nil
}

// Get implements StatusCache.
func (c *MemoryStatusCache) Get(_ context.Context, changesetID string) (core.AsyncJobStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.live(CacheKey(changesetID))
	return entry.status, ok, nil
}

// Set implements StatusCache.
func (c *MemoryStatusCache) Set(_ context.Context, changesetID string, status core.AsyncJobStatus, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[CacheKey(changesetID)] = memoryEntry{status: status, expires: c.now().Add(ttl)}
	return nil
}
