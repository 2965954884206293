package virtualizer

import (
	"sync"
	"time"

	"gvfs/internal/common"
)

// attrCacheTTL bounds staleness for cached placeholder info between
// journal-driven invalidations.
const attrCacheTTL = 500 * time.Millisecond

// attrCacheMaxEntries caps memory usage.
const attrCacheMaxEntries = 10000

// AttrCache caches GetPlaceholderInfo answers with TTL-based expiration
// and fine-grained invalidation by path.
//
// Thread-safe: Uses RWMutex for concurrent access.
type AttrCache struct {
	mu      sync.RWMutex
	entries map[string]*attrEntry
	ttl     time.Duration
	maxSize int
}

type attrEntry struct {
	info    FileInfo
	expires time.Time
}

// NewAttrCache creates a new attribute cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewAttrCache(ttl time.Duration, maxSize int) *AttrCache {
	return &AttrCache{
		entries: make(map[string]*attrEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get retrieves cached info for a path. The second result is false when
// the path is absent or expired.
func (c *AttrCache) Get(path string) (FileInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[path]
	if !ok {
		return FileInfo{}, false
	}
	if c.ttl > 0 && time.Now().After(entry.expires) {
		return FileInfo{}, false
	}
	return entry.info, true
}

// Set stores info for a path.
func (c *AttrCache) Set(path string, info FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		// Full: drop everything rather than tracking recency. The cache
		// refills from the projection within one TTL.
		c.entries = make(map[string]*attrEntry, 256)
	}
	c.entries[path] = &attrEntry{info: info, expires: time.Now().Add(c.ttl)}
}

// InvalidatePath drops one path.
func (c *AttrCache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// InvalidatePathAndParent drops a path and its parent directory.
func (c *AttrCache) InvalidatePathAndParent(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
	delete(c.entries, common.ParentPath(path))
}

// InvalidateAll empties the cache (projection rebuilt).
func (c *AttrCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*attrEntry, 256)
}
