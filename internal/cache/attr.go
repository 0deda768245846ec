package cache

import (
	"sync"

	"github.com/objectfs/s3fs/internal/meta"
)

// AttrCache maps keys to attribute envelopes. Lookups are zero-latency; the
// cache is authoritative after any local mutation and is evicted only on
// unlink/rmdir of the key.
type AttrCache struct {
	mu      sync.RWMutex
	entries map[string]*meta.Envelope
}

// NewAttrCache creates an empty attribute cache.
func NewAttrCache() *AttrCache {
	return &AttrCache{entries: make(map[string]*meta.Envelope)}
}

// Get returns a copy of the cached envelope for key, or nil on a miss.
func (c *AttrCache) Get(key string) *meta.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[key]; ok {
		return e.Clone()
	}
	return nil
}

// Put stores the envelope for key, replacing any prior entry.
func (c *AttrCache) Put(key string, env *meta.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = env.Clone()
}

// Update applies fn to the cached envelope for key, if present, and reports
// whether an entry existed.
func (c *AttrCache) Update(key string, fn func(*meta.Envelope)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// Delete evicts the entry for key.
func (c *AttrCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached envelopes.
func (c *AttrCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
