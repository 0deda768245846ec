package cache

import (
	"sort"
	"sync"
)

// DirCache maps directory keys to the set of their immediate child names. A
// populated entry is complete for that directory as observed by this process;
// Add and Remove therefore mutate only populated entries, and a fresh
// directory is seeded with an empty (complete) set at mkdir time. There is no
// TTL; mounts are single-writer.
type DirCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{}
}

// NewDirCache creates an empty directory cache.
func NewDirCache() *DirCache {
	return &DirCache{entries: make(map[string]map[string]struct{})}
}

// Lookup returns the sorted child names of dir and whether dir is populated.
func (c *DirCache) Lookup(dir string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	set, ok := c.entries[dir]
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, true
}

// Store replaces dir's entry with the given names. An empty slice records a
// complete, empty directory.
func (c *DirCache) Store(dir string, names []string) {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[dir] = set
}

// Add inserts name into dir's set if dir is populated.
func (c *DirCache) Add(dir, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.entries[dir]; ok {
		set[name] = struct{}{}
	}
}

// Remove deletes name from dir's set if dir is populated. Listings may have
// recorded a sub-directory under its marker form, so both spellings go.
func (c *DirCache) Remove(dir, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.entries[dir]; ok {
		delete(set, name)
		delete(set, name+"/")
	}
}

// Drop evicts dir's entry entirely.
func (c *DirCache) Drop(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, dir)
}
