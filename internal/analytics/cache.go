package analytics

import (
	"sync"
	"time"
)

// DefaultSnapshotTTL bounds how long a cached snapshot is kept
const DefaultSnapshotTTL = time.Hour

// Cache keeps the latest snapshot per session. Entries exist only to bound
// recomputation; eviction is by GeneratedAt age.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Snapshot
	ttl     time.Duration
}

// NewCache creates a cache; a non-positive ttl uses DefaultSnapshotTTL
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Cache{entries: make(map[string]Snapshot), ttl: ttl}
}

// TTL returns the eviction age
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Put stores a snapshot, replacing any earlier one for the session
func (c *Cache) Put(snap Snapshot) {
	c.mu.Lock()
	c.entries[snap.SessionID] = snap
	c.mu.Unlock()
}

// Get returns the cached snapshot if present and younger than the TTL at now
func (c *Cache) Get(sessionID string, now time.Time) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.entries[sessionID]
	if !ok || now.Sub(snap.GeneratedAt) > c.ttl {
		return Snapshot{}, false
	}
	return snap, true
}

// Delete drops the session's snapshot
func (c *Cache) Delete(sessionID string) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// Evict removes every snapshot older than the TTL and returns the count
func (c *Cache) Evict(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, snap := range c.entries {
		if now.Sub(snap.GeneratedAt) > c.ttl {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of cached snapshots
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
