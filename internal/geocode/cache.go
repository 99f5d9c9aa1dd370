package geocode

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"fleet-analytics/internal/metrics"
)

// Entry is a cached lookup. A nil Address records that the provider had no
// address for the point, so it is not asked again.
type Entry struct {
	Key        string    `json:"key"`
	Address    *Address  `json:"address"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Cache is a bounded LRU of lookups keyed by rounded coordinate. It is safe
// for concurrent use and meant to be shared by every request in the process.
type Cache struct {
	entries *lru.Cache[string, Entry]
}

// NewCache returns a cache holding at most size entries.
func NewCache(size int) (*Cache, error) {
	entries, err := lru.NewWithEvict[string, Entry](size, func(string, Entry) {
		metrics.GeocodeCacheEntries.Dec()
	})
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Get returns the entry for key and records a hit or miss.
func (c *Cache) Get(key string) (Entry, bool) {
	e, ok := c.entries.Get(key)
	if ok {
		metrics.GeocodeCacheHits.Inc()
	} else {
		metrics.GeocodeCacheMisses.Inc()
	}
	return e, ok
}

// Add stores the outcome of a lookup, evicting the least recently used
// entry when full.
func (c *Cache) Add(key string, addr *Address) {
	e := Entry{Key: key, Address: addr, ResolvedAt: time.Now().UTC()}
	if !c.entries.Contains(key) {
		metrics.GeocodeCacheEntries.Inc()
	}
	c.entries.Add(key, e)
}

// peek returns the entry for key without touching recency or the hit and
// miss counters.
func (c *Cache) peek(key string) (Entry, bool) {
	return c.entries.Peek(key)
}

// Len returns the number of cached lookups, negative results included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.entries.Purge()
}
