// Package transcache implements the in-memory, bounded first-level
// translation cache: a least-recently-used list of translated blocks
// that additionally resists evicting blocks that have proven hot.
package transcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/arcrosse/dbt/internal/guest"
)

// DefaultCapacity is the number of entries the cache holds before it
// must evict to make room for a new one.
const DefaultCapacity = 1024

// HotThreshold is the access count beyond which an entry is treated as
// hot and is skipped when looking for something to evict.
const HotThreshold = guest.HotAccessThreshold

// Entry is one cached translation: a guest block's host instruction
// words, plus the bookkeeping the eviction policy needs.
type Entry struct {
	Hash        guest.Hash64
	Addr        guest.Addr
	HostWords   []uint32
	AccessCount int
}

func (e *Entry) hot() bool { return e.AccessCount > HotThreshold }

// Stats holds monotonic counters for cache outcomes. Lookup updates
// Hits and Misses directly (Store updates no counter); RecordL2Hit lets a caller that
// composes this cache with a second-level cache (pkg/persist) report
// that a miss here was satisfied one level down.
type Stats struct {
	Hits   atomic.Uint64
	L2Hits atomic.Uint64
	Misses atomic.Uint64
}

// Cache is a bounded, thread-safe LRU of translation entries. All
// access goes through a single mutex: the cache is expected to be hot
// and short-held, not a contention bottleneck worth sharding.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	index    map[guest.Hash64]*list.Element

	Stats Stats
}

// New returns an empty cache bounded to capacity entries. A capacity
// of 0 or less uses DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[guest.Hash64]*list.Element),
	}
}

// Lookup returns the entry for hash, moving it to the front of the LRU
// order and incrementing its access count on a hit.
func (c *Cache) Lookup(hash guest.Hash64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[hash]
	if !ok {
		c.Stats.Misses.Add(1)
		return Entry{}, false
	}

	entry := el.Value.(*Entry)
	entry.AccessCount++
	c.order.MoveToFront(el)
	c.Stats.Hits.Add(1)
	return *entry, true
}

// Store inserts or replaces the entry for hash. If the cache is at
// capacity and hash is not already present, Store evicts the least
// recently used non-hot entry; if every entry is hot, it evicts the
// least recently used entry regardless, so a pathological all-hot
// working set still admits new translations.
func (c *Cache) Store(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[entry.Hash]; ok {
		*el.Value.(*Entry) = entry
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.capacity {
		c.evictOne()
	}

	el := c.order.PushFront(&entry)
	c.index[entry.Hash] = el
}

// RecordL2Hit records that a lookup missing here was satisfied by the
// second-level cache. It does not affect eviction state.
func (c *Cache) RecordL2Hit() {
	c.Stats.L2Hits.Add(1)
}

// evictOne removes one entry to make room, preferring the least
// recently used entry that is not hot.
func (c *Cache) evictOne() {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*Entry)
		if !entry.hot() {
			c.removeElement(el)
			return
		}
	}
	// Every entry is hot: evict the least recently used one anyway.
	if back := c.order.Back(); back != nil {
		c.removeElement(back)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	entry := el.Value.(*Entry)
	delete(c.index, entry.Hash)
	c.order.Remove(el)
}

// Len reports how many entries are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Contains reports whether hash is cached, without affecting LRU order
// or access counts.
func (c *Cache) Contains(hash guest.Hash64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[hash]
	return ok
}
