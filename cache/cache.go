package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// cacheEntry holds the key and value for a cache item.
type cacheEntry[V any] struct {
	key   string
	value V
}

// LRUCache implements a fixed-size LRU cache. A capacity of zero or less
// disables it: Put is a no-op and Get always misses.
type LRUCache[V any] struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value V) // Optional callback on eviction
	onHit      func(key string)          // Optional: called on a cache hit.
	onMiss     func(key string)          // Optional: called on a cache miss.

	hits   *expvar.Int
	misses *expvar.Int
}

var _ Interface[int] = (*LRUCache[int])(nil)

// NewLRUCache creates a new LRUCache.
func NewLRUCache[V any](capacity int, onEvicted func(key string, value V), onHit, onMiss func(key string)) *LRUCache[V] {
	if capacity < 0 {
		capacity = 0
	}
	return &LRUCache[V]{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
		onHit:      onHit,
		onMiss:     onMiss,
	}
}

func (c *LRUCache[V]) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value from the cache.
func (c *LRUCache[V]) Get(key string) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A disabled cache does not count misses.
	if c.capacity <= 0 {
		return value, false
	}

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(key)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry[V]).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(key)
	}
	return value, false
}

// Put adds a value to the cache.
func (c *LRUCache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry[V]).value = value
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	element := c.lruList.PushFront(&cacheEntry[V]{key: key, value: value})
	c.cacheItems[key] = element
}

// Delete removes key from the cache without calling onEvicted.
// It reports whether the key was present.
func (c *LRUCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cacheItems[key]
	if !ok {
		return false
	}
	c.lruList.Remove(elem)
	delete(c.cacheItems, key)
	return true
}

// Len returns the current number of items in the cache.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item from the cache.
// Must be called with c.mu locked.
func (c *LRUCache[V]) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removedEntry := c.lruList.Remove(elem).(*cacheEntry[V])
		delete(c.cacheItems, removedEntry.key)
		if c.onEvicted != nil {
			c.onEvicted(removedEntry.key, removedEntry.value)
		}
	}
}

// Clear removes all entries from the cache and resets its metrics.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*cacheEntry[V])
			c.onEvicted(entry.key, entry.value)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[string]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// GetHitRate calculates the cache hit rate.
// This is useful for expvar.Func.
func (c *LRUCache[V]) GetHitRate() float64 {
	c.mu.Lock()
	hitsVar, missesVar := c.hits, c.misses
	c.mu.Unlock()

	var hits, misses float64
	if hitsVar != nil {
		hits = float64(hitsVar.Value())
	}
	if missesVar != nil {
		misses = float64(missesVar.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
