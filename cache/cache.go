// Package cache provides a fixed-size LRU cache.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-size least-recently-used cache. A capacity of zero or
// less disables it.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	items     map[K]*list.Element
	onEvicted func(key K, value V)

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRU creates a cache. onEvicted, if set, is called with the lock held
// for every entry that leaves the cache, including on Clear.
func NewLRU[K comparable, V any](capacity int, onEvicted func(key K, value V)) *LRU[K, V] {
	return &LRU[K, V]{
		capacity:  capacity,
		order:     list.New(),
		items:     make(map[K]*list.Element),
		onEvicted: onEvicted,
	}
}

// Get retrieves a value and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return value, false
	}
	if elem, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.order.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}
	c.misses.Add(1)
	return value, false
}

// Put adds or replaces a value, evicting the least recently used entry when
// full. Replacing a value does not call onEvicted for the old one.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entry[K, V]).value = value
		return
	}
	if c.order.Len() >= c.capacity {
		c.evict()
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
}

// GetOrAdd returns the cached value of key, or stores the one built by load.
// load runs with the cache locked.
func (c *LRU[K, V]) GetOrAdd(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, nil
	}
	v, err := load()
	if err != nil || c.capacity <= 0 {
		return v, err
	}
	if c.order.Len() >= c.capacity {
		c.evict()
	}
	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: v})
	return v, nil
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// evict removes the least recently used item. Must be called with c.mu held.
func (c *LRU[K, V]) evict() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	e := c.order.Remove(elem).(*entry[K, V])
	delete(c.items, e.key)
	if c.onEvicted != nil {
		c.onEvicted(e.key, e.value)
	}
}

// Clear removes every entry and resets the hit counters.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.items {
			e := elem.Value.(*entry[K, V])
			c.onEvicted(e.key, e.value)
		}
	}
	c.order = list.New()
	c.items = make(map[K]*list.Element)
	c.hits.Store(0)
	c.misses.Store(0)
}

// HitRate returns hits / (hits + misses), or zero before any lookup.
func (c *LRU[K, V]) HitRate() float64 {
	hits, misses := float64(c.hits.Load()), float64(c.misses.Load())
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}
