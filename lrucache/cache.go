/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"fmt"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRUCache keeps at most maxEntries values. Adding to a full cache evicts the least recently used entry.
// It is safe for concurrent use.
type LRUCache[K comparable, V any] struct {
	maxEntries int
	metrics    MetricsCollector

	mu       sync.Mutex
	recency  *list.List // front is the most recently used
	elements map[K]*list.Element
}

// New creates an LRUCache. A nil metrics collector disables metrics.
func New[K comparable, V any](maxEntries int, metrics MetricsCollector) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be positive, got %d", maxEntries)
	}
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	return &LRUCache[K, V]{
		maxEntries: maxEntries,
		metrics:    metrics,
		recency:    list.New(),
		elements:   make(map[K]*list.Element, maxEntries),
	}, nil
}

// Get returns the value stored for key and marks it as recently used.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key)
}

// GetOrAdd returns the value stored for key. If there is none, newValue is called
// under the cache lock and its result is stored, so concurrent callers get the same value.
func (c *LRUCache[K, V]) GetOrAdd(key K, newValue func() V) (value V, existed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, existed = c.lookup(key); existed {
		return value, true
	}
	value = newValue()
	c.elements[key] = c.recency.PushFront(&entry[K, V]{key: key, value: value})
	if len(c.elements) > c.maxEntries {
		oldest := c.recency.Back()
		c.recency.Remove(oldest)
		delete(c.elements, oldest.Value.(*entry[K, V]).key)
		c.metrics.AddEvictions(1)
	}
	c.metrics.SetAmount(len(c.elements))
	return value, false
}

// Remove deletes the entry of key. It reports whether there was one.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.elements[key]
	if !ok {
		return false
	}
	c.recency.Remove(elem)
	delete(c.elements, key)
	c.metrics.SetAmount(len(c.elements))
	return true
}

// Len returns the number of entries.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.elements)
}

func (c *LRUCache[K, V]) lookup(key K) (value V, ok bool) {
	elem, ok := c.elements[key]
	if !ok {
		c.metrics.IncMisses()
		return value, false
	}
	c.recency.MoveToFront(elem)
	c.metrics.IncHits()
	return elem.Value.(*entry[K, V]).value, true
}
