// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package containers holds small generic containers.
package containers

import (
	lru "github.com/hashicorp/golang-lru"
)

// LRUCache is a typed wrapper around an adaptive-replacement cache;
// it is safe for concurrent use.  Construct it with NewLRUCache.
type LRUCache[K comparable, V any] struct {
	arc *lru.ARCCache
}

// NewLRUCache returns a cache holding at most size entries.  It
// panics if size is not positive.
func NewLRUCache[K comparable, V any](size int) *LRUCache[K, V] {
	arc, err := lru.NewARC(size)
	if err != nil {
		panic(err)
	}
	return &LRUCache[K, V]{arc: arc}
}

func (c *LRUCache[K, V]) Add(key K, val V) { c.arc.Add(key, val) }
func (c *LRUCache[K, V]) Remove(key K)     { c.arc.Remove(key) }
func (c *LRUCache[K, V]) Len() int         { return c.arc.Len() }
func (c *LRUCache[K, V]) Purge()           { c.arc.Purge() }

func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	val, ok := c.arc.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(V), true //nolint:forcetypeassert // only Add stores values
}

// Load returns the cached value for key, calling fill to produce (and
// cache) it on a miss.  An error from fill is returned as-is and
// nothing is cached.  Concurrent misses on the same key may each call
// fill.
func (c *LRUCache[K, V]) Load(key K, fill func(K) (V, error)) (V, error) {
	if val, ok := c.Get(key); ok {
		return val, nil
	}
	val, err := fill(key)
	if err != nil {
		return val, err
	}
	c.Add(key, val)
	return val, nil
}
