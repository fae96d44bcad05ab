// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache implements the LRU+TTL cache fronting the memory core: a
// doubly-linked list plus hash map for O(1) get/set/delete, a byte budget in
// addition to the entry-count cap, and a background sweep that evicts
// expired entries on a timer independent of access patterns.
package cache

import (
	"container/list"
	"regexp"
	"sync"
	"time"
)

// Config bounds a Cache instance. Zero values fall back to the spec
// defaults: 10 000 entries, 300s TTL, sweep every 60s.
type Config struct {
	MaxSize    int
	MaxMemory  int64 // bytes; 0 means unbounded
	TTL        time.Duration
	SweepEvery time.Duration
}

// DefaultConfig returns the spec's default cache tuning.
func DefaultConfig() Config {
	return Config{
		MaxSize:    10_000,
		MaxMemory:  0,
		TTL:        300 * time.Second,
		SweepEvery: 60 * time.Second,
	}
}

type entry struct {
	key            string
	value          any
	cachedAt       time.Time
	expiresAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
	byteEstimate   int64
}

// Stats summarizes cache health for get_stats().
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Bytes     int64
	Size      int
	HitRate   float64
}

// Cache is an LRU+TTL cache keyed by string. Safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	cfg   Config
	items map[string]*list.Element
	order *list.List // front = MRU, back = LRU

	hits, misses, evictions int64
	bytes                   int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a Cache and starts its background sweep goroutine. Call
// Close to stop the sweep.
func New(cfg Config) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 60 * time.Second
	}
	c := &Cache{
		cfg:       cfg,
		items:     make(map[string]*list.Element),
		order:     list.New(),
		stopSweep: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var next *list.Element
	for e := c.order.Back(); e != nil; e = next {
		next = e.Prev()
		it := e.Value.(*entry)
		if now.After(it.expiresAt) {
			c.removeElement(e)
		}
	}
}

// Close stops the background sweep. Idempotent.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// Get returns the cached value for key and whether it was present and
// unexpired. A hit moves the entry to MRU; an expired entry is evicted and
// counted as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	it := el.Value.(*entry)
	if time.Now().After(it.expiresAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	it.lastAccessedAt = time.Now()
	it.accessCount++
	c.order.MoveToFront(el)
	c.hits++
	return it.value, true
}

// Set stores value under key with byteEstimate counted toward MaxMemory,
// refreshing TTL. It evicts LRU entries until both the size and byte
// budgets are satisfied.
func (c *Cache) Set(key string, value any, byteEstimate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.items[key]; ok {
		it := el.Value.(*entry)
		c.bytes -= it.byteEstimate
		it.value = value
		it.byteEstimate = byteEstimate
		it.cachedAt = now
		it.expiresAt = now.Add(c.cfg.TTL)
		it.lastAccessedAt = now
		c.bytes += byteEstimate
		c.order.MoveToFront(el)
		c.evictUntilWithinBudget()
		return
	}

	it := &entry{
		key:            key,
		value:          value,
		cachedAt:       now,
		expiresAt:      now.Add(c.cfg.TTL),
		lastAccessedAt: now,
		byteEstimate:   byteEstimate,
	}
	el := c.order.PushFront(it)
	c.items[key] = el
	c.bytes += byteEstimate
	c.evictUntilWithinBudget()
}

func (c *Cache) evictUntilWithinBudget() {
	for c.order.Len() > c.cfg.MaxSize || (c.cfg.MaxMemory > 0 && c.bytes > c.cfg.MaxMemory) {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.evictions++
	}
}

// removeElement deletes an element from both the map and list and
// decrements the byte counter. Caller must hold c.mu.
func (c *Cache) removeElement(el *list.Element) {
	it := el.Value.(*entry)
	delete(c.items, it.key)
	c.order.Remove(el)
	c.bytes -= it.byteEstimate
}

// Delete removes key if present, reporting whether it was.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// InvalidatePattern deletes every key matching the given regular
// expression, walking keys in recency order from LRU to MRU (Get and Set
// move a key to MRU, so this is not insertion order), and returns the count
// removed.
func (c *Cache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for e := c.order.Back(); e != nil; e = e.Prev() {
		it := e.Value.(*entry)
		if re.MatchString(it.key) {
			toRemove = append(toRemove, e)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
	return len(toRemove), nil
}

// Stats reports cumulative hit/miss/eviction counters and current usage.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	var rate float64
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Bytes:     c.bytes,
		Size:      c.order.Len(),
		HitRate:   rate,
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
