// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet_RoundTrip(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: time.Minute, SweepEvery: time.Hour})
	defer c.Close()

	c.Set("k", "v", 1)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestGet_ExpiredReturnsNoneAndCountsMiss(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: 10 * time.Millisecond, SweepEvery: time.Hour})
	defer c.Close()

	c.Set("k", "v", 1)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestSet_EvictsLRUWhenSizeExceeded(t *testing.T) {
	c := New(Config{MaxSize: 2, TTL: time.Minute, SweepEvery: time.Hour})
	defer c.Close()

	c.Set("a", 1, 1)
	c.Set("b", 2, 1)
	// Touch a so it becomes MRU, leaving b as LRU.
	c.Get("a")
	c.Set("c", 3, 1)

	_, ok := c.Get("b")
	assert.False(t, ok, "expected LRU entry b evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestSet_EvictsUntilWithinByteBudget(t *testing.T) {
	c := New(Config{MaxSize: 100, MaxMemory: 10, TTL: time.Minute, SweepEvery: time.Hour})
	defer c.Close()

	c.Set("a", 1, 6)
	c.Set("b", 2, 6)

	assert.LessOrEqual(t, c.Stats().Bytes, int64(10))
}

func TestDelete_RemovesEntry(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: time.Minute, SweepEvery: time.Hour})
	defer c.Close()

	c.Set("k", "v", 1)
	require.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestInvalidatePattern_DeletesMatchingKeys(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: time.Minute, SweepEvery: time.Hour})
	defer c.Close()

	c.Set("episodic:1", "a", 1)
	c.Set("episodic:2", "b", 1)
	c.Set("semantic:1", "c", 1)

	n, err := c.InvalidatePattern("^episodic:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get("semantic:1")
	assert.True(t, ok)
}

func TestStats_HitRate(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: time.Minute, SweepEvery: time.Hour})
	defer c.Close()

	c.Set("k", "v", 1)
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
}

func TestSweep_RemovesExpiredEntriesOnTimer(t *testing.T) {
	c := New(Config{MaxSize: 10, TTL: 5 * time.Millisecond, SweepEvery: 10 * time.Millisecond})
	defer c.Close()

	c.Set("k", "v", 1)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 0, c.Len())
}
