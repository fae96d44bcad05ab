// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/unimem/pkg/cache"
	"github.com/kraklabs/unimem/pkg/events"
	"github.com/kraklabs/unimem/pkg/hnsw"
	"github.com/kraklabs/unimem/pkg/query"
	"github.com/kraklabs/unimem/pkg/router"
	"github.com/kraklabs/unimem/pkg/store"
	"github.com/kraklabs/unimem/pkg/vecmath"
	"github.com/kraklabs/unimem/pkg/vectorstore"
)

func newTestCore(t *testing.T) (*Core, *events.Bus) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := vectorstore.New(vectorstore.Config{
		HNSW:  hnsw.Config{Dim: 4, M: 8, EfConstruction: 16, Metric: vecmath.MetricCosine},
		Cache: cache.Config{MaxSize: 100, TTL: time.Minute, SweepEvery: time.Hour},
	}, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	bus := events.NewBus(64)
	r := router.New(router.Config{DualWrite: true}, s, v)
	return New(r, bus), bus
}

func sampleEntry(id string) *Entry {
	now := time.Now().UnixMilli()
	return &Entry{
		ID: id, Key: id, Namespace: "ns", Content: "hello " + id,
		Embedding: []float32{1, 0, 0, 0}, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
}

func TestCore_StorePublishesEntryStoredEvent(t *testing.T) {
	c, bus := newTestCore(t)
	ch := make(chan events.Event, 8)
	unsubscribe := bus.Subscribe(events.SinkFunc(func(e events.Event) { ch <- e }))
	defer unsubscribe()

	require.NoError(t, c.Store(context.Background(), sampleEntry("e1")))

	select {
	case ev := <-ch:
		require.Equal(t, events.EntryStored, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected entry:stored event")
	}
}

func TestCore_GetAndGetByKey(t *testing.T) {
	c, _ := newTestCore(t)
	require.NoError(t, c.Store(context.Background(), sampleEntry("e1")))

	got, ok := c.Get("e1")
	require.True(t, ok)
	require.Equal(t, "e1", got.ID)

	got, ok = c.GetByKey("ns", "e1")
	require.True(t, ok)
	require.Equal(t, "e1", got.ID)
}

func TestCore_QuerySemanticAndCount(t *testing.T) {
	c, _ := newTestCore(t)
	require.NoError(t, c.Store(context.Background(), sampleEntry("e1")))
	require.NoError(t, c.Store(context.Background(), sampleEntry("e2")))

	hits, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, query.Query{Namespace: "ns", Limit: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	require.Equal(t, 2, c.Count("ns"))
	require.Equal(t, []string{"ns"}, c.ListNamespaces())
}

func TestCore_ShutdownAndLoadRoundTrip(t *testing.T) {
	c, _ := newTestCore(t)
	require.NoError(t, c.Store(context.Background(), sampleEntry("e1")))
	require.NoError(t, c.Store(context.Background(), sampleEntry("e2")))

	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, c.Shutdown(path))

	c2, _ := newTestCore(t)
	n, err := c2.Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, ok := c2.Get("e1")
	require.True(t, ok)
	require.Equal(t, "e1", got.ID)
	require.Equal(t, 2, c2.Count("ns"))
}

func TestCore_LoadMissingFileIsNotAnError(t *testing.T) {
	c, _ := newTestCore(t)
	n, err := c.Load(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCore_HealthCheckReportsHealthy(t *testing.T) {
	c, _ := newTestCore(t)
	result := c.HealthCheck(context.Background())
	require.True(t, result.Healthy)
}

func TestCore_GetStatsReflectsStoredEntries(t *testing.T) {
	c, _ := newTestCore(t)
	require.NoError(t, c.Store(context.Background(), sampleEntry("e1")))

	stats := c.GetStats()
	require.Equal(t, 1, stats.HNSWVectorCount)
	require.Equal(t, 1, stats.StructuredNamespaces)
}
