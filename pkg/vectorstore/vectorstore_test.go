// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package vectorstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/unimem/pkg/cache"
	"github.com/kraklabs/unimem/pkg/hnsw"
	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/vecmath"
)

func newTestVectorStore(t *testing.T) *VectorStore {
	t.Helper()
	cfg := Config{
		HNSW:  hnsw.Config{Dim: 4, M: 8, EfConstruction: 16, Metric: vecmath.MetricCosine},
		Cache: cache.Config{MaxSize: 100, TTL: time.Minute, SweepEvery: time.Hour},
	}
	vs, err := New(cfg, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	return vs
}

func sampleEntry(id, namespace string, embedding []float32) *memory.Entry {
	now := time.Now().UnixMilli()
	return &memory.Entry{
		ID: id, Namespace: namespace, Key: id, Embedding: embedding,
		Type: memory.TypeSemantic, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
}

func TestPutGet_IndexesEmbeddingAndCaches(t *testing.T) {
	vs := newTestVectorStore(t)
	e := sampleEntry("id1", "ns1", []float32{1, 0, 0, 0})
	require.NoError(t, vs.Put(e))

	got, ok := vs.Get("id1")
	require.True(t, ok)
	require.Equal(t, "id1", got.ID)
}

func TestPut_DimensionMismatchRejected(t *testing.T) {
	vs := newTestVectorStore(t)
	e := sampleEntry("id1", "ns1", []float32{1, 0})
	err := vs.Put(e)
	require.Error(t, err)
}

func TestSearch_ReturnsDescendingScore(t *testing.T) {
	vs := newTestVectorStore(t)
	require.NoError(t, vs.Put(sampleEntry("a", "ns1", []float32{1, 0, 0, 0})))
	require.NoError(t, vs.Put(sampleEntry("b", "ns1", []float32{0, 1, 0, 0})))
	require.NoError(t, vs.Put(sampleEntry("c", "ns1", []float32{0.9, 0.1, 0, 0})))

	hits, err := vs.Search([]float32{1, 0, 0, 0}, SearchOptions{K: 2, EF: 16})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "a", hits[0].Entry.ID)
	require.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestSearch_ThresholdDropsLowScores(t *testing.T) {
	vs := newTestVectorStore(t)
	require.NoError(t, vs.Put(sampleEntry("a", "ns1", []float32{1, 0, 0, 0})))
	require.NoError(t, vs.Put(sampleEntry("b", "ns1", []float32{0, 1, 0, 0})))

	hits, err := vs.Search([]float32{1, 0, 0, 0}, SearchOptions{K: 5, EF: 16, HasThreshold: true, Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a", hits[0].Entry.ID)
}

func TestSearch_StructuralFilterByNamespace(t *testing.T) {
	vs := newTestVectorStore(t)
	require.NoError(t, vs.Put(sampleEntry("a", "ns1", []float32{1, 0, 0, 0})))
	require.NoError(t, vs.Put(sampleEntry("b", "ns2", []float32{0.99, 0.01, 0, 0})))

	hits, err := vs.Search([]float32{1, 0, 0, 0}, SearchOptions{K: 5, EF: 16, Namespace: "ns1"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a", hits[0].Entry.ID)
}

func TestDelete_RemovesFromIndexAndStore(t *testing.T) {
	vs := newTestVectorStore(t)
	require.NoError(t, vs.Put(sampleEntry("a", "ns1", []float32{1, 0, 0, 0})))
	require.True(t, vs.Delete("a"))

	_, ok := vs.Get("a")
	require.False(t, ok)

	hits, err := vs.Search([]float32{1, 0, 0, 0}, SearchOptions{K: 5, EF: 16})
	require.NoError(t, err)
	require.Empty(t, hits)
}
