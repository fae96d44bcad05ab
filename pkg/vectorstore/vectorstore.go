// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package vectorstore implements the vector backend (C7): the authoritative
// id -> entry map and secondary indexes (delegated to pkg/store, reused
// rather than duplicated), the HNSW index (pkg/hnsw), and a front-of-store
// cache (pkg/cache). It exposes the same backend contract as pkg/store plus
// Search.
package vectorstore

import (
	"fmt"
	"sort"
	"time"

	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/pkg/cache"
	"github.com/kraklabs/unimem/pkg/hnsw"
	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/query"
	"github.com/kraklabs/unimem/pkg/store"
	"github.com/kraklabs/unimem/pkg/vecmath"
)

// SearchOptions parameterizes Search beyond the raw embedding + k.
type SearchOptions struct {
	K              int
	Threshold      float32
	HasThreshold   bool
	EF             int
	Namespace      string
	Tags           []string
	CreatedAfter   int64
	CreatedBefore  int64
	IncludeExpired bool
	Legacy         bool // gates the 1-distance vs 1/(1+distance) similarity form
}

// SearchHit is a single semantic search result.
type SearchHit struct {
	Entry *memory.Entry
	Score float32
}

// VectorStore is the semantic backend.
type VectorStore struct {
	entries *store.Store
	index   *hnsw.Index
	cache   *cache.Cache
	metric  vecmath.Metric
	dim     int
}

// Config parameterizes a new VectorStore.
type Config struct {
	HNSW  hnsw.Config
	Cache cache.Config
}

// New constructs a VectorStore over its own entries store opened at
// entriesPath, which may be ":memory:" or a buntdb file path. The HNSW index
// starts empty either way; entries already in a file are not re-indexed.
func New(cfg Config, entriesPath string) (*VectorStore, error) {
	entries, err := store.Open(entriesPath)
	if err != nil {
		return nil, err
	}
	return &VectorStore{
		entries: entries,
		index:   hnsw.New(cfg.HNSW),
		cache:   cache.New(cfg.Cache),
		metric:  cfg.HNSW.Metric,
		dim:     cfg.HNSW.Dim,
	}, nil
}

func (v *VectorStore) cacheKey(id string) string { return "entry:" + id }

// Put stores e, indexing its embedding into the HNSW graph when present and
// invalidating any cached copy.
func (v *VectorStore) Put(e *memory.Entry) error {
	if len(e.Embedding) > 0 {
		if len(e.Embedding) != v.dim {
			return unierrors.New(unierrors.KindDimensionMismatch, "entry embedding length does not match configured dimension")
		}
		if err := v.index.AddPoint(e.ID, e.Embedding); err != nil {
			return err
		}
	}
	if err := v.entries.Put(e); err != nil {
		return err
	}
	v.cache.Delete(v.cacheKey(e.ID))
	return nil
}

// Get returns the entry for id, consulting the cache first (per the
// concurrency model: get(id) reads from the vector backend, which has
// cache).
func (v *VectorStore) Get(id string) (*memory.Entry, bool) {
	if cached, ok := v.cache.Get(v.cacheKey(id)); ok {
		e, ok := cached.(*memory.Entry)
		return e, ok
	}
	e, ok := v.entries.Get(id)
	if ok {
		v.cache.Set(v.cacheKey(id), e, int64(len(e.Content)))
	}
	return e, ok
}

// GetByKey is delegated straight to the structured entries store: per the
// concurrency model, getByKey always reads from the structured backend.
func (v *VectorStore) GetByKey(namespace, key string) (*memory.Entry, bool) {
	return v.entries.GetByKey(namespace, key)
}

// Update applies patch to id, re-indexing the embedding if it changed.
func (v *VectorStore) Update(id string, patch memory.Patch, nowMillis int64) (*memory.Entry, bool) {
	updated, ok := v.entries.Update(id, patch, nowMillis)
	if !ok {
		return nil, false
	}
	if patch.Embedding != nil && len(updated.Embedding) > 0 {
		if err := v.index.AddPoint(id, updated.Embedding); err != nil {
			return nil, false
		}
	}
	v.cache.Delete(v.cacheKey(id))
	return updated, true
}

// Delete removes id from both the HNSW index and the entries store.
func (v *VectorStore) Delete(id string) bool {
	v.index.RemovePoint(id)
	v.cache.Delete(v.cacheKey(id))
	return v.entries.Delete(id)
}

// ClearNamespace removes every entry in namespace from both the HNSW index
// and the entries store.
func (v *VectorStore) ClearNamespace(namespace string) int {
	ids := make([]string, 0)
	for _, e := range v.entries.Query(query.Query{Namespace: namespace, Limit: 1 << 30, IncludeExpired: true}) {
		ids = append(ids, e.ID)
	}
	for _, id := range ids {
		v.index.RemovePoint(id)
		v.cache.Delete(v.cacheKey(id))
	}
	return v.entries.ClearNamespace(namespace)
}

// Count delegates to the entries store.
func (v *VectorStore) Count(namespace string) int { return v.entries.Count(namespace) }

// ListNamespaces delegates to the entries store.
func (v *VectorStore) ListNamespaces() []string { return v.entries.ListNamespaces() }

// Query delegates structured queries to the entries store (C7 implements
// the same backend contract as C6).
func (v *VectorStore) Query(q query.Query) []*memory.Entry { return v.entries.Query(q) }

// Search runs the C7 search flow: HNSW candidates, entry resolution,
// distance-to-similarity conversion, threshold filtering, structural
// filtering, top-k descending by score.
func (v *VectorStore) Search(embedding []float32, opts SearchOptions) ([]SearchHit, error) {
	if len(embedding) != v.dim {
		return nil, unierrors.New(unierrors.KindDimensionMismatch, "query embedding length does not match configured dimension")
	}
	k := opts.K
	if k <= 0 {
		return nil, nil
	}

	candidates, err := v.index.Search(embedding, k, opts.EF)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	hits := make([]SearchHit, 0, len(candidates))
	for _, c := range candidates {
		e, ok := v.Get(c.ID)
		if !ok {
			continue
		}
		if e.IsExpired(now) && !opts.IncludeExpired {
			continue
		}
		if opts.Namespace != "" && e.Namespace != opts.Namespace {
			continue
		}
		if len(opts.Tags) > 0 && !e.HasAllTags(opts.Tags) {
			continue
		}
		if opts.CreatedAfter != 0 && e.CreatedAt < opts.CreatedAfter {
			continue
		}
		if opts.CreatedBefore != 0 && e.CreatedAt > opts.CreatedBefore {
			continue
		}

		score := v.metric.Similarity(c.Distance, opts.Legacy)
		if opts.HasThreshold && score < opts.Threshold {
			continue
		}
		hits = append(hits, SearchHit{Entry: e, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entry.ID < hits[j].Entry.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Stats reports combined index + cache health, formatted for get_stats().
type Stats struct {
	HNSW  hnsw.Stats
	Cache cache.Stats
}

func (v *VectorStore) Stats() Stats {
	return Stats{HNSW: v.index.Stats(), Cache: v.cache.Stats()}
}

// Close releases the underlying entries store and cache sweep goroutine.
func (v *VectorStore) Close() error {
	v.cache.Close()
	return v.entries.Close()
}

func (v *VectorStore) String() string {
	return fmt.Sprintf("VectorStore(dim=%d, metric=%s)", v.dim, v.metric)
}
