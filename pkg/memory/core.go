// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kraklabs/unimem/pkg/events"
	"github.com/kraklabs/unimem/pkg/query"
	"github.com/kraklabs/unimem/pkg/router"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BackendStats aggregates the combined health of the backends the core
// fronts, formatted for get_stats().
type BackendStats struct {
	StructuredNamespaces int
	VectorNamespaces     int
	HNSWVectorCount      int
	CacheSize            int
	CacheHitRate         float64
	MemoryEstimateBytes  int64
	CacheBytes           int64
}

// GetStats reports combined backend health for get_stats().
func (c *Core) GetStats() BackendStats {
	vs := c.router.VectorStats()
	return BackendStats{
		StructuredNamespaces: len(c.router.ListNamespaces()),
		VectorNamespaces:     len(c.router.ListNamespaces()),
		HNSWVectorCount:      vs.HNSW.VectorCount,
		CacheSize:            vs.Cache.Size,
		CacheHitRate:         vs.Cache.HitRate,
		MemoryEstimateBytes:  vs.HNSW.MemoryEstimate,
		CacheBytes:           vs.Cache.Bytes,
	}
}

// HealthCheckResult reports whether the core and each backend it depends on
// is reachable and internally consistent.
type HealthCheckResult struct {
	Healthy          bool
	StructuredOK     bool
	VectorOK         bool
	ConsistencyNotes []string
}

// Core is the MemCore façade (§6): every public operation delegates to the
// router, which in turn dispatches to the structured and vector backends.
// Core is the layer that owns event publication and the optional
// persistence round-trip.
type Core struct {
	router *router.Router
	bus    *events.Bus
}

// New constructs a Core over an already-wired Router.
func New(r *router.Router, bus *events.Bus) *Core {
	return &Core{router: r, bus: bus}
}

func (c *Core) publish(topic events.Topic, payload map[string]any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}

// Store inserts or overwrites e.
func (c *Core) Store(ctx context.Context, e *Entry) error {
	if err := c.router.Store(ctx, e); err != nil {
		return err
	}
	c.publish(events.EntryStored, map[string]any{"id": e.ID, "namespace": e.Namespace})
	return nil
}

// Get fetches by id, publishing entry:retrieved on a hit.
func (c *Core) Get(id string) (*Entry, bool) {
	e, ok := c.router.Get(id)
	if ok {
		c.publish(events.EntryRetrieved, map[string]any{"id": id})
	}
	return e, ok
}

// GetByKey fetches by (namespace, key).
func (c *Core) GetByKey(namespace, key string) (*Entry, bool) {
	e, ok := c.router.GetByKey(namespace, key)
	if ok {
		c.publish(events.EntryRetrieved, map[string]any{"id": e.ID})
	}
	return e, ok
}

// Update applies patch to id.
func (c *Core) Update(ctx context.Context, id string, patch Patch, nowMillis int64) (*Entry, error) {
	updated, err := c.router.Update(ctx, id, patch, nowMillis)
	if err != nil {
		return nil, err
	}
	c.publish(events.EntryUpdated, map[string]any{"id": id})
	return updated, nil
}

// Delete removes id.
func (c *Core) Delete(ctx context.Context, id string) error {
	if err := c.router.Delete(ctx, id); err != nil {
		return err
	}
	c.publish(events.EntryDeleted, map[string]any{"id": id})
	return nil
}

// Query runs a structured/semantic/hybrid query per q.Variant.
func (c *Core) Query(ctx context.Context, q query.Query) ([]router.Hit, error) {
	hits, err := c.router.Route(ctx, q)
	if err != nil {
		return nil, err
	}
	c.publish(events.QueryExecuted, map[string]any{"variant": string(q.Variant), "results": len(hits)})
	return hits, nil
}

// Search runs a pure semantic search, a thin convenience over Query with a
// pre-resolved VariantSemantic.
func (c *Core) Search(ctx context.Context, embedding []float32, opts query.Query) ([]router.Hit, error) {
	opts.Variant = query.VariantSemantic
	opts.Embedding = embedding
	return c.Query(ctx, opts)
}

// BulkInsert writes every entry.
func (c *Core) BulkInsert(ctx context.Context, entries []*Entry) error {
	return c.router.BulkInsert(ctx, entries)
}

// BulkDelete removes every id.
func (c *Core) BulkDelete(ctx context.Context, ids []string) error {
	return c.router.BulkDelete(ctx, ids)
}

// Count reports the number of entries in namespace, or overall if empty.
func (c *Core) Count(namespace string) int { return c.router.Count(namespace) }

// ListNamespaces lists every namespace with at least one live entry.
func (c *Core) ListNamespaces() []string { return c.router.ListNamespaces() }

// ClearNamespace removes every entry in namespace.
func (c *Core) ClearNamespace(ctx context.Context, namespace string) (int, error) {
	return c.router.ClearNamespace(ctx, namespace)
}

// HealthCheck reports whether the core and its backends are reachable. Only
// the structured backend is probed, with a zero-result exact query that must
// not error; the vector backend is not queried and VectorOK is always true.
func (c *Core) HealthCheck(ctx context.Context) HealthCheckResult {
	result := HealthCheckResult{StructuredOK: true, VectorOK: true}
	if _, err := c.router.Route(ctx, query.Query{Variant: query.VariantExact, Namespace: "__health__", Key: "__health__", Limit: 1}); err != nil {
		result.StructuredOK = false
		result.ConsistencyNotes = append(result.ConsistencyNotes, "structured backend query failed: "+err.Error())
	}
	result.Healthy = result.StructuredOK && result.VectorOK
	return result
}

// snapshotEntry is the on-disk persistence record: every field a Put needs
// to faithfully replay add_point, as described in §6's persistence note.
type snapshotEntry struct {
	Entry *Entry `json:"entry"`
}

type snapshotFile struct {
	SavedAtMillis int64            `json:"savedAtMillis"`
	Entries       []snapshotEntry  `json:"entries"`
}

// Shutdown serializes every entry (across every namespace) to path, one
// JSON document, so a subsequent Load can rebuild the HNSW graph and
// secondary indexes from scratch. Entries are written in whatever order
// router.AllEntries returns them (descending createdAt). Replay order changes
// which neighbours each node links to, but the rebuilt HNSW graph never
// reproduces the saved one exactly in any case, since AddPoint draws every
// node's level at random.
func (c *Core) Shutdown(path string) error {
	entries := c.router.AllEntries("")
	all := make([]snapshotEntry, len(entries))
	for i, e := range entries {
		all[i] = snapshotEntry{Entry: e}
	}
	snap := snapshotFile{SavedAtMillis: time.Now().UnixMilli(), Entries: all}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Load replays every persisted entry through Store, in the order Shutdown
// wrote them, rebuilding the HNSW graph and secondary indexes. A missing
// file is not an error — it means starting from an empty core.
func (c *Core) Load(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, err
	}
	for _, se := range snap.Entries {
		if err := c.router.Store(ctx, se.Entry); err != nil {
			return 0, err
		}
	}
	return len(snap.Entries), nil
}
