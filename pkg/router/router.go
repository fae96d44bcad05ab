// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router implements the hybrid router (C8): query classification
// and dispatch across the structured store (C6) and vector store (C7),
// hybrid-query merging per CombineStrategy, and dual-write mutation
// fan-out with partial-failure reporting.
package router

import (
	"context"
	"sync"

	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/query"
	"github.com/kraklabs/unimem/pkg/store"
	"github.com/kraklabs/unimem/pkg/vectorstore"
)

// Hit is a single routed result. Score is zero for results that came only
// from the structured backend.
type Hit struct {
	Entry *memory.Entry
	Score float32
}

// Config tunes dual-write behavior.
type Config struct {
	// DualWrite mirrors every mutation to both backends. When false (the
	// zero value) the vector store is authoritative and the structured store
	// is not written; reads fall back to the vector store.
	DualWrite bool
}

// Router holds references to both backends and takes no lock of its own
// (per the concurrency model): each backend enforces its own discipline.
type Router struct {
	cfg        Config
	structured *store.Store
	vector     *vectorstore.VectorStore
}

// New constructs a Router with cfg as given: a zero Config runs in degraded
// (vector-only) mode, so callers that want dual-write set DualWrite to true,
// as the CLI's DefaultConfig does.
func New(cfg Config, structured *store.Store, vector *vectorstore.VectorStore) *Router {
	return &Router{cfg: cfg, structured: structured, vector: vector}
}

// Route classifies q per its already-resolved Variant (query.Builder.Build
// runs auto-resolution) and dispatches to the appropriate backend(s),
// merging hybrid results per q.Combine.
func (r *Router) Route(ctx context.Context, q query.Query) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch q.Variant {
	case query.VariantSemantic:
		return r.searchSemantic(q)
	case query.VariantHybrid:
		return r.routeHybrid(q)
	default:
		return wrapStructured(r.structured.Query(q)), nil
	}
}

func (r *Router) routeHybrid(q query.Query) ([]Hit, error) {
	var structuredHits, semanticHits []Hit
	var semErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		structuredHits = wrapStructured(r.structured.Query(q))
	}()
	go func() {
		defer wg.Done()
		semanticHits, semErr = r.searchSemantic(q)
	}()
	wg.Wait()

	if semErr != nil {
		return nil, semErr
	}
	return mergeHits(q.Combine, structuredHits, semanticHits), nil
}

func (r *Router) searchSemantic(q query.Query) ([]Hit, error) {
	opts := vectorstore.SearchOptions{
		K:              q.Limit,
		Threshold:      q.Threshold,
		HasThreshold:   q.HasThreshold,
		Namespace:      q.Namespace,
		Tags:           q.Tags,
		CreatedAfter:   q.CreatedAfter,
		CreatedBefore:  q.CreatedBefore,
		IncludeExpired: q.IncludeExpired,
	}
	hits, err := r.vector.Search(q.Embedding, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		out[i] = Hit{Entry: h.Entry, Score: h.Score}
	}
	return out, nil
}

func wrapStructured(entries []*memory.Entry) []Hit {
	out := make([]Hit, len(entries))
	for i, e := range entries {
		out[i] = Hit{Entry: e}
	}
	return out
}

func hitSet(hits []Hit) map[string]struct{} {
	set := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		set[h.Entry.ID] = struct{}{}
	}
	return set
}

// mergeHits implements the four CombineStrategy semantics from spec scenario
// 4: union/structured-first both preserve structured order then append
// semantic-only additions (the two coincide on the spec's own example);
// semantic-first does the mirror image; intersection keeps only ids present
// in both, ordered by semantic position.
func mergeHits(strategy query.CombineStrategy, structured, semantic []Hit) []Hit {
	switch strategy {
	case query.CombineIntersection:
		structuredSet := hitSet(structured)
		var out []Hit
		for _, h := range semantic {
			if _, ok := structuredSet[h.Entry.ID]; ok {
				out = append(out, h)
			}
		}
		return out
	case query.CombineSemanticFirst:
		semanticSet := hitSet(semantic)
		out := append([]Hit(nil), semantic...)
		for _, h := range structured {
			if _, ok := semanticSet[h.Entry.ID]; !ok {
				out = append(out, h)
			}
		}
		return out
	default: // CombineUnion, CombineStructuredFirst
		structuredSet := hitSet(structured)
		out := append([]Hit(nil), structured...)
		for _, h := range semantic {
			if _, ok := structuredSet[h.Entry.ID]; !ok {
				out = append(out, h)
			}
		}
		return out
	}
}

// dualWrite runs structuredOp and vectorOp concurrently, reporting which
// backend(s) failed via unierrors.PartialWriteFailure.
func (r *Router) dualWrite(structuredOp, vectorOp func() error) error {
	var wg sync.WaitGroup
	var structuredErr, vectorErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		structuredErr = structuredOp()
	}()
	go func() {
		defer wg.Done()
		vectorErr = vectorOp()
	}()
	wg.Wait()

	switch {
	case structuredErr == nil && vectorErr == nil:
		return nil
	case structuredErr != nil && vectorErr != nil:
		return unierrors.Wrap(unierrors.KindPartialWriteFailure, "both backends failed", structuredErr)
	case structuredErr != nil:
		return unierrors.PartialWriteFailure("structured", structuredErr)
	default:
		return unierrors.PartialWriteFailure("vector", vectorErr)
	}
}

// Store writes e to both backends when DualWrite is enabled, else to the
// vector store alone.
func (r *Router) Store(ctx context.Context, e *memory.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.cfg.DualWrite {
		return r.vector.Put(e)
	}
	return r.dualWrite(
		func() error { return r.structured.Put(e) },
		func() error { return r.vector.Put(e) },
	)
}

// Get reads from the vector backend, which fronts a cache, per the
// concurrency model.
func (r *Router) Get(id string) (*memory.Entry, bool) { return r.vector.Get(id) }

// GetByKey reads from the structured backend when dual-write is enabled
// (it is authoritative); in degraded mode the vector store's own entries
// are the only durable copy.
func (r *Router) GetByKey(namespace, key string) (*memory.Entry, bool) {
	if r.cfg.DualWrite {
		return r.structured.GetByKey(namespace, key)
	}
	return r.vector.GetByKey(namespace, key)
}

// Update applies patch to id on both backends when dual-write is enabled.
func (r *Router) Update(ctx context.Context, id string, patch memory.Patch, nowMillis int64) (*memory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.cfg.DualWrite {
		updated, ok := r.vector.Update(id, patch, nowMillis)
		if !ok {
			return nil, unierrors.New(unierrors.KindNotFound, "entry not found")
		}
		return updated, nil
	}

	var structuredResult *memory.Entry
	err := r.dualWrite(
		func() error {
			updated, ok := r.structured.Update(id, patch, nowMillis)
			if !ok {
				return unierrors.New(unierrors.KindNotFound, "entry not found in structured backend")
			}
			structuredResult = updated
			return nil
		},
		func() error {
			if _, ok := r.vector.Update(id, patch, nowMillis); !ok {
				return unierrors.New(unierrors.KindNotFound, "entry not found in vector backend")
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return structuredResult, nil
}

// Delete removes id from both backends when dual-write is enabled.
func (r *Router) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.cfg.DualWrite {
		if !r.vector.Delete(id) {
			return unierrors.New(unierrors.KindNotFound, "entry not found")
		}
		return nil
	}
	return r.dualWrite(
		func() error {
			if !r.structured.Delete(id) {
				return unierrors.New(unierrors.KindNotFound, "entry not found in structured backend")
			}
			return nil
		},
		func() error {
			if !r.vector.Delete(id) {
				return unierrors.New(unierrors.KindNotFound, "entry not found in vector backend")
			}
			return nil
		},
	)
}

// BulkInsert writes every entry to both backends when dual-write is
// enabled, stopping at the first per-backend failure.
func (r *Router) BulkInsert(ctx context.Context, entries []*memory.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.cfg.DualWrite {
		for _, e := range entries {
			if err := r.vector.Put(e); err != nil {
				return err
			}
		}
		return nil
	}
	return r.dualWrite(
		func() error {
			for _, e := range entries {
				if err := r.structured.Put(e); err != nil {
					return err
				}
			}
			return nil
		},
		func() error {
			for _, e := range entries {
				if err := r.vector.Put(e); err != nil {
					return err
				}
			}
			return nil
		},
	)
}

// BulkDelete removes every id from both backends when dual-write is
// enabled. Idempotent: a missing id on either backend is not an error.
func (r *Router) BulkDelete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !r.cfg.DualWrite {
		for _, id := range ids {
			r.vector.Delete(id)
		}
		return nil
	}
	return r.dualWrite(
		func() error {
			for _, id := range ids {
				r.structured.Delete(id)
			}
			return nil
		},
		func() error {
			for _, id := range ids {
				r.vector.Delete(id)
			}
			return nil
		},
	)
}

// ClearNamespace removes every entry in namespace from both backends when
// dual-write is enabled, returning the larger of the two removal counts
// (they converge under normal operation).
func (r *Router) ClearNamespace(ctx context.Context, namespace string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !r.cfg.DualWrite {
		return r.vector.ClearNamespace(namespace), nil
	}
	var structuredCount, vectorCount int
	err := r.dualWrite(
		func() error { structuredCount = r.structured.ClearNamespace(namespace); return nil },
		func() error { vectorCount = r.vector.ClearNamespace(namespace); return nil },
	)
	if err != nil {
		return 0, err
	}
	if structuredCount > vectorCount {
		return structuredCount, nil
	}
	return vectorCount, nil
}

// Count delegates to the structured backend when dual-write is enabled
// (it holds the full secondary-index view), else the vector backend.
func (r *Router) Count(namespace string) int {
	if r.cfg.DualWrite {
		return r.structured.Count(namespace)
	}
	return r.vector.Count(namespace)
}

// ListNamespaces mirrors Count's backend preference.
func (r *Router) ListNamespaces() []string {
	if r.cfg.DualWrite {
		return r.structured.ListNamespaces()
	}
	return r.vector.ListNamespaces()
}

// VectorStats exposes the vector backend's combined HNSW/cache stats, for
// get_stats().
func (r *Router) VectorStats() vectorstore.Stats { return r.vector.Stats() }

// AllEntries returns every entry in namespace (or every namespace if empty)
// from whichever backend is authoritative: the structured store when
// dual-write is enabled, else the vector store (the only durable copy in
// degraded mode). Intended for persistence snapshots, not hot-path reads.
func (r *Router) AllEntries(namespace string) []*memory.Entry {
	q := query.Query{Namespace: namespace, Limit: 1 << 30, IncludeExpired: true}
	if r.cfg.DualWrite {
		return r.structured.Query(q)
	}
	return r.vector.Query(q)
}
