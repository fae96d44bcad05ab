// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package query implements the fluent query builder (C9): an immutable
// composition of predicates validated once at Build() time, plus a small
// registry of named templates.
package query

import (
	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/pkg/vecmath"
)

// Variant tags which backend(s) a Query targets.
type Variant string

const (
	VariantExact    Variant = "exact"
	VariantPrefix   Variant = "prefix"
	VariantTag      Variant = "tag"
	VariantSemantic Variant = "semantic"
	VariantHybrid   Variant = "hybrid"
	VariantAuto     Variant = "auto"
)

// CombineStrategy controls how a hybrid query merges structured and
// semantic result sets.
type CombineStrategy string

const (
	CombineUnion            CombineStrategy = "union"
	CombineIntersection     CombineStrategy = "intersection"
	CombineSemanticFirst    CombineStrategy = "semantic-first"
	CombineStructuredFirst  CombineStrategy = "structured-first"
)

// Query is the validated, immutable result of Builder.Build().
type Query struct {
	Variant Variant

	Key       string
	KeyPrefix string

	// Content is carried through to callers that embed it themselves before
	// calling Embedding (e.g. an HTTP caller computing a vector out of
	// band). No embedder is wired into this package or Router, so Content
	// alone never produces a semantic search — see resolveAuto.
	Content   string
	Embedding []float32
	Metric    vecmath.Metric

	Namespace string
	Tags      []string

	CreatedAfter  int64
	CreatedBefore int64

	Limit          int
	Offset         int
	Threshold      float32
	HasThreshold   bool
	IncludeExpired bool

	Combine CombineStrategy
}

// Builder composes a Query through chained, value-returning calls; every
// method returns a new Builder so sharing a partially-built chain is safe.
type Builder struct {
	q Query
}

// New starts a builder with the spec defaults: limit 10, union combine.
func New() Builder {
	return Builder{q: Query{Limit: 10, Combine: CombineUnion, Metric: vecmath.MetricCosine}}
}

func (b Builder) with(mutate func(*Query)) Builder {
	q := b.q
	if q.Tags != nil {
		q.Tags = append([]string(nil), q.Tags...)
	}
	if q.Embedding != nil {
		q.Embedding = append([]float32(nil), q.Embedding...)
	}
	mutate(&q)
	return Builder{q: q}
}

func (b Builder) Variant(v Variant) Builder {
	return b.with(func(q *Query) { q.Variant = v })
}

func (b Builder) Key(k string) Builder {
	return b.with(func(q *Query) { q.Key = k })
}

func (b Builder) KeyPrefix(p string) Builder {
	return b.with(func(q *Query) { q.KeyPrefix = p })
}

func (b Builder) Content(c string) Builder {
	return b.with(func(q *Query) { q.Content = c })
}

func (b Builder) Embedding(e []float32) Builder {
	return b.with(func(q *Query) { q.Embedding = e })
}

func (b Builder) Metric(m vecmath.Metric) Builder {
	return b.with(func(q *Query) { q.Metric = m })
}

func (b Builder) Namespace(ns string) Builder {
	return b.with(func(q *Query) { q.Namespace = ns })
}

func (b Builder) Tags(tags ...string) Builder {
	return b.with(func(q *Query) { q.Tags = tags })
}

func (b Builder) CreatedAfter(ms int64) Builder {
	return b.with(func(q *Query) { q.CreatedAfter = ms })
}

func (b Builder) CreatedBefore(ms int64) Builder {
	return b.with(func(q *Query) { q.CreatedBefore = ms })
}

func (b Builder) Limit(n int) Builder {
	return b.with(func(q *Query) { q.Limit = n })
}

func (b Builder) Offset(n int) Builder {
	return b.with(func(q *Query) { q.Offset = n })
}

func (b Builder) Threshold(t float32) Builder {
	return b.with(func(q *Query) { q.Threshold = t; q.HasThreshold = true })
}

func (b Builder) IncludeExpired(v bool) Builder {
	return b.with(func(q *Query) { q.IncludeExpired = v })
}

func (b Builder) Combine(s CombineStrategy) Builder {
	return b.with(func(q *Query) { q.Combine = s })
}

// Build validates and resolves auto-routing, returning InvalidQuery on any
// violation: limit <= 0, threshold outside [0,1], or an inverted time
// range.
func (b Builder) Build() (Query, error) {
	q := b.q
	if q.Limit <= 0 {
		return Query{}, unierrors.New(unierrors.KindInvalidQuery, "limit must be > 0")
	}
	if q.HasThreshold && (q.Threshold < 0 || q.Threshold > 1) {
		return Query{}, unierrors.New(unierrors.KindInvalidQuery, "threshold must be within [0,1]")
	}
	if q.CreatedAfter != 0 && q.CreatedBefore != 0 && q.CreatedAfter > q.CreatedBefore {
		return Query{}, unierrors.New(unierrors.KindInvalidQuery, "createdAfter must not exceed createdBefore")
	}

	if q.Variant == "" || q.Variant == VariantAuto {
		q.Variant = resolveAuto(q)
	}
	return q, nil
}

// resolveAuto classifies an unresolved query. Semantic routing requires an
// actual embedding: no Embedder is wired into Router or Builder, so a query
// that only sets Content (with no Embedding) cannot be turned into a vector
// here and is classified by its other predicates instead, never as
// VariantSemantic.
func resolveAuto(q Query) Variant {
	if len(q.Embedding) > 0 {
		return VariantSemantic
	}
	if q.KeyPrefix != "" {
		return VariantPrefix
	}
	if q.Key != "" {
		return VariantExact
	}
	if len(q.Tags) > 0 {
		return VariantTag
	}
	return VariantExact
}
