// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package query

import (
	"testing"

	unierrors "github.com/kraklabs/unimem/internal/errors"
)

func TestBuild_RejectsNonPositiveLimit(t *testing.T) {
	_, err := New().Limit(0).Build()
	if !unierrors.Is(err, unierrors.KindInvalidQuery) {
		t.Fatalf("expected InvalidQuery, got %v", err)
	}
}

func TestBuild_RejectsThresholdOutOfRange(t *testing.T) {
	_, err := New().Threshold(1.5).Build()
	if !unierrors.Is(err, unierrors.KindInvalidQuery) {
		t.Fatalf("expected InvalidQuery, got %v", err)
	}
}

func TestBuild_RejectsInvertedTimeRange(t *testing.T) {
	_, err := New().CreatedAfter(200).CreatedBefore(100).Build()
	if !unierrors.Is(err, unierrors.KindInvalidQuery) {
		t.Fatalf("expected InvalidQuery, got %v", err)
	}
}

func TestBuild_AutoResolvesSemanticWhenEmbeddingSet(t *testing.T) {
	q, err := New().Variant(VariantAuto).Embedding([]float32{0.1, 0.2}).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if q.Variant != VariantSemantic {
		t.Fatalf("expected semantic, got %s", q.Variant)
	}
}

func TestBuild_ContentAloneDoesNotResolveSemantic(t *testing.T) {
	// No embedder is wired into Builder, so Content alone must not route to
	// the vector backend: it falls through to exact (the last resort).
	q, err := New().Variant(VariantAuto).Content("hello").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if q.Variant == VariantSemantic {
		t.Fatalf("expected non-semantic variant, got %s", q.Variant)
	}
}

func TestBuild_AutoResolvesExactWhenKeySet(t *testing.T) {
	q, err := New().Variant(VariantAuto).Key("k1").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if q.Variant != VariantExact {
		t.Fatalf("expected exact, got %s", q.Variant)
	}
}

func TestBuilder_IsImmutableAcrossBranches(t *testing.T) {
	base := New().Namespace("ns1")
	a := base.Tags("x")
	b := base.Tags("y")

	qa, _ := a.Build()
	qb, _ := b.Build()
	if len(qa.Tags) != 1 || qa.Tags[0] != "x" {
		t.Fatalf("expected branch a tags [x], got %v", qa.Tags)
	}
	if len(qb.Tags) != 1 || qb.Tags[0] != "y" {
		t.Fatalf("expected branch b tags [y], got %v", qb.Tags)
	}
}

func TestTemplates_RecentEpisodicBuilds(t *testing.T) {
	q, err := RecentEpisodic("ns", 5).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if q.Variant != VariantTag || q.Namespace != "ns" || q.Limit != 5 {
		t.Fatalf("unexpected query: %+v", q)
	}
}
