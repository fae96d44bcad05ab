// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package query

// Templates are sugar over Builder: named starting points with sensible
// defaults. They carry no contract beyond what Build() already validates.

// RecentEpisodic returns entries tagged "episodic", newest first, within
// the given namespace.
func RecentEpisodic(namespace string, limit int) Builder {
	return New().
		Namespace(namespace).
		Tags("episodic").
		Variant(VariantTag).
		Limit(limit)
}

// TagIntersect matches every tag given, within namespace.
func TagIntersect(namespace string, limit int, tags ...string) Builder {
	return New().
		Namespace(namespace).
		Tags(tags...).
		Variant(VariantTag).
		Limit(limit)
}

// SemanticSearch is sugar for a semantic query over a precomputed
// embedding, with a similarity threshold.
func SemanticSearch(embedding []float32, threshold float32, limit int) Builder {
	return New().
		Variant(VariantSemantic).
		Embedding(embedding).
		Threshold(threshold).
		Limit(limit)
}

// HybridByTagAndContent runs a combined structured+semantic query, merging
// under the given strategy.
func HybridByTagAndContent(namespace string, tags []string, embedding []float32, combine CombineStrategy, limit int) Builder {
	return New().
		Variant(VariantHybrid).
		Namespace(namespace).
		Tags(tags...).
		Embedding(embedding).
		Combine(combine).
		Limit(limit)
}
