// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/query"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEntry(id, namespace, key string, tags ...string) *memory.Entry {
	now := time.Now().UnixMilli()
	return &memory.Entry{
		ID: id, Namespace: namespace, Key: key, Tags: tags,
		Type: memory.TypeSemantic, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	e := sampleEntry("id1", "ns1", "k1")
	require.NoError(t, s.Put(e))

	got, ok := s.Get("id1")
	require.True(t, ok)
	require.Equal(t, "ns1", got.Namespace)
}

func TestGetByKey_UniquePerNamespace(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(sampleEntry("id1", "ns1", "k1")))

	got, ok := s.GetByKey("ns1", "k1")
	require.True(t, ok)
	require.Equal(t, "id1", got.ID)

	_, ok = s.GetByKey("ns2", "k1")
	require.False(t, ok)
}

func TestPut_CollidingKeyReplacesReachabilityNotOldID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(sampleEntry("id1", "ns1", "k1")))
	require.NoError(t, s.Put(sampleEntry("id2", "ns1", "k1")))

	got, ok := s.GetByKey("ns1", "k1")
	require.True(t, ok)
	require.Equal(t, "id2", got.ID)

	// The old entry is still fetchable by id until explicitly deleted.
	old, ok := s.Get("id1")
	require.True(t, ok)
	require.Equal(t, "id1", old.ID)
}

func TestUpdate_BumpsVersionAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	e := sampleEntry("id1", "ns1", "k1")
	require.NoError(t, s.Put(e))

	content := "new content"
	updated, ok := s.Update("id1", memory.Patch{Content: &content}, e.UpdatedAt+10)
	require.True(t, ok)
	require.Equal(t, uint64(2), updated.Version)
	require.Equal(t, "new content", updated.Content)
	require.GreaterOrEqual(t, updated.UpdatedAt, e.UpdatedAt)
}

func TestUpdate_UnknownIDReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Update("missing", memory.Patch{}, time.Now().UnixMilli())
	require.False(t, ok)
}

func TestDelete_RemovesEntryAndIndexes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(sampleEntry("id1", "ns1", "k1", "tagA")))

	require.True(t, s.Delete("id1"))
	require.False(t, s.Delete("id1"))

	_, ok := s.Get("id1")
	require.False(t, ok)
	_, ok = s.GetByKey("ns1", "k1")
	require.False(t, ok)
	require.Equal(t, 0, s.Count("ns1"))
}

func TestClearNamespace_RemovesAllAndCountsZero(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(sampleEntry("id1", "ns1", "k1")))
	require.NoError(t, s.Put(sampleEntry("id2", "ns1", "k2")))
	require.NoError(t, s.Put(sampleEntry("id3", "ns2", "k3")))

	n := s.ClearNamespace("ns1")
	require.Equal(t, 2, n)
	require.Equal(t, 0, s.Count("ns1"))
	require.Equal(t, 1, s.Count("ns2"))
}

func TestQuery_TagIntersection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(sampleEntry("id1", "ns1", "k1", "a", "b")))
	require.NoError(t, s.Put(sampleEntry("id2", "ns1", "k2", "a")))
	require.NoError(t, s.Put(sampleEntry("id3", "ns1", "k3", "b")))

	q, err := query.New().Variant(query.VariantTag).Namespace("ns1").Tags("a", "b").Build()
	require.NoError(t, err)

	results := s.Query(q)
	require.Len(t, results, 1)
	require.Equal(t, "id1", results[0].ID)
}

func TestQuery_DescendingCreatedAtOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UnixMilli()
	e1 := sampleEntry("id1", "ns1", "k1")
	e1.CreatedAt = base
	e2 := sampleEntry("id2", "ns1", "k2")
	e2.CreatedAt = base + 100
	require.NoError(t, s.Put(e1))
	require.NoError(t, s.Put(e2))

	q, err := query.New().Namespace("ns1").Build()
	require.NoError(t, err)

	results := s.Query(q)
	require.Len(t, results, 2)
	require.Equal(t, "id2", results[0].ID)
	require.Equal(t, "id1", results[1].ID)
}

func TestQuery_ExcludesExpiredUnlessIncluded(t *testing.T) {
	s := newTestStore(t)
	e := sampleEntry("id1", "ns1", "k1", "tagged")
	e.ExpiresAt = time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, s.Put(e))

	q, err := query.New().Variant(query.VariantTag).Namespace("ns1").Tags("tagged").Build()
	require.NoError(t, err)
	require.Empty(t, s.Query(q))

	qInclude, err := query.New().Variant(query.VariantTag).Namespace("ns1").Tags("tagged").IncludeExpired(true).Build()
	require.NoError(t, err)
	require.Len(t, s.Query(qInclude), 1)
}

func TestListNamespaces_ReturnsNonEmptyOnes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(sampleEntry("id1", "ns1", "k1")))
	require.NoError(t, s.Put(sampleEntry("id2", "ns2", "k2")))

	namespaces := s.ListNamespaces()
	require.ElementsMatch(t, []string{"ns1", "ns2"}, namespaces)
}
