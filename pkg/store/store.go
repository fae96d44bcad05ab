// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements the structured backend (C6): entries keyed by
// id, backed by buntdb for durable key/value storage, with three secondary
// indexes held in memory as roaring bitmaps/maps for O(1)-ish set
// operations: namespace -> set<id>, (namespace,key) -> id, tag -> set<id>.
// A single mutex serializes every mutation so updates are ACID-style:
// read-compose-rewrite happens in one critical section.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/query"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const entryKeyPrefix = "entry:"

// idSeq maps 32-bit roaring-bitmap integers back to opaque string ids; ids
// in this store are never actually numeric, so a store-local sequence
// number is assigned to each id on first sight and recorded in both
// directions.
type idSeq struct {
	mu       sync.Mutex
	next     uint32
	toNum    map[string]uint32
	toString map[uint32]string
}

func newIDSeq() *idSeq {
	return &idSeq{toNum: make(map[string]uint32), toString: make(map[uint32]string)}
}

func (s *idSeq) numFor(id string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.toNum[id]; ok {
		return n
	}
	n := s.next
	s.next++
	s.toNum[id] = n
	s.toString[n] = id
	return n
}

func (s *idSeq) stringFor(n uint32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.toString[n]
	return id, ok
}

func (s *idSeq) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.toNum[id]; ok {
		delete(s.toNum, id)
		delete(s.toString, n)
	}
}

// Store is the structured backend. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	db  *buntdb.DB
	ids *idSeq

	byNamespace map[string]*roaring.Bitmap
	byTag       map[string]*roaring.Bitmap
	byNSKey     map[string]string // "namespace\x00key" -> id
}

// Open creates or opens a buntdb-backed structured store at path (":memory:"
// for an ephemeral in-process store).
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, unierrors.Wrap(unierrors.KindUnknown, "open structured store", err)
	}
	s := &Store{
		db:          db,
		ids:         newIDSeq(),
		byNamespace: make(map[string]*roaring.Bitmap),
		byTag:       make(map[string]*roaring.Bitmap),
		byNSKey:     make(map[string]string),
	}
	if err := s.rebuildIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndexes() error {
	return s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(entryKeyPrefix+"*", func(k, v string) bool {
			var e memory.Entry
			if err := json.UnmarshalFromString(v, &e); err != nil {
				return true
			}
			s.indexEntry(&e)
			return true
		})
	})
}

func nsKeyKey(namespace, key string) string { return namespace + "\x00" + key }

func (s *Store) indexEntry(e *memory.Entry) {
	num := s.ids.numFor(e.ID)

	bm, ok := s.byNamespace[e.Namespace]
	if !ok {
		bm = roaring.New()
		s.byNamespace[e.Namespace] = bm
	}
	bm.Add(num)

	for _, tag := range e.Tags {
		tbm, ok := s.byTag[tag]
		if !ok {
			tbm = roaring.New()
			s.byTag[tag] = tbm
		}
		tbm.Add(num)
	}

	if e.Key != "" {
		s.byNSKey[nsKeyKey(e.Namespace, e.Key)] = e.ID
	}
}

func (s *Store) unindexEntry(e *memory.Entry) {
	num := s.ids.numFor(e.ID)
	if bm, ok := s.byNamespace[e.Namespace]; ok {
		bm.Remove(num)
	}
	for _, tag := range e.Tags {
		if tbm, ok := s.byTag[tag]; ok {
			tbm.Remove(num)
		}
	}
	if e.Key != "" {
		if cur, ok := s.byNSKey[nsKeyKey(e.Namespace, e.Key)]; ok && cur == e.ID {
			delete(s.byNSKey, nsKeyKey(e.Namespace, e.Key))
		}
	}
	s.ids.forget(e.ID)
}

// Put stores e, replacing any prior entry at the same id and keeping every
// secondary index consistent before returning.
func (s *Store) Put(e *memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.getLocked(e.ID); ok {
		s.unindexEntry(prior)
	}
	// (namespace, key) uniqueness: a colliding pair replaces the prior
	// entry's reachability by key, but that prior entry (if a different
	// id) remains fetchable by id until explicitly deleted.
	if e.Key != "" {
		if priorID, ok := s.byNSKey[nsKeyKey(e.Namespace, e.Key)]; ok && priorID != e.ID {
			delete(s.byNSKey, nsKeyKey(e.Namespace, e.Key))
		}
	}

	data, err := json.MarshalToString(e)
	if err != nil {
		return unierrors.Wrap(unierrors.KindUnknown, "marshal entry", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(entryKeyPrefix+e.ID, data, nil)
		return err
	})
	if err != nil {
		return unierrors.Wrap(unierrors.KindUnknown, "persist entry", err)
	}
	s.indexEntry(e)
	return nil
}

func (s *Store) getLocked(id string) (*memory.Entry, bool) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(entryKeyPrefix + id)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err != nil {
		return nil, false
	}
	var e memory.Entry
	if err := json.UnmarshalFromString(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// Get returns the entry for id, if present.
func (s *Store) Get(id string) (*memory.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

// GetByKey returns the entry reachable via (namespace, key), if any.
func (s *Store) GetByKey(namespace, key string) (*memory.Entry, bool) {
	s.mu.Lock()
	id, ok := s.byNSKey[nsKeyKey(namespace, key)]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.Get(id)
}

// Update reads the current entry for id, applies patch, and rewrites
// indexes in a single critical section. Returns (nil, false) if id is
// absent.
func (s *Store) Update(id string, patch memory.Patch, nowMillis int64) (*memory.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.getLocked(id)
	if !ok {
		return nil, false
	}
	updated := prior.Apply(patch, nowMillis)

	s.unindexEntry(prior)
	data, err := json.MarshalToString(updated)
	if err != nil {
		return nil, false
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(entryKeyPrefix+id, data, nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	s.indexEntry(updated)
	return updated, true
}

// Delete removes id and its secondary-index membership. Returns whether it
// was present.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLocked(id)
	if !ok {
		return false
	}
	s.unindexEntry(e)
	_ = s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(entryKeyPrefix + id)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	return true
}

// ClearNamespace deletes every entry in namespace, returning the count
// removed.
func (s *Store) ClearNamespace(namespace string) int {
	s.mu.Lock()
	bm, ok := s.byNamespace[namespace]
	var ids []string
	if ok {
		it := bm.Iterator()
		for it.HasNext() {
			if id, ok := s.ids.stringFor(it.Next()); ok {
				ids = append(ids, id)
			}
		}
	}
	s.mu.Unlock()

	count := 0
	for _, id := range ids {
		if s.Delete(id) {
			count++
		}
	}
	return count
}

// Count returns the number of entries, optionally scoped to namespace.
func (s *Store) Count(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if namespace == "" {
		return len(s.ids.toNum)
	}
	if bm, ok := s.byNamespace[namespace]; ok {
		return int(bm.GetCardinality())
	}
	return 0
}

// ListNamespaces returns every namespace with at least one live entry.
func (s *Store) ListNamespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byNamespace))
	for ns, bm := range s.byNamespace {
		if !bm.IsEmpty() {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

// Query resolves q against the structured indexes (exact/prefix/tag/time),
// returning results in descending createdAt order, ties broken by id.
func (s *Store) Query(q query.Query) []*memory.Entry {
	s.mu.Lock()
	candidates := s.candidateIDsLocked(q)
	s.mu.Unlock()

	var out []*memory.Entry
	now := nowMillis()
	for _, id := range candidates {
		e, ok := s.Get(id)
		if !ok {
			continue
		}
		if e.IsExpired(now) && !q.IncludeExpired {
			continue
		}
		if q.Namespace != "" && e.Namespace != q.Namespace {
			continue
		}
		if len(q.Tags) > 0 && !e.HasAllTags(q.Tags) {
			continue
		}
		if q.CreatedAfter != 0 && e.CreatedAt < q.CreatedAfter {
			continue
		}
		if q.CreatedBefore != 0 && e.CreatedAt > q.CreatedBefore {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})

	if q.Offset > 0 && q.Offset < len(out) {
		out = out[q.Offset:]
	} else if q.Offset >= len(out) {
		out = nil
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// candidateIDsLocked narrows the search space using the fastest applicable
// index before the caller applies full predicate filtering. Caller must
// hold s.mu.
func (s *Store) candidateIDsLocked(q query.Query) []string {
	switch q.Variant {
	case query.VariantExact:
		if q.Key != "" && q.Namespace != "" {
			if id, ok := s.byNSKey[nsKeyKey(q.Namespace, q.Key)]; ok {
				return []string{id}
			}
			return nil
		}
	case query.VariantPrefix:
		if q.KeyPrefix != "" {
			var out []string
			prefix := q.Namespace + "\x00" + q.KeyPrefix
			for nk, id := range s.byNSKey {
				if strings.HasPrefix(nk, prefix) {
					out = append(out, id)
				}
			}
			return out
		}
	case query.VariantTag:
		if len(q.Tags) > 0 {
			bm := s.byTag[q.Tags[0]]
			if bm == nil {
				return nil
			}
			result := bm.Clone()
			for _, tag := range q.Tags[1:] {
				other, ok := s.byTag[tag]
				if !ok {
					return nil
				}
				result.And(other)
			}
			return s.idsFromBitmap(result)
		}
	}

	if q.Namespace != "" {
		if bm, ok := s.byNamespace[q.Namespace]; ok {
			return s.idsFromBitmap(bm)
		}
		return nil
	}

	var out []string
	for id := range s.ids.toNum {
		out = append(out, id)
	}
	return out
}

func (s *Store) idsFromBitmap(bm *roaring.Bitmap) []string {
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		if id, ok := s.ids.stringFor(it.Next()); ok {
			out = append(out, id)
		}
	}
	return out
}

// Close releases the underlying buntdb handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
