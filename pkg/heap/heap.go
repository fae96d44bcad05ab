// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package heap provides the two array-backed binary heaps HNSW needs for
// candidate and result tracking: a capacity-bounded max-heap (the current
// top-k by priority) and an unbounded min-heap (best-first candidate
// frontier). Ties on priority are broken by insertion sequence so result
// order is stable across repeated, otherwise-identical searches.
package heap

import "container/heap"

// item is a single heap slot: a generic payload, its priority (smaller means
// "closer" throughout this package — the min-heap pops closest first, the
// max-heap evicts the current worst/farthest), and an insertion sequence
// used only to break priority ties deterministically.
type item[T any] struct {
	value    T
	priority float32
	seq      uint64
}

// innerMax is a container/heap.Interface exposing the farthest item at the
// root so BoundedMax can reject or evict in O(log k).
type innerMax[T any] []item[T]

func (h innerMax[T]) Len() int { return len(h) }
func (h innerMax[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq > h[j].seq
}
func (h innerMax[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *innerMax[T]) Push(x any)        { *h = append(*h, x.(item[T])) }
func (h *innerMax[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// BoundedMax holds at most k items: the k smallest-priority ("closest")
// seen so far. It is used as the HNSW result accumulator during search,
// where ef (or k) bounds the candidate set size.
type BoundedMax[T any] struct {
	h        innerMax[T]
	capacity int
	nextSeq  uint64
}

// NewBoundedMax constructs a bounded max-heap with the given capacity.
func NewBoundedMax[T any](capacity int) *BoundedMax[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedMax[T]{capacity: capacity}
}

// Len returns the current number of held items.
func (b *BoundedMax[T]) Len() int { return b.h.Len() }

// Full reports whether the heap holds capacity items.
func (b *BoundedMax[T]) Full() bool { return b.h.Len() >= b.capacity }

// WorstPriority returns the current worst (largest) priority held, and
// whether the heap is non-empty.
func (b *BoundedMax[T]) WorstPriority() (float32, bool) {
	if b.h.Len() == 0 {
		return 0, false
	}
	return b.h[0].priority, true
}

// Insert offers (value, priority) to the heap. If the heap isn't full yet,
// the item is always accepted. If it is full, the item is accepted only
// when priority is strictly better (smaller) than the current worst; in
// that case the current worst is evicted and value takes its place. It
// returns whether the item was accepted.
func (b *BoundedMax[T]) Insert(value T, priority float32) bool {
	if !b.Full() {
		heap.Push(&b.h, item[T]{value: value, priority: priority, seq: b.nextSeq})
		b.nextSeq++
		return true
	}
	if priority >= b.h[0].priority {
		return false
	}
	b.h[0] = item[T]{value: value, priority: priority, seq: b.nextSeq}
	b.nextSeq++
	heap.Fix(&b.h, 0)
	return true
}

// Sorted drains the heap and returns its contents ascending by priority
// (closest first), breaking ties by insertion order.
func (b *BoundedMax[T]) Sorted() []T {
	items := make([]item[T], len(b.h))
	copy(items, b.h)
	// Insertion sort by (priority, seq) ascending: heaps here are small
	// (bounded by ef), so this is cheaper than re-heapifying.
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && less(items[j], items[j-1]) {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
	out := make([]T, len(items))
	for i, it := range items {
		out[i] = it.value
	}
	return out
}

func less[T any](a, b item[T]) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// innerMin is the container/heap.Interface backing Min: smallest priority
// ("closest") at the root.
type innerMin[T any] []item[T]

func (h innerMin[T]) Len() int { return len(h) }
func (h innerMin[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h innerMin[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *innerMin[T]) Push(x any)   { *h = append(*h, x.(item[T])) }
func (h *innerMin[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Min is an unbounded min-heap used as the HNSW candidate frontier during
// best-first graph traversal.
type Min[T any] struct {
	h       innerMin[T]
	nextSeq uint64
}

// NewMin constructs an empty min-heap.
func NewMin[T any]() *Min[T] { return &Min[T]{} }

// Len returns the number of items currently held.
func (m *Min[T]) Len() int { return m.h.Len() }

// Push adds value with the given priority.
func (m *Min[T]) Push(value T, priority float32) {
	heap.Push(&m.h, item[T]{value: value, priority: priority, seq: m.nextSeq})
	m.nextSeq++
}

// ExtractMin removes and returns the smallest-priority item.
func (m *Min[T]) ExtractMin() (T, float32, bool) {
	var zero T
	if m.h.Len() == 0 {
		return zero, 0, false
	}
	it := heap.Pop(&m.h).(item[T])
	return it.value, it.priority, true
}

// PeekPriority returns the smallest priority currently held without
// removing it.
func (m *Min[T]) PeekPriority() (float32, bool) {
	if m.h.Len() == 0 {
		return 0, false
	}
	return m.h[0].priority, true
}
