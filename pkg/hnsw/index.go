// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hnsw implements a hierarchical navigable small-world graph: a
// multilayer proximity index supporting online insert, delete, and
// best-first top-k search. The index is single-writer/multi-reader — reads
// (Search, SearchFiltered, Stats) take a shared lock; writes (AddPoint,
// RemovePoint, Rebuild) take an exclusive one, so no reader ever observes a
// partially linked node.
package hnsw

import (
	"math"
	"math/rand"
	"sync"
	"time"

	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/pkg/heap"
	"github.com/kraklabs/unimem/pkg/vecmath"
)

const maxLevel = 16

// Config parameterizes a new Index. New fills a zero M with 16 and a zero
// EfConstruction with 200, and the zero Metric is cosine; Dim has no default
// and is always supplied by the caller.
type Config struct {
	Dim            int
	M              int
	EfConstruction int
	Metric         vecmath.Metric
	MaxElements    int // 0 means unbounded
	Quantizer      Quantizer
}

// DefaultConfig returns the spec's default HNSW configuration for the given
// dimension.
func DefaultConfig(dim int) Config {
	return Config{
		Dim:            dim,
		M:              16,
		EfConstruction: 200,
		Metric:         vecmath.MetricCosine,
		MaxElements:    0,
	}
}

// SearchResult is a single (id, distance) hit from Search/SearchFiltered.
type SearchResult struct {
	ID       string
	Distance float32
}

// Stats summarizes index health for BackendStats/get_stats().
type Stats struct {
	VectorCount       int
	MemoryEstimate    int64
	AvgSearchTime     time.Duration
	BuildTime         time.Duration
	CompressionRatio  float32
}

type node struct {
	id         string
	vector     []float32 // raw, as inserted (or quantized, if a Quantizer is set)
	normalized []float32 // pre-normalized, cosine only
	level      int
	// neighbors[level] is this node's adjacency set at that level.
	neighbors [][]string
}

// Index is a hierarchical navigable small-world graph over fixed-dimension
// float32 vectors, keyed by opaque string ids.
type Index struct {
	mu sync.RWMutex

	cfg Config

	nodes      map[string]*node
	entryPoint string
	maxLevel   int

	buildStart    time.Time
	buildTime     time.Duration
	searchTimes   []time.Duration
	rnd           *rand.Rand
}

// New constructs an empty Index.
func New(cfg Config) *Index {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	return &Index{
		cfg:   cfg,
		nodes: make(map[string]*node),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (idx *Index) assignLevel() int {
	u := idx.rnd.Float64()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	l := int(math.Floor(-math.Log(u) * (1.0 / math.Log(float64(idx.cfg.M)))))
	if l > maxLevel {
		l = maxLevel
	}
	return l
}

func (idx *Index) prepareVector(v []float32) (stored, query []float32, normalized []float32) {
	stored = v
	query = v
	if idx.cfg.Quantizer != nil {
		enc := idx.cfg.Quantizer.Encode(v)
		dec := idx.cfg.Quantizer.Decode(enc, len(v))
		stored = dec
		query = dec
	}
	if idx.cfg.Metric == vecmath.MetricCosine {
		normalized = vecmath.Normalize(query)
	}
	return
}

func (idx *Index) distance(a, aNorm []float32, b *node) (float32, error) {
	if idx.cfg.Metric == vecmath.MetricCosine && aNorm != nil && b.normalized != nil {
		return vecmath.CosineNormalized(aNorm, b.normalized)
	}
	return idx.cfg.Metric.Distance(a, b.vector)
}

// AddPoint inserts id with vector v. Re-inserting an existing id replaces
// its vector and re-links it as if newly inserted.
func (idx *Index) AddPoint(id string, v []float32) error {
	if len(v) != idx.cfg.Dim {
		return unierrors.New(unierrors.KindDimensionMismatch, "vector length does not match index dimension")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.buildStart.IsZero() {
		idx.buildStart = time.Now()
	}

	if idx.cfg.MaxElements > 0 && len(idx.nodes) >= idx.cfg.MaxElements {
		if _, exists := idx.nodes[id]; !exists {
			return unierrors.New(unierrors.KindCapacityExceeded, "hnsw index at configured maxElements")
		}
	}

	if existing, ok := idx.nodes[id]; ok {
		idx.detach(existing)
		delete(idx.nodes, id)
	}

	stored, query, normalized := idx.prepareVector(v)
	level := idx.assignLevel()
	n := &node{
		id:         id,
		vector:     stored,
		normalized: normalized,
		level:      level,
		neighbors:  make([][]string, level+1),
	}

	if idx.entryPoint == "" {
		idx.nodes[id] = n
		idx.entryPoint = id
		idx.maxLevel = level
		idx.buildTime = time.Since(idx.buildStart)
		return nil
	}

	entry := idx.nodes[idx.entryPoint]
	cur := entry
	curDist, err := idx.distance(query, normalized, cur)
	if err != nil {
		return err
	}

	// Greedy descent from top to level+1, best-first with ef=1.
	for l := idx.maxLevel; l > level; l-- {
		cur, curDist = idx.greedyStep(query, normalized, cur, curDist, l)
	}

	idx.nodes[id] = n

	// For levels min(level, maxLevel)..0, run best-first search with
	// ef=efConstruction and link the M closest.
	top := level
	if idx.maxLevel < top {
		top = idx.maxLevel
	}
	entryID := cur.id
	for l := top; l >= 0; l-- {
		candidates := idx.searchLayer(query, normalized, entryID, idx.cfg.EfConstruction, l, nil)
		m := idx.cfg.M
		if len(candidates) < m {
			m = len(candidates)
		}
		chosen := candidates[:m]
		for _, c := range chosen {
			idx.link(n, idx.nodes[c.ID], l)
		}
		if len(candidates) > 0 {
			entryID = candidates[0].ID
		}
	}

	if level > idx.maxLevel {
		idx.entryPoint = id
		idx.maxLevel = level
	}

	idx.buildTime = time.Since(idx.buildStart)
	return nil
}

// greedyStep performs a single ef=1 best-first move at level l from cur,
// returning the best node found (possibly cur itself) and its distance.
func (idx *Index) greedyStep(query, queryNorm []float32, cur *node, curDist float32, l int) (*node, float32) {
	improved := true
	for improved {
		improved = false
		if l >= len(cur.neighbors) {
			break
		}
		for _, nbID := range cur.neighbors[l] {
			nb, ok := idx.nodes[nbID]
			if !ok {
				continue
			}
			d, err := idx.distance(query, queryNorm, nb)
			if err != nil {
				continue
			}
			if d < curDist {
				cur = nb
				curDist = d
				improved = true
			}
		}
	}
	return cur, curDist
}

// searchLayer runs best-first search at layer l starting from entryID,
// returning up to ef candidates sorted ascending by distance. pred, if
// non-nil, filters which ids are eligible for the *result* set (they are
// still traversed as graph edges either way).
func (idx *Index) searchLayer(query, queryNorm []float32, entryID string, ef, l int, pred func(string) bool) []SearchResult {
	entry, ok := idx.nodes[entryID]
	if !ok {
		return nil
	}
	visited := map[string]bool{entryID: true}
	entryDist, err := idx.distance(query, queryNorm, entry)
	if err != nil {
		return nil
	}

	candidates := heap.NewMin[*node]()
	candidates.Push(entry, entryDist)

	results := heap.NewBoundedMax[*node](ef)
	if pred == nil || pred(entry.id) {
		results.Insert(entry, entryDist)
	}

	for candidates.Len() > 0 {
		c, cDist, _ := candidates.ExtractMin()
		if worst, full := results.WorstPriority(); full && results.Full() && cDist > worst {
			break
		}
		if l >= len(c.neighbors) {
			continue
		}
		for _, nbID := range c.neighbors[l] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb, ok := idx.nodes[nbID]
			if !ok {
				continue
			}
			d, err := idx.distance(query, queryNorm, nb)
			if err != nil {
				continue
			}
			candidates.Push(nb, d)
			if pred == nil || pred(nb.id) {
				results.Insert(nb, d)
			}
		}
	}

	out := make([]SearchResult, 0, results.Len())
	for _, n := range results.Sorted() {
		d, _ := idx.distance(query, queryNorm, n)
		out = append(out, SearchResult{ID: n.id, Distance: d})
	}
	return out
}

// link bidirectionally connects a and b at level l, pruning b's adjacency
// back to M closest if it now exceeds 2*M.
func (idx *Index) link(a, b *node, l int) {
	if a.id == b.id {
		return
	}
	a.neighbors[l] = appendUnique(a.neighbors[l], b.id)
	if l < len(b.neighbors) {
		b.neighbors[l] = appendUnique(b.neighbors[l], a.id)
		if len(b.neighbors[l]) > 2*idx.cfg.M {
			idx.prune(b, l)
		}
	}
	if len(a.neighbors[l]) > 2*idx.cfg.M {
		idx.prune(a, l)
	}
}

func appendUnique(s []string, id string) []string {
	for _, x := range s {
		if x == id {
			return s
		}
	}
	return append(s, id)
}

// prune keeps node n's level-l adjacency to the M closest neighbors by the
// configured metric.
func (idx *Index) prune(n *node, l int) {
	type scored struct {
		id string
		d  float32
	}
	scoredList := make([]scored, 0, len(n.neighbors[l]))
	var query, queryNorm []float32
	query = n.vector
	queryNorm = n.normalized
	for _, id := range n.neighbors[l] {
		nb, ok := idx.nodes[id]
		if !ok {
			continue
		}
		d, err := idx.distance(query, queryNorm, nb)
		if err != nil {
			continue
		}
		scoredList = append(scoredList, scored{id: id, d: d})
	}
	for i := 1; i < len(scoredList); i++ {
		j := i
		for j > 0 && scoredList[j].d < scoredList[j-1].d {
			scoredList[j], scoredList[j-1] = scoredList[j-1], scoredList[j]
			j--
		}
	}
	m := idx.cfg.M
	if len(scoredList) < m {
		m = len(scoredList)
	}
	kept := make([]string, 0, m)
	for i := 0; i < m; i++ {
		kept = append(kept, scoredList[i].id)
	}
	n.neighbors[l] = kept
}

// detach symmetrically removes n from every neighbor's adjacency list.
func (idx *Index) detach(n *node) {
	for l, ids := range n.neighbors {
		for _, nbID := range ids {
			nb, ok := idx.nodes[nbID]
			if !ok || l >= len(nb.neighbors) {
				continue
			}
			nb.neighbors[l] = removeID(nb.neighbors[l], n.id)
		}
	}
}

func removeID(s []string, id string) []string {
	out := s[:0]
	for _, x := range s {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// RemovePoint detaches and deletes id, reassigning the entry point if
// necessary. It returns whether id was present.
func (idx *Index) RemovePoint(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[id]
	if !ok {
		return false
	}
	idx.detach(n)
	delete(idx.nodes, id)

	if idx.entryPoint == id {
		idx.reassignEntryPoint()
	}
	return true
}

func (idx *Index) reassignEntryPoint() {
	idx.entryPoint = ""
	idx.maxLevel = 0
	best := -1
	for id, n := range idx.nodes {
		if n.level > best {
			best = n.level
			idx.entryPoint = id
			idx.maxLevel = n.level
		}
	}
}

// Search returns up to k (id, distance) pairs ordered ascending by
// distance. An ef <= 0 becomes max(k, efConstruction); a positive ef below k
// is raised to k.
func (idx *Index) Search(query []float32, k int, ef int) ([]SearchResult, error) {
	return idx.SearchFiltered(query, k, ef, nil)
}

// SearchFiltered is Search with a post-filter predicate over candidate ids.
// The predicate over-fetches by 3x internally (best-effort strict-k).
func (idx *Index) SearchFiltered(query []float32, k int, ef int, pred func(id string) bool) ([]SearchResult, error) {
	if len(query) != idx.cfg.Dim {
		return nil, unierrors.New(unierrors.KindDimensionMismatch, "query vector length does not match index dimension")
	}
	if k <= 0 {
		return nil, nil
	}

	start := time.Now()
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" {
		return nil, nil
	}

	effectiveEf := ef
	if effectiveEf < k {
		effectiveEf = k
	}
	if effectiveEf < idx.cfg.EfConstruction && ef <= 0 {
		effectiveEf = idx.cfg.EfConstruction
		if effectiveEf < k {
			effectiveEf = k
		}
	}

	fetchEf := effectiveEf
	if pred != nil {
		fetchEf = effectiveEf * 3
	}

	var queryNorm []float32
	if idx.cfg.Metric == vecmath.MetricCosine {
		queryNorm = vecmath.Normalize(query)
	}

	entry := idx.nodes[idx.entryPoint]
	cur := entry
	curDist, err := idx.distance(query, queryNorm, cur)
	if err != nil {
		return nil, err
	}
	for l := idx.maxLevel; l > 0; l-- {
		cur, curDist = idx.greedyStep(query, queryNorm, cur, curDist, l)
	}
	_ = curDist

	results := idx.searchLayer(query, queryNorm, cur.id, fetchEf, 0, pred)
	if len(results) > k {
		results = results[:k]
	}

	idx.searchTimes = append(idx.searchTimes, time.Since(start))
	if len(idx.searchTimes) > 256 {
		idx.searchTimes = idx.searchTimes[len(idx.searchTimes)-256:]
	}
	return results, nil
}

// Rebuild replaces the graph contents with a fresh build over points,
// inserted in the order given (deterministic rebuilds should sort first).
func (idx *Index) Rebuild(points []struct {
	ID     string
	Vector []float32
}) error {
	idx.mu.Lock()
	idx.nodes = make(map[string]*node)
	idx.entryPoint = ""
	idx.maxLevel = 0
	idx.buildStart = time.Now()
	idx.mu.Unlock()

	for _, p := range points {
		if err := idx.AddPoint(p.ID, p.Vector); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports current index health.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var avg time.Duration
	if len(idx.searchTimes) > 0 {
		var sum time.Duration
		for _, d := range idx.searchTimes {
			sum += d
		}
		avg = sum / time.Duration(len(idx.searchTimes))
	}

	var mem int64
	for _, n := range idx.nodes {
		mem += int64(len(n.vector)*4 + len(n.normalized)*4)
		for _, lvl := range n.neighbors {
			mem += int64(len(lvl) * 16)
		}
	}

	ratio := float32(1.0)
	if idx.cfg.Quantizer != nil {
		ratio = idx.cfg.Quantizer.CompressionRatio()
	}

	return Stats{
		VectorCount:      len(idx.nodes),
		MemoryEstimate:   mem,
		AvgSearchTime:    avg,
		BuildTime:        idx.buildTime,
		CompressionRatio: ratio,
	}
}

// Len returns the number of points currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Contains reports whether id is currently indexed.
func (idx *Index) Contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.nodes[id]
	return ok
}
