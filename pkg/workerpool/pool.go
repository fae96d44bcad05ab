// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workerpool implements the worker registry, scoring-based task
// routing, autoscaling, and health-check auto-recovery of spec §4.10.
package workerpool

import (
	"sort"
	"sync"

	"github.com/kraklabs/unimem/pkg/events"
	"github.com/kraklabs/unimem/pkg/heap"
	"github.com/kraklabs/unimem/pkg/vecmath"
)

// defaultSpecializationDim is the fixed dimension of a worker's
// specialization embedding absent an override.
const defaultSpecializationDim = 64

// WorkerConfig is the immutable template a worker handle is built from, and
// the record used to respawn it after an unhealthy teardown.
type WorkerConfig struct {
	ID             string
	Type           string
	Capabilities   []string
	MaxConcurrent  int
	Specialization []float32
}

// WorkerHandle is a live worker's mutable routing state.
type WorkerHandle struct {
	ID             string
	Type           string
	Capabilities   map[string]bool
	Load           float32 // in [0, 1]
	MaxConcurrent  int
	Specialization []float32
	Healthy        bool
}

func newHandle(cfg WorkerConfig) *WorkerHandle {
	caps := make(map[string]bool, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[c] = true
	}
	return &WorkerHandle{
		ID: cfg.ID, Type: cfg.Type, Capabilities: caps,
		MaxConcurrent: cfg.MaxConcurrent, Specialization: cfg.Specialization, Healthy: true,
	}
}

// Task is the routing input: what capabilities/domain/embedding/priority a
// candidate worker must be scored against.
type Task struct {
	RequiredCapabilities []string
	Domain               string
	Embedding            []float32
	Priority             float32 // caller-normalized to [0, 1]
}

// ScoreWeights are the per-term weights of the routing score. The spec
// treats these as summed contributions, not a normalized distribution:
// "the policy is sum of configured contributions, ties broken by id".
type ScoreWeights struct {
	Capability float64
	Domain     float64
	Embedding  float64
	Load       float64 // applied to (1 - load), i.e. already "inverted"
	Health     float64
	Priority   float64
}

// DefaultScoreWeights are the spec §6 defaults.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Capability: 0.30, Domain: 0.25, Embedding: 0.25, Load: 0.30, Health: 0.15, Priority: 0.10}
}

// Config tunes a Pool's autoscaling bounds and thresholds.
type Config struct {
	MinWorkers        int
	MaxWorkers        int
	ScaleUpThreshold  float64 // mean utilization above which a worker is added
	ScaleDownThreshold float64 // mean utilization below which an idle worker is removed
	Weights           ScoreWeights
	AutoRecovery      bool
}

// DefaultConfig returns reasonable bounds; callers must still provide
// MinWorkers/MaxWorkers appropriate to their deployment.
func DefaultConfig() Config {
	return Config{
		MinWorkers: 1, MaxWorkers: 8,
		ScaleUpThreshold: 0.75, ScaleDownThreshold: 0.25,
		Weights: DefaultScoreWeights(), AutoRecovery: true,
	}
}

// Pool owns a registry of worker handles plus the configs needed to respawn
// them after an unhealthy teardown.
type Pool struct {
	mu      sync.RWMutex
	cfg     Config
	workers map[string]*WorkerHandle
	configs map[string]WorkerConfig
	bus     *events.Bus
}

// New constructs an empty Pool.
func New(cfg Config, bus *events.Bus) *Pool {
	if cfg.MinWorkers < 0 {
		cfg.MinWorkers = 0
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.Weights == (ScoreWeights{}) {
		cfg.Weights = DefaultScoreWeights()
	}
	return &Pool{cfg: cfg, workers: make(map[string]*WorkerHandle), configs: make(map[string]WorkerConfig), bus: bus}
}

func (p *Pool) publish(topic events.Topic, payload map[string]any) {
	if p.bus != nil {
		p.bus.Publish(topic, payload)
	}
}

// Register adds a worker built from cfg, retaining cfg for later
// auto-recovery respawns.
func (p *Pool) Register(cfg WorkerConfig) *WorkerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := newHandle(cfg)
	p.workers[cfg.ID] = h
	p.configs[cfg.ID] = cfg
	return h
}

// Unregister removes a worker entirely (no respawn).
func (p *Pool) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
	delete(p.configs, id)
}

// SetLoad updates a worker's current load in [0, 1].
func (p *Pool) SetLoad(id string, load float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.workers[id]; ok {
		h.Load = load
	}
}

// SetHealthy marks a worker's health state, as observed by an external
// health-check caller.
func (p *Pool) SetHealthy(id string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.workers[id]; ok {
		h.Healthy = healthy
	}
}

// Workers returns a snapshot of every registered handle.
func (p *Pool) Workers() []WorkerHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]WorkerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScoredWorker pairs a worker id with its routing score for a given task.
type ScoredWorker struct {
	ID    string
	Score float64
}

// RouteTask scores every registered worker against task and returns the
// topK highest-scoring, ties broken by id (ascending).
func (p *Pool) RouteTask(task Task, topK int) []ScoredWorker {
	if topK <= 0 {
		return nil
	}
	p.mu.RLock()
	handles := make([]*WorkerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.RUnlock()

	// heap.BoundedMax keeps the k smallest priorities; negate score so the
	// highest-scoring workers are the ones retained.
	bounded := heap.NewBoundedMax[ScoredWorker](topK)
	for _, h := range handles {
		score := p.score(task, h)
		bounded.Insert(ScoredWorker{ID: h.ID, Score: score}, float32(-score))
	}
	out := bounded.Sorted()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *Pool) score(task Task, h *WorkerHandle) float64 {
	w := p.cfg.Weights

	capability := 1.0
	if len(task.RequiredCapabilities) > 0 {
		matched := 0
		for _, c := range task.RequiredCapabilities {
			if h.Capabilities[c] {
				matched++
			}
		}
		capability = float64(matched) / float64(len(task.RequiredCapabilities))
	}

	domain := 0.0
	if task.Domain == "" || task.Domain == h.Type {
		domain = 1.0
	}

	embedding := 0.0
	if len(task.Embedding) > 0 && len(h.Specialization) == len(task.Embedding) {
		if dist, err := vecmath.Cosine(task.Embedding, h.Specialization); err == nil {
			embedding = 1 - float64(dist)
		}
	}

	health := 0.0
	if h.Healthy {
		health = 1.0
	}

	return w.Capability*capability +
		w.Domain*domain +
		w.Embedding*embedding +
		w.Load*(1-float64(h.Load)) +
		w.Health*health +
		w.Priority*float64(task.Priority)
}

// MeanUtilization returns the mean Load across every registered worker, or
// 0 if the pool is empty.
func (p *Pool) MeanUtilization() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.workers) == 0 {
		return 0
	}
	var sum float64
	for _, h := range p.workers {
		sum += float64(h.Load)
	}
	return sum / float64(len(p.workers))
}

// Autoscale adds a worker (built from factory) when mean utilization
// exceeds ScaleUpThreshold and the pool is below MaxWorkers, or removes the
// least-loaded idle worker when mean utilization is below
// ScaleDownThreshold and the pool is above MinWorkers. Returns whether a
// scaling action was taken.
func (p *Pool) Autoscale(factory func() WorkerConfig) bool {
	util := p.MeanUtilization()

	p.mu.Lock()
	count := len(p.workers)
	p.mu.Unlock()

	if util > p.cfg.ScaleUpThreshold && count < p.cfg.MaxWorkers {
		cfg := factory()
		p.Register(cfg)
		p.publish(events.PoolScaledUp, map[string]any{"workerId": cfg.ID})
		return true
	}
	if util < p.cfg.ScaleDownThreshold && count > p.cfg.MinWorkers {
		if id, ok := p.leastLoadedIdle(); ok {
			p.Unregister(id)
			p.publish(events.PoolScaledDown, map[string]any{"workerId": id})
			return true
		}
	}
	return false
}

func (p *Pool) leastLoadedIdle() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var bestID string
	bestLoad := float32(2)
	found := false
	for id, h := range p.workers {
		if h.Load == 0 && h.Load < bestLoad {
			bestLoad, bestID, found = h.Load, id, true
		}
	}
	return bestID, found
}

// RunHealthChecks calls isHealthy for every registered worker; any worker
// it reports unhealthy is marked as such, and — when AutoRecovery is set —
// torn down and respawned fresh from its original WorkerConfig.
func (p *Pool) RunHealthChecks(isHealthy func(id string) bool) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	for _, id := range ids {
		healthy := isHealthy(id)
		p.SetHealthy(id, healthy)
		if healthy || !p.cfg.AutoRecovery {
			continue
		}
		p.mu.Lock()
		cfg, ok := p.configs[id]
		if ok {
			p.workers[id] = newHandle(cfg)
		}
		p.mu.Unlock()
		if ok {
			p.publish(events.PoolWorkerRecovered, map[string]any{"workerId": id})
		}
	}
}
