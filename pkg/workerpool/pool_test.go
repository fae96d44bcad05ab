// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package workerpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	unierrors "github.com/kraklabs/unimem/internal/errors"
)

func TestRouteTask_PicksHighestScoringWorkersInOrder(t *testing.T) {
	p := New(DefaultConfig(), nil)
	p.Register(WorkerConfig{ID: "idle", Type: "coder", Capabilities: []string{"go"}, MaxConcurrent: 4})
	p.Register(WorkerConfig{ID: "busy", Type: "coder", Capabilities: []string{"go"}, MaxConcurrent: 4})
	p.SetLoad("busy", 0.9)
	p.Register(WorkerConfig{ID: "wrong-domain", Type: "writer", Capabilities: []string{"go"}, MaxConcurrent: 4})

	// With the default weights: idle 1.00; wrong-domain 0.75 (no domain
	// match, but full inverse-load credit); busy 0.73.
	scored := p.RouteTask(Task{RequiredCapabilities: []string{"go"}, Domain: "coder"}, 2)
	require.Len(t, scored, 2)
	require.Equal(t, "idle", scored[0].ID)
	require.Equal(t, "wrong-domain", scored[1].ID)
	require.Greater(t, scored[0].Score, scored[1].Score)
}

func TestRouteTask_TiesBrokenByID(t *testing.T) {
	p := New(DefaultConfig(), nil)
	p.Register(WorkerConfig{ID: "b", Type: "coder", MaxConcurrent: 1})
	p.Register(WorkerConfig{ID: "a", Type: "coder", MaxConcurrent: 1})

	scored := p.RouteTask(Task{Domain: "coder"}, 2)
	require.Len(t, scored, 2)
	require.Equal(t, "a", scored[0].ID)
	require.Equal(t, "b", scored[1].ID)
}

func TestAutoscale_AddsWorkerAboveScaleUpThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers, cfg.MaxWorkers = 1, 3
	cfg.ScaleUpThreshold = 0.5
	p := New(cfg, nil)
	p.Register(WorkerConfig{ID: "w1", MaxConcurrent: 1})
	p.SetLoad("w1", 0.9)

	scaled := p.Autoscale(func() WorkerConfig { return WorkerConfig{ID: "w2", MaxConcurrent: 1} })
	require.True(t, scaled)
	require.Len(t, p.Workers(), 2)
}

func TestAutoscale_RemovesIdleWorkerBelowScaleDownThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers, cfg.MaxWorkers = 1, 3
	cfg.ScaleDownThreshold = 0.5
	p := New(cfg, nil)
	p.Register(WorkerConfig{ID: "w1", MaxConcurrent: 1})
	p.Register(WorkerConfig{ID: "w2", MaxConcurrent: 1})
	p.SetLoad("w1", 0.0)
	p.SetLoad("w2", 0.0)

	scaled := p.Autoscale(func() WorkerConfig { return WorkerConfig{ID: "w3"} })
	require.True(t, scaled)
	require.Len(t, p.Workers(), 1)
}

func TestAutoscale_RespectsMaxWorkersBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinWorkers, cfg.MaxWorkers = 1, 1
	cfg.ScaleUpThreshold = 0.1
	p := New(cfg, nil)
	p.Register(WorkerConfig{ID: "w1", MaxConcurrent: 1})
	p.SetLoad("w1", 0.9)

	scaled := p.Autoscale(func() WorkerConfig { return WorkerConfig{ID: "w2"} })
	require.False(t, scaled)
	require.Len(t, p.Workers(), 1)
}

func TestRunHealthChecks_RespawnsUnhealthyWorkerFromOriginalConfig(t *testing.T) {
	p := New(DefaultConfig(), nil)
	p.Register(WorkerConfig{ID: "w1", Type: "coder", Capabilities: []string{"go"}, MaxConcurrent: 4})
	p.SetLoad("w1", 0.8)

	p.RunHealthChecks(func(id string) bool { return false })

	workers := p.Workers()
	require.Len(t, workers, 1)
	require.Equal(t, float32(0), workers[0].Load, "respawned worker should reset to a fresh handle")
	require.True(t, workers[0].Healthy)
}

func TestCircuitBreaker_OpensAfterFailureThresholdAndHalfOpensAfterReset(t *testing.T) {
	// Scenario 6: failureThreshold=3, resetTimeout=50ms. Four consecutive
	// failed calls still reach the provider (failures must exceed the
	// threshold to trip); the fifth fails with CircuitOpen without
	// contacting the provider.
	cb := NewCircuitBreaker(3, 50*time.Millisecond)

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	require.Equal(t, BreakerOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	require.True(t, unierrors.Is(err, unierrors.KindCircuitOpen))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Allow(), "half-open probe should be allowed after resetTimeout elapses")
	require.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	require.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	require.Equal(t, BreakerClosed, cb.State(), "a single failure must not exceed a threshold of 1")

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State(), "the 2nd consecutive failure exceeds the threshold of 1")

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State(), "a failed half-open probe reopens the breaker immediately")
}
