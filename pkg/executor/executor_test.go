// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/pkg/checkpoint"
	"github.com/kraklabs/unimem/pkg/events"
)

func constStep(v any) StepFunc {
	return func(ctx context.Context) (any, error) { return v, nil }
}

func threePhaseTask(id string) Task {
	task := Task{ID: id, WorkerID: "w1"}
	for _, name := range []string{"phase-1", "phase-2", "phase-3"} {
		p := Phase{Name: name}
		for i := 0; i < 5; i++ {
			p.Steps = append(p.Steps, constStep(name+"-step"))
		}
		task.Phases = append(task.Phases, p)
	}
	return task
}

func TestExecute_RunsToCompletion(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	x := New(DefaultConfig(), store, nil)

	h := x.Execute(context.Background(), threePhaseTask("t-done"), nil)
	res := h.Wait()

	require.Equal(t, StateDone, res.State)
	require.Len(t, res.PartialResults, 15)
	require.NoError(t, res.Err)
}

func TestExecute_PublishesLifecycleEvents(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	bus := events.NewBus(16)
	var started, completed int32
	bus.Subscribe(events.SinkFunc(func(e events.Event) {
		switch e.Topic {
		case events.TaskStarted:
			atomic.AddInt32(&started, 1)
		case events.TaskCompleted:
			atomic.AddInt32(&completed, 1)
		}
	}))

	x := New(DefaultConfig(), store, bus)
	h := x.Execute(context.Background(), threePhaseTask("t-events"), nil)
	h.Wait()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&started) == 1 && atomic.LoadInt32(&completed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExecute_StepFailsAfterRetriesExhausted(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BaseBackoff = time.Millisecond
	x := New(cfg, store, nil)

	var attempts int32
	task := Task{ID: "t-fail", WorkerID: "w1", Phases: []Phase{
		{Name: "phase-1", Steps: []StepFunc{
			func(ctx context.Context) (any, error) {
				atomic.AddInt32(&attempts, 1)
				return nil, unierrors.New(unierrors.KindUnknown, "boom")
			},
		}},
	}}

	h := x.Execute(context.Background(), task, nil)
	res := h.Wait()

	require.Equal(t, StateFailed, res.State)
	require.Error(t, res.Err)
	// one initial attempt + MaxRetries retries
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestExecute_RetrySucceedsWithinBudget(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseBackoff = time.Millisecond
	x := New(cfg, store, nil)

	var attempts int32
	task := Task{ID: "t-flaky", WorkerID: "w1", Phases: []Phase{
		{Name: "phase-1", Steps: []StepFunc{
			func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&attempts, 1)
				if n < 3 {
					return nil, unierrors.New(unierrors.KindUnknown, "transient")
				}
				return "ok", nil
			},
		}},
	}}

	h := x.Execute(context.Background(), task, nil)
	res := h.Wait()

	require.Equal(t, StateDone, res.State)
	require.Equal(t, []any{"ok"}, res.PartialResults)
}

func TestExecute_TimeoutFailsTaskWithTimeoutKind(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	cfg := DefaultConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	cfg.AutoRetry = false
	x := New(cfg, store, nil)

	task := Task{ID: "t-timeout", WorkerID: "w1", Phases: []Phase{
		{Name: "phase-1", Steps: []StepFunc{
			func(ctx context.Context) (any, error) {
				select {
				case <-time.After(time.Second):
					return "too-slow", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}},
	}}

	h := x.Execute(context.Background(), task, nil)
	res := h.Wait()

	require.Equal(t, StateFailed, res.State)
	require.True(t, unierrors.Is(res.Err, unierrors.KindTimeout))
}

func TestExecute_CancelIsNoopOnAlreadyTerminalTask(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	x := New(DefaultConfig(), store, nil)

	task := Task{ID: "t-idle-cancel", WorkerID: "w1", Phases: []Phase{
		{Name: "phase-1", Steps: []StepFunc{constStep("only-step")}},
	}}

	h := x.Execute(context.Background(), task, nil)
	res := h.Wait()
	require.Equal(t, StateDone, res.State)

	require.NotPanics(t, func() { h.Cancel() })
}

func TestExecute_ProgressListenerReceivesUpdates(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	cfg := DefaultConfig()
	cfg.ProgressInterval = 5 * time.Millisecond
	x := New(cfg, store, nil)

	var updates int32
	task := Task{ID: "t-progress", WorkerID: "w1", Phases: []Phase{
		{Name: "phase-1", Steps: []StepFunc{
			func(ctx context.Context) (any, error) {
				time.Sleep(50 * time.Millisecond)
				return "slow", nil
			},
		}},
	}}

	h := x.Execute(context.Background(), task, func(u ProgressUpdate) {
		atomic.AddInt32(&updates, 1)
	})
	h.Wait()

	require.GreaterOrEqual(t, atomic.LoadInt32(&updates), int32(1))
}

// TestExecute_CheckpointReplayAfterCancelAndResume mirrors the spec's
// checkpoint-replay scenario: a 3-phase task of 5 steps each is cancelled
// mid phase-2, the resulting checkpoint records phase-2 with step >= 3, and
// resuming from it drives the task to completion with >= 10 partial
// results overall.
func TestExecute_CheckpointReplayAfterCancelAndResume(t *testing.T) {
	store := checkpoint.NewMemStore(10)
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 10 * time.Millisecond
	cfg.ProgressInterval = time.Hour
	x := New(cfg, store, nil)

	ready := make(chan struct{})
	gate := make(chan struct{})

	task := Task{ID: "t-replay", WorkerID: "w1"}
	for _, name := range []string{"phase-1", "phase-2", "phase-3"} {
		p := Phase{Name: name}
		for i := 0; i < 5; i++ {
			stepName := name
			idx := i
			if name == "phase-2" && idx == 2 {
				p.Steps = append(p.Steps, func(ctx context.Context) (any, error) {
					close(ready)
					<-gate
					return "phase-2-2", nil
				})
				continue
			}
			p.Steps = append(p.Steps, constStep(stepName+"-step"))
		}
		task.Phases = append(task.Phases, p)
	}

	h := x.Execute(context.Background(), task, nil)
	<-ready
	h.Cancel()
	close(gate)
	res := h.Wait()
	require.Equal(t, StateCancelled, res.State)

	cps := store.List("t-replay", "w1")
	require.NotEmpty(t, cps)
	last := cps[len(cps)-1]
	require.Equal(t, "phase-2", last.Phase)
	require.GreaterOrEqual(t, last.Step, 3)

	resumed, err := x.Resume(context.Background(), last.ID, task, nil)
	require.NoError(t, err)
	final := resumed.Wait()

	require.Equal(t, StateDone, final.State)
	require.GreaterOrEqual(t, len(final.PartialResults), 10)
}
