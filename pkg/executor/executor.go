// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor implements the long-running, checkpointable task driver
// (C10): a phased state machine that periodically checkpoints via C11,
// reports progress on its own timer, retries failed steps with exponential
// backoff, and honors cooperative cancellation and an overall timeout.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/internal/idgen"
	"github.com/kraklabs/unimem/pkg/checkpoint"
	"github.com/kraklabs/unimem/pkg/events"
)

// State is the task's position in the IDLE -> RUNNING -> (SUSPENDED ->
// RUNNING)* -> {DONE, FAILED, CANCELLED} state machine. SUSPENDED is
// instantaneous (a checkpoint save tick) and never observed between steps.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StepFunc executes a single step, returning a partial result appended to
// the task's running result list.
type StepFunc func(ctx context.Context) (any, error)

// Phase groups an ordered sequence of steps under a name used in
// checkpoints (spec scenario 5: "phase-2").
type Phase struct {
	Name  string
	Steps []StepFunc
}

// Task is an ordered sequence of phases.
type Task struct {
	ID       string
	WorkerID string
	Phases   []Phase
}

func (t Task) totalSteps() int {
	n := 0
	for _, p := range t.Phases {
		n += len(p.Steps)
	}
	return n
}

// Config tunes checkpoint cadence, progress reporting, retry, and timeout.
// In New, zero (or negative) durations, counts, and multiplier fall back to
// the spec defaults; the booleans have no fallback, so a zero AutoRetry
// disables retries.
type Config struct {
	CheckpointInterval time.Duration
	ProgressInterval   time.Duration
	MaxRetries         int
	BaseBackoff        time.Duration
	BackoffMultiplier  float64
	AutoRetry          bool
	TaskTimeout        time.Duration // 0 means no timeout
	MaxCheckpoints     int
	AutoCleanup        bool
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 60 * time.Second,
		ProgressInterval:   5 * time.Second,
		MaxRetries:         3,
		BaseBackoff:        500 * time.Millisecond,
		BackoffMultiplier:  2.0,
		AutoRetry:          true,
		MaxCheckpoints:     10,
		AutoCleanup:        false,
	}
}

// ProgressUpdate is emitted on ProgressInterval while a task is active.
// EstimatedTimeRemaining is zero when Progress is zero (undefined per
// spec).
type ProgressUpdate struct {
	TaskID                 string
	Phase                  string
	Step                   int
	TotalSteps             int
	Progress               float64
	EstimatedTimeRemaining time.Duration
}

// ProgressListener receives ProgressUpdate ticks; it must not block.
type ProgressListener func(ProgressUpdate)

// Result is the terminal outcome of a task run.
type Result struct {
	TaskID         string
	State          State
	PartialResults []any
	Err            error
}

// runState is the mutable progress snapshot shared between the step loop
// and the background checkpoint/progress tickers. Guarded by mu.
type runState struct {
	mu             sync.Mutex
	phaseIdx       int
	stepIdx        int // steps completed within the current phase
	partial        []any
	context        map[string]any
	startedAt      time.Time
	nextCheckpoint uint64
}

func (r *runState) snapshotLocked() (phaseIdx, stepIdx int, partial []any, ctxCopy map[string]any) {
	return r.phaseIdx, r.stepIdx, append([]any(nil), r.partial...), cloneCtx(r.context)
}

func cloneCtx(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Executor drives Task runs against a checkpoint.Store and publishes
// lifecycle events on an events.Bus.
type Executor struct {
	cfg   Config
	store checkpoint.Store
	bus   *events.Bus
}

// New constructs an Executor. bus may be nil (events are simply not
// published).
func New(cfg Config, store checkpoint.Store, bus *events.Bus) *Executor {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 60 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 10
	}
	return &Executor{cfg: cfg, store: store, bus: bus}
}

func (x *Executor) publish(topic events.Topic, payload map[string]any) {
	if x.bus != nil {
		x.bus.Publish(topic, payload)
	}
}

// Handle represents an in-flight task run: a cancel signal plus a channel
// that closes once the terminal Result is available.
type Handle struct {
	TaskID string
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Cancel requests cooperative cancellation: the current step runs to
// completion, a final checkpoint is written, and the result reports
// StateCancelled. Cancelling an already-terminal task is a no-op.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the task reaches a terminal state and returns the
// result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Done exposes the completion channel for select-based waiting.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Execute starts task asynchronously from the beginning and returns a
// Handle immediately.
func (x *Executor) Execute(ctx context.Context, task Task, listener ProgressListener) *Handle {
	return x.start(ctx, task, 0, 0, nil, nil, listener)
}

// Resume loads checkpointID and restarts task execution at the step it
// recorded (Checkpoint.Step counts the steps already completed in that
// phase, so it is the index of the first step not yet run).
func (x *Executor) Resume(ctx context.Context, checkpointID string, task Task, listener ProgressListener) (*Handle, error) {
	cp, ok := x.store.Load(checkpointID)
	if !ok {
		return nil, unierrors.New(unierrors.KindNotFound, "checkpoint not found")
	}
	phaseIdx := phaseIndexByName(task, cp.Phase)
	stepIdx := cp.Step
	partial := append([]any(nil), cp.PartialResults...)
	x.publish(events.CheckpointResumed, map[string]any{"taskId": task.ID, "checkpointId": checkpointID})
	return x.start(ctx, task, phaseIdx, stepIdx, partial, cp.Context, listener), nil
}

func phaseIndexByName(task Task, name string) int {
	for i, p := range task.Phases {
		if p.Name == name {
			return i
		}
	}
	return 0
}

func (x *Executor) start(parent context.Context, task Task, startPhase, startStep int, partial []any, carryCtx map[string]any, listener ProgressListener) *Handle {
	ctx, cancel := context.WithCancel(parent)
	var cancelTimeout context.CancelFunc
	if x.cfg.TaskTimeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, x.cfg.TaskTimeout)
	}
	h := &Handle{TaskID: task.ID, cancel: cancel, done: make(chan struct{})}

	rs := &runState{
		phaseIdx:  startPhase,
		stepIdx:   startStep,
		partial:   partial,
		context:   carryCtx,
		startedAt: time.Now(),
	}
	if rs.context == nil {
		rs.context = make(map[string]any)
	}

	go func() {
		x.run(ctx, task, rs, h, listener)
		if cancelTimeout != nil {
			cancelTimeout()
		}
		cancel()
	}()
	return h
}

func (x *Executor) run(ctx context.Context, task Task, rs *runState, h *Handle, listener ProgressListener) {
	defer close(h.done)

	x.publish(events.TaskStarted, map[string]any{"taskId": task.ID})

	stopTickers := x.startTickers(ctx, task, rs, listener)
	defer stopTickers()

	var finalState State
	var finalErr error

	for phaseIdx := rs.phaseIdx; phaseIdx < len(task.Phases); phaseIdx++ {
		phase := task.Phases[phaseIdx]
		startStep := 0
		if phaseIdx == rs.phaseIdx {
			startStep = rs.stepIdx
		}
		for stepIdx := startStep; stepIdx < len(phase.Steps); stepIdx++ {
			select {
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					finalState, finalErr = StateFailed, unierrors.New(unierrors.KindTimeout, "task exceeded configured timeout")
				} else {
					finalState, finalErr = StateCancelled, nil
				}
				x.finalCheckpoint(task, rs, phase.Name, stepIdx, finalState)
				x.emitTerminal(task, finalState, finalErr)
				h.result = Result{TaskID: task.ID, State: finalState, PartialResults: snapshotPartial(rs), Err: finalErr}
				return
			default:
			}

			result, err := x.runStepWithRetry(ctx, phase.Steps[stepIdx])
			if err != nil {
				finalState, finalErr = classifyStepError(ctx, err)
				x.finalCheckpoint(task, rs, phase.Name, stepIdx, finalState)
				x.emitTerminal(task, finalState, finalErr)
				h.result = Result{TaskID: task.ID, State: finalState, PartialResults: snapshotPartial(rs), Err: finalErr}
				return
			}

			rs.mu.Lock()
			rs.partial = append(rs.partial, result)
			rs.phaseIdx = phaseIdx
			rs.stepIdx = stepIdx + 1
			rs.mu.Unlock()
		}
	}

	finalState = StateDone
	x.saveCheckpoint(task, rs, lastPhaseName(task), task.totalSteps(), finalState, 1.0)
	if x.cfg.AutoCleanup {
		x.store.DeleteAll(task.ID, task.WorkerID)
	}
	x.publish(events.TaskCompleted, map[string]any{"taskId": task.ID})
	h.result = Result{TaskID: task.ID, State: finalState, PartialResults: snapshotPartial(rs)}
}

// classifyStepError turns a step failure into a terminal state and error,
// recognizing a context cancellation/deadline as CANCELLED/FAILED(Timeout)
// rather than a generic step failure.
func classifyStepError(ctx context.Context, stepErr error) (State, error) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return StateFailed, unierrors.New(unierrors.KindTimeout, "task exceeded configured timeout")
	case context.Canceled:
		return StateCancelled, nil
	default:
		return StateFailed, stepErr
	}
}

func lastPhaseName(task Task) string {
	if len(task.Phases) == 0 {
		return ""
	}
	return task.Phases[len(task.Phases)-1].Name
}

func (x *Executor) emitTerminal(task Task, state State, err error) {
	switch state {
	case StateFailed:
		x.publish(events.TaskFailed, map[string]any{"taskId": task.ID, "error": errString(err)})
	case StateCancelled:
		x.publish(events.TaskCancelled, map[string]any{"taskId": task.ID})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func snapshotPartial(rs *runState) []any {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]any(nil), rs.partial...)
}

// runStepWithRetry executes step, retrying with exponential backoff up to
// MaxRetries when AutoRetry is set. It stops retrying if ctx is cancelled.
func (x *Executor) runStepWithRetry(ctx context.Context, step StepFunc) (any, error) {
	if !x.cfg.AutoRetry {
		return step(ctx)
	}

	var result any
	attempt := 0
	operation := func() error {
		attempt++
		r, err := step(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.cfg.BaseBackoff
	b.Multiplier = x.cfg.BackoffMultiplier
	b.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(b, uint64(x.cfg.MaxRetries))
	withCtx := backoff.WithContext(bounded, ctx)

	err := backoff.Retry(operation, withCtx)
	if err != nil {
		if attempt > 1 {
			x.publish(events.TaskRetry, nil)
		}
		return nil, unierrors.Wrap(unierrors.KindUnknown, "step failed after retries", err)
	}
	return result, nil
}

// startTickers launches the checkpoint and progress goroutines, returning a
// stop function. Both stop automatically when ctx is done.
func (x *Executor) startTickers(ctx context.Context, task Task, rs *runState, listener ProgressListener) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(x.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				phaseIdx, stepIdx, _, _ := snapshot(rs)
				phaseName := ""
				if phaseIdx < len(task.Phases) {
					phaseName = task.Phases[phaseIdx].Name
				}
				x.saveCheckpoint(task, rs, phaseName, stepIdx, StateSuspended, progressOf(task, phaseIdx, stepIdx))
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(x.cfg.ProgressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					phaseIdx, stepIdx, _, _ := snapshot(rs)
					phaseName := ""
					if phaseIdx < len(task.Phases) {
						phaseName = task.Phases[phaseIdx].Name
					}
					progress := progressOf(task, phaseIdx, stepIdx)
					var eta time.Duration
					if progress > 0 {
						elapsed := time.Since(rs.startedAt)
						eta = time.Duration(float64(elapsed) * (1 - progress) / progress)
					}
					listener(ProgressUpdate{
						TaskID: task.ID, Phase: phaseName, Step: stepIdx,
						TotalSteps: task.totalSteps(), Progress: progress, EstimatedTimeRemaining: eta,
					})
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return func() {
		close(stop)
		wg.Wait()
	}
}

func snapshot(rs *runState) (phaseIdx, stepIdx int, partial []any, ctxCopy map[string]any) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.snapshotLocked()
}

func progressOf(task Task, phaseIdx, stepIdx int) float64 {
	total := task.totalSteps()
	if total == 0 {
		return 0
	}
	done := 0
	for i := 0; i < phaseIdx && i < len(task.Phases); i++ {
		done += len(task.Phases[i].Steps)
	}
	done += stepIdx
	return float64(done) / float64(total)
}

func (x *Executor) saveCheckpoint(task Task, rs *runState, phaseName string, stepIdx int, state State, progress float64) {
	phaseIdx, _, partial, ctxCopy := snapshot(rs)
	_ = phaseIdx
	cp := checkpoint.Checkpoint{
		ID:             task.ID + ":" + phaseName + ":" + itoa(stepIdx) + ":" + idgen.CheckpointID(),
		TaskID:         task.ID,
		WorkerID:       task.WorkerID,
		Sequence:       nextSequence(rs),
		Timestamp:      time.Now().UnixMilli(),
		Phase:          phaseName,
		Step:           stepIdx,
		TotalSteps:     task.totalSteps(),
		PartialResults: partial,
		Context:        ctxCopy,
		Progress:       progress,
	}
	if err := x.store.Save(cp); err == nil {
		x.publish(events.CheckpointSaved, map[string]any{"taskId": task.ID, "checkpointId": cp.ID})
	}
}

func (x *Executor) finalCheckpoint(task Task, rs *runState, phaseName string, stepIdx int, state State) {
	progress := progressOf(task, phaseIndexByName(task, phaseName), stepIdx)
	x.saveCheckpoint(task, rs, phaseName, stepIdx, state, progress)
}

func nextSequence(rs *runState) uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.nextCheckpoint++
	return rs.nextCheckpoint
}

func itoa(n int) string  { return itoa64(int64(n)) }
func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
