// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package migration implements the bulk ingestion/migration pipeline
// (C13): it streams entries from an arbitrary Source, backfills missing
// embeddings, batches them into the router, and skips unchanged items on
// re-run via a content-hash checkpoint — the same hash-delta resumability
// the teacher's ingestion pipeline uses against a git-less source tree.
package migration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	unierrors "github.com/kraklabs/unimem/internal/errors"
	"github.com/kraklabs/unimem/pkg/checkpoint"
	"github.com/kraklabs/unimem/pkg/events"
	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/router"
)

// Source streams entries to migrate. Next returns ok=false (with a nil
// error) once the source is exhausted; a non-nil error aborts the run.
type Source interface {
	Next(ctx context.Context) (entry *memory.Entry, ok bool, err error)
}

// EmbeddingGenerator produces an embedding for content. Entries that
// already carry an Embedding are never passed through it.
type EmbeddingGenerator func(ctx context.Context, content string) ([]float32, error)

// ProgressCallback reports progress the same way as the teacher's
// ingestion pipeline: current item, total (if known; 0 otherwise), and a
// named phase ("hashing", "embedding", "writing").
type ProgressCallback func(current, total int64, phase string)

// Config tunes batching, checkpoint cadence, and the resumability scope.
type Config struct {
	BatchSize       int
	CheckpointEvery int // flush a checkpoint every N batches; <= 0 means every batch
	TotalHint       int64
	TaskID          string // checkpoint scope; defaults to "migration"
	WorkerID        string // checkpoint scope; defaults to "default"
}

// DefaultConfig returns a conservative batching configuration.
func DefaultConfig() Config {
	return Config{BatchSize: 100, CheckpointEvery: 1, TaskID: "migration", WorkerID: "default"}
}

// Result summarizes a completed (or partially completed) run.
type Result struct {
	Processed int64
	Skipped   int64 // unchanged per the content-hash checkpoint
	Inserted  int64
	Errors    int64
	Duration  time.Duration
}

// Pipeline drives entries from a Source into a Router, generating missing
// embeddings and skipping unchanged items on resumed runs.
type Pipeline struct {
	source   Source
	embed    EmbeddingGenerator
	router   *router.Router
	store    checkpoint.Store
	bus      *events.Bus
	cfg      Config
	onProgress ProgressCallback
}

// New constructs a Pipeline. store and bus may be nil (no checkpointing,
// no event publication respectively); embed may be nil when every Source
// entry already carries its own Embedding.
func New(source Source, embed EmbeddingGenerator, r *router.Router, store checkpoint.Store, bus *events.Bus, cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TaskID == "" {
		cfg.TaskID = "migration"
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "default"
	}
	return &Pipeline{source: source, embed: embed, router: r, store: store, bus: bus, cfg: cfg}
}

// SetProgressCallback installs cb, called after every processed item.
func (p *Pipeline) SetProgressCallback(cb ProgressCallback) { p.onProgress = cb }

func (p *Pipeline) report(current, total int64, phase string) {
	if p.onProgress != nil {
		p.onProgress(current, total, phase)
	}
}

func (p *Pipeline) publish(topic events.Topic, payload map[string]any) {
	if p.bus != nil {
		p.bus.Publish(topic, payload)
	}
}

func contentHash(e *memory.Entry) string {
	sum := sha256.Sum256([]byte(e.Content))
	return hex.EncodeToString(sum[:])
}

// loadHashes recovers the {entryKey: contentHash} map from the latest
// checkpoint in this pipeline's scope, or an empty map if none exists.
//
// Metadata's concrete shape for "hashes" differs by Store: MemStore keeps
// the Checkpoint by value, so it is still the map[string]string saveHashes
// wrote; FileStore round-trips every checkpoint through JSON, and
// json.Unmarshal into a map[string]any always produces map[string]any for
// a nested object, never map[string]string. Both shapes must be accepted,
// or every resumed migration against FileStore silently loses its
// resumability (loadHashes returning an empty map is indistinguishable from
// "first run").
func (p *Pipeline) loadHashes() map[string]string {
	hashes := make(map[string]string)
	if p.store == nil {
		return hashes
	}
	cp, ok := p.store.LoadLatest(p.cfg.TaskID, p.cfg.WorkerID)
	if !ok {
		return hashes
	}
	switch raw := cp.Metadata["hashes"].(type) {
	case map[string]string:
		for k, v := range raw {
			hashes[k] = v
		}
	case map[string]any:
		for k, v := range raw {
			if s, ok := v.(string); ok {
				hashes[k] = s
			}
		}
	}
	return hashes
}

func (p *Pipeline) saveHashes(hashes map[string]string, sequence uint64, processed int64) {
	if p.store == nil {
		return
	}
	snapshot := make(map[string]string, len(hashes))
	for k, v := range hashes {
		snapshot[k] = v
	}
	cp := checkpoint.Checkpoint{
		ID:        p.cfg.TaskID + ":" + p.cfg.WorkerID + ":hashes",
		TaskID:    p.cfg.TaskID,
		WorkerID:  p.cfg.WorkerID,
		Sequence:  sequence,
		Timestamp: time.Now().UnixMilli(),
		Phase:     "writing",
		Progress:  0,
		Metadata:  map[string]any{"hashes": snapshot, "processed": processed},
	}
	if err := p.store.Save(cp); err == nil {
		p.publish(events.CheckpointSaved, map[string]any{"taskId": p.cfg.TaskID, "checkpointId": cp.ID})
	}
}

// Run drains the source to completion, skipping items whose content hash
// matches a previously checkpointed value, embedding the rest, and
// flushing them to the router in batches of cfg.BatchSize.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	p.publish(events.MigrationStarted, map[string]any{"taskId": p.cfg.TaskID})

	hashes := p.loadHashes()
	result := &Result{}
	var batch []*memory.Entry
	var sequence uint64
	batchesSinceCheckpoint := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.router.BulkInsert(ctx, batch); err != nil {
			result.Errors += int64(len(batch))
			return err
		}
		result.Inserted += int64(len(batch))
		batch = batch[:0]
		sequence++
		batchesSinceCheckpoint++
		every := p.cfg.CheckpointEvery
		if every <= 0 {
			every = 1
		}
		if batchesSinceCheckpoint >= every {
			p.saveHashes(hashes, sequence, result.Processed)
			batchesSinceCheckpoint = 0
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			p.publish(events.MigrationFailed, map[string]any{"taskId": p.cfg.TaskID, "error": err.Error()})
			return result, err
		}

		entry, ok, err := p.source.Next(ctx)
		if err != nil {
			p.publish(events.MigrationFailed, map[string]any{"taskId": p.cfg.TaskID, "error": err.Error()})
			return result, unierrors.Wrap(unierrors.KindUnknown, "source read failed", err)
		}
		if !ok {
			break
		}

		result.Processed++
		hash := contentHash(entry)
		if prior, seen := hashes[entry.Key]; seen && prior == hash {
			result.Skipped++
			p.report(result.Processed, p.cfg.TotalHint, "hashing")
			continue
		}
		hashes[entry.Key] = hash

		if len(entry.Embedding) == 0 && p.embed != nil {
			embedding, err := p.embed(ctx, entry.Content)
			if err != nil {
				result.Errors++
				p.report(result.Processed, p.cfg.TotalHint, "embedding")
				continue
			}
			entry.Embedding = embedding
		}
		p.report(result.Processed, p.cfg.TotalHint, "embedding")

		batch = append(batch, entry)
		if len(batch) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				p.publish(events.MigrationFailed, map[string]any{"taskId": p.cfg.TaskID, "error": err.Error()})
				return result, err
			}
			p.report(result.Processed, p.cfg.TotalHint, "writing")
		}
	}

	if err := flush(); err != nil {
		p.publish(events.MigrationFailed, map[string]any{"taskId": p.cfg.TaskID, "error": err.Error()})
		return result, err
	}
	p.saveHashes(hashes, sequence+1, result.Processed)

	result.Duration = time.Since(start)
	p.publish(events.MigrationComplete, map[string]any{
		"taskId": p.cfg.TaskID, "processed": result.Processed, "inserted": result.Inserted, "skipped": result.Skipped,
	})
	return result, nil
}
