// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/unimem/pkg/cache"
	"github.com/kraklabs/unimem/pkg/checkpoint"
	"github.com/kraklabs/unimem/pkg/events"
	"github.com/kraklabs/unimem/pkg/hnsw"
	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/router"
	"github.com/kraklabs/unimem/pkg/store"
	"github.com/kraklabs/unimem/pkg/vectorstore"
)

// runtime bundles the live objects a command needs; each subcommand handler
// that touches the core builds one with buildRuntime and closes it on exit.
type runtime struct {
	cfg        *Config
	bus        *events.Bus
	core       *memory.Core
	router     *router.Router
	checkpoint checkpoint.Store
	snapshot   string

	structured *store.Store
	vector     *vectorstore.VectorStore
}

// buildRuntime opens the structured and vector backends rooted at
// cfg.DataDir and wires a MemCore façade over them, loading any prior
// snapshot written by a previous Shutdown.
func buildRuntime(cfg *Config) (*runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	structuredPath := filepath.Join(cfg.DataDir, "structured.db")
	vectorPath := filepath.Join(cfg.DataDir, "vectors.db")
	snapshotPath := filepath.Join(cfg.DataDir, "snapshot.json")

	s, err := store.Open(structuredPath)
	if err != nil {
		return nil, fmt.Errorf("open structured store: %w", err)
	}

	v, err := vectorstore.New(vectorstore.Config{
		HNSW: hnsw.Config{
			Dim:            cfg.HNSW.Dim,
			M:              cfg.HNSW.M,
			EfConstruction: cfg.HNSW.EfConstruction,
			Metric:         cfg.HNSW.metric(),
			MaxElements:    cfg.HNSW.MaxElements,
		},
		Cache: cache.Config{
			MaxSize:    cfg.Cache.MaxSize,
			MaxMemory:  cfg.Cache.MaxMemory,
			TTL:        time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			SweepEvery: time.Duration(cfg.Cache.SweepSeconds) * time.Second,
		},
	}, vectorPath)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	cpStore, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir, cfg.Checkpoint.MaxCheckpoints)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	bus := events.NewBus(0)
	r := router.New(router.Config{DualWrite: cfg.DualWrite}, s, v)
	core := memory.New(r, bus)

	rt := &runtime{
		cfg: cfg, bus: bus, core: core, router: r, checkpoint: cpStore, snapshot: snapshotPath,
		structured: s, vector: v,
	}
	if _, err := core.Load(context.Background(), snapshotPath); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return rt, nil
}

// Close serializes the current state back to the snapshot file and releases
// both backends' underlying buntdb handles.
func (rt *runtime) Close() error {
	snapErr := rt.core.Shutdown(rt.snapshot)
	vecErr := rt.vector.Close()
	structErr := rt.structured.Close()
	switch {
	case snapErr != nil:
		return snapErr
	case vecErr != nil:
		return vecErr
	default:
		return structErr
	}
}
