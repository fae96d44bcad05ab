// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/unimem/pkg/memory"
	"github.com/kraklabs/unimem/pkg/migration"
)

// jsonlSource streams memory.Entry values from a newline-delimited JSON
// file, the simplest Source an operator can hand-produce from any export.
type jsonlSource struct {
	r       *bufio.Scanner
	closer  io.Closer
}

func newJSONLSource(path string) (*jsonlSource, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from an explicit CLI argument
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &jsonlSource{r: scanner, closer: f}, nil
}

func (s *jsonlSource) Next(ctx context.Context) (*memory.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	for s.r.Scan() {
		line := s.r.Bytes()
		if len(line) == 0 {
			continue
		}
		var e memory.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, false, fmt.Errorf("parse entry: %w", err)
		}
		return &e, true, nil
	}
	if err := s.r.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (s *jsonlSource) Close() error { return s.closer.Close() }

// countLines is used only to give the progress bar a total; migrations
// work fine without it (the bar falls back to a spinner).
func countLines(path string) int64 {
	f, err := os.Open(path) //nolint:gosec // path comes from an explicit CLI argument
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var n int64
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n
}

// runMigrate executes `unimem migrate <file.jsonl>`: streams entries from a
// JSON-lines file through pkg/migration.Pipeline, rendering a terminal
// progress bar the way cmd/cie/index.go owns a *progressbar.ProgressBar from
// inside a SetProgressCallback closure.
func runMigrate(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	batchSize := fs.Int("batch-size", 100, "Entries per BulkInsert batch")
	taskID := fs.String("task-id", "migration", "Checkpoint scope task id, for resumable re-runs")
	workerID := fs.String("worker-id", "default", "Checkpoint scope worker id")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: unimem migrate <source.jsonl> [options]

Streams newline-delimited MemoryEntry JSON from <source.jsonl> into the
core, storing each entry with whatever embedding it carries (no embeddings
are generated), and skipping entries whose content is unchanged since a
prior run (tracked via a checkpoint under --task-id/--worker-id).
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fatal("%v", err)
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer rt.Close()

	src, err := newJSONLSource(path)
	if err != nil {
		fatal("open %s: %v", path, err)
	}
	defer src.Close()

	mcfg := migration.DefaultConfig()
	mcfg.BatchSize = *batchSize
	mcfg.TaskID = *taskID
	mcfg.WorkerID = *workerID
	mcfg.TotalHint = countLines(path)

	pipeline := migration.New(src, nil, rt.router, rt.checkpoint, rt.bus, mcfg)

	var bar *progressbar.ProgressBar
	var currentPhase string
	if !globals.Quiet {
		pipeline.SetProgressCallback(func(current, total int64, phase string) {
			if phase != currentPhase {
				if bar != nil {
					_ = bar.Finish()
				}
				currentPhase = phase
				bar = progressbar.Default(total, phase)
			}
			if bar != nil {
				_ = bar.Set64(current)
			}
		})
	}

	result, err := pipeline.Run(context.Background())
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		fatal("migration failed: %v", err)
	}

	if globals.JSON {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("%s processed=%d inserted=%d skipped=%d errors=%d in %s\n",
		ok("done"), result.Processed, result.Inserted, result.Skipped, result.Errors, result.Duration)
}
