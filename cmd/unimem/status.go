// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
)

// StatusResult is the JSON-serializable shape of `unimem status --json`.
type StatusResult struct {
	DataDir              string  `json:"dataDir"`
	Healthy              bool    `json:"healthy"`
	StructuredOK         bool    `json:"structuredOk"`
	VectorOK             bool    `json:"vectorOk"`
	StructuredNamespaces int     `json:"structuredNamespaces"`
	VectorCount          int     `json:"vectorCount"`
	CacheSize            int     `json:"cacheSize"`
	CacheHitRate         float64 `json:"cacheHitRate"`
	MemoryEstimateBytes  int64   `json:"memoryEstimateBytes"`
	Notes                []string `json:"notes,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// runStatus executes `unimem status`: health_check() + get_stats(), printed
// as a human table or JSON.
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: unimem status [--json]\n\nShows backend health and combined get_stats() output.\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fatal("%v", err)
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		fatal("%v", err)
	}
	defer rt.Close()

	health := rt.core.HealthCheck(context.Background())
	stats := rt.core.GetStats()

	result := StatusResult{
		DataDir:              cfg.DataDir,
		Healthy:              health.Healthy,
		StructuredOK:         health.StructuredOK,
		VectorOK:             health.VectorOK,
		StructuredNamespaces: stats.StructuredNamespaces,
		VectorCount:          stats.HNSWVectorCount,
		CacheSize:            stats.CacheSize,
		CacheHitRate:         stats.CacheHitRate,
		MemoryEstimateBytes:  stats.MemoryEstimateBytes,
		Notes:                health.ConsistencyNotes,
		Timestamp:            time.Now(),
	}

	if globals.JSON {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		if !result.Healthy {
			os.Exit(1)
		}
		return
	}

	fmt.Printf("%s  %s\n", bold("unimem status"), faint(cfg.DataDir))
	fmt.Printf("  overall:     %s\n", statusGlyph(result.Healthy))
	fmt.Printf("  structured:  %s  (%d namespaces)\n", statusGlyph(result.StructuredOK), result.StructuredNamespaces)
	fmt.Printf("  vector:      %s  (%d vectors, ~%s)\n", statusGlyph(result.VectorOK), result.VectorCount, humanize.Bytes(uint64(max64(result.MemoryEstimateBytes, 0))))
	fmt.Printf("  cache:       %d entries, %.1f%% hit rate\n", result.CacheSize, result.CacheHitRate*100)
	for _, n := range result.Notes {
		fmt.Printf("  %s %s\n", warn("note:"), n)
	}
	if !result.Healthy {
		os.Exit(1)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
