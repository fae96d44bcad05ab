// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// runInit creates .unimem/config.yaml with the spec's default tuning.
func runInit(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	dim := fs.Int("dim", 1536, "Embedding dimension for the HNSW index")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: unimem init [--force] [--dim N]\n\nCreates .unimem/config.yaml with default HNSW/cache/checkpoint tuning.\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if configPath == "" {
		dir, err := os.Getwd()
		if err != nil {
			fatal("%v", err)
		}
		configPath = ConfigPath(dir)
	}

	if _, err := os.Stat(configPath); err == nil && !*force {
		fatal("%s already exists; pass --force to overwrite", configPath)
	}

	cfg := DefaultConfig()
	cfg.HNSW.Dim = *dim
	if err := SaveConfig(cfg, configPath); err != nil {
		fatal("%v", err)
	}

	if globals.JSON {
		fmt.Printf(`{"created":%q}`+"\n", configPath)
		return
	}
	fmt.Printf("%s %s\n", ok("created"), configPath)
}
