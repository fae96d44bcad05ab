// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// runReset deletes cfg.DataDir and the checkpoint directory: the
// destructive equivalent of cie reset, scoped to this project's local data.
func runReset(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: unimem reset --yes

WARNING: deletes the configured data directory (structured store, vector
store, and snapshot) and the checkpoint directory. Configuration is kept.
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if !*confirm {
		fatal("refusing to reset without --yes")
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fatal("%v", err)
	}

	if err := os.RemoveAll(cfg.DataDir); err != nil {
		fatal("remove data dir: %v", err)
	}
	if err := os.RemoveAll(cfg.Checkpoint.Dir); err != nil {
		fatal("remove checkpoint dir: %v", err)
	}

	if globals.JSON {
		fmt.Printf(`{"reset":true,"dataDir":%q}`+"\n", cfg.DataDir)
		return
	}
	fmt.Printf("%s %s and %s\n", ok("removed"), cfg.DataDir, cfg.Checkpoint.Dir)
}
