// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements the unimem CLI: a local driver for the unified
// memory core (store/query/search over a structured + vector backend) and
// its migration and serving commands.
//
// Usage:
//
//	unimem init                    Create .unimem/config.yaml
//	unimem status [--json]         Show backend health and stats
//	unimem config [--json]         Show effective configuration
//	unimem query [--variant V] ... Run a query against the core
//	unimem migrate <source.jsonl>  Run the migration pipeline over a file
//	unimem serve                   Start the local HTTP API + /metrics
//	unimem reset --yes             Delete all local data
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds flags shared by every subcommand.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to .unimem/config.yaml (default: auto-discover)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	flag.SetInterspersed(false)
	flag.Usage = printUsage

	flag.Parse()

	if *showVersion {
		fmt.Printf("unimem version %s (commit %s, built %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor, Verbose: *verbose, Quiet: *quiet}
	initColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command, cmdArgs := args[0], args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, *configPath, globals)
	case "status":
		runStatus(cmdArgs, *configPath, globals)
	case "config":
		runConfigCmd(cmdArgs, *configPath, globals)
	case "query":
		runQuery(cmdArgs, *configPath, globals)
	case "migrate":
		runMigrate(cmdArgs, *configPath, globals)
	case "serve":
		os.Exit(runServe(cmdArgs, *configPath, globals))
	case "reset":
		runReset(cmdArgs, *configPath, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `unimem - unified memory core CLI

Usage:
  unimem <command> [options]

Commands:
  init      Create .unimem/config.yaml
  status    Show backend health and stats
  config    Show effective configuration
  query     Run a query against the core
  migrate   Run the migration pipeline over a source file
  serve     Start the local HTTP API and /metrics endpoint
  reset     Delete all local data (destructive!)

Global Options:
  --json          Output in JSON format
  --no-color      Disable color output (respects NO_COLOR env var)
  -v, --verbose   Increase verbosity (-v info, -vv debug)
  -q, --quiet     Suppress non-essential output
  -c, --config    Path to .unimem/config.yaml
  -V, --version   Show version and exit

Environment Variables:
  UNIMEM_CONFIG_PATH, UNIMEM_DATA_DIR, UNIMEM_DUAL_WRITE,
  UNIMEM_METRICS_ADDR, UNIMEM_HNSW_DIM, UNIMEM_CACHE_MAX_SIZE,
  UNIMEM_CHECKPOINT_DIR

For detailed command help: unimem <command> --help
`)
}
