// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/unimem/pkg/query"
)

// runQuery executes `unimem query`: builds a query.Query from flags and
// runs it through the core's query(q) operation, printing hits.
func runQuery(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	variant := fs.String("variant", "auto", "Query variant: exact|prefix|tag|semantic|hybrid|auto")
	namespace := fs.String("namespace", "", "Namespace to restrict the query to")
	key := fs.String("key", "", "Exact key (variant=exact)")
	prefix := fs.String("prefix", "", "Key prefix (variant=prefix)")
	tags := fs.StringSlice("tag", nil, "Tag filter, repeatable (variant=tag/hybrid)")
	content := fs.String("content", "", "Content carried on the query (not used for routing or matching)")
	limit := fs.Int("limit", 10, "Max results")
	combine := fs.String("combine", "union", "Hybrid combine strategy: union|intersection|semantic-first|structured-first")
	includeExpired := fs.Bool("include-expired", false, "Include expired entries")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: unimem query [options]

Runs a query against the memory core. Examples:
  unimem query --variant exact --namespace ns --key e1
  unimem query --variant tag --namespace ns --tag urgent --tag work

--content is carried on the query but affects neither auto classification
nor matching: no embedder is wired into this CLI, so semantic/hybrid search
requires a caller that supplies a pre-computed "embedding" field via the
HTTP API (POST /v1/query), not this flag.
`)
		fs.PrintDefaults()
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

	b := query.New().
		Variant(query.Variant(*variant)).
		Namespace(*namespace).
		Key(*key).
		KeyPrefix(*prefix).
		Content(*content).
		Tags(*tags...).
		Limit(*limit).
		IncludeExpired(*includeExpired).
		Combine(query.CombineStrategy(*combine))

	q, err := b.Build()
	if err != nil {
		fatal("invalid query: %v", err)
	}

	hits, err := rt.core.Query(context.Background(), q)
	if err != nil {
		fatal("query failed: %v", err)
	}

	if globals.JSON {
		data, _ := json.MarshalIndent(hits, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(hits) == 0 {
		fmt.Println(faint("no results"))
		return
	}
	for _, h := range hits {
		score := ""
		if h.Score != 0 {
			score = fmt.Sprintf(" %s%.4f", faint("score="), h.Score)
		}
		fmt.Printf("%s  %s%s\n", bold(h.Entry.ID), h.Entry.Key, score)
	}
}
