// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// runConfigCmd prints the effective configuration (file + env overrides
// applied) as YAML, or JSON when --json is set.
func runConfigCmd(args []string, configPath string, globals GlobalFlags) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fatal("%v", err)
	}

	if globals.JSON {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(string(data))
		return
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fatal("%v", err)
	}
	os.Stdout.Write(data)
}
