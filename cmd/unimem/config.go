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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/unimem/pkg/vecmath"
)

const (
	defaultConfigDir  = ".unimem"
	defaultConfigFile = "config.yaml"
	configVersion     = "1"
)

// HNSWConfig mirrors pkg/hnsw.Config in YAML form.
type HNSWConfig struct {
	Dim            int    `yaml:"dim"`
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	Metric         string `yaml:"metric"`
	MaxElements    int    `yaml:"max_elements,omitempty"`
}

// CacheConfig mirrors pkg/cache.Config in YAML form (durations as seconds).
type CacheConfig struct {
	MaxSize      int   `yaml:"max_size"`
	MaxMemory    int64 `yaml:"max_memory_bytes,omitempty"`
	TTLSeconds   int   `yaml:"ttl_seconds"`
	SweepSeconds int   `yaml:"sweep_seconds"`
}

// CheckpointConfig mirrors pkg/checkpoint's file-backed store tuning.
type CheckpointConfig struct {
	Dir            string `yaml:"dir"`
	MaxCheckpoints int    `yaml:"max_checkpoints"`
}

// Config is the unimem CLI's on-disk project configuration.
type Config struct {
	Version   string           `yaml:"version"`
	DataDir   string           `yaml:"data_dir"`
	DualWrite bool             `yaml:"dual_write"`
	HNSW      HNSWConfig       `yaml:"hnsw"`
	Cache     CacheConfig      `yaml:"cache"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	MetricsAddr string         `yaml:"metrics_addr,omitempty"`
}

// DefaultConfig returns the spec §6 defaults, matching cmd/cie/config.go's
// DefaultConfig shape: every knob has a sane local-development value, and
// applyEnvOverrides layers UNIMEM_* environment variables on top.
func DefaultConfig() *Config {
	return &Config{
		Version: configVersion,
		DataDir: getEnv("UNIMEM_DATA_DIR", "./.unimem/data"),
		DualWrite: true,
		HNSW: HNSWConfig{
			Dim:            1536,
			M:              16,
			EfConstruction: 200,
			Metric:         "cosine",
		},
		Cache: CacheConfig{
			MaxSize:      10_000,
			TTLSeconds:   300,
			SweepSeconds: 60,
		},
		Checkpoint: CheckpointConfig{
			Dir:            "./.unimem/checkpoints",
			MaxCheckpoints: 10,
		},
	}
}

// metric resolves the configured metric name to a vecmath.Metric, defaulting
// to cosine on an unrecognized or empty value.
func (c *HNSWConfig) metric() vecmath.Metric {
	switch strings.ToLower(c.Metric) {
	case "euclidean":
		return vecmath.MetricEuclidean
	case "dot":
		return vecmath.MetricDot
	case "manhattan":
		return vecmath.MetricManhattan
	default:
		return vecmath.MetricCosine
	}
}

// LoadConfig loads configuration from configPath, or discovers
// .unimem/config.yaml by walking up from the working directory when
// configPath is empty. A missing file yields DefaultConfig, not an error —
// `unimem status`/`query` should work against a fresh project with zero
// setup.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("UNIMEM_CONFIG_PATH")
	}
	if configPath == "" {
		found, err := findConfigFile()
		if err != nil {
			cfg := DefaultConfig()
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		configPath = found
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// SaveConfig writes cfg to configPath as YAML, creating parent directories
// as needed.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config dir %s: %w", dir, err)
		}
	}
	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns <dir>/.unimem/config.yaml.
func ConfigPath(dir string) string {
	return filepath.Join(dir, defaultConfigDir, defaultConfigFile)
}

// findConfigFile walks up from the working directory looking for
// .unimem/config.yaml, the way cmd/cie/config.go's findConfigFile does.
func findConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		p := ConfigPath(dir)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no %s/%s found", defaultConfigDir, defaultConfigFile)
}

// applyEnvOverrides layers UNIMEM_* environment variables over file-based
// configuration, per §6's precedence rule (runtime override > process
// config > environment > default) — config flags passed on the command
// line are applied after this, by each command's flag parsing.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UNIMEM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("UNIMEM_DUAL_WRITE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DualWrite = b
		}
	}
	if v := os.Getenv("UNIMEM_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("UNIMEM_HNSW_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HNSW.Dim = n
		}
	}
	if v := os.Getenv("UNIMEM_CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.MaxSize = n
		}
	}
	if v := os.Getenv("UNIMEM_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Dir = v
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
