// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/codeloop/services/engine/orchestrator"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
)

// Config is the on-disk engine configuration.
type Config struct {
	// Language selects the diagnostics server and test command.
	Language string `yaml:"language"`

	Models struct {
		Architect string `yaml:"architect"`
		Actuator  string `yaml:"actuator"`
	} `yaml:"models"`

	Energy struct {
		Alpha   float64 `yaml:"alpha"`
		Beta    float64 `yaml:"beta"`
		Gamma   float64 `yaml:"gamma"`
		Epsilon float64 `yaml:"epsilon"`
	} `yaml:"energy"`

	Retries struct {
		Compilation int `yaml:"compilation"`
		Tool        int `yaml:"tool"`
		Review      int `yaml:"review"`
	} `yaml:"retries"`

	// ComplexityGate is the plan size that requires approval.
	ComplexityGate int `yaml:"complexity_gate"`

	Budget struct {
		MaxTokens  int     `yaml:"max_tokens"`
		MaxCostUSD float64 `yaml:"max_cost_usd"`
	} `yaml:"budget"`

	Paths struct {
		// Ledger and Sessions default to .codeloop/ under the workspace.
		Ledger   string `yaml:"ledger"`
		Sessions string `yaml:"sessions"`
	} `yaml:"paths"`

	// TestCommand overrides the language default: executable first,
	// then arguments.
	TestCommand []string `yaml:"test_command,omitempty"`

	// MetricsAddr serves Prometheus metrics when non-empty, e.g.
	// "localhost:9180".
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	var cfg Config
	cfg.Language = "go"
	cfg.Models.Architect = "gpt-4o"
	cfg.Models.Actuator = "gpt-4o-mini"
	cfg.Energy.Alpha = 1.0
	cfg.Energy.Beta = 0.5
	cfg.Energy.Gamma = 2.0
	cfg.Energy.Epsilon = 0.1
	cfg.Retries.Compilation = 3
	cfg.Retries.Tool = 5
	cfg.Retries.Review = 3
	cfg.ComplexityGate = 5
	cfg.Budget.MaxTokens = 100_000
	return cfg
}

// loadConfig reads the config file, creating it with defaults when it
// does not exist.
func loadConfig(path, workDir string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "first run detected, creating the config at %s\n", path)
		if err := writeDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Paths.Ledger == "" {
		cfg.Paths.Ledger = filepath.Join(workDir, ".codeloop", "ledger")
	}
	if cfg.Paths.Sessions == "" {
		cfg.Paths.Sessions = filepath.Join(workDir, ".codeloop", "sessions")
	}
	return cfg, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// options maps the config onto engine options.
func (c Config) options() orchestrator.Options {
	opts := orchestrator.DefaultOptions(c.Language)
	opts.Weights.Alpha = c.Energy.Alpha
	opts.Weights.Beta = c.Energy.Beta
	opts.Weights.Gamma = c.Energy.Gamma
	opts.Epsilon = c.Energy.Epsilon
	opts.CompilationCeiling = c.Retries.Compilation
	opts.ToolCeiling = c.Retries.Tool
	opts.ReviewCeiling = c.Retries.Review
	opts.ComplexityGateK = c.ComplexityGate

	if len(c.TestCommand) > 0 {
		opts.TestCommand = &testrun.Command{
			Language:   c.Language,
			Executable: c.TestCommand[0],
			Args:       c.TestCommand[1:],
		}
	}
	return opts
}
