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
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/codeloop/pkg/logging"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

var (
	flagWorkDir string
	flagConfig  string
	flagVerbose bool
	flagLogDir  string

	processLog *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "codeloop",
		Short: "An autonomous code modification engine",
		Long: `Codeloop plans a code change, carries it out through a sandboxed
tool dispatcher, and keeps iterating until diagnostics, structure, and
tests agree the workspace has converged. Every converged step is
committed to a crash-recoverable ledger that can be rolled back.`,
		PersistentPreRunE: setupLogging,
	}
)

func setupLogging(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	processLog = logging.New(logging.Config{
		Level:   level,
		LogDir:  flagLogDir,
		Service: "codeloop",
	})
	slog.SetDefault(processLog.Logger)
	return nil
}

// workspace resolves the working directory flag to an absolute path.
func workspace() (string, error) {
	dir := flagWorkDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return abs, nil
}

// engineConfig loads the config, defaulting the path to
// .codeloop/config.yaml under the workspace.
func engineConfig(workDir string) (Config, error) {
	path := flagConfig
	if path == "" {
		path = filepath.Join(workDir, ".codeloop", "config.yaml")
	}
	return loadConfig(path, workDir)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagWorkDir, "workdir", "w", "", "workspace to operate on (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: <workdir>/.codeloop/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "", "also write a JSON log file to this directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionAbortCmd)

	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerRecentCmd)
	ledgerCmd.AddCommand(ledgerRollbackCmd)
	ledgerCmd.AddCommand(ledgerStatsCmd)
}

func main() {
	err := rootCmd.Execute()
	if processLog != nil {
		processLog.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
