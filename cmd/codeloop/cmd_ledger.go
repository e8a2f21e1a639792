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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/codeloop/services/engine/ledger"
)

// =============================================================================
// LEDGER COMMANDS
// =============================================================================

var (
	flagRecentCount int

	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the commit ledger and roll the workspace back",
	}
	ledgerRecentCmd = &cobra.Command{
		Use:   "recent",
		Short: "Show recent commits, newest first",
		Args:  cobra.NoArgs,
		RunE:  ledgerRecent,
	}
	ledgerRollbackCmd = &cobra.Command{
		Use:   "rollback [commit-hash]",
		Short: "Restore the workspace to the state after the given commit",
		Long: `Walks the commit chain from head back to the given hash, undoing
each commit's changes in reverse order, then moves head. Files changed
outside the engine since the target commit are overwritten.`,
		Args: cobra.ExactArgs(1),
		RunE: ledgerRollback,
	}
	ledgerStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show ledger totals",
		Args:  cobra.NoArgs,
		RunE:  ledgerStats,
	}
)

func init() {
	ledgerRecentCmd.Flags().IntVarP(&flagRecentCount, "count", "n", 10, "number of commits to show")
}

func openLedger() (*ledger.Ledger, error) {
	workDir, err := workspace()
	if err != nil {
		return nil, err
	}
	cfg, err := engineConfig(workDir)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(ledger.DefaultStoreConfig(cfg.Paths.Ledger), workDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return led, nil
}

func ledgerRecent(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	summaries, err := led.Recent(flagRecentCount)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("the ledger is empty")
		return nil
	}

	fmt.Printf("%-16s %-36s %5s %8s %6s  %s\n", "HASH", "SESSION", "NODE", "ENERGY", "FILES", "WHEN")
	for _, s := range summaries {
		fmt.Printf("%-16s %-36s %5d %8.3f %6d  %s\n",
			shortHash(s.Hash), s.SessionID, s.NodeID, s.Energy, s.Files,
			s.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func ledgerRollback(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	target, err := led.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Rolling back to %s (session %s, node %d)\n",
		shortHash(target.Hash), target.SessionID, target.NodeID)
	if !confirm("Overwrite the workspace files changed since then") {
		return fmt.Errorf("rollback cancelled")
	}

	if err := led.Rollback(args[0]); err != nil {
		return err
	}
	fmt.Printf("head is now %s\n", shortHash(led.Head()))
	return nil
}

func ledgerStats(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	stats, err := led.Stats()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
