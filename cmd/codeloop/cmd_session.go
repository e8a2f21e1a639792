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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/codeloop/services/engine/ledger"
	"github.com/AleutianAI/codeloop/services/engine/session"
)

// =============================================================================
// SESSION COMMANDS
// =============================================================================

var (
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage saved sessions",
	}
	sessionListCmd = &cobra.Command{
		Use:   "list",
		Short: "List saved session ids",
		Args:  cobra.NoArgs,
		RunE:  listSessions,
	}
	sessionStatusCmd = &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show a session's saved state",
		Args:  cobra.ExactArgs(1),
		RunE:  sessionStatus,
	}
	sessionAbortCmd = &cobra.Command{
		Use:   "abort [session-id]",
		Short: "Abort a parked session",
		Long: `Marks an escalated or approval-parked session as aborted so it can
no longer be resumed. Sessions executing in another process must be
interrupted there.`,
		Args: cobra.ExactArgs(1),
		RunE: abortSession,
	}
)

func sessionStore() (*session.Store, Config, string, error) {
	workDir, err := workspace()
	if err != nil {
		return nil, Config{}, "", err
	}
	cfg, err := engineConfig(workDir)
	if err != nil {
		return nil, Config{}, "", err
	}
	store, err := session.NewStore(cfg.Paths.Sessions)
	if err != nil {
		return nil, Config{}, "", fmt.Errorf("open session store: %w", err)
	}
	return store, cfg, workDir, nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	store, _, _, err := sessionStore()
	if err != nil {
		return err
	}

	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no saved sessions")
		return nil
	}
	for _, id := range ids {
		rec, err := store.Load(id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s  %-18s %s\n", rec.SessionID, rec.State, rec.Task)
	}
	return nil
}

func sessionStatus(cmd *cobra.Command, args []string) error {
	store, _, _, err := sessionStore()
	if err != nil {
		return err
	}

	rec, err := store.Load(args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func abortSession(cmd *cobra.Command, args []string) error {
	store, cfg, workDir, err := sessionStore()
	if err != nil {
		return err
	}

	rec, err := store.Load(args[0])
	if err != nil {
		return err
	}
	switch rec.State {
	case session.StateCommitted, session.StateAborted:
		return fmt.Errorf("session %s is already terminal (%s)", rec.SessionID, rec.State)
	}

	rec.State = session.StateAborted
	if err := store.Save(rec); err != nil {
		return err
	}

	// Close out the ledger's session record too. A session parked
	// before planning finished never opened one.
	led, err := ledger.Open(ledger.DefaultStoreConfig(cfg.Paths.Ledger), workDir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()
	if err := led.EndSession(rec.SessionID, "aborted"); err != nil && !errors.Is(err, ledger.ErrSessionNotFound) {
		return err
	}

	fmt.Printf("aborted session %s\n", rec.SessionID)
	return nil
}
