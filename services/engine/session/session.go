// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session persists enough orchestrator state to resume a run
// after a crash.
//
// Each session is one JSON file written atomically: content goes to a
// temp file in the same directory, is synced and validated, then
// renamed over the old record. A crash mid-write leaves the previous
// record intact, never a partial one.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/codeloop/services/engine/plan"
)

// ErrNotFound is returned when a session id has no record on disk.
var ErrNotFound = errors.New("session: not found")

// State is the run's lifecycle position.
type State string

const (
	StatePlanning  State = "planning"
	StateAwaiting  State = "awaiting_approval"
	StateExecuting State = "executing"
	StateCommitted State = "committed"
	StateEscalated State = "escalated"
	StateAborted   State = "aborted"
)

// RetryCounters are the per-node retry budgets in flight.
type RetryCounters struct {
	Compilation int `json:"compilation"`
	Tool        int `json:"tool"`
	Review      int `json:"review"`
}

// Record is the atomic unit of resume state.
type Record struct {
	SessionID string `json:"session_id"`
	Task      string `json:"task"`
	State     State  `json:"state"`

	// Plan carries per-node status inline.
	Plan *plan.Plan `json:"plan,omitempty"`

	// CurrentNode is the node being executed, -1 when none.
	CurrentNode int `json:"current_node"`

	Retries RetryCounters `json:"retries"`

	// LedgerHead is the commit chain head at last save.
	LedgerHead string `json:"ledger_head,omitempty"`

	// EnergyTrend holds the current node's verification totals, oldest
	// first. Cleared when a new node starts.
	EnergyTrend []float64 `json:"energy_trend,omitempty"`

	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes session records under one directory.
//
// Thread Safety: Safe for concurrent use across sessions; concurrent
// writers of the same session id race on last-write-wins, which the
// single-orchestrator-per-session model rules out.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("session: dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save writes the record atomically.
//
// Description:
//
//	Marshals to a temp file in the store directory, fsyncs, re-reads
//	and validates the JSON, then renames over the target. UpdatedAt is
//	stamped on every save.
func (s *Store) Save(rec *Record) error {
	if rec.SessionID == "" {
		return errors.New("session: record has no session id")
	}
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	content, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".session-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Re-read and validate before the rename makes it live.
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var check Record
	if err := json.Unmarshal(written, &check); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	if err := os.Rename(tmpName, s.path(rec.SessionID)); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Load reads a record by session id.
func (s *Store) Load(sessionID string) (*Record, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// List returns known session ids, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a record. Missing records are not an error.
func (s *Store) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
