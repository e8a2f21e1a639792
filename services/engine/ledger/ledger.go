// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the append-only, hash-linked commit log of accepted
// file edits.
//
// Every accepted set of changes becomes an immutable Commit: a
// Merkle-style hash over the new file contents, a reference to the
// previous head, and the Change records themselves (previous and new
// content per path). The chain is a singly linked list by parent hash
// and never branches. Rollback restores the working tree by re-applying
// previous contents and moves the head pointer; rolled-past commits
// stay in the log for audit but are no longer reachable from head.
//
// Storage is BadgerDB: commits under "commit/<hash>", session records
// under "session/<id>", and the head pointer under "head".
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCommitNotFound is returned when a hash resolves to no stored commit.
	ErrCommitNotFound = errors.New("ledger: commit not found")

	// ErrNotInChain is returned by Rollback when the target commit exists
	// but is not an ancestor of the current head.
	ErrNotInChain = errors.New("ledger: commit not reachable from head")

	// ErrEmptyCommit is returned when a commit carries no changes.
	ErrEmptyCommit = errors.New("ledger: commit has no changes")

	// ErrSessionNotFound is returned when a session id has no record.
	ErrSessionNotFound = errors.New("ledger: session not found")

	// ErrPathEscapesRoot is returned when a change path would resolve
	// outside the workspace root.
	ErrPathEscapesRoot = errors.New("ledger: path escapes workspace root")
)

// =============================================================================
// TYPES
// =============================================================================

// Change records one file's transition within a commit. Previous content
// is kept verbatim so a rollback can restore the working tree without
// consulting anything outside the ledger.
type Change struct {
	// Path is relative to the workspace root.
	Path string `json:"path"`

	// PrevContent is the file's content before the change. Meaningless
	// when PrevExisted is false.
	PrevContent string `json:"prev_content"`

	// PrevExisted is false when the commit created the file.
	PrevExisted bool `json:"prev_existed"`

	// NewContent is the file's content after the change. Meaningless
	// when Deleted is true.
	NewContent string `json:"new_content"`

	// Deleted is true when the commit removed the file.
	Deleted bool `json:"deleted,omitempty"`
}

// Commit is one immutable ledger entry. Never mutated after creation.
type Commit struct {
	// Hash identifies the commit: sha256 over the Merkle root, the
	// parent hash, and the commit metadata, hex encoded.
	Hash string `json:"hash"`

	// Parent is the previous head's hash, empty for the first commit.
	Parent string `json:"parent,omitempty"`

	// MerkleRoot is the hash over the sorted per-file leaf hashes.
	MerkleRoot string `json:"merkle_root"`

	SessionID string    `json:"session_id"`
	NodeID    int       `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`

	// Energy is the total energy at commit time.
	Energy float64 `json:"energy"`

	// Stable records whether energy was at or under the convergence
	// threshold when the commit was accepted.
	Stable bool `json:"stable"`

	Changes []Change `json:"changes"`
}

// CommitInput is what the caller supplies; hashes and chain linkage are
// computed by the ledger.
type CommitInput struct {
	SessionID string
	NodeID    int
	Energy    float64
	Stable    bool
	Changes   []Change
}

// Summary is a read-only view for listings.
type Summary struct {
	Hash      string    `json:"hash"`
	Parent    string    `json:"parent,omitempty"`
	SessionID string    `json:"session_id"`
	NodeID    int       `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Energy    float64   `json:"energy"`
	Stable    bool      `json:"stable"`
	Files     int       `json:"files"`
}

// SessionRecord tracks one orchestrator run in the ledger.
type SessionRecord struct {
	SessionID      string     `json:"session_id"`
	Task           string     `json:"task"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Status         string     `json:"status"`
	TotalNodes     int        `json:"total_nodes"`
	CompletedNodes int        `json:"completed_nodes"`
}

// Stats summarizes the ledger's contents.
type Stats struct {
	CommitCount  int    `json:"commit_count"`
	SessionCount int    `json:"session_count"`
	Head         string `json:"head,omitempty"`

	// ChainLength is the number of commits reachable from head, which
	// is less than CommitCount after a rollback.
	ChainLength int `json:"chain_length"`

	SizeBytes int64 `json:"size_bytes"`
}

// =============================================================================
// KEYS
// =============================================================================

const (
	commitPrefix  = "commit/"
	sessionPrefix = "session/"
	headKey       = "head"
)

func commitKey(hash string) []byte { return []byte(commitPrefix + hash) }
func sessionKey(id string) []byte  { return []byte(sessionPrefix + id) }

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the commit chain plus its working-tree root.
//
// Thread Safety: Safe for concurrent use. Commit and Rollback are
// mutually exclusive; the head pointer only moves under the lock.
type Ledger struct {
	db      *badger.DB
	workDir string
	logger  *slog.Logger

	mu   sync.Mutex
	head string
}

// Open opens (or creates) a ledger.
//
// Inputs:
//
//	cfg - Storage configuration. Use InMemoryStoreConfig() for tests.
//	workDir - Workspace root that Rollback restores files under.
//
// Outputs:
//
//	*Ledger - Ready to use. Caller must Close() when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg StoreConfig, workDir string) (*Ledger, error) {
	if workDir == "" {
		return nil, errors.New("ledger: workDir is required")
	}

	db, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		db:      db,
		workDir: workDir,
		logger:  slog.Default().With(slog.String("component", "ledger")),
	}

	if err := l.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Head returns the current head hash, empty when the chain is empty.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

func (l *Ledger) loadHead() error {
	return l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load head: %w", err)
		}
		return item.Value(func(val []byte) error {
			l.head = string(val)
			return nil
		})
	})
}

// Commit appends a new entry and advances head.
//
// Description:
//
//	Computes a leaf hash per changed file, combines the sorted leaf
//	hashes into a Merkle root, derives the commit hash from the root
//	plus the parent reference, and persists the commit and the new head
//	in one transaction. The commit is immutable from this point on.
//
// Outputs:
//
//	*Commit - The stored entry, including its hash.
//	error - ErrEmptyCommit when no changes were given, otherwise
//	        storage errors.
//
// Thread Safety: Mutually exclusive with Rollback.
func (l *Ledger) Commit(in CommitInput) (*Commit, error) {
	if len(in.Changes) == 0 {
		return nil, ErrEmptyCommit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := &Commit{
		Parent:    l.head,
		SessionID: in.SessionID,
		NodeID:    in.NodeID,
		Timestamp: time.Now().UTC(),
		Energy:    in.Energy,
		Stable:    in.Stable,
		Changes:   sortedChanges(in.Changes),
	}
	c.MerkleRoot = merkleRoot(c.Changes)
	c.Hash = commitHash(c)

	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal commit: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(commitKey(c.Hash), payload); err != nil {
			return err
		}
		if err := txn.Set([]byte(headKey), []byte(c.Hash)); err != nil {
			return err
		}
		return l.bumpSessionLocked(txn, in.SessionID)
	})
	if err != nil {
		return nil, fmt.Errorf("store commit: %w", err)
	}

	l.head = c.Hash
	l.logger.Info("commit accepted",
		slog.String("hash", shortHash(c.Hash)),
		slog.String("session_id", in.SessionID),
		slog.Int("node_id", in.NodeID),
		slog.Float64("energy", in.Energy),
		slog.Int("files", len(c.Changes)))
	return c, nil
}

// Get returns a commit by hash.
func (l *Ledger) Get(hash string) (*Commit, error) {
	var c *Commit
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCommit(txn, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Recent returns up to n commit summaries walking back from head,
// newest first.
func (l *Ledger) Recent(n int) ([]Summary, error) {
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()

	var out []Summary
	err := l.db.View(func(txn *badger.Txn) error {
		hash := head
		for hash != "" && len(out) < n {
			c, err := getCommit(txn, hash)
			if err != nil {
				return err
			}
			out = append(out, Summary{
				Hash:      c.Hash,
				Parent:    c.Parent,
				SessionID: c.SessionID,
				NodeID:    c.NodeID,
				Timestamp: c.Timestamp,
				Energy:    c.Energy,
				Stable:    c.Stable,
				Files:     len(c.Changes),
			})
			hash = c.Parent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rollback restores the working tree to the state as of the target
// commit and moves head there.
//
// Description:
//
//	Walks the chain from head back to (but not including) the target,
//	re-applying each commit's previous contents newest first. Files the
//	unwound commits created are removed; files they modified get their
//	prior content back. The unwound commits stay in the log but are no
//	longer reachable from head.
//
// Outputs:
//
//	error - ErrCommitNotFound if the hash is unknown, ErrNotInChain if
//	        it exists but is not an ancestor of head, otherwise
//	        filesystem or storage errors.
//
// Thread Safety: Mutually exclusive with Commit.
func (l *Ledger) Rollback(hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head == hash {
		return nil
	}

	// Collect the commits to unwind, newest first.
	var unwind []*Commit
	err := l.db.View(func(txn *badger.Txn) error {
		if _, err := getCommit(txn, hash); err != nil {
			return err
		}
		cur := l.head
		for cur != hash {
			if cur == "" {
				return fmt.Errorf("%w: %s", ErrNotInChain, shortHash(hash))
			}
			c, err := getCommit(txn, cur)
			if err != nil {
				return err
			}
			unwind = append(unwind, c)
			cur = c.Parent
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, c := range unwind {
		if err := l.restorePrevious(c); err != nil {
			return err
		}
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(headKey), []byte(hash))
	})
	if err != nil {
		return fmt.Errorf("move head: %w", err)
	}

	l.head = hash
	l.logger.Info("rolled back",
		slog.String("head", shortHash(hash)),
		slog.Int("commits_unwound", len(unwind)))
	return nil
}

// restorePrevious re-applies one commit's prior file contents.
func (l *Ledger) restorePrevious(c *Commit) error {
	for _, ch := range c.Changes {
		path, err := l.resolve(ch.Path)
		if err != nil {
			return err
		}
		if !ch.PrevExisted {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", ch.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return fmt.Errorf("restore %s: %w", ch.Path, err)
		}
		if err := os.WriteFile(path, []byte(ch.PrevContent), 0640); err != nil {
			return fmt.Errorf("restore %s: %w", ch.Path, err)
		}
	}
	return nil
}

// resolve joins a change path to the workspace root, rejecting escapes.
func (l *Ledger) resolve(rel string) (string, error) {
	joined := filepath.Join(l.workDir, rel)
	cleanRoot := filepath.Clean(l.workDir)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, rel)
	}
	return joined, nil
}

// Stats reports aggregate counts and storage size.
func (l *Ledger) Stats() (*Stats, error) {
	l.mu.Lock()
	head := l.head
	l.mu.Unlock()

	s := &Stats{Head: head}
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			switch {
			case strings.HasPrefix(key, commitPrefix):
				s.CommitCount++
			case strings.HasPrefix(key, sessionPrefix):
				s.SessionCount++
			}
		}

		hash := head
		for hash != "" {
			c, err := getCommit(txn, hash)
			if err != nil {
				return err
			}
			s.ChainLength++
			hash = c.Parent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsm, vlog := l.db.Size()
	s.SizeBytes = lsm + vlog
	return s, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// StartSession records a new run.
func (l *Ledger) StartSession(sessionID, task string, totalNodes int) error {
	rec := SessionRecord{
		SessionID:  sessionID,
		Task:       task,
		StartedAt:  time.Now().UTC(),
		Status:     "running",
		TotalNodes: totalNodes,
	}
	return l.putSession(&rec)
}

// EndSession marks a run finished with a terminal status.
func (l *Ledger) EndSession(sessionID, status string) error {
	rec, err := l.GetSession(sessionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.Status = status
	return l.putSession(rec)
}

// GetSession returns the record for a session id.
func (l *Ledger) GetSession(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (l *Ledger) putSession(rec *SessionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(rec.SessionID), payload)
	})
}

// bumpSessionLocked increments the completed-node count inside the
// commit transaction. A missing session record is tolerated; commits
// made outside a recorded session still land in the chain.
func (l *Ledger) bumpSessionLocked(txn *badger.Txn, sessionID string) error {
	item, err := txn.Get(sessionKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec SessionRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return err
	}
	rec.CompletedNodes++
	payload, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	return txn.Set(sessionKey(sessionID), payload)
}

// =============================================================================
// HASHING
// =============================================================================

// leafHash hashes one change: the path, a marker byte, and the new
// content (or a deletion marker).
func leafHash(ch Change) string {
	h := sha256.New()
	h.Write([]byte(ch.Path))
	h.Write([]byte{0})
	if ch.Deleted {
		h.Write([]byte("\x01deleted"))
	} else {
		h.Write([]byte(ch.NewContent))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// merkleRoot combines sorted leaf hashes into one digest. Changes are
// already sorted by path, and leaf hashes are sorted again so the root
// depends only on the change set, never on arrival order.
func merkleRoot(changes []Change) string {
	leaves := make([]string, 0, len(changes))
	for _, ch := range changes {
		leaves = append(leaves, leafHash(ch))
	}
	sort.Strings(leaves)

	h := sha256.New()
	for _, leaf := range leaves {
		h.Write([]byte(leaf))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// commitHash derives the chain hash from the root, the parent link, and
// the commit identity.
func commitHash(c *Commit) string {
	h := sha256.New()
	h.Write([]byte(c.MerkleRoot))
	h.Write([]byte{0})
	h.Write([]byte(c.Parent))
	h.Write([]byte{0})
	h.Write([]byte(c.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(c.NodeID)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(c.Timestamp.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func sortedChanges(in []Change) []Change {
	out := make([]Change, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func getCommit(txn *badger.Txn, hash string) (*Commit, error) {
	item, err := txn.Get(commitKey(hash))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, shortHash(hash))
	}
	if err != nil {
		return nil, err
	}
	var c Commit
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	}); err != nil {
		return nil, err
	}
	return &c, nil
}
