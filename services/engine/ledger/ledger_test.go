// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// newTestLedger opens an in-memory ledger over a temp working tree.
func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	workDir := t.TempDir()
	l, err := Open(InMemoryStoreConfig(), workDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, workDir
}

// apply writes each change's new content to the working tree and then
// commits, the way the orchestrator does after a node converges.
func apply(t *testing.T, l *Ledger, workDir string, in CommitInput) *Commit {
	t.Helper()
	for _, ch := range in.Changes {
		path := filepath.Join(workDir, ch.Path)
		if ch.Deleted {
			if err := os.Remove(path); err != nil {
				t.Fatalf("remove %s: %v", ch.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(ch.NewContent), 0640); err != nil {
			t.Fatalf("write %s: %v", ch.Path, err)
		}
	}
	c, err := l.Commit(in)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return c
}

func readTree(t *testing.T, workDir string) map[string]string {
	t.Helper()
	tree := map[string]string{}
	err := filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return tree
}

func treesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestCommitAdvancesHeadAndChains(t *testing.T) {
	l, workDir := newTestLedger(t)

	if l.Head() != "" {
		t.Fatalf("fresh head = %q, want empty", l.Head())
	}

	c1 := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 0, Energy: 0.05, Stable: true,
		Changes: []Change{{Path: "a.go", NewContent: "package a\n"}},
	})
	if l.Head() != c1.Hash {
		t.Errorf("head = %s, want %s", l.Head(), c1.Hash)
	}
	if c1.Parent != "" {
		t.Errorf("first commit parent = %q, want empty", c1.Parent)
	}

	c2 := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 1, Energy: 0.0, Stable: true,
		Changes: []Change{{Path: "a.go", PrevContent: "package a\n", PrevExisted: true, NewContent: "package a\n\nvar X = 1\n"}},
	})
	if c2.Parent != c1.Hash {
		t.Errorf("c2 parent = %s, want %s", c2.Parent, c1.Hash)
	}
	if l.Head() != c2.Hash {
		t.Errorf("head = %s, want %s", l.Head(), c2.Hash)
	}
}

func TestGetRoundTrip(t *testing.T) {
	l, workDir := newTestLedger(t)

	c := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 3, Energy: 0.08, Stable: true,
		Changes: []Change{{Path: "x.py", NewContent: "x = 1\n"}},
	})

	got, err := l.Get(c.Hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Hash != c.Hash || got.NodeID != 3 || len(got.Changes) != 1 {
		t.Errorf("Get = %+v", got)
	}

	if _, err := l.Get("deadbeef"); !errors.Is(err, ErrCommitNotFound) {
		t.Errorf("unknown hash err = %v, want ErrCommitNotFound", err)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l, workDir := newTestLedger(t)

	var hashes []string
	for i := 0; i < 4; i++ {
		c := apply(t, l, workDir, CommitInput{
			SessionID: "s1", NodeID: i, Stable: true,
			Changes: []Change{{Path: "f.go", PrevExisted: i > 0, NewContent: string(rune('a' + i))}},
		})
		hashes = append(hashes, c.Hash)
	}

	recent, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].Hash != hashes[3] || recent[1].Hash != hashes[2] {
		t.Errorf("order wrong: %s, %s", recent[0].Hash, recent[1].Hash)
	}

	all, err := l.Recent(100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("len = %d, want 4", len(all))
	}
}

// TestRollbackRoundTrip commits a sequence of tree states and verifies
// that rolling back to commit k restores exactly the tree as of k, for
// every k.
func TestRollbackRoundTrip(t *testing.T) {
	l, workDir := newTestLedger(t)

	inputs := []CommitInput{
		{SessionID: "s1", NodeID: 0, Changes: []Change{
			{Path: "main.go", NewContent: "package main\n"},
		}},
		{SessionID: "s1", NodeID: 1, Changes: []Change{
			{Path: "main.go", PrevContent: "package main\n", PrevExisted: true, NewContent: "package main\n\nfunc main() {}\n"},
			{Path: "util/util.go", NewContent: "package util\n"},
		}},
		{SessionID: "s1", NodeID: 2, Changes: []Change{
			{Path: "util/util.go", PrevContent: "package util\n", PrevExisted: true, NewContent: "package util\n\nfunc Helper() {}\n"},
		}},
		{SessionID: "s1", NodeID: 3, Changes: []Change{
			{Path: "extra.go", NewContent: "package main\n\nvar extra = true\n"},
		}},
	}

	var hashes []string
	var snapshots []map[string]string
	for _, in := range inputs {
		c := apply(t, l, workDir, in)
		hashes = append(hashes, c.Hash)
		snapshots = append(snapshots, readTree(t, workDir))
	}

	// Walk backwards through every k and check the restored tree.
	for k := len(hashes) - 2; k >= 0; k-- {
		if err := l.Rollback(hashes[k]); err != nil {
			t.Fatalf("Rollback to %d: %v", k, err)
		}
		if l.Head() != hashes[k] {
			t.Errorf("head after rollback = %s, want %s", l.Head(), hashes[k])
		}
		got := readTree(t, workDir)
		if !treesEqual(got, snapshots[k]) {
			t.Errorf("tree after rollback to %d:\n got  %v\n want %v", k, got, snapshots[k])
		}
	}
}

func TestRollbackRemovesCreatedFiles(t *testing.T) {
	l, workDir := newTestLedger(t)

	c1 := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 0,
		Changes: []Change{{Path: "keep.go", NewContent: "package keep\n"}},
	})
	apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 1,
		Changes: []Change{{Path: "new.go", NewContent: "package new\n"}},
	})

	if err := l.Rollback(c1.Hash); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, "new.go")); !os.IsNotExist(err) {
		t.Error("new.go should have been removed")
	}
	if _, err := os.Stat(filepath.Join(workDir, "keep.go")); err != nil {
		t.Errorf("keep.go should remain: %v", err)
	}
}

func TestRollbackKeepsHistory(t *testing.T) {
	l, workDir := newTestLedger(t)

	c1 := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 0,
		Changes: []Change{{Path: "a.go", NewContent: "1"}},
	})
	c2 := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 1,
		Changes: []Change{{Path: "a.go", PrevContent: "1", PrevExisted: true, NewContent: "2"}},
	})

	if err := l.Rollback(c1.Hash); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// Unwound commit is still readable, just unreachable from head.
	if _, err := l.Get(c2.Hash); err != nil {
		t.Errorf("rolled-past commit should stay in the log: %v", err)
	}

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CommitCount != 2 {
		t.Errorf("CommitCount = %d, want 2", stats.CommitCount)
	}
	if stats.ChainLength != 1 {
		t.Errorf("ChainLength = %d, want 1", stats.ChainLength)
	}

	// Rolling "forward" to the unwound commit is not allowed; it is no
	// longer an ancestor of head.
	if err := l.Rollback(c2.Hash); !errors.Is(err, ErrNotInChain) {
		t.Errorf("rollback to unwound commit err = %v, want ErrNotInChain", err)
	}
}

func TestRollbackErrors(t *testing.T) {
	l, workDir := newTestLedger(t)

	apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 0,
		Changes: []Change{{Path: "a.go", NewContent: "x"}},
	})

	if err := l.Rollback("0000"); !errors.Is(err, ErrCommitNotFound) {
		t.Errorf("err = %v, want ErrCommitNotFound", err)
	}

	// Rollback to the current head is a no-op.
	if err := l.Rollback(l.Head()); err != nil {
		t.Errorf("rollback to head: %v", err)
	}
}

func TestEmptyCommitRejected(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Commit(CommitInput{SessionID: "s1"}); !errors.Is(err, ErrEmptyCommit) {
		t.Errorf("err = %v, want ErrEmptyCommit", err)
	}
}

func TestMerkleRootOrderIndependent(t *testing.T) {
	a := Change{Path: "a.go", NewContent: "aaa"}
	b := Change{Path: "b.go", NewContent: "bbb"}

	r1 := merkleRoot([]Change{a, b})
	r2 := merkleRoot([]Change{b, a})
	if r1 != r2 {
		t.Errorf("root depends on order: %s vs %s", r1, r2)
	}

	r3 := merkleRoot([]Change{a, {Path: "b.go", NewContent: "different"}})
	if r1 == r3 {
		t.Error("root should change when content changes")
	}
}

func TestSessionLifecycle(t *testing.T) {
	l, workDir := newTestLedger(t)

	if err := l.StartSession("s1", "add a docstring", 2); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 0,
		Changes: []Change{{Path: "a.go", NewContent: "x"}},
	})

	rec, err := l.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.CompletedNodes != 1 {
		t.Errorf("CompletedNodes = %d, want 1", rec.CompletedNodes)
	}
	if rec.Status != "running" || rec.EndedAt != nil {
		t.Errorf("unexpected record: %+v", rec)
	}

	if err := l.EndSession("s1", "committed"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	rec, err = l.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != "committed" || rec.EndedAt == nil {
		t.Errorf("unexpected record after end: %+v", rec)
	}

	if _, err := l.GetSession("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestPathEscapeRejectedOnRollback(t *testing.T) {
	l, workDir := newTestLedger(t)

	c1 := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 0,
		Changes: []Change{{Path: "ok.go", NewContent: "x"}},
	})

	// A hostile change record must not write outside the root.
	if _, err := l.Commit(CommitInput{
		SessionID: "s1", NodeID: 1,
		Changes: []Change{{Path: "../evil.go", PrevContent: "boom", PrevExisted: true, NewContent: "boom"}},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	err := l.Rollback(c1.Hash)
	if !errors.Is(err, ErrPathEscapesRoot) {
		t.Errorf("err = %v, want ErrPathEscapesRoot", err)
	}
}

func TestHeadSurvivesReopen(t *testing.T) {
	workDir := t.TempDir()
	dbDir := t.TempDir()

	cfg := DefaultStoreConfig(dbDir)
	cfg.SyncWrites = false // faster tests

	l, err := Open(cfg, workDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := apply(t, l, workDir, CommitInput{
		SessionID: "s1", NodeID: 0,
		Changes: []Change{{Path: "a.go", NewContent: "x"}},
	})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(cfg, workDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.Head() != c.Hash {
		t.Errorf("head after reopen = %s, want %s", reopened.Head(), c.Hash)
	}
	if _, err := reopened.Get(c.Hash); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}
