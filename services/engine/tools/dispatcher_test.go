// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codeloop/services/engine/policy"
	"github.com/AleutianAI/codeloop/services/engine/sandbox"
)

// fakeExec records sandbox requests and returns a scripted result.
type fakeExec struct {
	result *sandbox.Result
	err    error
	calls  []sandbox.Request
}

func (f *fakeExec) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.calls = append(f.calls, req)
	if f.result == nil && f.err == nil {
		return &sandbox.Result{ExitCode: 0, Stdout: "ok"}, nil
	}
	return f.result, f.err
}

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, string, *fakeExec) {
	t.Helper()
	workDir := t.TempDir()
	exec := &fakeExec{}
	d := NewDispatcher(workDir, policy.NewDefaultRuleEngine(), exec, opts...)
	require.NotNil(t, d)
	return d, workDir, exec
}

func call(t *testing.T, name string, args any) ToolCall {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return ToolCall{Name: name, Arguments: raw}
}

func TestFileToolRoundTrip(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, call(t, "write_file", WriteFileArgs{
		Path: "pkg/greet.go", Content: "package pkg\n\nfunc Greet() string { return \"hi\" }\n",
	}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.CallID)

	res, err = d.Dispatch(ctx, call(t, "read_file", ReadFileArgs{Path: "pkg/greet.go"}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "func Greet()")

	res, err = d.Dispatch(ctx, call(t, "edit_file", EditFileArgs{
		Path: "pkg/greet.go", OldString: `"hi"`, NewString: `"hello"`,
	}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(filepath.Join(workDir, "pkg/greet.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hello"`)

	res, err = d.Dispatch(ctx, call(t, "delete_file", DeleteFileArgs{Path: "pkg/greet.go"}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	_, statErr := os.Stat(filepath.Join(workDir, "pkg/greet.go"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestChangesCollapsePerPath(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, call(t, "write_file", WriteFileArgs{Path: "a.go", Content: "one"}))
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, call(t, "write_file", WriteFileArgs{Path: "a.go", Content: "two"}))
	require.NoError(t, err)

	changes := d.Changes()
	require.Len(t, changes, 1)
	// First-seen previous content survives the second write.
	assert.False(t, changes[0].PrevExisted)
	assert.Equal(t, "two", changes[0].NewContent)

	assert.Equal(t, []string{"a.go"}, d.TouchedFiles())

	d.ResetChanges()
	assert.Empty(t, d.Changes())
}

func TestRevertChanges(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	existing := filepath.Join(workDir, "keep.go")
	require.NoError(t, os.WriteFile(existing, []byte("original"), 0640))

	_, err := d.Dispatch(ctx, call(t, "write_file", WriteFileArgs{Path: "keep.go", Content: "mutated"}))
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, call(t, "write_file", WriteFileArgs{Path: "fresh.go", Content: "new"}))
	require.NoError(t, err)

	require.NoError(t, d.RevertChanges())

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	_, statErr := os.Stat(filepath.Join(workDir, "fresh.go"))
	assert.True(t, os.IsNotExist(statErr), "created file should be removed on revert")
	assert.Empty(t, d.Changes())
}

func TestPathEscapeRejectedBeforeIO(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	outside := filepath.Join(filepath.Dir(workDir), "escape.txt")

	cases := []struct {
		tool string
		args any
	}{
		{"read_file", ReadFileArgs{Path: "../escape.txt"}},
		{"write_file", WriteFileArgs{Path: "../escape.txt", Content: "x"}},
		{"delete_file", DeleteFileArgs{Path: "sub/../../escape.txt"}},
	}
	for _, tc := range cases {
		res, err := d.Dispatch(ctx, call(t, tc.tool, tc.args))
		require.NoError(t, err)
		assert.False(t, res.Success, tc.tool)
		assert.Contains(t, res.Error, "escapes workspace root", tc.tool)
	}

	_, statErr := os.Stat(outside)
	assert.True(t, os.IsNotExist(statErr), "nothing must be written outside the root")
}

func TestAbsolutePathRejected(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), call(t, "read_file", ReadFileArgs{Path: "/etc/hostname"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "relative")
}

func TestUnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), ToolCall{Name: "launch_missiles", Arguments: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestRunCommandDeniedExecutesNothing(t *testing.T) {
	d, _, exec := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), call(t, "run_command", RunCommandArgs{Command: "rm -rf /"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "denied by policy")
	assert.Empty(t, exec.calls, "denied command must never reach the sandbox")
}

func TestRunCommandPromptDeclinedWithoutApprover(t *testing.T) {
	d, _, exec := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), call(t, "run_command", RunCommandArgs{Command: "git push origin main"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "approval declined")
	assert.Empty(t, exec.calls)
}

func TestRunCommandPromptApproved(t *testing.T) {
	var gotCommand string
	approve := func(command, reason string) (bool, error) {
		gotCommand = command
		return true, nil
	}
	d, workDir, exec := newTestDispatcher(t, WithApprover(approve))

	res, err := d.Dispatch(context.Background(), call(t, "run_command", RunCommandArgs{Command: "make lint"}))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "make lint", gotCommand)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, "sh", exec.calls[0].Command)
	assert.Equal(t, workDir, exec.calls[0].WorkingDir)
}

func TestRunCommandAllowed(t *testing.T) {
	d, _, exec := newTestDispatcher(t)
	exec.result = &sandbox.Result{ExitCode: 0, Stdout: "PASS\n"}

	res, err := d.Dispatch(context.Background(), call(t, "run_command", RunCommandArgs{Command: "go test ./..."}))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "PASS")
}

func TestRunCommandNonZeroExit(t *testing.T) {
	d, _, exec := newTestDispatcher(t)
	exec.result = &sandbox.Result{ExitCode: 2, Stderr: "undefined: frob"}

	res, err := d.Dispatch(context.Background(), call(t, "run_command", RunCommandArgs{Command: "go build ./..."}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exit code 2")
	assert.Contains(t, res.Error, "undefined: frob")
}

func TestDispatchAllShortCircuits(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	calls := []ToolCall{
		call(t, "write_file", WriteFileArgs{Path: "ok.go", Content: "package ok\n"}),
		call(t, "read_file", ReadFileArgs{Path: "missing.go"}),
		call(t, "write_file", WriteFileArgs{Path: "never.go", Content: "x"}),
	}

	results, err := d.DispatchAll(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, results, 2, "execution stops at the first failure")
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, []string{"ok.go"}, d.TouchedFiles())
}

func TestListAndSearch(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "node_modules/dep"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "node_modules/dep/x.js"), []byte("x"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0640))

	res, err := d.Dispatch(ctx, call(t, "list_files", ListFilesArgs{}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "main.go")
	assert.NotContains(t, res.Output, "node_modules")

	res, err = d.Dispatch(ctx, call(t, "search_code", SearchCodeArgs{Pattern: `func main`}))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "main.go:3")
}

func TestEditAmbiguityAndMiss(t *testing.T) {
	d, workDir, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "dup.go"), []byte("x = 1\nx = 1\n"), 0640))

	res, err := d.Dispatch(ctx, call(t, "edit_file", EditFileArgs{Path: "dup.go", OldString: "x = 1", NewString: "x = 2"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "multiple times")

	res, err = d.Dispatch(ctx, call(t, "edit_file", EditFileArgs{Path: "dup.go", OldString: "y = 9", NewString: "y = 8"}))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	// ReplaceAll resolves the ambiguity.
	res, err = d.Dispatch(ctx, call(t, "edit_file", EditFileArgs{
		Path: "dup.go", OldString: "x = 1", NewString: "x = 2", ReplaceAll: true,
	}))
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "2 occurrence")
}
