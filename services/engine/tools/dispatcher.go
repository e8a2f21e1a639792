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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/codeloop/services/engine/ledger"
	"github.com/AleutianAI/codeloop/services/engine/policy"
	"github.com/AleutianAI/codeloop/services/engine/sandbox"
)

// ApprovalFunc is called when the policy engine returns Prompt. The
// command runs only when it returns true. The error return is for
// approval transport failures, not for a human saying no.
type ApprovalFunc func(command, reason string) (bool, error)

// Dispatcher executes tool calls against one workspace.
//
// Description:
//
//	Routes each ToolCall to its implementation, enforcing path
//	containment for file tools and policy plus sandbox for shell
//	commands. Mutations are recorded as Change records, keyed by path,
//	preserving the first-seen previous content so a node's whole
//	attempt rolls up into one commit.
//
// Thread Safety: Safe for concurrent use, though the orchestrator
// dispatches sequentially within a node.
type Dispatcher struct {
	workDir  string
	policy   policy.Engine
	executor sandbox.Executor
	approver ApprovalFunc
	logger   *slog.Logger

	mu      sync.Mutex
	changes map[string]ledger.Change
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithApprover sets the human-approval callback for Prompt decisions.
// Without one, every Prompt decision is declined.
func WithApprover(fn ApprovalFunc) DispatcherOption {
	return func(d *Dispatcher) { d.approver = fn }
}

// WithLogger overrides the default audit logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher scoped to workDir.
//
// Inputs:
//
//	workDir - Workspace root; all file paths resolve under it.
//	pol - Policy engine consulted for every shell command. Must not be nil.
//	executor - Sandbox for shell commands. Must not be nil.
//
// Outputs:
//
//	*Dispatcher - The configured dispatcher, nil if a required
//	collaborator is missing.
func NewDispatcher(workDir string, pol policy.Engine, executor sandbox.Executor, opts ...DispatcherOption) *Dispatcher {
	if workDir == "" || pol == nil || executor == nil {
		return nil
	}

	d := &Dispatcher{
		workDir:  workDir,
		policy:   pol,
		executor: executor,
		logger:   slog.Default().With(slog.String("component", "tools")),
		changes:  make(map[string]ledger.Change),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes one tool call and returns its result.
//
// Description:
//
//	Validation failures, policy denials, and execution failures all
//	come back as a ToolResult with Success false rather than an error;
//	the error return is reserved for a cancelled context. Every
//	dispatch is logged with the tool name, the policy decision where
//	one applies, and the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, call ToolCall) (ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return ToolResult{}, err
	}

	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	start := time.Now()
	result := ToolResult{CallID: call.ID, Tool: call.Name}

	if len(call.Arguments) > MaxArgumentsSize {
		result.Error = fmt.Sprintf("arguments too large: %d bytes", len(call.Arguments))
	} else {
		output, err := d.route(ctx, call)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Output = output
		}
	}

	result.Duration = time.Since(start)
	d.logger.Info("tool dispatched",
		slog.String("call_id", call.ID),
		slog.String("tool", call.Name),
		slog.Bool("success", result.Success),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// DispatchAll executes calls in order, short-circuiting on the first
// failure. All results produced so far are returned either way.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	if len(calls) > MaxToolCallsPerAttempt {
		return nil, fmt.Errorf("%w: %d calls (max %d)", ErrInvalidArguments, len(calls), MaxToolCallsPerAttempt)
	}

	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		res, err := d.Dispatch(ctx, call)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}

func (d *Dispatcher) route(ctx context.Context, call ToolCall) (string, error) {
	switch call.Name {
	case "read_file":
		var args ReadFileArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.readFile(args)
	case "write_file":
		var args WriteFileArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.writeFile(args)
	case "edit_file":
		var args EditFileArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.editFile(args)
	case "delete_file":
		var args DeleteFileArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.deleteFile(args)
	case "apply_patch":
		var args ApplyPatchArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.applyPatch(args)
	case "list_files":
		var args ListFilesArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.listFiles(args)
	case "search_code":
		var args SearchCodeArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.searchCode(args)
	case "run_command":
		var args RunCommandArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", err
		}
		return d.runCommand(ctx, args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
}

type validator interface{ Validate() error }

func decodeArgs(raw json.RawMessage, into validator) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return into.Validate()
}

// =============================================================================
// CHANGESET
// =============================================================================

// Changes returns the accumulated file changes in path order.
func (d *Dispatcher) Changes() []ledger.Change {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ledger.Change, 0, len(d.changes))
	for _, ch := range d.changes {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// TouchedFiles returns the paths mutated since the last reset, sorted.
func (d *Dispatcher) TouchedFiles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.changes))
	for p := range d.changes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ResetChanges clears the changeset, typically after a commit or a
// discarded attempt.
func (d *Dispatcher) ResetChanges() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.changes = make(map[string]ledger.Change)
}

// RevertChanges restores every tracked path to its previous content and
// clears the changeset. Used when an attempt is abandoned without a
// commit.
func (d *Dispatcher) RevertChanges() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range d.changes {
		abs, err := d.resolve(ch.Path)
		if err != nil {
			return err
		}
		if !ch.PrevExisted {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("revert %s: %w", ch.Path, err)
			}
			continue
		}
		if err := os.WriteFile(abs, []byte(ch.PrevContent), 0640); err != nil {
			return fmt.Errorf("revert %s: %w", ch.Path, err)
		}
	}
	d.changes = make(map[string]ledger.Change)
	return nil
}

// recordChange keeps the first-seen previous content for a path so
// repeated edits within one attempt collapse into a single Change.
func (d *Dispatcher) recordChange(path, prev string, prevExisted bool, next string, deleted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.changes[path]; ok {
		existing.NewContent = next
		existing.Deleted = deleted
		d.changes[path] = existing
		return
	}
	d.changes[path] = ledger.Change{
		Path:        path,
		PrevContent: prev,
		PrevExisted: prevExisted,
		NewContent:  next,
		Deleted:     deleted,
	}
}

// =============================================================================
// FILE TOOLS
// =============================================================================

// resolve joins a validated relative path to the root, rejecting any
// result outside it. Defense in depth alongside validateRelPath.
func (d *Dispatcher) resolve(rel string) (string, error) {
	joined := filepath.Join(d.workDir, rel)
	cleanRoot := filepath.Clean(d.workDir)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, rel)
	}
	return joined, nil
}

func (d *Dispatcher) readFile(args ReadFileArgs) (string, error) {
	abs, err := d.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args.Path, err)
	}
	if len(data) > MaxReadSize {
		return string(data[:MaxReadSize]) + "\n[truncated]", nil
	}
	return string(data), nil
}

func (d *Dispatcher) writeFile(args WriteFileArgs) (string, error) {
	abs, err := d.resolve(args.Path)
	if err != nil {
		return "", err
	}

	prev, prevExisted, err := snapshot(abs)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return "", fmt.Errorf("write %s: %w", args.Path, err)
	}
	if err := os.WriteFile(abs, []byte(args.Content), 0640); err != nil {
		return "", fmt.Errorf("write %s: %w", args.Path, err)
	}

	d.recordChange(args.Path, prev, prevExisted, args.Content, false)

	verb := "created"
	if prevExisted {
		verb = "overwrote"
	}
	return fmt.Sprintf("%s %s (%d bytes)", verb, args.Path, len(args.Content)), nil
}

func (d *Dispatcher) editFile(args EditFileArgs) (string, error) {
	abs, err := d.resolve(args.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("edit %s: %w", args.Path, err)
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	switch {
	case count == 0:
		return "", fmt.Errorf("%w: %s", ErrNoMatch, args.Path)
	case count > 1 && !args.ReplaceAll:
		return "", fmt.Errorf("%w: %d occurrences in %s", ErrMultipleMatch, count, args.Path)
	}

	var next string
	replaced := count
	if args.ReplaceAll {
		next = strings.ReplaceAll(content, args.OldString, args.NewString)
	} else {
		next = strings.Replace(content, args.OldString, args.NewString, 1)
		replaced = 1
	}

	if err := os.WriteFile(abs, []byte(next), 0640); err != nil {
		return "", fmt.Errorf("edit %s: %w", args.Path, err)
	}

	d.recordChange(args.Path, content, true, next, false)
	return fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, args.Path), nil
}

func (d *Dispatcher) deleteFile(args DeleteFileArgs) (string, error) {
	abs, err := d.resolve(args.Path)
	if err != nil {
		return "", err
	}

	prev, prevExisted, err := snapshot(abs)
	if err != nil {
		return "", err
	}
	if !prevExisted {
		return "", fmt.Errorf("delete %s: %w", args.Path, os.ErrNotExist)
	}

	if err := os.Remove(abs); err != nil {
		return "", fmt.Errorf("delete %s: %w", args.Path, err)
	}

	d.recordChange(args.Path, prev, true, "", true)
	return fmt.Sprintf("deleted %s", args.Path), nil
}

func (d *Dispatcher) listFiles(args ListFilesArgs) (string, error) {
	root := d.workDir
	if args.Path != "" {
		abs, err := d.resolve(args.Path)
		if err != nil {
			return "", err
		}
		root = abs
	}

	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if defaultExclusions[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(d.workDir, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		if len(paths) >= MaxListResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list files: %w", err)
	}

	sort.Strings(paths)
	return strings.Join(paths, "\n"), nil
}

func (d *Dispatcher) searchCode(args SearchCodeArgs) (string, error) {
	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	root := d.workDir
	if args.Path != "" {
		abs, err := d.resolve(args.Path)
		if err != nil {
			return "", err
		}
		root = abs
	}

	var b strings.Builder
	matches := 0
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if defaultExclusions[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // unreadable files are skipped, not fatal
		}
		rel, err := filepath.Rel(d.workDir, path)
		if err != nil {
			return err
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
				matches++
				if matches >= MaxSearchResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search code: %w", err)
	}

	if matches == 0 {
		return "no matches", nil
	}
	return b.String(), nil
}

// =============================================================================
// SHELL
// =============================================================================

func (d *Dispatcher) runCommand(ctx context.Context, args RunCommandArgs) (string, error) {
	decision := d.policy.Evaluate(args.Command)

	d.logger.Info("command evaluated",
		slog.String("command", args.Command),
		slog.String("decision", decision.Verdict.String()),
		slog.String("reason", decision.Reason))

	switch decision.Verdict {
	case policy.VerdictDeny:
		return "", fmt.Errorf("%w: %s", ErrCommandDenied, decision.Reason)
	case policy.VerdictPrompt:
		if d.approver == nil {
			return "", fmt.Errorf("%w: no approver configured (%s)", ErrApprovalDeclined, decision.Reason)
		}
		approved, err := d.approver(args.Command, decision.Reason)
		if err != nil {
			return "", fmt.Errorf("approval check failed: %w", err)
		}
		if !approved {
			return "", fmt.Errorf("%w: %s", ErrApprovalDeclined, decision.Reason)
		}
	case policy.VerdictAllow:
		// proceed
	}

	req := sandbox.Request{
		Command:    "sh",
		Args:       []string{"-c", args.Command},
		WorkingDir: d.workDir,
	}
	if args.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}

	result, err := d.executor.Execute(ctx, req)
	if err != nil {
		return "", fmt.Errorf("run command: %w", err)
	}

	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(result.Stderr)
	}
	if result.TimedOut {
		return "", errors.New("command timed out")
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("exit code %d: %s", result.ExitCode, strings.TrimSpace(b.String()))
	}
	return b.String(), nil
}

// snapshot reads a file's current content, tolerating absence.
func snapshot(abs string) (string, bool, error) {
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}
