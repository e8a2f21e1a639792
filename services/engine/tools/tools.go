// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools translates LLM-issued tool calls into filesystem and
// shell operations.
//
// The dispatcher is the only component with side effects on the working
// tree. Every path is validated against the workspace root before any
// I/O, shell commands go through the policy engine and then the
// sandbox, and every dispatch is logged for audit. File mutations are
// accumulated as Change records so the orchestrator can commit or
// discard a node's edits as one unit.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// LIMITS
// =============================================================================

const (
	// MaxToolCallsPerAttempt limits calls per speculation to prevent
	// runaway plans.
	MaxToolCallsPerAttempt = 20

	// MaxArgumentsSize limits argument JSON size.
	MaxArgumentsSize = 1 << 20 // 1MB

	// MaxWriteContentSize limits a single file write.
	MaxWriteContentSize = 5 * 1024 * 1024

	// MaxReadSize limits how much of a file is returned to the model.
	MaxReadSize = 256 * 1024

	// MaxListResults caps list_files output.
	MaxListResults = 500

	// MaxSearchResults caps search_code output.
	MaxSearchResults = 200
)

// defaultExclusions are directories never listed or searched.
var defaultExclusions = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownTool is returned for a tool name the dispatcher does
	// not implement.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrInvalidArguments is returned when arguments fail validation.
	ErrInvalidArguments = errors.New("tools: invalid arguments")

	// ErrPathEscapesRoot is returned before any I/O when a path would
	// resolve outside the workspace root.
	ErrPathEscapesRoot = errors.New("tools: path escapes workspace root")

	// ErrCommandDenied is returned when the policy engine denies a
	// shell command. Nothing was executed.
	ErrCommandDenied = errors.New("tools: command denied by policy")

	// ErrApprovalDeclined is returned when a Prompt decision was not
	// approved. Nothing was executed.
	ErrApprovalDeclined = errors.New("tools: approval declined")

	// ErrNoMatch is returned by edit_file when old_string is absent.
	ErrNoMatch = errors.New("tools: old_string not found in file")

	// ErrMultipleMatch is returned by edit_file when old_string is
	// ambiguous and replace_all was not set.
	ErrMultipleMatch = errors.New("tools: old_string matches multiple times")
)

// =============================================================================
// CALL AND RESULT
// =============================================================================

// ToolCall is one LLM-issued operation.
type ToolCall struct {
	// ID correlates the result back to the model's call. Assigned by
	// the dispatcher when empty.
	ID string `json:"id,omitempty"`

	Name string `json:"name"`

	// Arguments is the tool-specific parameter object.
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one dispatch.
type ToolResult struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`

	Success bool `json:"success"`

	// Output is what gets fed back to the model.
	Output string `json:"output,omitempty"`

	// Error is the failure description when Success is false.
	Error string `json:"error,omitempty"`

	Duration time.Duration `json:"duration"`
}

// =============================================================================
// PARAMETERS
// =============================================================================

// ReadFileArgs selects a file to read, path relative to the workspace
// root.
type ReadFileArgs struct {
	Path string `json:"path"`
}

func (a *ReadFileArgs) Validate() error {
	return validateRelPath(a.Path)
}

// WriteFileArgs creates or overwrites a file.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (a *WriteFileArgs) Validate() error {
	if err := validateRelPath(a.Path); err != nil {
		return err
	}
	if len(a.Content) > MaxWriteContentSize {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidArguments, MaxWriteContentSize)
	}
	return nil
}

// EditFileArgs makes a surgical old_string to new_string replacement.
type EditFileArgs struct {
	Path       string `json:"path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func (a *EditFileArgs) Validate() error {
	if err := validateRelPath(a.Path); err != nil {
		return err
	}
	if a.OldString == "" {
		return fmt.Errorf("%w: old_string is required", ErrInvalidArguments)
	}
	if a.OldString == a.NewString {
		return fmt.Errorf("%w: old_string and new_string are identical", ErrInvalidArguments)
	}
	return nil
}

// DeleteFileArgs removes a file.
type DeleteFileArgs struct {
	Path string `json:"path"`
}

func (a *DeleteFileArgs) Validate() error {
	return validateRelPath(a.Path)
}

// ApplyPatchArgs applies a unified diff to the working tree. Paths in
// the diff are relative to the workspace root.
type ApplyPatchArgs struct {
	Patch string `json:"patch"`
}

func (a *ApplyPatchArgs) Validate() error {
	if strings.TrimSpace(a.Patch) == "" {
		return fmt.Errorf("%w: patch is required", ErrInvalidArguments)
	}
	return nil
}

// ListFilesArgs lists files under a directory.
type ListFilesArgs struct {
	Path string `json:"path,omitempty"`
}

func (a *ListFilesArgs) Validate() error {
	if a.Path == "" {
		return nil
	}
	return validateRelPath(a.Path)
}

// SearchCodeArgs searches file contents with a regex.
type SearchCodeArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func (a *SearchCodeArgs) Validate() error {
	if a.Pattern == "" {
		return fmt.Errorf("%w: pattern is required", ErrInvalidArguments)
	}
	if a.Path != "" {
		return validateRelPath(a.Path)
	}
	return nil
}

// RunCommandArgs executes a shell command through policy and sandbox.
type RunCommandArgs struct {
	Command string `json:"command"`

	// TimeoutSeconds overrides the sandbox default when positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (a *RunCommandArgs) Validate() error {
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidArguments)
	}
	return nil
}

// validateRelPath rejects absolute paths and traversal components
// before any filesystem resolution happens.
func validateRelPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidArguments)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: path must be relative to the workspace root", ErrInvalidArguments)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
		}
	}
	return nil
}
