// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox executes shell commands on behalf of the engine with
// bounded runtime and bounded output.
//
// The Executor interface is the injection point: the default
// LocalExecutor runs commands directly with timeout and output caps,
// while embedders can substitute container- or VM-backed
// implementations without the engine noticing.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ErrNoCommand is returned when a request has an empty command.
var ErrNoCommand = errors.New("sandbox: empty command")

// Request describes one command execution.
type Request struct {
	// Command is the executable name or path.
	Command string

	// Args are passed verbatim; no shell interpretation happens here.
	Args []string

	// WorkingDir is the directory to run in. Required.
	WorkingDir string

	// Timeout bounds wall-clock runtime. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxOutputBytes caps each of stdout and stderr. Zero means
	// DefaultMaxOutput. Output beyond the cap is dropped, not buffered.
	MaxOutputBytes int
}

// Result is the outcome of a completed (or killed) command.
type Result struct {
	// ExitCode is the process exit code; -1 when killed by timeout.
	ExitCode int

	// Stdout and Stderr are the captured streams, possibly truncated.
	Stdout string
	Stderr string

	// Duration is the observed wall-clock runtime.
	Duration time.Duration

	// Truncated is true when either stream hit the output cap.
	Truncated bool

	// TimedOut is true when the process was killed at the deadline.
	TimedOut bool
}

// Executor runs commands. Implementations must kill the process tree
// when the context is done and must never block past the timeout.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// =============================================================================
// Local Executor
// =============================================================================

const (
	// DefaultTimeout applies when Request.Timeout is zero.
	DefaultTimeout = 2 * time.Minute

	// DefaultMaxOutput applies when Request.MaxOutputBytes is zero (1MB).
	DefaultMaxOutput = 1 * 1024 * 1024
)

// LocalExecutor runs commands directly on the host.
//
// Description:
//
//	Not a security boundary by itself; command admission is the policy
//	engine's job. LocalExecutor enforces the resource discipline:
//	wall-clock timeout via context, output caps via capped buffers,
//	and guaranteed process reaping on every path.
//
// Thread Safety: Safe for concurrent use.
type LocalExecutor struct {
	logger *slog.Logger
}

// NewLocalExecutor creates an executor logging to the default logger.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{logger: slog.Default().With("component", "sandbox")}
}

// Execute runs the command and always returns a Result when the process
// ran at all, even on non-zero exit or timeout. The error return is
// reserved for failures to run (bad request, spawn failure).
func (e *LocalExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, ErrNoCommand
	}
	if req.WorkingDir == "" {
		return nil, errors.New("sandbox: working directory required")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOut := req.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutput
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command, req.Args...)
	cmd.Dir = req.WorkingDir

	stdout := newCappedBuffer(maxOut)
	stderr := newCappedBuffer(maxOut)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.TimedOut = true
		e.logger.Warn("command timed out",
			"command", req.Command, "timeout", timeout)
		return result, nil
	case err == nil:
		result.ExitCode = 0
		return result, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Ran to completion with non-zero status. That is a result,
			// not an execution failure.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("sandbox: run %s: %w", req.Command, err)
	}
}

// =============================================================================
// Capped Buffer
// =============================================================================

// cappedBuffer keeps at most max bytes and drops the rest, remembering
// that it did.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil // swallow, do not backpressure the child
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
