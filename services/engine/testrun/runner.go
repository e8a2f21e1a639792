// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package testrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/codeloop/services/engine/sandbox"
)

// Command describes the test invocation for a project.
type Command struct {
	// Language selects the output parser ("go", "python", ...).
	Language string

	// Executable and Args form the test command, e.g. "go" and
	// ["test", "-v", "./..."].
	Executable string
	Args       []string
}

// DefaultCommand returns the conventional test command for a language.
func DefaultCommand(language string) (Command, bool) {
	switch language {
	case "go":
		return Command{Language: "go", Executable: "go", Args: []string{"test", "-v", "./..."}}, true
	case "python":
		return Command{Language: "python", Executable: "pytest", Args: []string{"-v"}}, true
	case "typescript", "javascript":
		return Command{Language: language, Executable: "npx", Args: []string{"jest", "--colors=false"}}, true
	}
	return Command{}, false
}

// RunnerConfig tunes the runner.
type RunnerConfig struct {
	// Timeout bounds one test run. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxOutputBytes caps captured output. Zero means DefaultMaxOutput.
	MaxOutputBytes int
}

// DefaultRunnerConfig returns production defaults: five minutes and 4MB
// of output.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Timeout:        5 * time.Minute,
		MaxOutputBytes: 4 * 1024 * 1024,
	}
}

// Runner executes tests through the sandbox and parses the output.
//
// Thread Safety: Safe for concurrent use; each Run is independent.
type Runner struct {
	executor sandbox.Executor
	workDir  string
	config   RunnerConfig
	logger   *slog.Logger
}

// NewRunner creates a runner for the given workspace.
func NewRunner(executor sandbox.Executor, workDir string, config RunnerConfig) *Runner {
	return &Runner{
		executor: executor,
		workDir:  workDir,
		config:   config,
		logger:   slog.Default().With("component", "testrun"),
	}
}

// Run executes the test command and parses its output.
//
// Description:
//
//	Non-zero exit with parseable output is a normal failing run.
//	Timeout, spawn failure, build failure, and unparseable output are
//	runner errors (ErrRunner): the caller must treat logic energy as
//	unknown, never as zero failures.
//
// Outputs:
//
//	*Results - Parsed results on success (failing tests included).
//	error - Wraps ErrRunner for infrastructure failures.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Results, error) {
	parser := ParserFor(cmd.Language)
	if parser == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoParser, cmd.Language)
	}

	res, err := r.executor.Execute(ctx, sandbox.Request{
		Command:        cmd.Executable,
		Args:           cmd.Args,
		WorkingDir:     r.workDir,
		Timeout:        r.config.Timeout,
		MaxOutputBytes: r.config.MaxOutputBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunner, err)
	}
	if res.TimedOut {
		return nil, fmt.Errorf("%w: test command timed out after %s", ErrRunner, r.config.Timeout)
	}

	output := res.Stdout
	if res.Stderr != "" {
		output += "\n" + res.Stderr
	}

	results, err := parser(output)
	if err != nil {
		r.logger.Warn("test output unparseable",
			"language", cmd.Language, "exit_code", res.ExitCode)
		return nil, err
	}

	results.Duration = res.Duration
	results.Output = output

	r.logger.Info("test run complete",
		"passed", results.Passed,
		"failed", results.Failed,
		"skipped", results.Skipped,
		"duration", res.Duration)

	return results, nil
}
