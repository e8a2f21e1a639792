// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package testrun executes the project's test command in the sandbox
// and turns its output into structured results.
//
// Failures of the tests are data; failures of the runner are errors.
// A test suite that cannot be executed (missing binary, timeout,
// unrecognizable output) yields ErrRunner, never a zero-failure result,
// so the convergence loop cannot mistake a broken runner for passing
// tests.
package testrun

import (
	"errors"
	"time"
)

// ErrRunner is the degraded signal: the test command could not be run
// or its output could not be understood. Logic energy is unknown, not
// zero.
var ErrRunner = errors.New("testrun: runner error")

// ErrNoParser is returned for languages without a registered parser.
var ErrNoParser = errors.New("testrun: no parser for language")

// Failure describes one failing test.
type Failure struct {
	// Name is the test identifier as the framework reports it.
	Name string `json:"name"`

	// Message is the captured failure detail, possibly empty.
	Message string `json:"message,omitempty"`
}

// Results is the structured outcome of one test run.
type Results struct {
	// Passed, Failed and Skipped are test counts.
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	// Total is Passed + Failed + Skipped.
	Total int `json:"total"`

	// Failures lists each failing test.
	Failures []Failure `json:"failures,omitempty"`

	// Duration is the wall-clock runtime of the test command.
	Duration time.Duration `json:"duration"`

	// Output is the raw (possibly truncated) combined output, kept for
	// correction prompts.
	Output string `json:"-"`
}

// AllPassed reports whether the run had no failures.
func (r *Results) AllPassed() bool {
	return r.Failed == 0
}
