// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"time"

	"github.com/AleutianAI/codeloop/services/engine/energy"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
)

// Options tunes one engine instance. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	// Language selects the diagnostics server and default test command
	// ("go", "python", "typescript").
	Language string

	// Weights are the energy component multipliers.
	Weights energy.Weights

	// Epsilon is the convergence threshold. A verification snapshot at
	// or under it counts as stable.
	Epsilon float64

	// CompilationCeiling bounds retries caused by error-severity
	// diagnostics, per node.
	CompilationCeiling int

	// ToolCeiling bounds retries caused by tool failures (policy
	// denials, sandbox errors, filesystem errors), per node.
	ToolCeiling int

	// ReviewCeiling bounds retries caused by test failures and change
	// rejections, per node.
	ReviewCeiling int

	// ComplexityGateK is the plan size above which execution pauses for
	// approval before the first node runs.
	ComplexityGateK int

	// MaxPlanAttempts bounds architect calls during planning. Each
	// failed parse feeds the error back into the next prompt; exhaustion
	// escalates without touching the per-node budgets.
	MaxPlanAttempts int

	// SettleDelay is the pause between applying changes and pulling
	// diagnostics, giving the language server time to re-index.
	SettleDelay time.Duration

	// TestCommand overrides the language's conventional test command.
	TestCommand *testrun.Command

	// ProviderRetries bounds transparent retries of transient LLM
	// provider errors. Independent of the per-node failure budgets.
	ProviderRetries int
}

// DefaultOptions returns production defaults.
func DefaultOptions(language string) Options {
	return Options{
		Language:           language,
		Weights:            energy.DefaultWeights(),
		Epsilon:            energy.DefaultEpsilon,
		CompilationCeiling: 3,
		ToolCeiling:        5,
		ReviewCeiling:      3,
		ComplexityGateK:    5,
		MaxPlanAttempts:    3,
		SettleDelay:        200 * time.Millisecond,
		ProviderRetries:    3,
	}
}
