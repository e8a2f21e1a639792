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
	"github.com/AleutianAI/codeloop/services/engine/lsp"
	"github.com/AleutianAI/codeloop/services/engine/session"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
)

// FailureKind classifies why an attempt failed. Each kind draws from its
// own retry budget; degraded signals and budget exhaustion have no
// budget at all and escalate directly.
type FailureKind string

const (
	// FailureCompilation: the workspace has at least one error-severity
	// diagnostic.
	FailureCompilation FailureKind = "compilation"

	// FailureTool: a tool call failed (policy denial, sandbox error,
	// filesystem error, bad arguments).
	FailureTool FailureKind = "tool"

	// FailureReview: tests failed without compilation errors, the
	// changes were rejected by the reviewer, or the actuator output
	// could not be parsed. Every retry regenerates from scratch.
	FailureReview FailureKind = "review"

	// FailurePlanParse: the architect never produced a valid plan.
	// Not retried inside the node loop; planning has its own attempt
	// budget and exhaustion escalates.
	FailurePlanParse FailureKind = "plan_parse"

	// FailureDegraded: a verification signal was unavailable. Not a
	// task failure and never counted against a budget, but the run
	// cannot commit on a partial signal.
	FailureDegraded FailureKind = "degraded"

	// FailureBudget: the token or cost ceiling was reached.
	FailureBudget FailureKind = "budget"
)

// Escalation is the package the human operator receives when the engine
// gives up on automatic convergence. Exhaustion always escalates; the
// engine never aborts on its own.
type Escalation struct {
	SessionID string      `json:"session_id"`
	NodeID    int         `json:"node_id"` // -1 during planning
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`

	// Retries is the budget state at escalation time.
	Retries session.RetryCounters `json:"retries"`

	// EnergyTotal is the last measured energy, NaN-free; zero when no
	// verification ran.
	EnergyTotal float64 `json:"energy_total"`
}

// Resolution is the operator's answer to an escalation.
type Resolution int

const (
	// ResolutionAbort ends the run. Committed work stays committed.
	ResolutionAbort Resolution = iota

	// ResolutionRetry grants the node a fresh retry budget and
	// re-enters the loop.
	ResolutionRetry
)

// EscalationHandler decides what happens when the engine escalates. A
// nil handler parks the run in the escalated state for a later Resume.
type EscalationHandler func(esc *Escalation) (Resolution, error)

// classifyFailure maps a failed verification onto the budget it draws
// from. Error-severity diagnostics dominate: code that does not compile
// is a compilation failure even when tests also failed.
func classifyFailure(diags []lsp.Diagnostic, tests *testrun.Results) FailureKind {
	for _, d := range diags {
		if d.Severity == lsp.SeverityError {
			return FailureCompilation
		}
	}
	if tests != nil && tests.Failed > 0 {
		return FailureReview
	}
	// Warnings and structural noise alone; treated like compilation
	// drift since only the language signal is complaining.
	return FailureCompilation
}
