// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package energy computes the convergence energy of a workspace state.
//
// The total is a weighted sum of three non-negative components:
//
//	V(x) = alpha*syntax + beta*structural + gamma*logic
//
// syntax comes from language-server diagnostics, structural from a
// pluggable scorer over the changed files, and logic from test
// failures. Evaluate is a pure function: identical inputs produce an
// identical Energy, bit for bit, which the retry loop depends on to
// compare states across attempts.
package energy

import (
	"sort"

	"github.com/AleutianAI/codeloop/services/engine/lsp"
	"github.com/AleutianAI/codeloop/services/engine/plan"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
)

// Weights are the component multipliers.
type Weights struct {
	// Alpha scales syntactic energy (diagnostics).
	Alpha float64 `json:"alpha" yaml:"alpha"`

	// Beta scales structural energy (scorer output).
	Beta float64 `json:"beta" yaml:"beta"`

	// Gamma scales logic energy (test failures). Highest by default:
	// code that compiles but fails its tests is the worst state.
	Gamma float64 `json:"gamma" yaml:"gamma"`
}

// DefaultWeights returns alpha=1.0, beta=0.5, gamma=2.0.
func DefaultWeights() Weights {
	return Weights{Alpha: 1.0, Beta: 0.5, Gamma: 2.0}
}

// DefaultEpsilon is the convergence threshold under which a state
// counts as stable.
const DefaultEpsilon = 0.1

// Energy is a point-in-time snapshot. Snapshots from different attempts
// are compared, never averaged.
type Energy struct {
	Syntax     float64 `json:"syntax"`
	Structural float64 `json:"structural"`
	Logic      float64 `json:"logic"`
	Total      float64 `json:"total"`
}

// Converged reports whether the snapshot is at or under epsilon.
func (e Energy) Converged(epsilon float64) bool {
	return e.Total <= epsilon
}

// Inputs carries everything Evaluate needs. Nil Tests means the test
// signal was unavailable this attempt; the caller decides what that
// implies (Evaluate treats it as zero logic energy and the orchestrator
// refuses to commit on a degraded signal).
type Inputs struct {
	Diagnostics []lsp.Diagnostic
	Tests       *testrun.Results
	Structural  float64
	Contract    plan.Contract
}

// Evaluate computes the energy snapshot.
//
// Description:
//
//	Syntax is the severity-weighted sum over diagnostics. Logic is the
//	contract-weighted sum over failing tests, normalized by the total
//	test count so adding passing tests cannot mask a failure. The
//	structural component is clamped at zero; scorers must not produce
//	negative energy.
func Evaluate(in Inputs, w Weights) Energy {
	e := Energy{}

	for _, d := range in.Diagnostics {
		e.Syntax += d.Severity.Weight()
	}

	if in.Structural > 0 {
		e.Structural = in.Structural
	}

	if in.Tests != nil && in.Tests.Failed > 0 {
		total := in.Tests.Total
		if total < 1 {
			total = 1
		}
		var weighted float64
		for _, f := range sortedFailures(in.Tests.Failures) {
			weighted += in.Contract.TestWeight(f.Name)
		}
		// Failures the parser counted but could not name still weigh 1.0.
		if unnamed := in.Tests.Failed - len(in.Tests.Failures); unnamed > 0 {
			weighted += float64(unnamed)
		}
		e.Logic = weighted / float64(total)
	}

	e.Total = w.Alpha*e.Syntax + w.Beta*e.Structural + w.Gamma*e.Logic
	return e
}

// sortedFailures returns failures in name order so that summation order
// (and therefore floating-point rounding) is stable across runs.
func sortedFailures(fs []testrun.Failure) []testrun.Failure {
	out := make([]testrun.Failure, len(fs))
	copy(out, fs)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// =============================================================================
// History
// =============================================================================

// History tracks energy across attempts for one node.
type History struct {
	snapshots []Energy
}

// Record appends a snapshot.
func (h *History) Record(e Energy) {
	h.snapshots = append(h.snapshots, e)
}

// Attempts returns how many snapshots were recorded.
func (h *History) Attempts() int {
	return len(h.snapshots)
}

// Current returns the latest snapshot and whether one exists.
func (h *History) Current() (Energy, bool) {
	if len(h.snapshots) == 0 {
		return Energy{}, false
	}
	return h.snapshots[len(h.snapshots)-1], true
}

// Converging reports whether the last step decreased total energy.
// With fewer than two snapshots there is nothing to contradict, so it
// reports true.
func (h *History) Converging() bool {
	n := len(h.snapshots)
	if n < 2 {
		return true
	}
	return h.snapshots[n-1].Total < h.snapshots[n-2].Total
}

// Values returns the recorded totals, oldest first.
func (h *History) Values() []float64 {
	out := make([]float64, len(h.snapshots))
	for i, s := range h.snapshots {
		out[i] = s.Total
	}
	return out
}
