// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package energy

import (
	"context"
	"math"
	"testing"

	"github.com/AleutianAI/codeloop/services/engine/lsp"
	"github.com/AleutianAI/codeloop/services/engine/plan"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEvaluateSyntaxWeights(t *testing.T) {
	in := Inputs{
		Diagnostics: []lsp.Diagnostic{
			{Severity: lsp.SeverityError, Message: "undefined: x"},
			{Severity: lsp.SeverityWarning, Message: "unused variable"},
			{Severity: lsp.SeverityInformation, Message: "style"},
			{Severity: lsp.SeverityHint, Message: "rename?"},
		},
	}

	e := Evaluate(in, DefaultWeights())
	if !almostEqual(e.Syntax, 1.0+0.3+0.05) {
		t.Errorf("Syntax = %v, want 1.35", e.Syntax)
	}
	if !almostEqual(e.Total, 1.35) {
		t.Errorf("Total = %v, want 1.35", e.Total)
	}
}

func TestEvaluateLogicNormalizedByTotal(t *testing.T) {
	in := Inputs{
		Tests: &testrun.Results{
			Passed: 9,
			Failed: 1,
			Total:  10,
			Failures: []testrun.Failure{
				{Name: "TestThing"},
			},
		},
	}

	e := Evaluate(in, DefaultWeights())
	// 1 failure at weight 1.0 over 10 tests, gamma 2.0.
	if !almostEqual(e.Logic, 0.1) {
		t.Errorf("Logic = %v, want 0.1", e.Logic)
	}
	if !almostEqual(e.Total, 0.2) {
		t.Errorf("Total = %v, want 0.2", e.Total)
	}
}

func TestEvaluateContractWeighting(t *testing.T) {
	contract := plan.Contract{Tests: []plan.WeightedTest{
		{Name: "TestAuth", Criticality: plan.CriticalityCritical},
	}}

	in := Inputs{
		Tests: &testrun.Results{
			Passed:   8,
			Failed:   2,
			Total:    10,
			Failures: []testrun.Failure{{Name: "TestAuth"}, {Name: "TestMisc"}},
		},
		Contract: contract,
	}

	e := Evaluate(in, DefaultWeights())
	// (10.0 + 1.0) / 10 tests.
	if !almostEqual(e.Logic, 1.1) {
		t.Errorf("Logic = %v, want 1.1", e.Logic)
	}
}

func TestEvaluateUnnamedFailuresStillWeigh(t *testing.T) {
	in := Inputs{
		Tests: &testrun.Results{Failed: 3, Total: 3},
	}
	e := Evaluate(in, DefaultWeights())
	if !almostEqual(e.Logic, 1.0) {
		t.Errorf("Logic = %v, want 1.0", e.Logic)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	in := Inputs{
		Diagnostics: []lsp.Diagnostic{
			{Severity: lsp.SeverityError},
			{Severity: lsp.SeverityWarning},
		},
		Tests: &testrun.Results{
			Passed: 1, Failed: 2, Total: 3,
			Failures: []testrun.Failure{{Name: "b"}, {Name: "a"}},
		},
		Structural: 2.0,
	}

	first := Evaluate(in, DefaultWeights())
	for i := 0; i < 100; i++ {
		if got := Evaluate(in, DefaultWeights()); got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestEvaluateCleanStateIsZero(t *testing.T) {
	e := Evaluate(Inputs{Tests: &testrun.Results{Passed: 5, Total: 5}}, DefaultWeights())
	if e.Total != 0 {
		t.Errorf("Total = %v, want 0", e.Total)
	}
	if !e.Converged(DefaultEpsilon) {
		t.Error("clean state should converge")
	}
}

func TestEvaluateStructuralClamped(t *testing.T) {
	e := Evaluate(Inputs{Structural: -3}, DefaultWeights())
	if e.Structural != 0 {
		t.Errorf("Structural = %v, want 0 (clamped)", e.Structural)
	}
}

func TestHistoryConverging(t *testing.T) {
	var h History
	if !h.Converging() {
		t.Error("empty history should report converging")
	}

	h.Record(Energy{Total: 3.0})
	h.Record(Energy{Total: 1.5})
	if !h.Converging() {
		t.Error("decreasing energy should report converging")
	}

	h.Record(Energy{Total: 2.0})
	if h.Converging() {
		t.Error("increasing energy should not report converging")
	}
	if h.Attempts() != 3 {
		t.Errorf("Attempts = %d, want 3", h.Attempts())
	}

	cur, ok := h.Current()
	if !ok || cur.Total != 2.0 {
		t.Errorf("Current = %v, %v", cur, ok)
	}
}

func TestTreeSitterScorer(t *testing.T) {
	s := NewTreeSitterScorer()
	ctx := context.Background()

	clean, err := s.Score(ctx, map[string]string{
		"main.go": "package main\n\nfunc main() {}\n",
	})
	if err != nil {
		t.Fatalf("Score clean: %v", err)
	}
	if clean != 0 {
		t.Errorf("clean score = %v, want 0", clean)
	}

	broken, err := s.Score(ctx, map[string]string{
		"main.go": "package main\n\nfunc main() { if {\n",
	})
	if err != nil {
		t.Fatalf("Score broken: %v", err)
	}
	if broken <= 0 {
		t.Errorf("broken score = %v, want > 0", broken)
	}

	unknown, err := s.Score(ctx, map[string]string{"data.csv": "a,b,c"})
	if err != nil || unknown != 0 {
		t.Errorf("unknown extension: score=%v err=%v", unknown, err)
	}
}
