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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codeloop/services/engine/energy"
	"github.com/AleutianAI/codeloop/services/engine/ledger"
	"github.com/AleutianAI/codeloop/services/engine/llm"
	"github.com/AleutianAI/codeloop/services/engine/lsp"
	"github.com/AleutianAI/codeloop/services/engine/plan"
	"github.com/AleutianAI/codeloop/services/engine/policy"
	"github.com/AleutianAI/codeloop/services/engine/sandbox"
	"github.com/AleutianAI/codeloop/services/engine/session"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
	"github.com/AleutianAI/codeloop/services/engine/tools"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeClient replays scripted responses, repeating the last one when
// the script runs out.
type fakeClient struct {
	responses []string
	calls     int
	prompts   []string
	err       error
}

func (f *fakeClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return &llm.Response{Content: f.responses[i], PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeClient) Name() string  { return "fake" }
func (f *fakeClient) Model() string { return "scripted" }

// fakeDiagnoser replays scripted diagnostic sets per verification,
// repeating the last entry.
type fakeDiagnoser struct {
	seq    [][]lsp.Diagnostic
	err    error
	calls  int
	closed bool
}

func (f *fakeDiagnoser) SyncFile(ctx context.Context, path, content string) error { return nil }

func (f *fakeDiagnoser) Diagnostics(ctx context.Context, path string) ([]lsp.Diagnostic, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.seq) == 0 {
		return nil, nil
	}
	i := f.calls - 1
	if i >= len(f.seq) {
		i = len(f.seq) - 1
	}
	return f.seq[i], nil
}

func (f *fakeDiagnoser) Close() { f.closed = true }

type fakeRunner struct {
	results *testrun.Results
	err     error
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, cmd testrun.Command) (*testrun.Results, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeExecutor struct {
	calls []sandbox.Request
}

func (f *fakeExecutor) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.calls = append(f.calls, req)
	return &sandbox.Result{ExitCode: 0, Stdout: "ok"}, nil
}

// =============================================================================
// Scripts
// =============================================================================

const singleTaskPlan = `{"tasks":[{"id":"t1","goal":"create the main entrypoint","kind":"create","output_files":["main.go"],"contract":{"tests":[{"name":"TestMain","criticality":"High"}]}}]}`

const twoTaskPlan = `{"tasks":[
  {"id":"t1","goal":"create package alpha","kind":"create","output_files":["alpha.go"]},
  {"id":"t2","goal":"create package beta on top of alpha","kind":"create","output_files":["beta.go"],"dependencies":["t1"]}
]}`

const writeMainCall = `{"tool_calls":[{"name":"write_file","arguments":{"path":"main.go","content":"package main\n\nfunc main() {}\n"}}]}`

const writeAlphaCall = `{"tool_calls":[{"name":"write_file","arguments":{"path":"alpha.go","content":"package alpha\n"}}]}`

const writeBetaCall = `{"tool_calls":[{"name":"write_file","arguments":{"path":"beta.go","content":"package beta\n"}}]}`

const deniedCommandCall = `{"tool_calls":[{"name":"run_command","arguments":{"command":"rm -rf /"}}]}`

func errorDiag(msg string) []lsp.Diagnostic {
	return []lsp.Diagnostic{{Severity: lsp.SeverityError, Message: msg}}
}

func passingTests() *testrun.Results {
	return &testrun.Results{Passed: 1, Total: 1}
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	workDir   string
	architect *fakeClient
	actuator  *fakeClient
	diag      *fakeDiagnoser
	runner    *fakeRunner
	exec      *fakeExecutor
	led       *ledger.Ledger
	sessions  *session.Store
	opts      Options

	planApprover PlanApprover
	reviewer     ChangeReviewer
	escalation   EscalationHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	workDir := t.TempDir()
	led, err := ledger.Open(ledger.InMemoryStoreConfig(), workDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	sessions, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	opts := DefaultOptions("go")
	opts.SettleDelay = 0

	return &harness{
		workDir:   workDir,
		architect: &fakeClient{responses: []string{singleTaskPlan}},
		actuator:  &fakeClient{responses: []string{writeMainCall}},
		diag:      &fakeDiagnoser{},
		runner:    &fakeRunner{results: passingTests()},
		exec:      &fakeExecutor{},
		led:       led,
		sessions:  sessions,
		opts:      opts,
	}
}

func (h *harness) build(t *testing.T) *Orchestrator {
	t.Helper()
	disp := tools.NewDispatcher(h.workDir, policy.NewDefaultRuleEngine(), h.exec)
	require.NotNil(t, disp)

	o, err := New(h.workDir, Deps{
		Architect:    h.architect,
		Actuator:     h.actuator,
		Dispatcher:   disp,
		Diagnoser:    h.diag,
		Runner:       h.runner,
		Scorer:       energy.NopScorer{},
		Ledger:       h.led,
		Sessions:     h.sessions,
		Budget:       llm.NewTokenBudget(1_000_000, 0),
		PlanApprover: h.planApprover,
		Reviewer:     h.reviewer,
		Escalation:   h.escalation,
	}, h.opts)
	require.NoError(t, err)
	return o
}

// =============================================================================
// Tests
// =============================================================================

func TestCleanConvergence(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	res, err := o.Execute(context.Background(), "add a main entrypoint")
	require.NoError(t, err)

	assert.Equal(t, session.StateCommitted, res.State)
	require.Len(t, res.Commits, 1)
	assert.Nil(t, res.Escalation)
	assert.Equal(t, 0.0, res.Energy.Total)

	// One actuator attempt, one test run, no retries recorded.
	assert.Equal(t, 1, h.actuator.calls)
	assert.Equal(t, 1, h.runner.calls)

	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.RetryCounters{}, rec.Retries)
	assert.Equal(t, res.Commits[0], rec.LedgerHead)
	assert.Equal(t, []float64{0.0}, rec.EnergyTrend)

	data, err := os.ReadFile(filepath.Join(h.workDir, "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "func main()")

	assert.Equal(t, res.Commits[0], h.led.Head())
}

func TestCompilationRetryCeilingIsExact(t *testing.T) {
	h := newHarness(t)
	h.diag.seq = [][]lsp.Diagnostic{errorDiag("undefined: frobnicate")}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "introduce frobnicate")
	require.NoError(t, err)

	assert.Equal(t, session.StateEscalated, res.State)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, FailureCompilation, res.Escalation.Kind)

	// Ceiling 3: exactly 3 recorded retries, 4 attempts, zero commits.
	assert.Equal(t, 3, res.Escalation.Retries.Compilation)
	assert.Equal(t, 4, h.actuator.calls)
	assert.Empty(t, res.Commits)
	assert.Equal(t, "", h.led.Head())
}

func TestCorrectionContextCarriesDiagnostics(t *testing.T) {
	h := newHarness(t)
	h.diag.seq = [][]lsp.Diagnostic{
		errorDiag("undefined: frobnicate"),
		nil, // second attempt is clean
	}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "introduce frobnicate")
	require.NoError(t, err)

	assert.Equal(t, session.StateCommitted, res.State)
	require.Equal(t, 2, h.actuator.calls)

	// The retry prompt must carry the failure evidence and a direction.
	second := h.actuator.prompts[1]
	assert.Contains(t, second, "Code Correction Required")
	assert.Contains(t, second, "undefined: frobnicate")
	assert.Contains(t, second, "Define or import the missing symbol")

	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Retries.Compilation)
}

func TestPolicyDenialDrawsToolBudget(t *testing.T) {
	h := newHarness(t)
	h.actuator.responses = []string{deniedCommandCall, writeMainCall}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "set up the workspace")
	require.NoError(t, err)

	assert.Equal(t, session.StateCommitted, res.State)
	require.Len(t, res.Commits, 1)

	// The denied command never reached the executor.
	assert.Empty(t, h.exec.calls)

	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Retries.Tool)
	assert.Equal(t, 0, rec.Retries.Compilation)

	// The retry prompt names the tool failure.
	require.Equal(t, 2, h.actuator.calls)
	assert.Contains(t, h.actuator.prompts[1], "tool call failed")
}

func TestPlanParseEscalatesAfterPlanningBudget(t *testing.T) {
	h := newHarness(t)
	h.architect.responses = []string{"here is my plan: do the thing"}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "do the thing")
	require.NoError(t, err)

	assert.Equal(t, session.StateEscalated, res.State)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, FailurePlanParse, res.Escalation.Kind)
	assert.Equal(t, -1, res.Escalation.NodeID)

	// Planning has its own attempt budget; node budgets are untouched
	// and the actuator never ran.
	assert.Equal(t, 3, h.architect.calls)
	assert.Equal(t, 0, h.actuator.calls)
	assert.Equal(t, session.RetryCounters{}, res.Escalation.Retries)

	// The second architect prompt carries the first parse error back.
	assert.Contains(t, h.architect.prompts[1], "Previous Attempt Failed")
}

func TestDependencyOrdering(t *testing.T) {
	h := newHarness(t)
	h.architect.responses = []string{twoTaskPlan}
	h.actuator.responses = []string{writeAlphaCall, writeBetaCall}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "build alpha then beta")
	require.NoError(t, err)

	assert.Equal(t, session.StateCommitted, res.State)
	require.Len(t, res.Commits, 2)

	require.Equal(t, 2, h.actuator.calls)
	assert.Contains(t, h.actuator.prompts[0], "create package alpha")
	assert.Contains(t, h.actuator.prompts[1], "create package beta")

	// Ledger chain: newest first, one commit per node.
	recent, err := h.led.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 1, recent[0].NodeID)
	assert.Equal(t, 0, recent[1].NodeID)
}

func TestDegradedTestSignalNeverCommits(t *testing.T) {
	h := newHarness(t)
	h.runner.err = testrun.ErrRunner
	o := h.build(t)

	res, err := o.Execute(context.Background(), "add a main entrypoint")
	require.NoError(t, err)

	// Diagnostics were clean and energy would be zero, but a missing
	// test signal is unknown logic energy, not zero.
	assert.Equal(t, session.StateEscalated, res.State)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, FailureDegraded, res.Escalation.Kind)
	assert.Contains(t, res.Escalation.Reason, "test runner failed")

	// Degraded signals charge no budget.
	assert.Equal(t, session.RetryCounters{}, res.Escalation.Retries)
	assert.Empty(t, res.Commits)
	assert.Equal(t, "", h.led.Head())
}

func TestComplexityGateParksWithoutApprover(t *testing.T) {
	h := newHarness(t)
	h.opts.ComplexityGateK = 1
	h.architect.responses = []string{twoTaskPlan}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "big refactor")
	require.NoError(t, err)

	assert.Equal(t, session.StateAwaiting, res.State)
	assert.Equal(t, 0, h.actuator.calls)
	assert.Empty(t, res.Commits)

	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaiting, rec.State)
}

func TestComplexityGateDeclinedAborts(t *testing.T) {
	h := newHarness(t)
	h.opts.ComplexityGateK = 1
	h.architect.responses = []string{twoTaskPlan}
	h.planApprover = func(p *plan.Plan) (bool, error) { return false, nil }
	o := h.build(t)

	res, err := o.Execute(context.Background(), "big refactor")
	require.NoError(t, err)

	assert.Equal(t, session.StateAborted, res.State)
	assert.Equal(t, 0, h.actuator.calls)
}

func TestEscalationHandlerGrantsFreshBudget(t *testing.T) {
	h := newHarness(t)
	// Four failing verifications exhaust the compilation budget, then
	// the operator grants a fresh one and the fifth attempt is clean.
	h.diag.seq = [][]lsp.Diagnostic{
		errorDiag("undefined: a"),
		errorDiag("undefined: a"),
		errorDiag("undefined: a"),
		errorDiag("undefined: a"),
		nil,
	}
	var handled []*Escalation
	h.escalation = func(esc *Escalation) (Resolution, error) {
		handled = append(handled, esc)
		return ResolutionRetry, nil
	}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "introduce a")
	require.NoError(t, err)

	assert.Equal(t, session.StateCommitted, res.State)
	require.Len(t, res.Commits, 1)
	require.Len(t, handled, 1)
	assert.Equal(t, FailureCompilation, handled[0].Kind)
	assert.Equal(t, 3, handled[0].Retries.Compilation)
	assert.Equal(t, 5, h.actuator.calls)

	// The fresh budget was genuinely fresh: the clean attempt recorded
	// no retries.
	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.RetryCounters{}, rec.Retries)
}

func TestEscalationHandlerAborts(t *testing.T) {
	h := newHarness(t)
	h.diag.seq = [][]lsp.Diagnostic{errorDiag("undefined: a")}
	h.escalation = func(esc *Escalation) (Resolution, error) {
		return ResolutionAbort, nil
	}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "introduce a")
	require.NoError(t, err)

	assert.Equal(t, session.StateAborted, res.State)
	require.NotNil(t, res.Escalation)
	assert.Empty(t, res.Commits)
}

func TestReviewerRejectionRegenerates(t *testing.T) {
	h := newHarness(t)
	rejections := 0
	h.reviewer = func(nodeID int, changes []ledger.Change) (bool, string, error) {
		if rejections == 0 {
			rejections++
			return false, "missing error handling", nil
		}
		return true, "", nil
	}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "add a main entrypoint")
	require.NoError(t, err)

	assert.Equal(t, session.StateCommitted, res.State)
	require.Len(t, res.Commits, 1)
	assert.Equal(t, 2, h.actuator.calls)
	assert.Contains(t, h.actuator.prompts[1], "rejected in review")

	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Retries.Review)
}

func TestResumeAfterEscalation(t *testing.T) {
	h := newHarness(t)
	h.diag.seq = [][]lsp.Diagnostic{errorDiag("undefined: a")}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "introduce a")
	require.NoError(t, err)
	require.Equal(t, session.StateEscalated, res.State)

	// Operator fixes the environment; resume re-executes the node from
	// scratch rather than trusting the tree.
	h.diag.seq = nil
	attemptsBefore := h.actuator.calls

	resumed, err := o.Resume(context.Background(), res.SessionID)
	require.NoError(t, err)

	assert.Equal(t, session.StateCommitted, resumed.State)
	require.Len(t, resumed.Commits, 1)
	assert.Greater(t, h.actuator.calls, attemptsBefore)

	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCommitted, rec.State)
	assert.Equal(t, -1, rec.CurrentNode)
}

func TestResumeRejectsTerminalSessions(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	res, err := o.Execute(context.Background(), "add a main entrypoint")
	require.NoError(t, err)
	require.Equal(t, session.StateCommitted, res.State)

	_, err = o.Resume(context.Background(), res.SessionID)
	assert.Error(t, err)
}

func TestAbortParkedSession(t *testing.T) {
	h := newHarness(t)
	h.opts.ComplexityGateK = 1
	h.architect.responses = []string{twoTaskPlan}
	o := h.build(t)

	res, err := o.Execute(context.Background(), "big refactor")
	require.NoError(t, err)
	require.Equal(t, session.StateAwaiting, res.State)

	require.NoError(t, o.Abort(res.SessionID, false))

	rec, err := h.sessions.Load(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAborted, rec.State)

	// Terminal sessions cannot be aborted twice.
	assert.Error(t, o.Abort(res.SessionID, false))
}

func TestBudgetExhaustionEscalates(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	// Replace the budget with one that is already exhausted.
	exhausted := llm.NewTokenBudget(1, 0)
	exhausted.Record(1, 0)
	o.budget = exhausted

	res, err := o.Execute(context.Background(), "add a main entrypoint")
	require.NoError(t, err)

	assert.Equal(t, session.StateEscalated, res.State)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, FailureBudget, res.Escalation.Kind)
	assert.Equal(t, 0, h.architect.calls)
}

func TestStatusFallsBackToStore(t *testing.T) {
	h := newHarness(t)
	o := h.build(t)

	res, err := o.Execute(context.Background(), "add a main entrypoint")
	require.NoError(t, err)

	rec, err := o.Status(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCommitted, rec.State)

	_, err = o.Status("ghost")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUnknownLanguageDegradesTests(t *testing.T) {
	h := newHarness(t)
	h.opts.Language = "cobol"
	o := h.build(t)

	res, err := o.Execute(context.Background(), "add a main entrypoint")
	require.NoError(t, err)

	require.NotNil(t, res.Escalation)
	assert.Equal(t, FailureDegraded, res.Escalation.Kind)
	assert.True(t, strings.Contains(res.Escalation.Reason, "no test command"))
}
