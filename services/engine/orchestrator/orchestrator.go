// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs the closed convergence loop: plan, execute,
// verify, converge.
//
// One Execute call drives one session. The architect turns the task
// into a dependency-ordered plan; each node is carried out by the
// actuator through the tool dispatcher, then verified by measuring the
// workspace energy from diagnostics, structure, and tests. A node
// commits to the ledger only when its energy is at or under epsilon and
// every verification signal was actually present. Failures draw from
// per-kind retry budgets; exhausting a budget escalates to the operator
// and never silently aborts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/codeloop/services/engine/energy"
	"github.com/AleutianAI/codeloop/services/engine/ledger"
	"github.com/AleutianAI/codeloop/services/engine/llm"
	"github.com/AleutianAI/codeloop/services/engine/lsp"
	"github.com/AleutianAI/codeloop/services/engine/plan"
	"github.com/AleutianAI/codeloop/services/engine/session"
	"github.com/AleutianAI/codeloop/services/engine/telemetry"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
	"github.com/AleutianAI/codeloop/services/engine/tools"
)

// =============================================================================
// Collaborators
// =============================================================================

// Diagnoser is the syntactic signal source. *lsp.Client implements it.
type Diagnoser interface {
	SyncFile(ctx context.Context, path, content string) error
	Diagnostics(ctx context.Context, path string) ([]lsp.Diagnostic, error)
	Close()
}

// TestRunner is the logic signal source. *testrun.Runner implements it.
type TestRunner interface {
	Run(ctx context.Context, cmd testrun.Command) (*testrun.Results, error)
}

// PlanApprover decides whether a plan that tripped the complexity gate
// may execute. A nil approver parks the run in awaiting_approval.
type PlanApprover func(p *plan.Plan) (bool, error)

// ChangeReviewer inspects a converged node's changes before commit.
// Returning false sends the node back through the loop with the reason
// as corrective context, drawing from the review budget.
type ChangeReviewer func(nodeID int, changes []ledger.Change) (approved bool, reason string, err error)

// Deps are the orchestrator's collaborators. Metrics, Logger, and the
// three callbacks are optional; everything else is required.
type Deps struct {
	Architect  llm.Client
	Actuator   llm.Client
	Dispatcher *tools.Dispatcher
	Diagnoser  Diagnoser
	Runner     TestRunner
	Scorer     energy.Scorer
	Ledger     *ledger.Ledger
	Sessions   *session.Store
	Budget     *llm.TokenBudget

	Metrics *telemetry.EngineMetrics
	Logger  *slog.Logger

	PlanApprover PlanApprover
	Reviewer     ChangeReviewer
	Escalation   EscalationHandler
}

// Result is the outcome of one Execute or Resume call.
type Result struct {
	SessionID  string        `json:"session_id"`
	State      session.State `json:"state"`
	Plan       *plan.Plan    `json:"plan,omitempty"`
	Commits    []string      `json:"commits,omitempty"`
	Energy     energy.Energy `json:"energy"`
	Escalation *Escalation   `json:"escalation,omitempty"`
	TokensUsed int           `json:"tokens_used"`
	CostUSD    float64       `json:"cost_usd"`
}

// run is the live state of one executing session.
type run struct {
	record  *session.Record
	machine *Machine
	cancel  context.CancelFunc

	commits    []string
	lastEnergy energy.Energy
}

// Orchestrator drives sessions through the convergence loop.
//
// Thread Safety: Execute, Resume, Status, and Abort are safe to call
// concurrently, but at most one run should execute per workspace; the
// dispatcher's changeset is per-workspace state.
type Orchestrator struct {
	opts    Options
	workDir string

	architect  llm.Client
	actuator   llm.Client
	dispatcher *tools.Dispatcher
	diagnoser  Diagnoser
	runner     TestRunner
	scorer     energy.Scorer
	led        *ledger.Ledger
	sessions   *session.Store
	budget     *llm.TokenBudget
	metrics    *telemetry.EngineMetrics
	logger     *slog.Logger

	planApprover PlanApprover
	reviewer     ChangeReviewer
	escalation   EscalationHandler

	mu   sync.Mutex
	runs map[string]*run
}

// New wires an orchestrator.
//
// Outputs:
//
//	*Orchestrator - Ready to Execute.
//	error - Non-nil when a required collaborator is missing.
func New(workDir string, deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case workDir == "":
		return nil, errors.New("orchestrator: workDir is required")
	case deps.Architect == nil || deps.Actuator == nil:
		return nil, errors.New("orchestrator: architect and actuator clients are required")
	case deps.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	case deps.Diagnoser == nil:
		return nil, errors.New("orchestrator: diagnoser is required")
	case deps.Runner == nil:
		return nil, errors.New("orchestrator: test runner is required")
	case deps.Scorer == nil:
		return nil, errors.New("orchestrator: scorer is required")
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: session store is required")
	case deps.Budget == nil:
		return nil, errors.New("orchestrator: token budget is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}

	return &Orchestrator{
		opts:         opts,
		workDir:      workDir,
		architect:    deps.Architect,
		actuator:     deps.Actuator,
		dispatcher:   deps.Dispatcher,
		diagnoser:    deps.Diagnoser,
		runner:       deps.Runner,
		scorer:       deps.Scorer,
		led:          deps.Ledger,
		sessions:     deps.Sessions,
		budget:       deps.Budget,
		metrics:      deps.Metrics,
		logger:       logger,
		planApprover: deps.PlanApprover,
		reviewer:     deps.Reviewer,
		escalation:   deps.Escalation,
		runs:         make(map[string]*run),
	}, nil
}

// =============================================================================
// Execute
// =============================================================================

// Execute runs one task to convergence, escalation, or abort.
//
// Description:
//
//	Plans the task, gates oversized plans on approval, then executes
//	nodes in dependency order. Nodes whose relative order is
//	unconstrained run in ascending id order. Execute returns a Result
//	for every terminal or parked state; the error return is reserved
//	for infrastructure failures (ledger, session store).
func (o *Orchestrator) Execute(ctx context.Context, task string) (*Result, error) {
	if task == "" {
		return nil, errors.New("orchestrator: task is required")
	}

	sessionID := uuid.NewString()
	r := &run{
		record: &session.Record{
			SessionID:   sessionID,
			Task:        task,
			State:       session.StatePlanning,
			CurrentNode: -1,
		},
		machine: NewMachine(),
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	o.register(r)
	defer o.unregister(r)

	logger := telemetry.LoggerWithSession(ctx, o.logger, sessionID)
	logger.Info("session started", "task", task)
	if err := o.saveRun(r); err != nil {
		return nil, err
	}

	// Planning.
	p, esc, err := o.generatePlan(ctx, r, logger)
	if err != nil {
		return nil, err
	}
	if esc != nil {
		return o.escalateRun(r, esc, logger)
	}
	r.record.Plan = p

	// Complexity gate: a plan past K nodes pauses for a human before
	// the first node runs.
	if len(p.Nodes) > o.opts.ComplexityGateK {
		proceed, res, err := o.gatePlan(r, p, logger)
		if err != nil || !proceed {
			return res, err
		}
	}

	if err := o.transition(r, PhaseExecuting); err != nil {
		return nil, err
	}
	if err := o.led.StartSession(sessionID, task, len(p.Nodes)); err != nil {
		return nil, fmt.Errorf("start ledger session: %w", err)
	}

	return o.executeAll(ctx, r, logger)
}

// Resume continues an interrupted or escalated session.
//
// Description:
//
//	Reloads the persisted record and re-enters the node loop with a
//	fresh retry budget. The working tree is never trusted: every node
//	that did not commit is re-executed and re-verified from scratch.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Result, error) {
	rec, err := o.sessions.Load(sessionID)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case session.StateCommitted, session.StateAborted:
		return nil, fmt.Errorf("orchestrator: session %s is terminal (%s)", sessionID, rec.State)
	case session.StatePlanning:
		return nil, fmt.Errorf("orchestrator: session %s has no plan to resume", sessionID)
	}
	if rec.Plan == nil {
		return nil, fmt.Errorf("orchestrator: session %s record has no plan", sessionID)
	}

	// Fresh budget; in-flight nodes go back to pending.
	rec.Retries = session.RetryCounters{}
	for i := range rec.Plan.Nodes {
		n := &rec.Plan.Nodes[i]
		if n.Status == plan.StatusInProgress {
			n.Status = plan.StatusFailed
		}
		if n.Status == plan.StatusFailed {
			if err := rec.Plan.SetStatus(n.ID, plan.StatusPending, ""); err != nil {
				return nil, err
			}
		}
	}

	r := &run{record: rec, machine: NewMachine()}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	o.register(r)
	defer o.unregister(r)

	logger := telemetry.LoggerWithSession(ctx, o.logger, sessionID)
	logger.Info("session resumed", "state", string(rec.State))

	if err := o.transition(r, PhaseExecuting); err != nil {
		return nil, err
	}
	if err := o.saveRun(r); err != nil {
		return nil, err
	}
	return o.executeAll(ctx, r, logger)
}

// Status returns the session record, live when the run is in flight.
func (o *Orchestrator) Status(sessionID string) (*session.Record, error) {
	o.mu.Lock()
	live, ok := o.runs[sessionID]
	o.mu.Unlock()
	if ok {
		// Shallow copy; the plan pointer is shared with the run loop and
		// must be treated as a read-only snapshot.
		copied := *live.record
		return &copied, nil
	}
	return o.sessions.Load(sessionID)
}

// Abort stops a run. Live runs are cancelled; parked runs are marked
// aborted on disk. Committed work stays committed. force additionally
// tears down the diagnostics server.
func (o *Orchestrator) Abort(sessionID string, force bool) error {
	o.mu.Lock()
	live, ok := o.runs[sessionID]
	o.mu.Unlock()

	if ok {
		live.cancel()
		if force {
			o.diagnoser.Close()
		}
		return nil
	}

	rec, err := o.sessions.Load(sessionID)
	if err != nil {
		return err
	}
	if rec.State == session.StateCommitted || rec.State == session.StateAborted {
		return fmt.Errorf("orchestrator: session %s is already terminal (%s)", sessionID, rec.State)
	}
	rec.State = session.StateAborted
	if err := o.sessions.Save(rec); err != nil {
		return err
	}
	// Sessions parked before the first node never reached the ledger.
	if err := o.led.EndSession(sessionID, "aborted"); err != nil && !errors.Is(err, ledger.ErrSessionNotFound) {
		return err
	}
	return nil
}

// =============================================================================
// Planning
// =============================================================================

// generatePlan asks the architect for a plan, feeding each parse error
// back into the next attempt. Exhausting the attempts escalates; parse
// failures never draw from the per-node budgets.
func (o *Orchestrator) generatePlan(ctx context.Context, r *run, logger *slog.Logger) (*plan.Plan, *Escalation, error) {
	var feedback string

	for attempt := 1; attempt <= o.opts.MaxPlanAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, o.budgetEscalation(r, FailureDegraded, "planning cancelled: "+err.Error()), nil
		}
		if o.budget.ShouldStop() {
			return nil, o.budgetEscalation(r, FailureBudget, o.budget.Summary()), nil
		}

		resp, err := llm.CompleteWithRetry(ctx, o.architect, &llm.Request{
			Role:   llm.RoleArchitect,
			System: architectSystem,
			Prompt: buildArchitectPrompt(r.record.Task, o.workDir, feedback),
		}, o.opts.ProviderRetries)
		if err != nil {
			return nil, o.budgetEscalation(r, FailureDegraded, "architect unavailable: "+err.Error()), nil
		}
		o.recordUsage(llm.RoleArchitect, resp)

		p, err := plan.Parse(resp.Content)
		if err != nil {
			feedback = err.Error()
			logger.Warn("plan rejected", "attempt", attempt, "error", feedback)
			continue
		}
		logger.Info("plan accepted", "nodes", len(p.Nodes), "edges", len(p.Edges), "attempt", attempt)
		return p, nil, nil
	}

	return nil, o.budgetEscalation(r, FailurePlanParse,
		fmt.Sprintf("no valid plan after %d attempts: %s", o.opts.MaxPlanAttempts, feedback)), nil
}

// gatePlan applies the complexity gate. Returns proceed=true when
// execution may continue; otherwise the accompanying Result is final.
func (o *Orchestrator) gatePlan(r *run, p *plan.Plan, logger *slog.Logger) (bool, *Result, error) {
	logger.Info("complexity gate tripped", "nodes", len(p.Nodes), "gate", o.opts.ComplexityGateK)

	if o.planApprover == nil {
		if err := o.transition(r, PhaseAwaiting); err != nil {
			return false, nil, err
		}
		if err := o.saveRun(r); err != nil {
			return false, nil, err
		}
		return false, o.result(r), nil
	}

	approved, err := o.planApprover(p)
	if err != nil {
		return false, nil, fmt.Errorf("plan approval: %w", err)
	}
	if !approved {
		if err := o.transition(r, PhaseAborted); err != nil {
			return false, nil, err
		}
		if err := o.saveRun(r); err != nil {
			return false, nil, err
		}
		logger.Info("plan declined, run aborted")
		return false, o.result(r), nil
	}
	return true, nil, nil
}

// =============================================================================
// Node Loop
// =============================================================================

// executeAll runs every incomplete node in dependency order.
func (o *Orchestrator) executeAll(ctx context.Context, r *run, logger *slog.Logger) (*Result, error) {
	order, err := r.record.Plan.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
		defer o.metrics.ActiveRuns.Dec()
	}

	for _, id := range order {
		node, err := r.record.Plan.Node(id)
		if err != nil {
			return nil, err
		}
		if node.Status == plan.StatusCompleted {
			continue
		}

		outcome, err := o.executeNode(ctx, r, id)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}

		// More nodes to go: Converged -> Executing.
		if !r.record.Plan.Completed() {
			if err := o.transition(r, PhaseExecuting); err != nil {
				return nil, err
			}
		}
	}

	if err := o.transition(r, PhaseCommitted); err != nil {
		return nil, err
	}
	if err := o.saveRun(r); err != nil {
		return nil, err
	}
	if err := o.led.EndSession(r.record.SessionID, "completed"); err != nil {
		return nil, fmt.Errorf("end ledger session: %w", err)
	}
	logger.Info("session converged", "commits", len(r.commits), "budget", o.budget.Summary())
	return o.result(r), nil
}

// executeNode drives one node to commit or escalation. A nil outcome
// means the node committed and the loop should continue.
func (o *Orchestrator) executeNode(ctx context.Context, r *run, nodeID int) (*Result, error) {
	node, err := r.record.Plan.Node(nodeID)
	if err != nil {
		return nil, err
	}
	logger := telemetry.LoggerWithNode(ctx, o.logger, r.record.SessionID, nodeID)

	if err := r.record.Plan.SetStatus(nodeID, plan.StatusInProgress, ""); err != nil {
		return nil, err
	}
	r.record.CurrentNode = nodeID
	r.record.Retries = session.RetryCounters{}
	r.record.EnergyTrend = nil
	if err := o.saveRun(r); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.NodeDurationSeconds.Observe(time.Since(start).Seconds())
		}
	}()

	var (
		history    energy.History
		correction string
	)

	for {
		if ctx.Err() != nil {
			return o.abortRun(r, logger)
		}
		if o.budget.ShouldStop() {
			res, err := o.escalateNode(r, nodeID, FailureBudget, o.budget.Summary(), logger)
			if res != nil || err != nil {
				return res, err
			}
			continue
		}

		// Speculate: one actuator attempt.
		resp, err := llm.CompleteWithRetry(ctx, o.actuator, &llm.Request{
			Role:   llm.RoleActuator,
			System: actuatorSystem,
			Prompt: buildActuatorPrompt(node, o.workDir, correction),
		}, o.opts.ProviderRetries)
		if err != nil {
			if ctx.Err() != nil {
				return o.abortRun(r, logger)
			}
			res, err := o.escalateNode(r, nodeID, FailureDegraded, "actuator unavailable: "+err.Error(), logger)
			if res != nil || err != nil {
				return res, err
			}
			continue
		}
		o.recordUsage(llm.RoleActuator, resp)

		calls, err := parseToolCalls(resp.Content)
		if err != nil {
			logger.Warn("actuator output rejected", "error", err)
			correction = "## Code Correction Required\n\nYour previous response was not valid tool-call JSON:\n" +
				err.Error() + "\nEmit only the JSON object described in the output format.\n"
			if res, done, herr := o.countFailure(r, nodeID, FailureReview, err.Error(), logger); done {
				return res, herr
			}
			continue
		}

		// Act.
		results, dispatchErr := o.dispatcher.DispatchAll(ctx, calls)
		if err := o.transition(r, PhaseVerifying); err != nil {
			return nil, err
		}
		if dispatchErr != nil {
			if ctx.Err() != nil {
				return o.abortRun(r, logger)
			}
			detail := dispatchErr.Error()
			if n := len(results); n > 0 && !results[n-1].Success {
				detail = fmt.Sprintf("%s (tool %s): %s", detail, results[n-1].Tool, results[n-1].Error)
			}
			logger.Warn("tool call failed", "error", detail)
			correction = buildCorrectionContext(nil, nil, detail)
			if res, done, herr := o.countFailure(r, nodeID, FailureTool, detail, logger); done {
				return res, herr
			}
			continue
		}

		// Verify.
		v, err := o.verify(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return o.abortRun(r, logger)
			}
			return nil, err
		}

		e := energy.Evaluate(energy.Inputs{
			Diagnostics: v.diags,
			Tests:       v.tests,
			Structural:  v.structural,
			Contract:    node.Contract,
		}, o.opts.Weights)
		history.Record(e)
		r.lastEnergy = e
		r.record.EnergyTrend = history.Values()
		if o.metrics != nil {
			o.metrics.ObserveEnergy(e.Syntax, e.Structural, e.Logic, e.Total)
		}
		logger.Info("verification complete",
			"energy", e.Total, "syntax", e.Syntax, "structural", e.Structural, "logic", e.Logic,
			"degraded", v.degraded(), "converging", history.Converging(), "attempt", history.Attempts())

		// Converge.
		if e.Converged(o.opts.Epsilon) {
			if v.degraded() {
				// Stable on a partial signal is not stable. Not a task
				// failure either: no budget is charged.
				res, err := o.escalateNode(r, nodeID, FailureDegraded, v.degradedReason, logger)
				if res != nil || err != nil {
					return res, err
				}
				continue
			}

			if o.reviewer != nil {
				approved, reason, rerr := o.reviewer(nodeID, o.dispatcher.Changes())
				if rerr != nil {
					return nil, fmt.Errorf("change review: %w", rerr)
				}
				if !approved {
					logger.Info("changes rejected by reviewer", "reason", reason)
					if err := o.dispatcher.RevertChanges(); err != nil {
						return nil, fmt.Errorf("revert rejected changes: %w", err)
					}
					correction = "## Code Correction Required\n\nYour previous changes were rejected in review:\n" +
						reason + "\nRegenerate the step taking this into account.\n"
					if res, done, herr := o.countFailure(r, nodeID, FailureReview, reason, logger); done {
						return res, herr
					}
					continue
				}
			}

			return nil, o.commitNode(r, nodeID, e, logger)
		}

		kind := classifyFailure(v.diags, v.tests)
		correction = buildCorrectionContext(v.diags, v.tests, "")
		if kind == FailureReview {
			// Review retries regenerate from scratch.
			if err := o.dispatcher.RevertChanges(); err != nil {
				return nil, fmt.Errorf("revert failing changes: %w", err)
			}
		}
		if res, done, herr := o.countFailure(r, nodeID, kind, fmt.Sprintf("energy %.3f above epsilon %.3f", e.Total, o.opts.Epsilon), logger); done {
			return res, herr
		}
	}
}

// commitNode records the node's accumulated changes as one ledger unit.
func (o *Orchestrator) commitNode(r *run, nodeID int, e energy.Energy, logger *slog.Logger) error {
	changes := o.dispatcher.Changes()
	if len(changes) > 0 {
		commit, err := o.led.Commit(ledger.CommitInput{
			SessionID: r.record.SessionID,
			NodeID:    nodeID,
			Energy:    e.Total,
			Stable:    true,
			Changes:   changes,
		})
		if err != nil {
			return fmt.Errorf("commit node %d: %w", nodeID, err)
		}
		r.commits = append(r.commits, commit.Hash)
		r.record.LedgerHead = commit.Hash
		if o.metrics != nil {
			o.metrics.IncCommit()
		}
		logger.Info("node committed", "commit", commit.Hash, "files", len(changes), "energy", e.Total)
	} else {
		logger.Info("node converged without changes")
	}
	o.dispatcher.ResetChanges()

	if err := r.record.Plan.SetStatus(nodeID, plan.StatusCompleted, ""); err != nil {
		return err
	}
	if err := o.transition(r, PhaseConverged); err != nil {
		return err
	}
	r.record.CurrentNode = -1
	return o.saveRun(r)
}

// countFailure charges one failure against its budget.
//
// Description:
//
//	Either records a retry and re-enters the loop (done=false) or
//	escalates (done=true with the final Result). The counter counts
//	retries, not failures: a budget with ceiling 3 yields exactly 3
//	recorded retries and 4 attempts before the escalation.
func (o *Orchestrator) countFailure(r *run, nodeID int, kind FailureKind, reason string, logger *slog.Logger) (*Result, bool, error) {
	counter, ceiling := o.counterFor(kind, r.record)

	if *counter >= ceiling {
		res, err := o.escalateNode(r, nodeID, kind,
			fmt.Sprintf("%s budget exhausted after %d retries: %s", kind, *counter, reason), logger)
		return res, res != nil || err != nil, err
	}

	*counter++
	if o.metrics != nil {
		o.metrics.IncRetry(string(kind))
	}

	if err := o.transition(r, PhaseRetrying); err != nil {
		return nil, true, err
	}
	if err := o.saveRun(r); err != nil {
		return nil, true, err
	}
	if err := o.transition(r, PhaseExecuting); err != nil {
		return nil, true, err
	}
	logger.Info("retrying node", "kind", string(kind), "retry", *counter, "ceiling", ceiling)
	return nil, false, nil
}

// counterFor maps a failure kind onto its budget. Kinds without a
// budget (degraded, budget, plan parse) report a ceiling of -1 so any
// charge escalates.
func (o *Orchestrator) counterFor(kind FailureKind, rec *session.Record) (*int, int) {
	switch kind {
	case FailureCompilation:
		return &rec.Retries.Compilation, o.opts.CompilationCeiling
	case FailureTool:
		return &rec.Retries.Tool, o.opts.ToolCeiling
	case FailureReview:
		return &rec.Retries.Review, o.opts.ReviewCeiling
	default:
		var sink int
		return &sink, -1
	}
}

// escalateNode fails the node, parks or resolves the escalation, and on
// a fresh-budget resolution re-enters the loop by returning a nil
// Result and nil error.
func (o *Orchestrator) escalateNode(r *run, nodeID int, kind FailureKind, reason string, logger *slog.Logger) (*Result, error) {
	esc := &Escalation{
		SessionID:   r.record.SessionID,
		NodeID:      nodeID,
		Kind:        kind,
		Reason:      reason,
		Retries:     r.record.Retries,
		EnergyTotal: r.lastEnergy.Total,
	}
	if o.metrics != nil {
		o.metrics.IncEscalation(string(kind))
	}
	logger.Warn("node escalated", "kind", string(kind), "reason", reason)

	if node, err := r.record.Plan.Node(nodeID); err == nil && node.Status == plan.StatusInProgress {
		if err := r.record.Plan.SetStatus(nodeID, plan.StatusFailed, reason); err != nil {
			return nil, err
		}
	}
	if err := o.transition(r, PhaseEscalated); err != nil {
		return nil, err
	}
	if err := o.saveRun(r); err != nil {
		return nil, err
	}

	if o.escalation == nil {
		res := o.result(r)
		res.Escalation = esc
		return res, nil
	}

	resolution, err := o.escalation(esc)
	if err != nil {
		return nil, fmt.Errorf("escalation handler: %w", err)
	}
	if resolution == ResolutionRetry && kind == FailureBudget {
		// A retry cannot refill the token budget; parking is the only
		// honest answer.
		logger.Warn("budget escalation cannot be retried, parking run")
		res := o.result(r)
		res.Escalation = esc
		return res, nil
	}
	if resolution == ResolutionAbort {
		res, err := o.abortRun(r, logger)
		if res != nil {
			res.Escalation = esc
		}
		return res, err
	}

	// Fresh budget: back to pending, then straight into the loop.
	logger.Info("escalation resolved with fresh budget", "node", nodeID)
	r.record.Retries = session.RetryCounters{}
	if err := r.record.Plan.SetStatus(nodeID, plan.StatusPending, ""); err != nil {
		return nil, err
	}
	if err := r.record.Plan.SetStatus(nodeID, plan.StatusInProgress, ""); err != nil {
		return nil, err
	}
	if err := o.transition(r, PhaseExecuting); err != nil {
		return nil, err
	}
	if err := o.saveRun(r); err != nil {
		return nil, err
	}
	return nil, nil
}

// =============================================================================
// Verification
// =============================================================================

// verification is one attempt's measured state. A degraded signal means
// the corresponding component is unknown, not zero; the loop refuses to
// commit on it.
type verification struct {
	diags      []lsp.Diagnostic
	tests      *testrun.Results
	structural float64

	degradedDiag   bool
	degradedTest   bool
	degradedReason string
}

func (v *verification) degraded() bool {
	return v.degradedDiag || v.degradedTest
}

// verify measures the workspace after an attempt: diagnostics over the
// touched files and the test suite run concurrently, then the
// structural score.
func (o *Orchestrator) verify(ctx context.Context) (*verification, error) {
	// Let the language server settle before pulling diagnostics.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(o.opts.SettleDelay):
	}

	touched := o.dispatcher.TouchedFiles()
	sort.Strings(touched)
	files := make(map[string]string, len(touched))
	for _, rel := range touched {
		data, err := os.ReadFile(filepath.Join(o.workDir, rel))
		if err != nil {
			continue // deleted this attempt
		}
		files[rel] = string(data)
	}

	v := &verification{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, rel := range touched {
			content, ok := files[rel]
			if !ok {
				continue
			}
			if err := o.diagnoser.SyncFile(gctx, rel, content); err != nil {
				mu.Lock()
				v.degradedDiag = true
				v.degradedReason = "diagnostics unavailable: " + err.Error()
				mu.Unlock()
				return nil
			}
			diags, err := o.diagnoser.Diagnostics(gctx, rel)
			if err != nil {
				mu.Lock()
				v.degradedDiag = true
				v.degradedReason = "diagnostics unavailable: " + err.Error()
				mu.Unlock()
				return nil
			}
			mu.Lock()
			v.diags = append(v.diags, diags...)
			mu.Unlock()
		}
		return nil
	})
	g.Go(func() error {
		cmd, ok := o.testCommand()
		if !ok {
			mu.Lock()
			v.degradedTest = true
			v.degradedReason = "no test command for language " + o.opts.Language
			mu.Unlock()
			return nil
		}
		results, err := o.runner.Run(gctx, cmd)
		if err != nil {
			mu.Lock()
			v.degradedTest = true
			v.degradedReason = "test runner failed: " + err.Error()
			mu.Unlock()
			return nil
		}
		mu.Lock()
		v.tests = results
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	score, err := o.scorer.Score(ctx, files)
	if err != nil {
		o.logger.Warn("structural scorer failed", "error", err)
	} else {
		v.structural = score
	}
	return v, nil
}

// testCommand resolves the configured or conventional test command.
func (o *Orchestrator) testCommand() (testrun.Command, bool) {
	if o.opts.TestCommand != nil {
		return *o.opts.TestCommand, true
	}
	return testrun.DefaultCommand(o.opts.Language)
}

// =============================================================================
// Run Bookkeeping
// =============================================================================

func (o *Orchestrator) register(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[r.record.SessionID] = r
}

func (o *Orchestrator) unregister(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, r.record.SessionID)
	if r.cancel != nil {
		r.cancel()
	}
}

// transition advances the phase machine and mirrors it onto the record.
func (o *Orchestrator) transition(r *run, to Phase) error {
	if err := r.machine.Transition(to); err != nil {
		return err
	}
	r.record.State = sessionState(to)
	return nil
}

// saveRun persists the record, folding in the budget totals.
func (o *Orchestrator) saveRun(r *run) error {
	r.record.TokensUsed = o.budget.TotalUsed()
	r.record.CostUSD = o.budget.CostUSD()
	return o.sessions.Save(r.record)
}

func (o *Orchestrator) recordUsage(role llm.Role, resp *llm.Response) {
	o.budget.Record(resp.PromptTokens, resp.CompletionTokens)
	if o.metrics != nil {
		o.metrics.ObserveTokens(string(role), resp.PromptTokens, resp.CompletionTokens)
	}
}

// abortRun marks the run aborted and returns the final result.
func (o *Orchestrator) abortRun(r *run, logger *slog.Logger) (*Result, error) {
	if err := o.transition(r, PhaseAborted); err != nil {
		return nil, err
	}
	if err := o.saveRun(r); err != nil {
		return nil, err
	}
	if err := o.led.EndSession(r.record.SessionID, "aborted"); err != nil && !errors.Is(err, ledger.ErrSessionNotFound) {
		return nil, err
	}
	logger.Info("run aborted", "commits_kept", len(r.commits))
	return o.result(r), nil
}

// escalateRun parks a planning-stage escalation.
func (o *Orchestrator) escalateRun(r *run, esc *Escalation, logger *slog.Logger) (*Result, error) {
	if o.metrics != nil {
		o.metrics.IncEscalation(string(esc.Kind))
	}
	logger.Warn("run escalated during planning", "kind", string(esc.Kind), "reason", esc.Reason)
	if err := o.transition(r, PhaseEscalated); err != nil {
		return nil, err
	}
	if err := o.saveRun(r); err != nil {
		return nil, err
	}
	res := o.result(r)
	res.Escalation = esc
	return res, nil
}

// budgetEscalation builds a planning-stage escalation package.
func (o *Orchestrator) budgetEscalation(r *run, kind FailureKind, reason string) *Escalation {
	return &Escalation{
		SessionID: r.record.SessionID,
		NodeID:    -1,
		Kind:      kind,
		Reason:    reason,
		Retries:   r.record.Retries,
	}
}

func (o *Orchestrator) result(r *run) *Result {
	return &Result{
		SessionID:  r.record.SessionID,
		State:      r.record.State,
		Plan:       r.record.Plan,
		Commits:    append([]string(nil), r.commits...),
		Energy:     r.lastEnergy,
		TokensUsed: o.budget.TotalUsed(),
		CostUSD:    o.budget.CostUSD(),
	}
}
