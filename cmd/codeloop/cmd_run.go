// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/codeloop/services/engine/energy"
	"github.com/AleutianAI/codeloop/services/engine/ledger"
	"github.com/AleutianAI/codeloop/services/engine/llm"
	"github.com/AleutianAI/codeloop/services/engine/lsp"
	"github.com/AleutianAI/codeloop/services/engine/orchestrator"
	"github.com/AleutianAI/codeloop/services/engine/plan"
	"github.com/AleutianAI/codeloop/services/engine/policy"
	"github.com/AleutianAI/codeloop/services/engine/sandbox"
	"github.com/AleutianAI/codeloop/services/engine/session"
	"github.com/AleutianAI/codeloop/services/engine/telemetry"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
	"github.com/AleutianAI/codeloop/services/engine/tools"
)

// =============================================================================
// RUN COMMAND FLAGS
// =============================================================================

var (
	flagYes    bool
	flagReview bool

	runCmd = &cobra.Command{
		Use:   "run [task...]",
		Short: "Run a code modification task to convergence",
		Long: `Plans the task with the architect model, then executes each plan
step with the actuator model until the workspace energy converges. Shell
commands outside the allowlist and oversized plans pause for approval
unless --yes is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTask,
	}

	resumeCmd = &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Resume an escalated or interrupted session",
		Long: `Reloads the saved session, resets retry budgets, and re-executes
every incomplete plan step from scratch. The working tree is not trusted
across a crash; only ledger commits are.`,
		Args: cobra.ExactArgs(1),
		RunE: resumeTask,
	}
)

func init() {
	runCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "approve prompted commands and oversized plans without asking")
	runCmd.Flags().BoolVar(&flagReview, "review", false, "review each step's changes before it commits")
	resumeCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "approve prompted commands and oversized plans without asking")
	resumeCmd.Flags().BoolVar(&flagReview, "review", false, "review each step's changes before it commits")
}

func runTask(cmd *cobra.Command, args []string) error {
	eng, cleanup, err := buildEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := eng.Execute(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	return printResult(res)
}

func resumeTask(cmd *cobra.Command, args []string) error {
	eng, cleanup, err := buildEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := eng.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	return printResult(res)
}

// =============================================================================
// ENGINE WIRING
// =============================================================================

// buildEngine assembles the full engine from the config: both model
// clients, the language server, the sandboxed dispatcher, the test
// runner, the ledger, and the session store. The returned cleanup
// closes the ledger and the language server.
func buildEngine() (*orchestrator.Orchestrator, func(), error) {
	workDir, err := workspace()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := engineConfig(workDir)
	if err != nil {
		return nil, nil, err
	}

	architect, err := llm.NewOpenAIClient(cfg.Models.Architect)
	if err != nil {
		return nil, nil, err
	}
	actuator, err := llm.NewOpenAIClient(cfg.Models.Actuator)
	if err != nil {
		return nil, nil, err
	}

	dispatcher := tools.NewDispatcher(
		workDir,
		policy.NewDefaultRuleEngine(),
		sandbox.NewLocalExecutor(),
		tools.WithApprover(commandApprover),
	)
	if dispatcher == nil {
		return nil, nil, fmt.Errorf("build dispatcher for %s", workDir)
	}

	diagnoser := lsp.NewClient(workDir, lsp.NewConfigRegistry(), lsp.DefaultClientConfig())
	runner := testrun.NewRunner(sandbox.NewLocalExecutor(), workDir, testrun.DefaultRunnerConfig())

	led, err := ledger.Open(ledger.DefaultStoreConfig(cfg.Paths.Ledger), workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	sessions, err := session.NewStore(cfg.Paths.Sessions)
	if err != nil {
		led.Close()
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}

	var metrics *telemetry.EngineMetrics
	if cfg.MetricsAddr != "" {
		metrics = telemetry.NewEngineMetrics(nil)
		go serveMetrics(cfg.MetricsAddr)
	}

	deps := orchestrator.Deps{
		Architect:  architect,
		Actuator:   actuator,
		Dispatcher: dispatcher,
		Diagnoser:  diagnoser,
		Runner:     runner,
		Scorer:     energy.NewTreeSitterScorer(),
		Ledger:     led,
		Sessions:   sessions,
		Budget:     llm.NewTokenBudget(cfg.Budget.MaxTokens, cfg.Budget.MaxCostUSD),
		Metrics:    metrics,
		Logger:     slog.Default().With("component", "engine"),

		PlanApprover: planApprover,
		Escalation:   escalationPrompt,
	}
	if flagReview {
		deps.Reviewer = changeReviewer
	}

	eng, err := orchestrator.New(workDir, deps, cfg.options())
	if err != nil {
		led.Close()
		return nil, nil, err
	}

	cleanup := func() {
		diagnoser.Close()
		if err := led.Close(); err != nil {
			slog.Warn("closing the ledger", "error", err)
		}
	}
	return eng, cleanup, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("serving metrics", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server stopped", "error", err)
	}
}

// =============================================================================
// INTERACTIVE APPROVALS
// =============================================================================

func confirm(question string) bool {
	if flagYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// commandApprover answers the dispatcher's prompt verdicts.
func commandApprover(command, reason string) (bool, error) {
	fmt.Printf("\nThe agent wants to run a shell command:\n  $ %s\nPolicy: %s\n", command, reason)
	return confirm("Allow it"), nil
}

// planApprover answers the plan complexity gate.
func planApprover(p *plan.Plan) (bool, error) {
	fmt.Printf("\nThe plan has %d steps:\n", len(p.Nodes))
	for i := range p.Nodes {
		n := &p.Nodes[i]
		fmt.Printf("  %d. [%s] %s\n", n.ID, n.Kind, n.Description)
	}
	return confirm("Execute this plan"), nil
}

// changeReviewer shows a converged step's changes before commit.
func changeReviewer(nodeID int, changes []ledger.Change) (bool, string, error) {
	fmt.Printf("\nStep %d converged with %d changed file(s):\n", nodeID, len(changes))
	for _, ch := range changes {
		fmt.Print(renderChangeDiff(ch))
	}
	if confirm("Commit these changes") {
		return true, "", nil
	}
	return false, "the operator rejected the changes during review", nil
}

// escalationPrompt asks the operator what to do with an escalation.
func escalationPrompt(esc *orchestrator.Escalation) (orchestrator.Resolution, error) {
	fmt.Printf("\nEscalation on step %d (%s): %s\n", esc.NodeID, esc.Kind, esc.Reason)
	fmt.Printf("Retries so far: compilation=%d tool=%d review=%d\n",
		esc.Retries.Compilation, esc.Retries.Tool, esc.Retries.Review)
	if !flagYes && confirm("Grant a fresh retry budget and continue") {
		return orchestrator.ResolutionRetry, nil
	}
	return orchestrator.ResolutionAbort, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func printResult(res *orchestrator.Result) error {
	fmt.Printf("\nSession %s finished in state %q\n", res.SessionID, res.State)
	fmt.Printf("Energy: %.3f (syntax %.3f, structural %.3f, logic %.3f)\n",
		res.Energy.Total, res.Energy.Syntax, res.Energy.Structural, res.Energy.Logic)
	fmt.Printf("Tokens: %d, estimated cost $%.4f\n", res.TokensUsed, res.CostUSD)
	for _, hash := range res.Commits {
		fmt.Printf("Committed %s\n", hash)
	}
	if res.Escalation != nil {
		out, err := json.MarshalIndent(res.Escalation, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("Escalation:\n%s\n", out)
		fmt.Printf("Resume with: codeloop resume %s\n", res.SessionID)
	}
	return nil
}
