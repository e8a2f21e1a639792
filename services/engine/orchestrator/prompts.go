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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/codeloop/services/engine/lsp"
	"github.com/AleutianAI/codeloop/services/engine/plan"
	"github.com/AleutianAI/codeloop/services/engine/testrun"
	"github.com/AleutianAI/codeloop/services/engine/tools"
)

// ErrActuatorOutput wraps every failure to turn actuator output into
// tool calls. Counted against the review budget; each retry regenerates.
var ErrActuatorOutput = errors.New("orchestrator: unparseable actuator output")

// =============================================================================
// Architect
// =============================================================================

const architectSystem = "You are the Architect. You decompose a coding task " +
	"into a dependency-ordered plan of small, verifiable steps. You respond " +
	"with JSON only, no prose, no markdown fence."

// buildArchitectPrompt renders the planning request. feedback carries
// the parse error of the previous attempt, empty on the first.
func buildArchitectPrompt(task, workDir, feedback string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task\n%s\n\n", task)
	fmt.Fprintf(&b, "# Working Directory\n%s\n\n", workDir)

	if feedback != "" {
		b.WriteString("## Previous Attempt Failed\n")
		b.WriteString("Your last plan was rejected. Fix this and respond again:\n")
		fmt.Fprintf(&b, "%s\n\n", feedback)
	}

	b.WriteString(`# Output Format
Respond with ONLY a JSON object of this shape:

{
  "tasks": [
    {
      "id": "task_1",
      "goal": "what this step accomplishes",
      "kind": "create|modify|delete|test|shell",
      "context_files": ["files to read first"],
      "output_files": ["files this step touches"],
      "dependencies": ["ids of tasks that must complete first"],
      "contract": {
        "interface_signature": "required public API, verbatim, or empty",
        "invariants": ["semantic constraints that must hold"],
        "forbidden_patterns": ["anti-patterns to avoid"],
        "tests": [{"name": "TestName", "criticality": "Critical|High|Low"}]
      }
    }
  ]
}

Rules:
- Every task id must be unique. Dependencies reference existing ids only.
- Keep steps small: one file or one concern per task.
- Mark a test Critical only when its failure invalidates the whole task.
`)
	return b.String()
}

// =============================================================================
// Actuator
// =============================================================================

const actuatorSystem = "You are the Actuator. You carry out exactly one plan " +
	"step by emitting tool calls. You respond with JSON only, no prose, no " +
	"markdown fence."

// toolCatalog is the tool surface shown to the actuator. Kept in sync
// with the dispatcher's route table by hand; there are only eight.
const toolCatalog = `# Available Tools
- read_file {"path": "relative/path"}
- write_file {"path": "relative/path", "content": "full new content"}
- edit_file {"path": "relative/path", "old_string": "...", "new_string": "...", "replace_all": false}
- delete_file {"path": "relative/path"}
- apply_patch {"patch": "unified diff"}
- list_files {"path": "optional/subdir"}
- search_code {"pattern": "regexp", "path": "optional/subdir"}
- run_command {"command": "shell command", "timeout_seconds": 60}
`

// buildActuatorPrompt renders one execution attempt. correction is the
// rendered failure context from the previous attempt, empty on the first.
func buildActuatorPrompt(node *plan.Node, workDir, correction string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Step\n%s\n\n", node.Description)
	fmt.Fprintf(&b, "# Working Directory\n%s\n\n", workDir)

	if len(node.ContextFiles) > 0 {
		fmt.Fprintf(&b, "# Read First\n%s\n\n", strings.Join(node.ContextFiles, "\n"))
	}
	if len(node.OutputFiles) > 0 {
		fmt.Fprintf(&b, "# Expected Outputs\n%s\n\n", strings.Join(node.OutputFiles, "\n"))
	}

	if c := renderContract(node.Contract); c != "" {
		b.WriteString(c)
	}

	if correction != "" {
		b.WriteString(correction)
		b.WriteString("\n")
	}

	b.WriteString(toolCatalog)
	b.WriteString(`
# Output Format
Respond with ONLY a JSON object of this shape:

{"tool_calls": [{"name": "write_file", "arguments": {"path": "...", "content": "..."}}]}

Rules:
- Emit every call needed to complete the step, in execution order.
- Paths are relative to the working directory. Never use "..".
- Prefer edit_file for small changes and write_file for new files.
`)
	return b.String()
}

// renderContract renders the behavioral constraints section, empty when
// the contract has nothing to say.
func renderContract(c plan.Contract) string {
	var b strings.Builder

	if c.InterfaceSignature != "" {
		fmt.Fprintf(&b, "# Required Interface\n%s\n\n", c.InterfaceSignature)
	}
	if len(c.Invariants) > 0 {
		b.WriteString("# Invariants\n")
		for _, inv := range c.Invariants {
			fmt.Fprintf(&b, "- %s\n", inv)
		}
		b.WriteString("\n")
	}
	if len(c.ForbiddenPatterns) > 0 {
		b.WriteString("# Forbidden\n")
		for _, p := range c.ForbiddenPatterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}
	if len(c.Tests) > 0 {
		b.WriteString("# Guarding Tests\n")
		for _, t := range c.Tests {
			fmt.Fprintf(&b, "- %s (%s)\n", t.Name, t.Criticality)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// =============================================================================
// Correction Context
// =============================================================================

// buildCorrectionContext renders the failure evidence fed into the next
// attempt: each diagnostic with a concrete fix direction, failing tests
// with their messages, and the tool error when one short-circuited the
// attempt.
func buildCorrectionContext(diags []lsp.Diagnostic, tests *testrun.Results, toolErr string) string {
	if len(diags) == 0 && (tests == nil || tests.Failed == 0) && toolErr == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Code Correction Required\n\n")

	if toolErr != "" {
		fmt.Fprintf(&b, "The previous attempt's tool call failed:\n%s\n\n", toolErr)
	}

	if len(diags) > 0 {
		fmt.Fprintf(&b, "The previous change produced %d diagnostics.\n\n", len(diags))
		for i, d := range diags {
			fmt.Fprintf(&b, "#### Error %d\n", i+1)
			fmt.Fprintf(&b, "- Location: line %d, column %d\n", d.Range.Start.Line+1, d.Range.Start.Character+1)
			fmt.Fprintf(&b, "- Severity: %s\n", d.Severity)
			fmt.Fprintf(&b, "- Message: %s\n", d.Message)
			fmt.Fprintf(&b, "- How to fix: %s\n\n", fixDirection(d.Message))
		}
	}

	if tests != nil && tests.Failed > 0 {
		fmt.Fprintf(&b, "### Failing Tests (%d of %d)\n", tests.Failed, tests.Total)
		for _, f := range tests.Failures {
			fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Message)
		}
		b.WriteString("\n")
	}

	b.WriteString("Fix these problems. Do not change anything unrelated.\n")
	return b.String()
}

// fixDirection maps a diagnostic message onto concrete repair advice.
// Pattern order matters: the first match wins.
func fixDirection(message string) string {
	m := strings.ToLower(message)

	switch {
	case strings.Contains(m, "undefined") || strings.Contains(m, "not defined") || strings.Contains(m, "undeclared"):
		return "Define or import the missing symbol before use."
	case strings.Contains(m, "type") && (strings.Contains(m, "expected") || strings.Contains(m, "incompatible") || strings.Contains(m, "mismatch")):
		return "Convert the value to the expected type or fix the declaration."
	case strings.Contains(m, "import") || strings.Contains(m, "cannot find package") || strings.Contains(m, "no module named"):
		return "Add the missing import or fix its path."
	case strings.Contains(m, "argument") && (strings.Contains(m, "missing") || strings.Contains(m, "too few") || strings.Contains(m, "too many")):
		return "Match the call to the function signature; provide the required arguments."
	case strings.Contains(m, "return") && strings.Contains(m, "type"):
		return "Fix the return value to match the declared type."
	case strings.Contains(m, "attribute") || strings.Contains(m, "has no field") || strings.Contains(m, "no method"):
		return "Check the receiver type; the field or method does not exist on it."
	case strings.Contains(m, "syntax"):
		return "Fix the syntax error at the reported location."
	case strings.Contains(m, "indent"):
		return "Fix the indentation to match the block structure."
	case strings.Contains(m, "parameter"):
		return "Fix the parameter list to match the declaration."
	default:
		return "Review and fix: " + message
	}
}

// =============================================================================
// Actuator Output
// =============================================================================

// wireToolCalls is the JSON shape the actuator is prompted to emit.
type wireToolCalls struct {
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type wireToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls turns raw actuator output into dispatchable calls.
//
// Description:
//
//	Strips a surrounding code fence, then decodes strictly: unknown
//	fields, empty call lists, calls without a name, and trailing
//	garbage all fail. Like the plan parser there is no lenient mode;
//	output that does not decode cleanly is rejected and the attempt is
//	regenerated.
//
// Outputs:
//
//	[]tools.ToolCall - Calls in emission order.
//	error - Wraps ErrActuatorOutput on any failure.
func parseToolCalls(raw string) ([]tools.ToolCall, error) {
	payload := plan.StripFence(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty response", ErrActuatorOutput)
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()

	var w wireToolCalls
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActuatorOutput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after tool calls", ErrActuatorOutput)
	}
	if len(w.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: no tool calls", ErrActuatorOutput)
	}

	calls := make([]tools.ToolCall, 0, len(w.ToolCalls))
	for i, c := range w.ToolCalls {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: call %d has no name", ErrActuatorOutput, i)
		}
		args := c.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, tools.ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
	}
	return calls, nil
}
