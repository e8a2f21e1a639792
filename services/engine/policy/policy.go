// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy decides whether the engine may run a shell command.
//
// The Engine interface is an injectable collaborator; the bundled
// RuleEngine evaluates an ordered rule list where the first match wins.
// Unmatched commands fall through to Prompt, never to Allow: a command
// nobody thought about requires a human.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the closed set of policy outcomes.
type Verdict int

const (
	// VerdictAllow permits the command without interaction.
	VerdictAllow Verdict = iota

	// VerdictPrompt requires human approval before execution.
	VerdictPrompt

	// VerdictDeny blocks the command outright.
	VerdictDeny
)

// String returns the lowercase verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictPrompt:
		return "prompt"
	case VerdictDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Decision carries the verdict plus the reason shown to the human or
// written to the audit log.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Engine evaluates a command line (executable plus arguments, joined
// with spaces) into a Decision. Implementations must be pure: same
// input, same decision.
type Engine interface {
	Evaluate(command string) Decision
}

// =============================================================================
// Rule Engine
// =============================================================================

// Rule matches a command by regular expression and yields a verdict.
type Rule struct {
	// Pattern matches against the full command line.
	Pattern *regexp.Regexp

	// Verdict applies when the pattern matches.
	Verdict Verdict

	// Reason explains the rule in audit logs and prompts.
	Reason string
}

// RuleEngine is an ordered-rule evaluator. First match wins; no match
// falls through to Prompt.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type RuleEngine struct {
	rules []Rule
}

// NewRuleEngine builds an engine from explicit rules.
func NewRuleEngine(rules []Rule) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// NewDefaultRuleEngine returns the engine shipped with the CLI:
// destructive and credential-reaching commands are denied, common
// build/test tooling is allowed, everything else prompts.
func NewDefaultRuleEngine() *RuleEngine {
	mustRule := func(pattern string, v Verdict, reason string) Rule {
		return Rule{Pattern: regexp.MustCompile(pattern), Verdict: v, Reason: reason}
	}

	return NewRuleEngine([]Rule{
		// Deny rules first; ordering is the safety property.
		mustRule(`^rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+/`, VerdictDeny, "recursive delete of an absolute path"),
		mustRule(`^rm\s+.*\s/$`, VerdictDeny, "delete targeting filesystem root"),
		mustRule(`\bmkfs\b|\bdd\s+.*of=/dev/`, VerdictDeny, "raw device write"),
		mustRule(`:\s*\(\s*\)\s*{.*};\s*:`, VerdictDeny, "fork bomb"),
		mustRule(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/`, VerdictDeny, "world-writable system path"),
		mustRule(`\b(curl|wget)\b.*\|\s*(sh|bash)\b`, VerdictDeny, "piping a download into a shell"),
		mustRule(`(^|\s)sudo\s`, VerdictDeny, "privilege escalation"),
		mustRule(`\.ssh/|\.aws/|\.gnupg/|/etc/shadow`, VerdictDeny, "credential material access"),

		// Allow list for the tooling the loop itself relies on.
		mustRule(`^go\s+(test|build|vet|run|fmt|mod)\b`, VerdictAllow, "go toolchain"),
		mustRule(`^(python3?|pytest)\b`, VerdictAllow, "python tooling"),
		mustRule(`^(npm|npx|yarn|node)\s+(test|run|exec)\b`, VerdictAllow, "node tooling"),
		mustRule(`^(ls|cat|head|tail|grep|find|wc|pwd|echo)\b`, VerdictAllow, "read-only shell"),
		mustRule(`^git\s+(status|diff|log|show|branch)\b`, VerdictAllow, "read-only git"),
	})
}

// Evaluate returns the decision for a command line.
func (e *RuleEngine) Evaluate(command string) Decision {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Decision{Verdict: VerdictDeny, Reason: "empty command"}
	}

	for _, r := range e.rules {
		if r.Pattern.MatchString(cmd) {
			return Decision{Verdict: r.Verdict, Reason: r.Reason}
		}
	}

	return Decision{
		Verdict: VerdictPrompt,
		Reason:  fmt.Sprintf("no rule matches %q", firstWord(cmd)),
	}
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
