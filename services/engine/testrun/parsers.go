// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package testrun

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// =============================================================================
// PARSER REGISTRY
// =============================================================================

// OutputParser turns raw test command output into Results.
//
// Parsers are fail-closed: output that matches no known shape for the
// framework returns an error instead of an empty result.
type OutputParser func(output string) (*Results, error)

var (
	parserRegistry = map[string]OutputParser{
		"go":         parseGoTestOutput,
		"python":     parsePytestOutput,
		"typescript": parseJestOutput,
		"javascript": parseJestOutput,
	}
	parserMu sync.RWMutex
)

// ParserFor returns the parser for a language, or nil.
//
// Thread Safety: Safe for concurrent use.
func ParserFor(language string) OutputParser {
	parserMu.RLock()
	defer parserMu.RUnlock()
	return parserRegistry[language]
}

// RegisterParser installs a custom parser for a language.
//
// Thread Safety: Safe for concurrent use.
func RegisterParser(language string, parser OutputParser) {
	parserMu.Lock()
	defer parserMu.Unlock()
	parserRegistry[language] = parser
}

// =============================================================================
// GO TEST
// =============================================================================

var (
	goPassPattern  = regexp.MustCompile(`^--- PASS: (\S+)`)
	goFailPattern  = regexp.MustCompile(`^--- FAIL: (\S+)`)
	goSkipPattern  = regexp.MustCompile(`^--- SKIP: (\S+)`)
	goOKPattern    = regexp.MustCompile(`^ok\s+\S+`)
	goFAILPattern  = regexp.MustCompile(`^FAIL(\s+\S+)?$|^FAIL\s+\S+\s`)
	goPanicPattern = regexp.MustCompile(`^panic:\s*(.*)`)
	goBuildFailed  = regexp.MustCompile(`\[build failed\]|^# `)
)

// parseGoTestOutput parses `go test -v` output.
//
// Description:
//
//	Counts "--- PASS/FAIL/SKIP:" lines and collects failing test names
//	with the indented detail that follows them. A panic counts as one
//	failure attributed to the panicking test when identifiable. A build
//	failure is a runner error: nothing was actually tested.
func parseGoTestOutput(output string) (*Results, error) {
	lines := strings.Split(output, "\n")
	r := &Results{}
	sawSummary := false

	var currentFail *Failure
	var detail strings.Builder

	flush := func() {
		if currentFail != nil {
			currentFail.Message = strings.TrimSpace(detail.String())
			r.Failures = append(r.Failures, *currentFail)
			currentFail = nil
			detail.Reset()
		}
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if goBuildFailed.MatchString(line) {
			return nil, fmt.Errorf("%w: build failed", ErrRunner)
		}

		switch {
		case goPassPattern.MatchString(line):
			flush()
			r.Passed++
		case goSkipPattern.MatchString(line):
			flush()
			r.Skipped++
		default:
			if m := goFailPattern.FindStringSubmatch(line); len(m) > 1 && m[1] != "" {
				flush()
				r.Failed++
				currentFail = &Failure{Name: m[1]}
				continue
			}
			if m := goPanicPattern.FindStringSubmatch(line); len(m) > 1 {
				flush()
				r.Failed++
				r.Failures = append(r.Failures, Failure{Name: "panic", Message: m[1]})
				continue
			}
			if goOKPattern.MatchString(line) || goFAILPattern.MatchString(line) || line == "PASS" || line == "FAIL" {
				flush()
				sawSummary = true
				continue
			}
			if currentFail != nil && line != "" && !strings.HasPrefix(line, "=== ") {
				detail.WriteString(line)
				detail.WriteByte('\n')
			}
		}
	}
	flush()

	if !sawSummary && r.Passed == 0 && r.Failed == 0 && r.Skipped == 0 {
		return nil, fmt.Errorf("%w: unrecognized go test output", ErrRunner)
	}

	r.Total = r.Passed + r.Failed + r.Skipped
	return r, nil
}

// =============================================================================
// PYTEST
// =============================================================================

var (
	pytestSummaryPattern  = regexp.MustCompile(`=+ (.*) in [\d.]+s`)
	pytestCountPattern    = regexp.MustCompile(`(\d+) (passed|failed|skipped|error(?:s)?)`)
	pytestFailNamePattern = regexp.MustCompile(`^FAILED\s+(\S+?)(?:\s+-\s+(.*))?$`)
	pytestErrorLine       = regexp.MustCompile(`^ERROR\s+(\S+)`)
)

// parsePytestOutput parses pytest terminal output.
//
// Counts come from the "== N passed, M failed in X.XXs ==" summary;
// failing names come from "FAILED path::test - message" lines. Errors
// (collection or fixture) count as failures. No summary line means the
// run never finished and is a runner error.
func parsePytestOutput(output string) (*Results, error) {
	r := &Results{}
	summaryFound := false

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)

		if m := pytestFailNamePattern.FindStringSubmatch(line); len(m) > 1 {
			f := Failure{Name: m[1]}
			if len(m) > 2 {
				f.Message = m[2]
			}
			r.Failures = append(r.Failures, f)
			continue
		}
		if m := pytestErrorLine.FindStringSubmatch(line); len(m) > 1 {
			r.Failures = append(r.Failures, Failure{Name: m[1], Message: "collection or fixture error"})
			continue
		}

		if m := pytestSummaryPattern.FindStringSubmatch(line); len(m) > 1 {
			summaryFound = true
			for _, cm := range pytestCountPattern.FindAllStringSubmatch(m[1], -1) {
				n, err := strconv.Atoi(cm[1])
				if err != nil {
					continue
				}
				switch {
				case cm[2] == "passed":
					r.Passed = n
				case cm[2] == "failed":
					r.Failed += n
				case cm[2] == "skipped":
					r.Skipped = n
				case strings.HasPrefix(cm[2], "error"):
					r.Failed += n
				}
			}
		}
	}

	if !summaryFound {
		return nil, fmt.Errorf("%w: no pytest summary line", ErrRunner)
	}

	r.Total = r.Passed + r.Failed + r.Skipped
	return r, nil
}

// =============================================================================
// JEST
// =============================================================================

var (
	jestFailNamePattern = regexp.MustCompile(`[✕✗]\s+(.+?)(?:\s+\(\d+\s*ms\))?$`)
	jestSummaryPattern  = regexp.MustCompile(`Tests:\s+(.*)`)
	jestCountPattern    = regexp.MustCompile(`(\d+) (failed|passed|skipped|todo|total)`)
)

// parseJestOutput parses jest (and vitest-compatible) output.
func parseJestOutput(output string) (*Results, error) {
	r := &Results{}
	summaryFound := false
	total := 0

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)

		if m := jestSummaryPattern.FindStringSubmatch(line); len(m) > 1 {
			summaryFound = true
			for _, cm := range jestCountPattern.FindAllStringSubmatch(m[1], -1) {
				n, err := strconv.Atoi(cm[1])
				if err != nil {
					continue
				}
				switch cm[2] {
				case "failed":
					r.Failed = n
				case "passed":
					r.Passed = n
				case "skipped", "todo":
					r.Skipped += n
				case "total":
					total = n
				}
			}
			continue
		}

		if m := jestFailNamePattern.FindStringSubmatch(line); len(m) > 1 {
			r.Failures = append(r.Failures, Failure{Name: strings.TrimSpace(m[1])})
		}
	}

	if !summaryFound {
		return nil, fmt.Errorf("%w: no jest summary line", ErrRunner)
	}

	r.Total = r.Passed + r.Failed + r.Skipped
	if total > r.Total {
		r.Total = total
	}
	return r, nil
}
