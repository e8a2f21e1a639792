// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrParse wraps every failure to turn architect output into a valid
// plan. Callers treat it as non-retryable within the node loop; the
// orchestrator escalates instead of burning attempts on malformed plans.
var ErrParse = errors.New("plan: parse error")

// wirePlan is the JSON schema the architect is prompted to emit. Task
// ids are strings on the wire ("task_1", "test_auth") and are mapped to
// dense arena ids in declaration order.
type wirePlan struct {
	Tasks []wireTask `json:"tasks"`
}

type wireTask struct {
	ID           string       `json:"id"`
	Goal         string       `json:"goal"`
	ContextFiles []string     `json:"context_files"`
	OutputFiles  []string     `json:"output_files"`
	Dependencies []string     `json:"dependencies"`
	Kind         string       `json:"kind"`
	Contract     wireContract `json:"contract"`
}

type wireContract struct {
	InterfaceSignature string     `json:"interface_signature"`
	Invariants         []string   `json:"invariants"`
	ForbiddenPatterns  []string   `json:"forbidden_patterns"`
	Tests              []wireTest `json:"tests"`
}

type wireTest struct {
	Name        string `json:"name"`
	Criticality string `json:"criticality"`
}

// Parse turns raw architect output into a validated Plan.
//
// Description:
//
//	Strips a surrounding markdown code fence if present, then decodes
//	the JSON strictly: unknown fields, duplicate task ids, unknown
//	kinds, unknown dependency references, and trailing garbage all
//	fail. There is no lenient mode; a plan that does not decode
//	cleanly is rejected so the orchestrator can escalate.
//
// Inputs:
//
//	raw - Verbatim architect response text.
//
// Outputs:
//
//	*Plan - Validated plan with dense integer ids in declaration order.
//	error - Wraps ErrParse on any failure.
func Parse(raw string) (*Plan, error) {
	payload := StripFence(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty response", ErrParse)
	}

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()

	var wp wirePlan
	if err := dec.Decode(&wp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	// Anything after the closing brace is garbage, not a plan.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after plan object", ErrParse)
	}

	if len(wp.Tasks) == 0 {
		return nil, fmt.Errorf("%w: plan has no tasks", ErrParse)
	}

	idFor := make(map[string]int, len(wp.Tasks))
	for i, t := range wp.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("%w: task %d has empty id", ErrParse, i)
		}
		if _, dup := idFor[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrParse, t.ID)
		}
		idFor[t.ID] = i
	}

	p := &Plan{Nodes: make([]Node, 0, len(wp.Tasks))}
	for i, t := range wp.Tasks {
		kind, err := parseKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: task %q: %v", ErrParse, t.ID, err)
		}
		if t.Goal == "" {
			return nil, fmt.Errorf("%w: task %q has empty goal", ErrParse, t.ID)
		}

		contract, err := parseContract(t.Contract)
		if err != nil {
			return nil, fmt.Errorf("%w: task %q: %v", ErrParse, t.ID, err)
		}

		p.Nodes = append(p.Nodes, Node{
			ID:           i,
			Description:  t.Goal,
			Kind:         kind,
			Status:       StatusPending,
			ContextFiles: t.ContextFiles,
			OutputFiles:  t.OutputFiles,
			Contract:     contract,
		})

		for _, dep := range t.Dependencies {
			from, ok := idFor[dep]
			if !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrParse, t.ID, dep)
			}
			p.Edges = append(p.Edges, Edge{From: from, To: i})
		}
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return p, nil
}

func parseKind(s string) (NodeKind, error) {
	k := NodeKind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		// Architects frequently omit the kind for code tasks.
		return KindModify, nil
	}
	if !k.valid() {
		return "", fmt.Errorf("unknown kind %q", s)
	}
	return k, nil
}

func parseContract(w wireContract) (Contract, error) {
	c := Contract{
		InterfaceSignature: w.InterfaceSignature,
		Invariants:         w.Invariants,
		ForbiddenPatterns:  w.ForbiddenPatterns,
	}
	for _, t := range w.Tests {
		if t.Name == "" {
			return Contract{}, errors.New("contract test with empty name")
		}
		crit, err := parseCriticality(t.Criticality)
		if err != nil {
			return Contract{}, err
		}
		c.Tests = append(c.Tests, WeightedTest{Name: t.Name, Criticality: crit})
	}
	return c, nil
}

func parseCriticality(s string) (Criticality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return CriticalityCritical, nil
	case "high", "":
		return CriticalityHigh, nil
	case "low":
		return CriticalityLow, nil
	}
	return "", fmt.Errorf("unknown criticality %q", s)
}

// StripFence removes a surrounding markdown code fence, tolerating a
// language tag after the opening backticks and prose before the fence.
// Input without a fence is returned trimmed. Shared by every parser
// that consumes model output.
func StripFence(raw string) string {
	s := strings.TrimSpace(raw)

	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	s = s[start+3:]

	// Skip the language tag line ("json", "JSON", ...).
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		tag := strings.TrimSpace(s[:nl])
		if len(tag) <= 10 && !strings.ContainsAny(tag, "{}") {
			s = s[nl+1:]
		}
	}

	if end := strings.LastIndex(s, "```"); end != -1 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// MarshalIndentStable renders the plan as indented JSON with a stable
// field order, used for session persistence and approval display.
func (p *Plan) MarshalIndentStable() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
