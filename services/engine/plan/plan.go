// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan defines the task graph produced by the architect role.
//
// A Plan is an arena of nodes addressed by stable integer ids plus a flat
// list of dependency edges. The arena layout keeps the graph trivially
// JSON-serializable for crash recovery: no pointers, no cycles in the
// encoded form, and node ids survive a save/load round trip unchanged.
//
// Thread Safety:
//
//	Plan is not safe for concurrent mutation. The orchestrator owns the
//	plan and serializes all access to it.
package plan

import (
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNodeNotFound is returned when a node id does not exist in the arena.
	ErrNodeNotFound = errors.New("plan: node not found")

	// ErrCycle is returned when the dependency edges contain a cycle.
	ErrCycle = errors.New("plan: dependency cycle detected")

	// ErrInvalidTransition is returned for a status change the node
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("plan: invalid status transition")

	// ErrDependenciesPending is returned when a node is moved to
	// InProgress while a predecessor has not completed.
	ErrDependenciesPending = errors.New("plan: dependencies not completed")

	// ErrEmptyPlan is returned when a plan has no nodes.
	ErrEmptyPlan = errors.New("plan: plan has no nodes")
)

// =============================================================================
// Node Types
// =============================================================================

// NodeKind classifies what a task node does to the workspace.
type NodeKind string

const (
	KindCreate NodeKind = "create"
	KindModify NodeKind = "modify"
	KindDelete NodeKind = "delete"
	KindTest   NodeKind = "test"
	KindShell  NodeKind = "shell"
)

// valid reports whether k is one of the closed set of kinds.
func (k NodeKind) valid() bool {
	switch k {
	case KindCreate, KindModify, KindDelete, KindTest, KindShell:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of a task node.
//
// The lifecycle is monotonic: Pending -> InProgress -> Completed|Failed.
// The single allowed reversal is Failed -> Pending on an explicit retry.
type NodeStatus string

const (
	StatusPending    NodeStatus = "pending"
	StatusInProgress NodeStatus = "in_progress"
	StatusCompleted  NodeStatus = "completed"
	StatusFailed     NodeStatus = "failed"
)

// Criticality weights a contract test for logic energy.
type Criticality string

const (
	CriticalityCritical Criticality = "Critical"
	CriticalityHigh     Criticality = "High"
	CriticalityLow      Criticality = "Low"
)

// Weight returns the energy multiplier for a failing test at this level.
// Tests not named in any contract weigh 1.0 (same as Low).
func (c Criticality) Weight() float64 {
	switch c {
	case CriticalityCritical:
		return 10.0
	case CriticalityHigh:
		return 3.0
	default:
		return 1.0
	}
}

// WeightedTest names a test the contract cares about and how much a
// failure of it should hurt.
type WeightedTest struct {
	Name        string      `json:"name"`
	Criticality Criticality `json:"criticality"`
}

// Contract carries the behavioral constraints the architect attached to
// a node. All fields are optional.
type Contract struct {
	// InterfaceSignature is the required public API, verbatim.
	InterfaceSignature string `json:"interface_signature,omitempty"`

	// Invariants are semantic constraints stated in prose.
	Invariants []string `json:"invariants,omitempty"`

	// ForbiddenPatterns are anti-patterns the actuator must avoid.
	ForbiddenPatterns []string `json:"forbidden_patterns,omitempty"`

	// Tests are the weighted tests guarding this node.
	Tests []WeightedTest `json:"tests,omitempty"`
}

// TestWeight returns the contract weight for the named test, or 1.0 when
// the test is not listed.
func (c Contract) TestWeight(name string) float64 {
	for _, t := range c.Tests {
		if t.Name == name {
			return t.Criticality.Weight()
		}
	}
	return 1.0
}

// Node is one unit of work in the plan arena.
type Node struct {
	// ID is the stable arena index. Assigned by the parser in plan
	// declaration order and never reused.
	ID int `json:"id"`

	// Description is the goal the actuator receives.
	Description string `json:"description"`

	// Kind classifies the workspace effect.
	Kind NodeKind `json:"kind"`

	// Status is the lifecycle state.
	Status NodeStatus `json:"status"`

	// FailReason is set when Status is Failed.
	FailReason string `json:"fail_reason,omitempty"`

	// ContextFiles are files the actuator must read before editing.
	ContextFiles []string `json:"context_files,omitempty"`

	// OutputFiles are the files this node is expected to touch.
	OutputFiles []string `json:"output_files,omitempty"`

	// Contract holds the behavioral constraints for this node.
	Contract Contract `json:"contract,omitempty"`
}

// Edge records that node To depends on node From completing first.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// =============================================================================
// Plan
// =============================================================================

// Plan is the arena of task nodes plus the dependency index pairs.
type Plan struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node returns the node with the given id.
//
// Outputs:
//
//	*Node - Pointer into the arena; mutations are visible to the plan.
//	error - ErrNodeNotFound if the id is out of range.
func (p *Plan) Node(id int) (*Node, error) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", ErrNodeNotFound, id)
}

// Dependencies returns the ids of the nodes the given node depends on,
// in ascending order.
func (p *Plan) Dependencies(id int) []int {
	var deps []int
	for _, e := range p.Edges {
		if e.To == id {
			deps = append(deps, e.From)
		}
	}
	sort.Ints(deps)
	return deps
}

// Validate checks structural integrity: non-empty, unique ids, known
// kinds, edges referencing existing nodes, and no dependency cycles.
func (p *Plan) Validate() error {
	if len(p.Nodes) == 0 {
		return ErrEmptyPlan
	}

	seen := make(map[int]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("plan: duplicate node id %d", n.ID)
		}
		seen[n.ID] = true
		if n.Description == "" {
			return fmt.Errorf("plan: node %d has empty description", n.ID)
		}
		if !n.Kind.valid() {
			return fmt.Errorf("plan: node %d has unknown kind %q", n.ID, n.Kind)
		}
	}

	for _, e := range p.Edges {
		if !seen[e.From] {
			return fmt.Errorf("%w: edge references id %d", ErrNodeNotFound, e.From)
		}
		if !seen[e.To] {
			return fmt.Errorf("%w: edge references id %d", ErrNodeNotFound, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("%w: node %d depends on itself", ErrCycle, e.From)
		}
	}

	if _, err := p.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns node ids in dependency order. Nodes whose
// relative order is unconstrained are emitted in ascending id order so
// that execution is deterministic.
//
// Outputs:
//
//	[]int - Node ids, every node exactly once.
//	error - ErrCycle if the edges do not form a DAG.
func (p *Plan) TopologicalOrder() ([]int, error) {
	indeg := make(map[int]int, len(p.Nodes))
	for _, n := range p.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range p.Edges {
		indeg[e.To]++
	}

	// Kahn's algorithm with a sorted frontier for stable output.
	var frontier []int
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Ints(frontier)

	order := make([]int, 0, len(p.Nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []int
		for _, e := range p.Edges {
			if e.From != id {
				continue
			}
			indeg[e.To]--
			if indeg[e.To] == 0 {
				released = append(released, e.To)
			}
		}
		sort.Ints(released)
		frontier = mergeSorted(frontier, released)
	}

	if len(order) != len(p.Nodes) {
		return nil, ErrCycle
	}
	return order, nil
}

// Ready reports whether every dependency of the node has completed.
func (p *Plan) Ready(id int) bool {
	for _, dep := range p.Dependencies(id) {
		n, err := p.Node(dep)
		if err != nil || n.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// SetStatus transitions a node through its lifecycle.
//
// Description:
//
//	Enforces the monotonic lifecycle. Pending -> InProgress additionally
//	requires all dependencies Completed. Failed -> Pending is the retry
//	reversal and clears the failure reason.
//
// Errors:
//
//	ErrInvalidTransition - The requested change is not in the lifecycle.
//	ErrDependenciesPending - InProgress requested before deps completed.
//	ErrNodeNotFound - Unknown node id.
func (p *Plan) SetStatus(id int, status NodeStatus, reason string) error {
	n, err := p.Node(id)
	if err != nil {
		return err
	}

	allowed := false
	switch n.Status {
	case StatusPending:
		allowed = status == StatusInProgress
	case StatusInProgress:
		allowed = status == StatusCompleted || status == StatusFailed
	case StatusFailed:
		allowed = status == StatusPending
	}
	if !allowed {
		return fmt.Errorf("%w: node %d %s -> %s", ErrInvalidTransition, id, n.Status, status)
	}

	if status == StatusInProgress && !p.Ready(id) {
		return fmt.Errorf("%w: node %d", ErrDependenciesPending, id)
	}

	n.Status = status
	switch status {
	case StatusFailed:
		n.FailReason = reason
	case StatusPending:
		n.FailReason = ""
	}
	return nil
}

// Completed reports whether every node in the plan has completed.
func (p *Plan) Completed() bool {
	for _, n := range p.Nodes {
		if n.Status != StatusCompleted {
			return false
		}
	}
	return len(p.Nodes) > 0
}

// mergeSorted merges two ascending int slices into one ascending slice.
func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
