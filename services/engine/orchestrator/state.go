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
	"fmt"
	"sync"

	"github.com/AleutianAI/codeloop/services/engine/session"
)

// Phase is the fine-grained position of a run inside the control loop.
// The persisted session.State is a coarser projection of it.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseAwaiting  Phase = "awaiting_approval"
	PhaseExecuting Phase = "executing"
	PhaseVerifying Phase = "verifying"
	PhaseConverged Phase = "converged"
	PhaseRetrying  Phase = "retrying"
	PhaseEscalated Phase = "escalated"
	PhaseCommitted Phase = "committed"
	PhaseAborted   Phase = "aborted"
)

// phaseTransitions defines the allowed moves through the control loop.
// Committed and Aborted are terminal.
var phaseTransitions = map[Phase]map[Phase]bool{
	PhasePlanning: {
		PhaseAwaiting:  true,
		PhaseExecuting: true,
		PhaseEscalated: true,
		PhaseAborted:   true,
	},
	PhaseAwaiting: {
		PhaseExecuting: true,
		PhaseAborted:   true,
	},
	PhaseExecuting: {
		PhaseVerifying: true,
		// An attempt can fail before verification (unparseable actuator
		// output), and a resumed plan can already be complete.
		PhaseRetrying:  true,
		PhaseCommitted: true,
		PhaseEscalated: true,
		PhaseAborted:   true,
	},
	PhaseVerifying: {
		PhaseConverged: true,
		PhaseRetrying:  true,
		PhaseEscalated: true,
		PhaseAborted:   true,
	},
	PhaseRetrying: {
		PhaseExecuting: true,
		PhaseAborted:   true,
	},
	PhaseConverged: {
		// Next node, or done.
		PhaseExecuting: true,
		PhaseCommitted: true,
		PhaseAborted:   true,
	},
	PhaseEscalated: {
		// Fresh-budget resume.
		PhaseExecuting: true,
		PhaseAborted:   true,
	},
	PhaseCommitted: {},
	PhaseAborted:   {},
}

// Machine tracks the current phase and enforces legal transitions.
//
// Thread Safety: Safe for concurrent use; Status queries read the phase
// while the run loop advances it.
type Machine struct {
	mu      sync.Mutex
	current Phase
}

// NewMachine starts in Planning.
func NewMachine() *Machine {
	return &Machine{current: PhasePlanning}
}

// Current returns the phase.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether the move is legal from the current phase.
func (m *Machine) CanTransition(to Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return phaseTransitions[m.current][to]
}

// Transition moves to the target phase.
//
// Outputs:
//
//	error - Non-nil when the move is not in the transition table.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !phaseTransitions[m.current][to] {
		return fmt.Errorf("orchestrator: illegal transition %s -> %s", m.current, to)
	}
	m.current = to
	return nil
}

// Terminal reports whether the run can no longer advance.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(phaseTransitions[m.current]) == 0
}

// sessionState projects a phase onto the coarser persisted state.
func sessionState(p Phase) session.State {
	switch p {
	case PhasePlanning:
		return session.StatePlanning
	case PhaseAwaiting:
		return session.StateAwaiting
	case PhaseCommitted:
		return session.StateCommitted
	case PhaseEscalated:
		return session.StateEscalated
	case PhaseAborted:
		return session.StateAborted
	default:
		// Executing, Verifying, Retrying, Converged are all "executing"
		// from the outside; the fine phase is not resumable state.
		return session.StateExecuting
	}
}
