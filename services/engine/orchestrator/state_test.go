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
	"testing"

	"github.com/AleutianAI/codeloop/services/engine/session"
)

func TestPhaseMachineHappyPath(t *testing.T) {
	m := NewMachine()

	for _, to := range []Phase{
		PhaseExecuting, PhaseVerifying, PhaseRetrying,
		PhaseExecuting, PhaseVerifying, PhaseConverged, PhaseCommitted,
	} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
	if !m.Terminal() {
		t.Error("committed should be terminal")
	}
}

func TestPhaseMachineRejectsIllegalMoves(t *testing.T) {
	m := NewMachine()

	// Planning cannot jump straight to Converged.
	if err := m.Transition(PhaseConverged); err == nil {
		t.Error("planning -> converged should be rejected")
	}
	if m.Current() != PhasePlanning {
		t.Errorf("failed transition must not move the machine, got %s", m.Current())
	}

	// Terminal states accept nothing.
	if err := m.Transition(PhaseAborted); err != nil {
		t.Fatalf("Transition(aborted): %v", err)
	}
	if err := m.Transition(PhaseExecuting); err == nil {
		t.Error("aborted is terminal")
	}
}

func TestPhaseMachineEscalationRoundTrip(t *testing.T) {
	m := NewMachine()

	for _, to := range []Phase{PhaseExecuting, PhaseVerifying, PhaseEscalated, PhaseExecuting} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
	}
	if m.Terminal() {
		t.Error("a resumed run is not terminal")
	}
}

func TestSessionStateProjection(t *testing.T) {
	cases := map[Phase]session.State{
		PhasePlanning:  session.StatePlanning,
		PhaseAwaiting:  session.StateAwaiting,
		PhaseExecuting: session.StateExecuting,
		PhaseVerifying: session.StateExecuting,
		PhaseRetrying:  session.StateExecuting,
		PhaseConverged: session.StateExecuting,
		PhaseCommitted: session.StateCommitted,
		PhaseEscalated: session.StateEscalated,
		PhaseAborted:   session.StateAborted,
	}
	for phase, want := range cases {
		if got := sessionState(phase); got != want {
			t.Errorf("sessionState(%s) = %s, want %s", phase, got, want)
		}
	}
}
