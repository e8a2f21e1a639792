// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// scriptedClient fails a fixed number of times before succeeding.
type scriptedClient struct {
	failures int
	err      error
	calls    int
}

func (s *scriptedClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err
	}
	return &Response{Content: "ok", PromptTokens: 10, CompletionTokens: 5}, nil
}

func (s *scriptedClient) Name() string  { return "scripted" }
func (s *scriptedClient) Model() string { return "test" }

func TestCompleteWithRetryRecoversFromProviderErrors(t *testing.T) {
	c := &scriptedClient{failures: 2, err: fmt.Errorf("%w: rate limited", ErrProvider)}

	resp, err := CompleteWithRetry(context.Background(), c, &Request{Role: RoleActuator, Prompt: "x"}, 3)
	if err != nil {
		t.Fatalf("CompleteWithRetry: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	if c.calls != 3 {
		t.Errorf("calls = %d, want 3", c.calls)
	}
}

func TestCompleteWithRetryExhaustsBudget(t *testing.T) {
	c := &scriptedClient{failures: 100, err: fmt.Errorf("%w: down", ErrProvider)}

	_, err := CompleteWithRetry(context.Background(), c, &Request{Prompt: "x"}, 2)
	if !errors.Is(err, ErrProvider) {
		t.Errorf("err = %v, want ErrProvider", err)
	}
	if c.calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", c.calls)
	}
}

func TestCompleteWithRetryStopsOnNonProviderError(t *testing.T) {
	c := &scriptedClient{failures: 100, err: ErrEmptyResponse}

	_, err := CompleteWithRetry(context.Background(), c, &Request{Prompt: "x"}, 5)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
	if c.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on request errors)", c.calls)
	}
}

func TestTokenBudgetAccounting(t *testing.T) {
	b := NewTokenBudget(1000, 0)
	b.SetPricing(1.0, 2.0) // $1/$2 per 1K for easy math

	b.Record(500, 250)
	if got := b.TotalUsed(); got != 750 {
		t.Errorf("TotalUsed = %d, want 750", got)
	}
	if got := b.CostUSD(); got != 0.5+0.5 {
		t.Errorf("CostUSD = %v, want 1.0", got)
	}
	if b.ShouldStop() {
		t.Error("budget should not stop at 75%")
	}

	b.Record(200, 100)
	if !b.Exhausted() {
		t.Error("budget should be exhausted at 1050/1000")
	}
	if !b.ShouldStop() {
		t.Error("ShouldStop should follow Exhausted")
	}
}

func TestTokenBudgetCostCeiling(t *testing.T) {
	b := NewTokenBudget(1_000_000, 0.01)
	b.SetPricing(10.0, 10.0)

	if b.CostExceeded() {
		t.Error("fresh budget should not be exceeded")
	}
	b.Record(1000, 0) // $0.01
	if !b.CostExceeded() {
		t.Error("cost ceiling should trip")
	}
	if b.Exhausted() {
		t.Error("token ceiling should not trip")
	}
}

func TestTokenBudgetSummary(t *testing.T) {
	b := NewTokenBudget(100, 0)
	b.Record(25, 25)

	s := b.Summary()
	if !strings.Contains(s, "50/100") || !strings.Contains(s, "50.0%") {
		t.Errorf("Summary = %q", s)
	}
}
