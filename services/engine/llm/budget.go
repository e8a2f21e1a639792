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
	"fmt"
	"sync"
)

// TokenBudget tracks token usage and estimated cost across one run and
// enforces both ceilings.
//
// Thread Safety: Safe for concurrent use; the orchestrator records
// while status queries read.
type TokenBudget struct {
	mu sync.Mutex

	maxTokens  int
	maxCostUSD float64 // 0 means no cost limit

	inputUsed  int
	outputUsed int
	costUSD    float64

	inputCostPer1K  float64
	outputCostPer1K float64
}

// NewTokenBudget creates a budget. maxCostUSD of zero disables the
// cost ceiling.
func NewTokenBudget(maxTokens int, maxCostUSD float64) *TokenBudget {
	return &TokenBudget{
		maxTokens:  maxTokens,
		maxCostUSD: maxCostUSD,
		// Default pricing; override per model with SetPricing.
		inputCostPer1K:  0.075 / 1000.0,
		outputCostPer1K: 0.30 / 1000.0,
	}
}

// DefaultTokenBudget allows 100K tokens with no cost ceiling.
func DefaultTokenBudget() *TokenBudget {
	return NewTokenBudget(100_000, 0)
}

// SetPricing sets model-specific cost per 1K tokens.
func (b *TokenBudget) SetPricing(inputPer1K, outputPer1K float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputCostPer1K = inputPer1K
	b.outputCostPer1K = outputPer1K
}

// Record adds one call's usage to the running totals.
func (b *TokenBudget) Record(inputTokens, outputTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputUsed += inputTokens
	b.outputUsed += outputTokens
	b.costUSD += float64(inputTokens)/1000.0*b.inputCostPer1K +
		float64(outputTokens)/1000.0*b.outputCostPer1K
}

// TotalUsed returns input plus output tokens consumed so far.
func (b *TokenBudget) TotalUsed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inputUsed + b.outputUsed
}

// CostUSD returns the estimated spend so far.
func (b *TokenBudget) CostUSD() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.costUSD
}

// Exhausted reports whether the token ceiling is reached.
func (b *TokenBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inputUsed+b.outputUsed >= b.maxTokens
}

// CostExceeded reports whether the cost ceiling is reached.
func (b *TokenBudget) CostExceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxCostUSD > 0 && b.costUSD >= b.maxCostUSD
}

// ShouldStop reports whether either ceiling is reached.
func (b *TokenBudget) ShouldStop() bool {
	return b.Exhausted() || b.CostExceeded()
}

// UsagePercent returns token usage as a percentage of the ceiling.
func (b *TokenBudget) UsagePercent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxTokens == 0 {
		return 0
	}
	return float64(b.inputUsed+b.outputUsed) / float64(b.maxTokens) * 100.0
}

// Summary returns a one-line human-readable account.
func (b *TokenBudget) Summary() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	used := b.inputUsed + b.outputUsed
	pct := 0.0
	if b.maxTokens > 0 {
		pct = float64(used) / float64(b.maxTokens) * 100.0
	}
	s := fmt.Sprintf("tokens: %d/%d (%.1f%%), cost: $%.4f", used, b.maxTokens, pct, b.costUSD)
	if b.maxCostUSD > 0 {
		s += fmt.Sprintf(" / $%.2f", b.maxCostUSD)
	}
	return s
}
