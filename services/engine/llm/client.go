// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm abstracts the model backends the engine talks to.
//
// Two roles exist: the architect decomposes a task into a plan, the
// actuator produces concrete edits for one node. Both go through the
// same Client interface so backends are interchangeable per role.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role selects which model configuration handles a request.
type Role string

const (
	// RoleArchitect plans: task description in, task plan out.
	RoleArchitect Role = "architect"

	// RoleActuator executes: node description plus file context in,
	// tool calls out.
	RoleActuator Role = "actuator"

	// RoleVerifier and RoleSpeculator are reserved for configurations
	// that split verification commentary or speculative generation onto
	// their own models. The engine's loop verifies with diagnostics and
	// tests, so neither role is dispatched today.
	RoleVerifier   Role = "verifier"
	RoleSpeculator Role = "speculator"
)

// ErrProvider marks transient backend failures (network, rate limits,
// 5xx). These get their own backoff and do not consume the compilation
// or review retry budgets.
var ErrProvider = errors.New("llm: provider error")

// ErrEmptyResponse is returned when the backend answers with no
// choices or empty content.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one completion call.
type Request struct {
	Role   Role
	System string
	Prompt string

	Temperature *float32
	MaxTokens   *int
	Stop        []string
}

// Response carries the completion and its token accounting.
type Response struct {
	Content string

	PromptTokens     int
	CompletionTokens int
}

// Client is a single model backend.
type Client interface {
	// Complete performs one request. Implementations must respect ctx
	// cancellation and wrap transient failures in ErrProvider.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name identifies the backend for logs.
	Name() string

	// Model is the configured model identifier.
	Model() string
}

// CompleteWithRetry wraps Complete with exponential backoff for
// provider errors. Non-provider errors return immediately; they are a
// property of the request, not the connection.
func CompleteWithRetry(ctx context.Context, c Client, req *Request, maxRetries int) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrProvider) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d retries: %w", maxRetries, lastErr)
}
