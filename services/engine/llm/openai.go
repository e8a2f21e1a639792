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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// secretPath is where container runtimes mount the API key when the
// environment variable is absent.
const secretPath = "/run/secrets/openai_api_key"

// OpenAIClient talks to the OpenAI chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client for the given model.
//
// Description:
//
//	Reads the API key from OPENAI_API_KEY, falling back to the mounted
//	secret file. An empty model falls back to OPENAI_MODEL and then to
//	gpt-4o-mini.
//
// Outputs:
//
//	*OpenAIClient - Ready to use.
//	error - Non-nil when no API key can be found.
func NewOpenAIClient(model string) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		data, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(data))
		slog.Info("read the OpenAI API key from mounted secret")
	}

	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("no model configured, defaulting to gpt-4o-mini")
	}

	slog.Info("initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Name implements Client.
func (o *OpenAIClient) Name() string { return "openai" }

// Model implements Client.
func (o *OpenAIClient) Model() string { return o.model }

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	slog.Debug("completing via OpenAI", "model", o.model, "role", string(req.Role))

	system := req.System
	if system == "" {
		system = "You are a careful software engineering agent."
	}

	apiReq := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.Temperature != nil {
		apiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		apiReq.MaxCompletionTokens = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		apiReq.Stop = req.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	slog.Debug("received OpenAI response",
		"finish_reason", resp.Choices[0].FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
