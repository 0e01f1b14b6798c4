// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generation drives model invocation for a turn: model registry,
// streaming client, and the tool-use loop.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/sashabaranov/go-openai"
)

// =============================================================================
// Model Registry
// =============================================================================

// Provider identifies the upstream serving a model. Both providers speak
// the OpenAI-compatible chat completions protocol; they differ only in
// endpoint and credentials.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGoogle Provider = "google"
)

// ModelProfile describes one selectable model.
//
//   - Name: The public model name clients send.
//   - UpstreamID: The id sent to the provider, which may differ.
//   - Provider: Which configured client serves this model.
//   - WebSearchTool: Name of the provider's search tool, empty when the
//     model cannot search.
type ModelProfile struct {
	Name          string
	UpstreamID    string
	Provider      Provider
	WebSearchTool string
}

// Registry maps public model names to profiles.
type Registry struct {
	profiles map[string]ModelProfile
}

// NewRegistry builds a registry from the given profiles.
func NewRegistry(profiles ...ModelProfile) *Registry {
	r := &Registry{profiles: make(map[string]ModelProfile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.Name] = p
	}
	return r
}

// DefaultRegistry returns the built-in model set.
func DefaultRegistry() *Registry {
	return NewRegistry(
		ModelProfile{Name: "gpt-5.1", UpstreamID: "gpt-5.1", Provider: ProviderOpenAI, WebSearchTool: "web_search"},
		ModelProfile{Name: "gpt-5-mini", UpstreamID: "gpt-5-mini", Provider: ProviderOpenAI, WebSearchTool: "web_search"},
		ModelProfile{Name: "gpt-5-nano", UpstreamID: "gpt-5-nano", Provider: ProviderOpenAI, WebSearchTool: "web_search"},
		ModelProfile{Name: "gemini-3-pro", UpstreamID: "gemini-3-pro-preview", Provider: ProviderGoogle, WebSearchTool: "google_search"},
		ModelProfile{Name: "gemini-3-flash", UpstreamID: "gemini-3-flash-preview", Provider: ProviderGoogle, WebSearchTool: "google_search"},
	)
}

// ErrUnknownModel is returned when a request names a model outside the
// registry. Handlers map it to a 400.
var ErrUnknownModel = errors.New("unknown model")

// Lookup resolves a public model name.
func (r *Registry) Lookup(name string) (ModelProfile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return ModelProfile{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return p, nil
}

// Names returns the registered model names, sorted. Used by the models
// listing endpoint.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Streaming Model Client
// =============================================================================

// FragmentCallback receives each text fragment of a reply in order. A
// non-nil return aborts the step; the error propagates to the caller.
type FragmentCallback func(fragment string) error

// ToolCall is one tool invocation requested by the model during a step.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// StepResult accumulates one model step: the streamed text, any tool calls
// the model requested, and usage when the provider reports it.
type StepResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        openai.Usage
}

// ModelClient runs a single streaming model step. Implementations must
// invoke onFragment for each text delta in arrival order and must not call
// it concurrently.
type ModelClient interface {
	StreamStep(ctx context.Context, req openai.ChatCompletionRequest, onFragment FragmentCallback) (*StepResult, error)
}

// OpenAIClient implements ModelClient over the chat completions streaming
// API. A separate instance per provider, differing only in client config.
type OpenAIClient struct {
	client *openai.Client
}

var _ ModelClient = (*OpenAIClient)(nil)

// NewOpenAIClient wraps an already-configured client. The caller sets base
// URL and credentials via openai.ClientConfig, so the same type serves the
// Google OpenAI-compatibility endpoint.
func NewOpenAIClient(client *openai.Client) *OpenAIClient {
	if client == nil {
		panic("client must not be nil")
	}
	return &OpenAIClient{client: client}
}

// StreamStep streams one chat completion, forwarding text deltas and
// accumulating tool call deltas by index until the stream ends.
func (c *OpenAIClient) StreamStep(ctx context.Context, req openai.ChatCompletionRequest, onFragment FragmentCallback) (*StepResult, error) {
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("starting completion stream: %w", err)
	}
	defer stream.Close()

	result := &StepResult{}
	// Tool call arguments arrive as deltas keyed by index.
	pending := map[int]*ToolCall{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("reading completion stream: %w", err)
		}

		if resp.Usage != nil {
			result.Usage = *resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			result.Text += choice.Delta.Content
			if err := onFragment(choice.Delta.Content); err != nil {
				return result, err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := pending[idx]
			if !ok {
				call = &ToolCall{}
				pending[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			result.FinishReason = string(choice.FinishReason)
		}
	}

	for i := 0; i < len(pending); i++ {
		if call, ok := pending[i]; ok {
			result.ToolCalls = append(result.ToolCalls, *call)
		}
	}
	if len(result.ToolCalls) > 0 {
		slog.Debug("Model requested tools", "count", len(result.ToolCalls))
	}
	return result, nil
}
