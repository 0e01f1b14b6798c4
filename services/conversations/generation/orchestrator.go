// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/memory"
)

// MaxToolSteps bounds the number of tool-use rounds in one turn. After the
// limit the model is forced to answer with what it has.
const MaxToolSteps = 3

// SaveMemoryToolName is the function name the model calls to persist a
// user fact.
const SaveMemoryToolName = "save_memory"

// =============================================================================
// Search Provider
// =============================================================================

// SearchProvider executes the web_search tool.
type SearchProvider interface {
	// Search returns a text summary of results and any citations.
	Search(ctx context.Context, query string) (string, []datatypes.SourceInfo, error)
}

// NopSearchProvider satisfies SearchProvider when no search backend is
// configured. The model receives an honest "unavailable" result.
type NopSearchProvider struct{}

var _ SearchProvider = NopSearchProvider{}

func (NopSearchProvider) Search(context.Context, string) (string, []datatypes.SourceInfo, error) {
	return "Web search is not available.", nil, nil
}

// =============================================================================
// Turn Input / Result
// =============================================================================

// TurnInput is one generation request.
type TurnInput struct {
	UserID       string
	Model        string
	Input        string
	SystemPrompt string
	History      []datatypes.Message
	Options      datatypes.SendOptions
}

// TurnResult is the outcome of a turn.
//
// # Description
//
// Text holds everything streamed so far, so the result is meaningful even
// when Stream returns an error: on cancellation or mid-stream failure it
// carries the partial reply. Usage fields are zero until the provider
// reports them, which happens only on streams that run to completion.
type TurnResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ToolCalls        []string
	ToolResults      []datatypes.ToolResultInfo
	Sources          []datatypes.SourceInfo
	LatencyMs        int64
}

// Metadata converts the result's tool and citation records into message
// metadata, nil when there is nothing to record.
func (r *TurnResult) Metadata() *datatypes.MessageMetadata {
	if len(r.ToolCalls) == 0 && len(r.ToolResults) == 0 && len(r.Sources) == 0 {
		return nil
	}
	return &datatypes.MessageMetadata{
		ToolCalls:   r.ToolCalls,
		ToolResults: r.ToolResults,
		Sources:     r.Sources,
	}
}

// =============================================================================
// Generator
// =============================================================================

// Generator runs the tool-use loop for a turn.
//
// # Description
//
// One Stream call is one turn: the model may take up to MaxToolSteps
// tool rounds (saving memories, searching the web), then produces the
// final reply. Fragments are forwarded as they arrive. The generator is
// stateless across turns and safe for concurrent use.
type Generator struct {
	clients  map[Provider]ModelClient
	registry *Registry
	memories memory.Store
	search   SearchProvider
}

// NewGenerator creates a generator. Panics on nil dependencies.
func NewGenerator(clients map[Provider]ModelClient, registry *Registry, memories memory.Store, search SearchProvider) *Generator {
	if len(clients) == 0 {
		panic("clients must not be empty")
	}
	if registry == nil {
		panic("registry must not be nil")
	}
	if memories == nil {
		panic("memories must not be nil")
	}
	if search == nil {
		panic("search must not be nil")
	}
	return &Generator{clients: clients, registry: registry, memories: memories, search: search}
}

// Stream runs one turn.
//
// # Inputs
//
//   - ctx: Cancellation aborts the upstream stream promptly.
//   - in: The assembled turn.
//   - onFragment: Receives each reply fragment in order. Never called
//     concurrently. A non-nil return aborts the turn.
//
// # Outputs
//
//   - *TurnResult: Always non-nil; carries partial text on error.
//   - error: context.Canceled when the caller cancelled, ErrUnknownModel
//     for unregistered models, otherwise the upstream failure.
func (g *Generator) Stream(ctx context.Context, in TurnInput, onFragment FragmentCallback) (*TurnResult, error) {
	result := &TurnResult{}
	started := time.Now()
	defer func() { result.LatencyMs = time.Since(started).Milliseconds() }()

	profile, err := g.registry.Lookup(in.Model)
	if err != nil {
		return result, err
	}
	client, ok := g.clients[profile.Provider]
	if !ok {
		return result, fmt.Errorf("no client configured for provider %q", profile.Provider)
	}

	messages := buildMessages(in)
	tools := g.toolset(profile)

	forceSearch := in.Options.ForceWebSearch && profile.WebSearchTool != ""

	for step := 0; ; step++ {
		req := openai.ChatCompletionRequest{
			Model:    profile.UpstreamID,
			Messages: messages,
			Stream:   true,
			Tools:    tools,
		}
		if in.Options.HighReasoning {
			req.ReasoningEffort = "high"
		} else {
			req.ReasoningEffort = "low"
		}
		switch {
		case step == 0 && forceSearch:
			req.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: profile.WebSearchTool},
			}
		case step >= MaxToolSteps:
			// Out of tool budget; the model must answer.
			req.ToolChoice = "none"
		}

		stepResult, err := client.StreamStep(ctx, req, func(fragment string) error {
			result.Text += fragment
			return onFragment(fragment)
		})
		if stepResult != nil {
			result.PromptTokens += stepResult.Usage.PromptTokens
			result.CompletionTokens += stepResult.Usage.CompletionTokens
			result.TotalTokens += stepResult.Usage.TotalTokens
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return result, context.Canceled
			}
			return result, err
		}

		if len(stepResult.ToolCalls) == 0 {
			return result, nil
		}

		messages = append(messages, assistantToolMessage(stepResult))
		for _, call := range stepResult.ToolCalls {
			output := g.execTool(ctx, in.UserID, profile, call, result)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    output,
			})
		}
	}
}

// buildMessages assembles the chat transcript for the provider: system
// prompt, recent history, then the new input.
func buildMessages(in TurnInput) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(in.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: in.SystemPrompt,
	})
	for _, msg := range in.History {
		role := openai.ChatMessageRoleUser
		if msg.Role == datatypes.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: in.Input,
	})
}

// toolset builds the tool definitions offered to the model.
func (g *Generator) toolset(profile ModelProfile) []openai.Tool {
	tools := []openai.Tool{{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        SaveMemoryToolName,
			Description: "Save a persistent fact or preference the user shared, for recall in future conversations.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"content": {
						Type:        jsonschema.String,
						Description: "The fact to remember, phrased as a standalone statement.",
					},
					"category": {
						Type:        jsonschema.String,
						Enum:        []string{memory.CategoryFact, memory.CategoryPreference},
						Description: "Whether this is a fact about the user or a preference.",
					},
				},
				Required: []string{"content", "category"},
			},
		},
	}}

	if profile.WebSearchTool != "" {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        profile.WebSearchTool,
				Description: "Search the web for current information.",
				Parameters: jsonschema.Definition{
					Type: jsonschema.Object,
					Properties: map[string]jsonschema.Definition{
						"query": {
							Type:        jsonschema.String,
							Description: "The search query.",
						},
					},
					Required: []string{"query"},
				},
			},
		})
	}
	return tools
}

// execTool runs one tool call, records it on the result, and returns the
// output surfaced to the model. Tool failures become error strings for the
// model rather than turn failures.
func (g *Generator) execTool(ctx context.Context, userID string, profile ModelProfile, call ToolCall, result *TurnResult) string {
	result.ToolCalls = append(result.ToolCalls, call.Name)

	var output string
	switch call.Name {
	case SaveMemoryToolName:
		output = g.execSaveMemory(ctx, userID, call.Arguments)
	case profile.WebSearchTool:
		output = g.execWebSearch(ctx, call.Arguments, result)
	default:
		slog.Warn("Model called unknown tool", "tool", call.Name)
		output = fmt.Sprintf("Unknown tool %q.", call.Name)
	}

	output = truncateToolOutput(output)
	result.ToolResults = append(result.ToolResults, datatypes.ToolResultInfo{
		Input:  call.Arguments,
		Output: output,
	})
	return output
}

func (g *Generator) execSaveMemory(ctx context.Context, userID, arguments string) string {
	var args struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err)
	}
	if err := g.memories.SaveFact(ctx, userID, args.Content, args.Category); err != nil {
		slog.Error("Saving memory failed", "user_id", userID, "error", err)
		return fmt.Sprintf("Failed to save: %v", err)
	}
	return "Saved."
}

func (g *Generator) execWebSearch(ctx context.Context, arguments string, result *TurnResult) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err)
	}
	summary, sources, err := g.search.Search(ctx, args.Query)
	if err != nil {
		slog.Error("Web search failed", "query", args.Query, "error", err)
		return fmt.Sprintf("Search failed: %v", err)
	}
	result.Sources = append(result.Sources, sources...)
	return summary
}

// assistantToolMessage rebuilds the assistant message carrying the tool
// calls, required by the protocol before the tool results.
func assistantToolMessage(step *StepResult) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: step.Text,
	}
	for _, call := range step.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return msg
}

// truncateToolOutput bounds tool output before it reaches the transcript
// and the metadata row.
func truncateToolOutput(output string) string {
	if len(output) <= datatypes.MaxToolOutputBytes {
		return output
	}
	return output[:datatypes.MaxToolOutputBytes]
}
