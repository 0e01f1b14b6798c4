// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services contains the turn assembly logic that sits between the
// HTTP handlers and the generation layer.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/memory"
)

// HistoryReader is the slice of the store the assembler needs.
type HistoryReader interface {
	RecentMessages(ctx context.Context, conversationID string, n int) ([]datatypes.Message, error)
}

// TurnContext is everything the generation layer needs for one turn.
//
//   - SystemPrompt: Instructions with the memory snippet folded in.
//   - History: Recent durable messages, oldest to newest. Does not include
//     the input being sent.
type TurnContext struct {
	SystemPrompt string
	History      []datatypes.Message
}

// ContextAssembler gathers conversation history and long-term memory for a
// turn.
//
// # Description
//
// The two lookups run in parallel. History is load-bearing: if it fails the
// turn fails. Memory recall is best-effort: a failure degrades the turn to
// an empty memory snippet with a warning log, never an error. A brand-new
// conversation has no history and that is not an error either.
type ContextAssembler struct {
	history  HistoryReader
	memories memory.Store
}

// NewContextAssembler creates an assembler. Panics if either dependency is
// nil; construction happens once at startup where a panic is the right
// failure mode.
func NewContextAssembler(history HistoryReader, memories memory.Store) *ContextAssembler {
	if history == nil {
		panic("history must not be nil")
	}
	if memories == nil {
		panic("memories must not be nil")
	}
	return &ContextAssembler{history: history, memories: memories}
}

// Assemble builds the TurnContext for one request.
//
// # Inputs
//
//   - ctx: Request context. Cancellation aborts both lookups.
//   - conversationID: Durable id, or empty for a conversation that does
//     not exist yet (first turn). Empty skips the history lookup.
//   - userID: Memory scope.
//   - input: The user input of this turn, used as the recall query.
//
// # Outputs
//
//   - *TurnContext: Ready for generation.
//   - error: Non-nil only when the history lookup fails.
func (a *ContextAssembler) Assemble(ctx context.Context, conversationID, userID, input string) (*TurnContext, error) {
	var (
		history []datatypes.Message
		snippet string
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if conversationID == "" {
			return nil
		}
		msgs, err := a.history.RecentMessages(gctx, conversationID, datatypes.HistoryWindow)
		if err != nil {
			return fmt.Errorf("loading history: %w", err)
		}
		history = msgs
		return nil
	})

	g.Go(func() error {
		recalled, err := a.memories.RecallContext(gctx, userID, input)
		if err != nil {
			// Degraded turn, not a failed one.
			slog.Warn("Memory recall failed, continuing without memories",
				"user_id", userID, "error", err)
			return nil
		}
		snippet = recalled
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &TurnContext{
		SystemPrompt: SystemPrompt(snippet),
		History:      history,
	}, nil
}

// SystemPrompt renders the assistant instructions with the memory snippet
// embedded. An empty snippet renders as an explicit "No memories" marker so
// the model does not hallucinate recall.
func SystemPrompt(memorySnippet string) string {
	if memorySnippet == "" {
		memorySnippet = "No memories"
	}
	return fmt.Sprintf(`You are a helpful AI assistant.

CORE MEMORIES:
%s

RULES:
- Personalize responses using memories when relevant.
- If the user shares a persistent personal fact, call 'save_memory'.
- After saving, briefly confirm naturally (e.g., "Got it, I'll remember that.").
- Keep confirmation short and friendly.
`, memorySnippet)
}

// errNilContext guards against a nil TurnContext reaching generation.
var errNilContext = errors.New("nil turn context")

// Validate reports whether the context is usable for generation.
func (tc *TurnContext) Validate() error {
	if tc == nil {
		return errNilContext
	}
	if tc.SystemPrompt == "" {
		return errors.New("empty system prompt")
	}
	return nil
}
