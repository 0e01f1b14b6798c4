// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/generation"
)

// CommitStore is the slice of the store the committer writes through.
type CommitStore interface {
	CreateMessage(ctx context.Context, msg *datatypes.Message) error
	CreateUsage(ctx context.Context, rec *datatypes.UsageRecord) error
}

// Committer persists the rows of a completed (or partially completed)
// turn.
//
// # Description
//
// The write order is fixed: the user row first, then the assistant row
// and the usage row together in one parallel batch. A failed user write
// aborts the batch. Which method the handler calls encodes the turn
// outcome:
//
//   - Generation produced text (complete or cut short): CommitTurn,
//     all three rows.
//   - Cancelled or failed before any text: CommitUserOnly, user row only.
//   - Failed before any fragment was produced at all and the failure is
//     the response: no commit call, no rows.
//
// Commits run on a context detached from the request, so a client that
// disconnects mid-stream still gets its rows.
type Committer struct {
	store CommitStore
}

// NewCommitter creates a committer. Panics on a nil store.
func NewCommitter(store CommitStore) *Committer {
	if store == nil {
		panic("store must not be nil")
	}
	return &Committer{store: store}
}

// CommitTurn writes user, assistant, and usage rows for one turn.
//
// # Inputs
//
//   - ctx: Request context; only its values survive, cancellation is
//     stripped before writing.
//   - conversationID, userID: Row ownership.
//   - input: The user's text, persisted verbatim.
//   - model, provider: Recorded on the usage row.
//   - result: Generation outcome. Text may be partial; metadata and usage
//     are taken from it as-is.
//
// # Outputs
//
//   - *datatypes.Message: The persisted assistant row.
//   - error: Non-nil if any write failed. A failure after the user row
//     leaves the user row in place.
func (c *Committer) CommitTurn(ctx context.Context, conversationID, userID, input, model, provider string, result *generation.TurnResult) (*datatypes.Message, error) {
	ctx = context.WithoutCancel(ctx)

	if err := c.commitUser(ctx, conversationID, input); err != nil {
		return nil, err
	}

	assistant := &datatypes.Message{
		ConversationID: conversationID,
		Role:           datatypes.RoleAssistant,
		Content:        result.Text,
		TokenCount:     result.CompletionTokens,
		Metadata:       result.Metadata(),
	}
	usage := &datatypes.UsageRecord{
		ConversationID:   conversationID,
		UserID:           userID,
		Model:            model,
		Provider:         provider,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
		LatencyMs:        result.LatencyMs,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.store.CreateMessage(gctx, assistant); err != nil {
			return fmt.Errorf("persisting assistant message: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.store.CreateUsage(gctx, usage); err != nil {
			return fmt.Errorf("persisting usage: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assistant, nil
}

// CommitUserOnly persists just the user row. Used when generation was
// cancelled or failed before producing any assistant text.
func (c *Committer) CommitUserOnly(ctx context.Context, conversationID, input string) error {
	return c.commitUser(context.WithoutCancel(ctx), conversationID, input)
}

func (c *Committer) commitUser(ctx context.Context, conversationID, input string) error {
	user := &datatypes.Message{
		ConversationID: conversationID,
		Role:           datatypes.RoleUser,
		Content:        input,
		TokenCount:     datatypes.EstimateTokens(input),
	}
	if err := c.store.CreateMessage(ctx, user); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}
	return nil
}
