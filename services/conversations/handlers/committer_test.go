// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/generation"
)

// recordingCommitStore captures writes in arrival order.
type recordingCommitStore struct {
	mu        sync.Mutex
	messages  []datatypes.Message
	usage     []datatypes.UsageRecord
	failRole  datatypes.MessageRole
	failUsage bool
}

func (s *recordingCommitStore) CreateMessage(ctx context.Context, msg *datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Role == s.failRole {
		return errors.New("write failed")
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *recordingCommitStore) CreateUsage(ctx context.Context, rec *datatypes.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUsage {
		return errors.New("usage write failed")
	}
	s.usage = append(s.usage, *rec)
	return nil
}

func TestCommitTurn_WritesAllThreeRows(t *testing.T) {
	st := &recordingCommitStore{}
	c := NewCommitter(st)

	result := &generation.TurnResult{
		Text:             "hello there",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		LatencyMs:        800,
	}
	assistant, err := c.CommitTurn(context.Background(), "c1", "user-1", "hi", "gpt-5-mini", "openai", result)
	require.NoError(t, err)

	require.Len(t, st.messages, 2)
	assert.Equal(t, datatypes.RoleUser, st.messages[0].Role, "user row must be written first")
	assert.Equal(t, "hi", st.messages[0].Content)
	assert.Equal(t, datatypes.EstimateTokens("hi"), st.messages[0].TokenCount)
	assert.Equal(t, datatypes.RoleAssistant, st.messages[1].Role)
	assert.Equal(t, "hello there", st.messages[1].Content)
	assert.Equal(t, 5, st.messages[1].TokenCount)
	assert.Equal(t, assistant.Content, st.messages[1].Content)

	require.Len(t, st.usage, 1)
	assert.Equal(t, "gpt-5-mini", st.usage[0].Model)
	assert.Equal(t, "openai", st.usage[0].Provider)
	assert.Equal(t, 15, st.usage[0].TotalTokens)
	assert.Equal(t, int64(800), st.usage[0].LatencyMs)
}

func TestCommitTurn_UserWriteFailureAbortsBatch(t *testing.T) {
	st := &recordingCommitStore{failRole: datatypes.RoleUser}
	c := NewCommitter(st)

	_, err := c.CommitTurn(context.Background(), "c1", "user-1", "hi", "gpt-5-mini", "openai", &generation.TurnResult{Text: "x"})
	require.Error(t, err)
	assert.Empty(t, st.messages)
	assert.Empty(t, st.usage)
}

func TestCommitTurn_UsageFailureKeepsUserRow(t *testing.T) {
	st := &recordingCommitStore{failUsage: true}
	c := NewCommitter(st)

	_, err := c.CommitTurn(context.Background(), "c1", "user-1", "hi", "gpt-5-mini", "openai", &generation.TurnResult{Text: "x"})
	require.Error(t, err)

	require.NotEmpty(t, st.messages)
	assert.Equal(t, datatypes.RoleUser, st.messages[0].Role)
}

func TestCommitTurn_SurvivesCancelledRequestContext(t *testing.T) {
	st := &recordingCommitStore{}
	c := NewCommitter(st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CommitTurn(ctx, "c1", "user-1", "hi", "gpt-5-mini", "openai", &generation.TurnResult{Text: "partial"})
	require.NoError(t, err, "a disconnected client must not lose its rows")
	assert.Len(t, st.messages, 2)
	assert.Len(t, st.usage, 1)
}

func TestCommitUserOnly(t *testing.T) {
	st := &recordingCommitStore{}
	c := NewCommitter(st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.CommitUserOnly(ctx, "c1", "just me"))
	require.Len(t, st.messages, 1)
	assert.Equal(t, datatypes.RoleUser, st.messages[0].Role)
	assert.Empty(t, st.usage)
}

func TestCommitTurn_MetadataCarriedToAssistantRow(t *testing.T) {
	st := &recordingCommitStore{}
	c := NewCommitter(st)

	result := &generation.TurnResult{
		Text:      "searched",
		ToolCalls: []string{"web_search"},
		Sources:   []datatypes.SourceInfo{{Title: "NOAA"}},
	}
	_, err := c.CommitTurn(context.Background(), "c1", "user-1", "q", "gpt-5.1", "openai", result)
	require.NoError(t, err)

	require.Len(t, st.messages, 2)
	require.NotNil(t, st.messages[1].Metadata)
	assert.Equal(t, []string{"web_search"}, st.messages[1].Metadata.ToolCalls)
}
