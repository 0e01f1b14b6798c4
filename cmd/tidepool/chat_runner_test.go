// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

// scriptedHTTPClient returns one canned response per request, in order.
type scriptedHTTPClient struct {
	responses []*http.Response
	errs      []error
	calls     int
}

func (c *scriptedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i >= len(c.responses) {
		return nil, errors.New("unexpected extra request")
	}
	return c.responses[i], nil
}

func textResponse(body string, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestChatRunner_FirstTurnAdoptsConversation(t *testing.T) {
	client := &scriptedHTTPClient{responses: []*http.Response{
		textResponse("The answer is 4.", map[string]string{
			"X-Conversation-Id":    "c-77",
			"X-Conversation-Title": "What's 2+2?",
		}),
	}}
	var out bytes.Buffer
	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL: "http://test",
		Model:   "gpt-5-mini",
		Reader:  NewMockInputReader([]string{"What's 2+2?", "exit"}),
		Out:     &out,
		Client:  client,
	})

	require.NoError(t, runner.Run(context.Background()))

	assert.Equal(t, "c-77", runner.ConversationID())
	assert.Contains(t, out.String(), "(conversation c-77: What's 2+2?)")
	assert.Contains(t, out.String(), "The answer is 4.")

	msgs := runner.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "The answer is 4.", msgs[0].Content)
	assert.Equal(t, "What's 2+2?", msgs[1].Content)
	assert.Equal(t, "c-77", msgs[1].ConversationID)
}

func TestChatRunner_SecondTurnContinuesConversation(t *testing.T) {
	client := &scriptedHTTPClient{responses: []*http.Response{
		textResponse("four", map[string]string{"X-Conversation-Id": "c-1"}),
		textResponse("eight", nil),
	}}
	var out bytes.Buffer
	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL: "http://test",
		Model:   "gpt-5-mini",
		Reader:  NewMockInputReader([]string{"2+2?", "4+4?", "quit"}),
		Out:     &out,
		Client:  client,
	})

	require.NoError(t, runner.Run(context.Background()))
	assert.Equal(t, 2, client.calls)
	assert.Len(t, runner.Messages(), 4)
}

func TestChatRunner_FailedTurnRestoresInput(t *testing.T) {
	client := &scriptedHTTPClient{errs: []error{errors.New("connection refused")}}
	var out bytes.Buffer
	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL: "http://test",
		Model:   "gpt-5-mini",
		Reader:  NewMockInputReader([]string{"hello", "exit"}),
		Out:     &out,
		Client:  client,
	})

	require.NoError(t, runner.Run(context.Background()))

	assert.Empty(t, runner.Messages(), "the optimistic bubble is rolled back")
	assert.Contains(t, out.String(), "connection refused")
	assert.Contains(t, out.String(), `your message was not sent: "hello"`)
}

func TestChatRunner_BlankLinesAndExitWords(t *testing.T) {
	client := &scriptedHTTPClient{}
	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL: "http://test",
		Model:   "gpt-5-mini",
		Reader:  NewMockInputReader([]string{"", "", "exit"}),
		Out:     &bytes.Buffer{},
		Client:  client,
	})

	require.NoError(t, runner.Run(context.Background()))
	assert.Zero(t, client.calls, "blank lines never reach the server")

	assert.True(t, isExitCommand("exit"))
	assert.True(t, isExitCommand("quit"))
	assert.False(t, isExitCommand("EXIT"))
}

func TestChatRunner_CancelledContextExits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL: "http://test",
		Model:   "gpt-5-mini",
		Reader:  NewMockInputReader([]string{"never read"}),
		Out:     &bytes.Buffer{},
		Client:  &scriptedHTTPClient{},
	})
	assert.ErrorIs(t, runner.Run(ctx), context.Canceled)
}
