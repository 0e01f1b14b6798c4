// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package main contains the Tidepool CLI chat runner.
//
// This file defines the InputReader abstraction and the ChatRunner that
// drives the interactive loop:
//
//	cmd_chat.go → ChatRunner → pkg/stream.Transport (wire)
//	                           pkg/chatview.View    (local message state)
//	                           InputReader          (stdin abstraction)
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidepool-ai/tidepool/pkg/chatview"
	"github.com/tidepool-ai/tidepool/pkg/stream"
	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

// =============================================================================
// InputReader
// =============================================================================

// InputReader abstracts user input reading for testability.
//
// # Description
//
// Enables mocking of stdin in unit tests. Production implementation
// wraps bufio.Reader; the test implementation returns predetermined
// inputs.
//
// # Outputs
//
// ReadLine returns the line read (trimmed) and any error. io.EOF means
// input is exhausted.
type InputReader interface {
	ReadLine() (string, error)
}

// StdinReader implements InputReader over os.Stdin.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a StdinReader wrapping os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

// ReadLine reads until newline and returns the trimmed line. Blocks
// until input is available; returns io.EOF when stdin closes.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// MockInputReader implements InputReader for testing, returning
// predetermined inputs in order and io.EOF once exhausted.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a MockInputReader with the given inputs.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

// ReadLine returns the next predetermined input, then io.EOF.
func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	line := m.inputs[m.index]
	m.index++
	return line, nil
}

// =============================================================================
// ChatRunner
// =============================================================================

// ChatRunnerConfig groups everything a ChatRunner needs.
//
// # Fields
//
//   - BaseURL: Required. Conversations service URL without trailing slash.
//   - Token: Optional bearer token.
//   - Model: Required. Model name to generate with.
//   - ConversationID: Optional. Resume an existing conversation; a new
//     one is created on the first turn when empty.
//   - HighReasoning, ForceWebSearch: per-turn generation options.
//   - Reader: Input source. Defaults to stdin.
//   - Out: Output sink. Defaults to os.Stdout.
//   - Client: HTTP client. Defaults to http.DefaultClient.
type ChatRunnerConfig struct {
	BaseURL        string
	Token          string
	Model          string
	ConversationID string
	HighReasoning  bool
	ForceWebSearch bool
	Reader         InputReader
	Out            io.Writer
	Client         stream.HTTPClient
}

// ChatRunner drives the interactive chat loop.
//
// # Description
//
// Each iteration reads a line, appends it optimistically to the view,
// streams the turn over the transport, and echoes fragments as they
// arrive. When the server creates the conversation mid-turn, the view
// adopts the assigned id so later turns continue it.
//
// When a turn fails in transit, the optimistic user bubble is rolled
// back and the input is reprinted so it can be resent; partial reply
// content that already streamed stays on screen. Cancelling the context
// (Ctrl+C) is a normal exit, not an error.
//
// # Thread Safety
//
// Not thread-safe. One runner per terminal session.
type ChatRunner struct {
	transport *stream.Transport
	view      *chatview.View
	reader    InputReader
	out       io.Writer

	model          string
	highReasoning  bool
	forceWebSearch bool
}

// NewChatRunner creates a runner from config, applying defaults for
// Reader, Out, and Client.
func NewChatRunner(cfg ChatRunnerConfig) *ChatRunner {
	if cfg.Reader == nil {
		cfg.Reader = NewStdinReader()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	conversationID := cfg.ConversationID
	if conversationID == "" {
		conversationID = datatypes.NewConversationID
	}
	return &ChatRunner{
		transport:      stream.NewTransport(cfg.Client, cfg.BaseURL, cfg.Token),
		view:           chatview.NewView(conversationID),
		reader:         cfg.Reader,
		out:            cfg.Out,
		model:          cfg.Model,
		highReasoning:  cfg.HighReasoning,
		forceWebSearch: cfg.ForceWebSearch,
	}
}

// Run executes the chat loop until exit, EOF, or context cancellation.
//
// # Outputs
//
//   - error: nil on normal exit ("exit", "quit", or EOF), the context's
//     error on cancellation, or the read error that stopped the loop.
func (r *ChatRunner) Run(ctx context.Context) error {
	fmt.Fprintf(r.out, "Chatting with %s. Type 'exit' to quit.\n", r.model)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Fprint(r.out, "> ")
		line, err := r.reader.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		r.sendTurn(ctx, line)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// sendTurn streams one turn, echoing fragments and maintaining the
// view. Failures are reported inline; the loop continues.
func (r *ChatRunner) sendTurn(ctx context.Context, input string) {
	pendingID := r.view.AppendPendingUser(input)

	var options *stream.TurnOptions
	if r.highReasoning || r.forceWebSearch {
		options = &stream.TurnOptions{
			HighReasoning:  r.highReasoning,
			ForceWebSearch: r.forceWebSearch,
		}
	}

	turn := r.transport.NewTurn(stream.TurnRequest{
		ConversationID: r.view.ConversationID(),
		Input:          input,
		Model:          r.model,
		Options:        options,
	}, stream.Callbacks{
		OnConversationCreated: func(id, title string) {
			r.view.AdoptConversation(id)
			fmt.Fprintf(r.out, "(conversation %s: %s)\n", id, title)
		},
		OnFragment: func(fragment string) {
			fmt.Fprint(r.out, fragment)
			r.view.ApplyFragment(fragment)
		},
	})

	err := turn.Run(ctx)
	r.view.FinishStream()
	fmt.Fprintln(r.out)

	if err != nil && !errors.Is(err, context.Canceled) {
		// Roll back the optimistic bubble and hand the input back; any
		// partial reply that streamed stays visible.
		r.view.RemovePending(pendingID)
		fmt.Fprintf(r.out, "error: %v\n", err)
		fmt.Fprintf(r.out, "(your message was not sent: %q)\n", input)
	}
}

// ConversationID returns the conversation the runner is in, which may
// still be the "new" sentinel before the first completed turn.
func (r *ChatRunner) ConversationID() string {
	return r.view.ConversationID()
}

// Messages exposes the view's message list, newest-first.
func (r *ChatRunner) Messages() []datatypes.Message {
	return r.view.Messages()
}

// isExitCommand reports whether the input ends the session.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}
