// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func runChatCommand(cmd *cobra.Command, args []string) {
	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL:        strings.TrimSuffix(serverURL, "/"),
		Token:          authToken,
		Model:          modelName,
		ConversationID: resumeID,
		HighReasoning:  highReasoning,
		ForceWebSearch: forceWebSearch,
	})

	// Graceful shutdown: Ctrl+C cancels the context; an in-flight turn
	// aborts and the loop exits cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Chat error: %v", err)
	}
}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	runner := NewChatRunner(ChatRunnerConfig{
		BaseURL:        strings.TrimSuffix(serverURL, "/"),
		Token:          authToken,
		Model:          modelName,
		HighReasoning:  highReasoning,
		ForceWebSearch: forceWebSearch,
	})
	runner.sendTurn(ctx, question)
}
