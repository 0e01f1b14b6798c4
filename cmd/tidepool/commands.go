// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL      string
	authToken      string
	modelName      string
	highReasoning  bool
	forceWebSearch bool
	resumeID       string
	searchKeyword  string
	outputPath     string

	rootCmd = &cobra.Command{
		Use:   "tidepool",
		Short: "A cli client for the Tidepool conversations service",
		Long: `Tidepool is a streaming chat client. It talks to a running
conversations service, streams replies as they generate, and manages
your conversation history.`,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive streaming chat session",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_chat.go
	}

	conversationsCmd = &cobra.Command{
		Use:     "conversations",
		Short:   "List your conversations",
		Aliases: []string{"ls"},
		Run:     runListConversations, // Defined in cmd_list.go
	}

	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List the selectable models",
		Run:   runListModels, // Defined in cmd_list.go
	}

	exportCmd = &cobra.Command{
		Use:   "export [conversation_id]",
		Short: "Export a conversation as a Markdown transcript",
		Args:  cobra.ExactArgs(1),
		Run:   runExportCommand, // Defined in cmd_list.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TIDEPOOL_SERVER", "http://localhost:8080"),
		"Base URL of the conversations service")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("TIDEPOOL_TOKEN"),
		"Bearer token (defaults to $TIDEPOOL_TOKEN)")

	chatCmd.Flags().StringVarP(&modelName, "model", "m", "gpt-5-mini", "Model to generate with")
	chatCmd.Flags().BoolVar(&highReasoning, "high-reasoning", false, "Use the high reasoning-effort profile")
	chatCmd.Flags().BoolVar(&forceWebSearch, "force-web-search", false, "Pin the model to its web search tool")
	chatCmd.Flags().StringVar(&resumeID, "resume", "", "Continue an existing conversation by id")

	askCmd.Flags().StringVarP(&modelName, "model", "m", "gpt-5-mini", "Model to generate with")
	askCmd.Flags().BoolVar(&highReasoning, "high-reasoning", false, "Use the high reasoning-effort profile")
	askCmd.Flags().BoolVar(&forceWebSearch, "force-web-search", false, "Pin the model to its web search tool")

	conversationsCmd.Flags().StringVar(&searchKeyword, "search", "", "Filter titles by keyword")

	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the transcript to a file instead of stdout")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(exportCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
