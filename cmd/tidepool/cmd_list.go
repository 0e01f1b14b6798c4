// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

// apiGet issues an authenticated GET and returns the response body.
// Non-2xx responses become errors carrying the body.
func apiGet(path string, query url.Values) ([]byte, error) {
	u := strings.TrimSuffix(serverURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func runListConversations(cmd *cobra.Command, args []string) {
	query := url.Values{}
	if searchKeyword != "" {
		query.Set("keyword", searchKeyword)
	}

	cursor := ""
	for {
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		body, err := apiGet("/v1/conversations", query)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		var page datatypes.ConversationPage
		if err := json.Unmarshal(body, &page); err != nil {
			log.Fatalf("Failed to parse response: %v", err)
		}

		for _, conv := range page.Data {
			fmt.Printf("%s  %s  %s\n", conv.ID, conv.UpdatedAt.Local().Format("2006-01-02 15:04"), conv.Title)
		}
		if !page.Meta.HasMore {
			return
		}
		cursor = page.Meta.NextCursor
	}
}

func runListModels(cmd *cobra.Command, args []string) {
	body, err := apiGet("/v1/models", nil)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	var envelope struct {
		Success bool     `json:"success"`
		Data    []string `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}
	for _, name := range envelope.Data {
		fmt.Println(name)
	}
}

func runExportCommand(cmd *cobra.Command, args []string) {
	conversationID := args[0]
	body, err := apiGet("/v1/conversations/"+conversationID+"/export", nil)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if outputPath == "" {
		fmt.Print(string(body))
		return
	}
	if err := os.WriteFile(outputPath, body, 0o644); err != nil {
		log.Fatalf("Failed to write %s: %v", outputPath, err)
	}
	fmt.Printf("Wrote transcript to %s\n", outputPath)
}
