// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory provides the long-term semantic memory store backing the
// save_memory tool and the per-turn memory recall.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

// ClassName is the Weaviate class holding user memories.
const ClassName = "UserMemory"

// RecallTopK is the number of memories folded into a turn's context.
const RecallTopK = 3

// Category values accepted by SaveFact.
const (
	CategoryFact       = "fact"
	CategoryPreference = "preference"
)

// Store is the interface the context assembler and the save_memory tool
// depend on.
//
// # Description
//
// RecallContext performs a semantic search over the user's memories and
// returns a newline-joined snippet, empty when nothing relevant exists.
// SaveFact persists one durable fact or preference. Both are scoped to a
// single user; cross-user leakage is a store bug, not a caller concern.
type Store interface {
	RecallContext(ctx context.Context, userID, query string) (string, error)
	SaveFact(ctx context.Context, userID, content, category string) error
}

// =============================================================================
// Weaviate Implementation
// =============================================================================

// WeaviateStore implements Store over a Weaviate class with a vectorizer
// module enabled, so nearText queries embed server-side.
type WeaviateStore struct {
	client *weaviate.Client
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore creates a store over the given client.
//
// # Inputs
//
//   - client: Weaviate client. Must not be nil.
//
// # Outputs
//
//   - *WeaviateStore: The configured store.
//   - error: Non-nil if client is nil.
func NewWeaviateStore(client *weaviate.Client) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &WeaviateStore{client: client}, nil
}

// RecallContext returns the top memories semantically close to query,
// joined by newlines. An empty result is not an error.
func (s *WeaviateStore) RecallContext(ctx context.Context, userID, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	whereFilter := filters.Where().
		WithPath([]string{"userId"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	result, err := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(graphql.Field{Name: "content"}).
		WithNearText(nearText).
		WithWhere(whereFilter).
		WithLimit(RecallTopK).
		Do(ctx)

	if err != nil {
		return "", fmt.Errorf("querying memories: %w", err)
	}
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("query error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return "", nil
	}
	objects, ok := data[ClassName].([]interface{})
	if !ok || len(objects) == 0 {
		return "", nil
	}

	lines := make([]string, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		if content, ok := m["content"].(string); ok && content != "" {
			lines = append(lines, content)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// SaveFact persists one memory object for the user.
func (s *WeaviateStore) SaveFact(ctx context.Context, userID, content, category string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content must not be empty")
	}
	if category != CategoryFact && category != CategoryPreference {
		category = CategoryFact
	}

	_, err := s.client.Data().Creator().
		WithClassName(ClassName).
		WithProperties(map[string]interface{}{
			"memoryId":  uuid.NewString(),
			"userId":    userID,
			"content":   content,
			"category":  category,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		}).
		Do(ctx)

	if err != nil {
		return fmt.Errorf("storing memory: %w", err)
	}

	slog.Info("Stored memory", "user_id", userID, "category", category)
	return nil
}

// =============================================================================
// Nop Implementation
// =============================================================================

// NopStore satisfies Store without persistence. Used when the service runs
// without a Weaviate endpoint configured.
type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) RecallContext(context.Context, string, string) (string, error) { return "", nil }
func (NopStore) SaveFact(context.Context, string, string, string) error        { return nil }
