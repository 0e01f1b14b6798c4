// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures shared by the conversations
// service and its clients.
//
// This file contains the durable row types: Message, Conversation, and
// UsageRecord. Request and response envelopes live in chat.go.
package datatypes

import "time"

// =============================================================================
// Roles
// =============================================================================

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleSystem    MessageRole = "SYSTEM"
)

// =============================================================================
// Message
// =============================================================================

// Message is one entry in a conversation.
//
// # Description
//
// A Message is either durable (persisted, id assigned by the store) or
// client-local pending (id carries a "user_" or "ai_" prefix, see
// pkg/chatview). Durable ids are fixed-width sortable strings, so ordering
// by id matches creation order and the id of the last item in a page is
// usable as a pagination cursor.
//
// # Fields
//
//   - ID: Store-assigned sortable id, or client-local temporary id.
//   - ConversationID: Owning conversation. May be "new" on pending entries
//     created before the first turn of a conversation completes.
//   - Role: USER, ASSISTANT, or SYSTEM.
//   - Content: Message text. Appended to in place while a reply streams.
//   - TokenCount: Token count for the content. Estimated for user messages,
//     reported by the provider for assistant messages.
//   - Metadata: Tool and citation metadata, assistant messages only.
//   - CreatedAt: Creation time. For pending entries this is local wall time.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Role           MessageRole      `json:"role"`
	Content        string           `json:"content"`
	TokenCount     int              `json:"tokenCount,omitempty"`
	Metadata       *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// MessageMetadata captures side-channel results of a generation: which
// tools ran, their truncated outputs, and any citations the provider
// attached to the reply.
type MessageMetadata struct {
	ToolCalls   []string         `json:"toolCalls,omitempty"`
	ToolResults []ToolResultInfo `json:"toolResults,omitempty"`
	Sources     []SourceInfo     `json:"sources,omitempty"`
}

// ToolResultInfo is one recorded tool invocation. Output is truncated to
// MaxToolOutputBytes before persistence.
type ToolResultInfo struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// SourceInfo is one citation attached to an assistant reply.
type SourceInfo struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Type  string `json:"type,omitempty"`
}

// MaxToolOutputBytes bounds the tool output stored in message metadata.
const MaxToolOutputBytes = 5000

// =============================================================================
// Conversation
// =============================================================================

// Conversation is the durable conversation row.
//
// # Description
//
// Conversations are created implicitly on the first turn sent to the
// "new" sentinel id; the title is the first input truncated to
// MaxTitleLength. Deletion is always a soft delete (IsActive=false).
// PublicID is assigned lazily on the first share request and is stable
// afterwards.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"isActive"`
	IsPublic  bool      `json:"isPublic"`
	PublicID  string    `json:"publicId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MaxTitleLength bounds titles derived from the first input of a turn.
const MaxTitleLength = 60

// =============================================================================
// Usage
// =============================================================================

// UsageRecord is the per-turn accounting row written after a generation
// completes.
type UsageRecord struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversationId"`
	UserID           string    `json:"userId"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	LatencyMs        int64     `json:"latencyMs"`
	CreatedAt        time.Time `json:"createdAt"`
}

// EstimateTokens approximates the token count of a text as ceil(len/4).
// Used for user messages, where no provider-reported count exists.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
