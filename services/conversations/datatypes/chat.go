// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes: request and response types for the conversations
// HTTP surface.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// NewConversationID is the sentinel conversation id used on the first
	// turn, before the store has assigned a durable id.
	NewConversationID = "new"

	// HeaderConversationID carries the freshly assigned conversation id on
	// the streaming response, present only when the turn created the
	// conversation. Sent before the body begins.
	HeaderConversationID = "X-Conversation-Id"

	// HeaderConversationTitle carries the derived title alongside
	// HeaderConversationID.
	HeaderConversationTitle = "X-Conversation-Title"

	// MaxInputBytes is the maximum size of a single user input.
	// Byte length, not rune count, to bound memory on hostile payloads.
	MaxInputBytes = 32 * 1024

	// PageSize is the fixed page size for cursor-paginated listings.
	PageSize = 10

	// HistoryWindow is the number of recent durable messages assembled as
	// model context for a turn.
	HistoryWindow = 3
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate validates request datatypes. Initialized once with the
// custom maxbytes rule.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxInputBytes on string fields by byte length.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxInputBytes
}

// =============================================================================
// Send Message Request
// =============================================================================

// SendOptions tunes a single generation.
//
//   - HighReasoning: selects the high reasoning-effort parameter profile
//     for the model, with a visible reasoning summary where the provider
//     supports one. Low effort otherwise.
//   - ForceWebSearch: pins tool choice to the model's web-search tool.
//     When false, tool use is left to the model's discretion.
type SendOptions struct {
	HighReasoning  bool `json:"highReasoning,omitempty"`
	ForceWebSearch bool `json:"forceWebSearch,omitempty"`
}

// SendMessageRequest is the body of POST /v1/conversations/:id/messages.
//
// # Validation
//
//   - Input: required, at most MaxInputBytes bytes.
//   - Model: required, checked against the model registry by the handler.
type SendMessageRequest struct {
	Input   string       `json:"input" validate:"required,maxbytes"`
	Model   string       `json:"model" validate:"required"`
	Options *SendOptions `json:"options,omitempty"`
}

// Validate checks the request against its declared rules.
func (r *SendMessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// List Envelopes
// =============================================================================

// PageMeta carries cursor pagination state. NextCursor is opaque to
// clients; it is the id of the last item in the page.
type PageMeta struct {
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// MessagePage is the response envelope for message listings.
type MessagePage struct {
	Success bool      `json:"success"`
	Data    []Message `json:"data"`
	Meta    PageMeta  `json:"meta"`
}

// ConversationPage is the response envelope for conversation listings.
type ConversationPage struct {
	Success bool           `json:"success"`
	Data    []Conversation `json:"data"`
	Meta    PageMeta       `json:"meta"`
}

// PublicMessagePage is the envelope for the unauthenticated share view.
// Title rides in the meta so the share page can render a heading without
// a second request.
type PublicMessagePage struct {
	Success bool      `json:"success"`
	Data    []Message `json:"data"`
	Meta    struct {
		Title      string `json:"title"`
		NextCursor string `json:"nextCursor,omitempty"`
		HasMore    bool   `json:"hasMore"`
	} `json:"meta"`
}

// ShareResponse is returned by POST /v1/conversations/:id/public.
type ShareResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
}

// PresignRequest asks for a presigned upload URL.
type PresignRequest struct {
	FileName    string `json:"fileName" validate:"required"`
	ContentType string `json:"contentType" validate:"required"`
}

// Validate checks the request against its declared rules.
func (r *PresignRequest) Validate() error {
	return chatValidate.Struct(r)
}

// PresignResponse carries the signed PUT URL and its expiry in seconds.
type PresignResponse struct {
	Success   bool   `json:"success"`
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}
