// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/middleware"
	"github.com/tidepool-ai/tidepool/services/conversations/store"
)

// BuildTranscript renders a conversation as a markdown transcript: title
// heading, then one section per message labeled with the author and the
// message timestamp. The output is a pure function of its inputs, so the
// same conversation always exports byte-identical.
func BuildTranscript(title string, messages []datatypes.Message) string {
	var b strings.Builder

	if title == "" {
		title = "Untitled Conversation"
	}
	b.WriteString("# " + title + "\n\n---\n\n")

	for _, msg := range messages {
		role := "Assistant"
		if msg.Role == datatypes.RoleUser {
			role = "User"
		}
		b.WriteString("## " + role + "\n\n")
		b.WriteString(msg.Content + "\n\n")
		b.WriteString("_" + msg.CreatedAt.UTC().Format(time.RFC3339) + "_\n\n---\n\n")
	}

	return b.String()
}

// HandleExportConversation returns the full transcript of a conversation
// as a markdown attachment.
//
// GET /v1/conversations/:conversationId/export
func (h *Handler) HandleExportConversation(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.ExportConversation")
	defer span.End()

	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	conv, err := h.store.GetOwnedConversation(ctx, c.Param("conversationId"), auth.UserID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "load conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	msgs, err := h.store.AllMessages(ctx, conv.ID)
	if err != nil {
		span.SetStatus(codes.Error, "load messages")
		slog.Error("Exporting conversation failed", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="conversation.md"`)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(BuildTranscript(conv.Title, msgs)))
}
