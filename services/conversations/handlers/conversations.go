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

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/middleware"
	"github.com/tidepool-ai/tidepool/services/conversations/observability"
	"github.com/tidepool-ai/tidepool/services/conversations/store"
)

// HandleListConversations returns one newest-first page of the user's
// conversations, optionally filtered by a title keyword.
//
// GET /v1/conversations?keyword=&cursor=
func (h *Handler) HandleListConversations(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.ListConversations")
	defer span.End()

	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	convs, meta, err := h.store.ListConversations(ctx, auth.UserID, c.Query("keyword"), c.Query("cursor"))
	if err != nil {
		span.SetStatus(codes.Error, "list conversations")
		slog.Error("Listing conversations failed", "user_id", auth.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, datatypes.ConversationPage{Success: true, Data: convs, Meta: meta})
}

// HandleDeleteConversation soft-deletes a conversation. Rows stay behind
// for usage accounting.
//
// DELETE /v1/conversations/:conversationId
func (h *Handler) HandleDeleteConversation(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.DeleteConversation")
	defer span.End()

	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	err := h.store.DeactivateConversation(ctx, c.Param("conversationId"), auth.UserID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "deactivate conversation")
		slog.Error("Deleting conversation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleShareConversation marks a conversation public and returns its
// share URL. The public id is assigned on first share and stable after.
//
// POST /v1/conversations/:conversationId/public
func (h *Handler) HandleShareConversation(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.ShareConversation")
	defer span.End()

	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	publicID, err := h.store.EnsurePublicID(ctx, c.Param("conversationId"), auth.UserID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "ensure public id")
		slog.Error("Sharing conversation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, datatypes.ShareResponse{
		Success: true,
		URL:     h.shareBaseURL + "/" + publicID,
	})
}

// HandlePublicMessages serves the unauthenticated share view: one
// oldest-first page of a shared conversation.
//
// GET /v1/public/:publicId?cursor=
func (h *Handler) HandlePublicMessages(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.PublicMessages")
	defer span.End()

	conv, err := h.store.GetPublicConversation(ctx, c.Param("publicId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, "load public conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	msgs, meta, err := h.store.ListPublicMessages(ctx, conv.ID, c.Query("cursor"))
	if err != nil {
		span.SetStatus(codes.Error, "list public messages")
		slog.Error("Listing public messages failed", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordRequest("public_messages", true)
	}

	page := datatypes.PublicMessagePage{Success: true, Data: msgs}
	page.Meta.Title = conv.Title
	page.Meta.NextCursor = meta.NextCursor
	page.Meta.HasMore = meta.HasMore
	c.JSON(http.StatusOK, page)
}
