// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the conversations
// service.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/generation"
	"github.com/tidepool-ai/tidepool/services/conversations/middleware"
	"github.com/tidepool-ai/tidepool/services/conversations/observability"
	"github.com/tidepool-ai/tidepool/services/conversations/services"
	"github.com/tidepool-ai/tidepool/services/conversations/store"
)

var tracer = otel.Tracer("tidepool/services/conversations/handlers")

// =============================================================================
// Dependencies
// =============================================================================

// ConversationStore is the store surface the handlers read and write.
type ConversationStore interface {
	CommitStore
	CreateConversation(ctx context.Context, userID, title string) (*datatypes.Conversation, error)
	GetOwnedConversation(ctx context.Context, id, userID string) (*datatypes.Conversation, error)
	ListConversations(ctx context.Context, userID, keyword, cursor string) ([]datatypes.Conversation, datatypes.PageMeta, error)
	DeactivateConversation(ctx context.Context, id, userID string) error
	EnsurePublicID(ctx context.Context, id, userID string) (string, error)
	GetPublicConversation(ctx context.Context, publicID string) (*datatypes.Conversation, error)
	ListMessages(ctx context.Context, conversationID, cursor string) ([]datatypes.Message, datatypes.PageMeta, error)
	ListPublicMessages(ctx context.Context, conversationID, cursor string) ([]datatypes.Message, datatypes.PageMeta, error)
	AllMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error)
}

// TurnAssembler builds the model context for a turn.
type TurnAssembler interface {
	Assemble(ctx context.Context, conversationID, userID, input string) (*services.TurnContext, error)
}

// TurnGenerator runs one streaming generation.
type TurnGenerator interface {
	Stream(ctx context.Context, in generation.TurnInput, onFragment generation.FragmentCallback) (*generation.TurnResult, error)
}

// Handler carries the wired dependencies for all conversation endpoints.
type Handler struct {
	store     ConversationStore
	assembler TurnAssembler
	generator TurnGenerator
	registry  *generation.Registry
	committer *Committer

	// shareBaseURL prefixes public ids in share links,
	// e.g. "https://app.tidepool-ai.dev/share".
	shareBaseURL string

	// presigner is nil when no object storage is configured; the presign
	// endpoint then answers 503.
	presigner Presigner
}

// NewHandler wires the conversation endpoints. Panics on nil required
// dependencies; presigner may be nil.
func NewHandler(st ConversationStore, assembler TurnAssembler, generator TurnGenerator, registry *generation.Registry, shareBaseURL string, presigner Presigner) *Handler {
	if st == nil {
		panic("store must not be nil")
	}
	if assembler == nil {
		panic("assembler must not be nil")
	}
	if generator == nil {
		panic("generator must not be nil")
	}
	if registry == nil {
		panic("registry must not be nil")
	}
	return &Handler{
		store:        st,
		assembler:    assembler,
		generator:    generator,
		registry:     registry,
		committer:    NewCommitter(st),
		shareBaseURL: shareBaseURL,
		presigner:    presigner,
	}
}

// =============================================================================
// Send Message (Streaming)
// =============================================================================

// HandleSendMessage streams one turn.
//
// # Description
//
// POST /v1/conversations/:conversationId/messages
//
// The path id may be the literal "new"; the conversation is then created
// with the input (truncated) as title, announced via the X-Conversation-Id
// and X-Conversation-Title headers before the body starts. The body is
// raw chunked UTF-8 text: the concatenated chunks are the reply, nothing
// else is in-band.
//
// Errors before the first body write are ordinary JSON responses. Once
// the body has started the status line is gone; a generation failure then
// aborts the connection so the client sees a transport error rather than
// a silently truncated reply.
//
// # Persistence Matrix
//
//   - Success, or cancellation after some text: user, assistant, and
//     usage rows.
//   - Cancellation before any text: user row only.
//   - Failure before any fragment: no rows; the failure is the response.
//   - Failure mid-stream: user row only, connection aborted.
func (h *Handler) HandleSendMessage(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.SendMessage")
	defer span.End()

	metrics := observability.DefaultMetrics
	started := time.Now()

	// ---- Step 1: Authentication ----
	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}
	span.SetAttributes(attribute.String("user.id", auth.UserID))

	// ---- Step 2: Parse and validate request ----
	var req datatypes.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordError(metrics, "send_message", observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		h.recordError(metrics, "send_message", observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	profile, err := h.registry.Lookup(req.Model)
	if err != nil {
		h.recordError(metrics, "send_message", observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("model", req.Model))

	// ---- Step 3: Resolve or create the conversation ----
	conversationID := c.Param("conversationId")
	var conv *datatypes.Conversation
	created := conversationID == datatypes.NewConversationID
	if created {
		conv, err = h.store.CreateConversation(ctx, auth.UserID, req.Input)
		if err != nil {
			span.SetStatus(codes.Error, "create conversation")
			h.recordError(metrics, "send_message", observability.ErrorCodeStoreError)
			slog.Error("Creating conversation failed", "user_id", auth.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
			return
		}
	} else {
		conv, err = h.store.GetOwnedConversation(ctx, conversationID, auth.UserID)
		if errors.Is(err, store.ErrNotFound) {
			h.recordError(metrics, "send_message", observability.ErrorCodeNotFound)
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
			return
		}
		if err != nil {
			span.SetStatus(codes.Error, "load conversation")
			h.recordError(metrics, "send_message", observability.ErrorCodeStoreError)
			slog.Error("Loading conversation failed", "conversation_id", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
			return
		}
	}
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	// ---- Step 4: Assemble history and memory ----
	historyID := conv.ID
	if created {
		historyID = ""
	}
	turnCtx, err := h.assembler.Assemble(ctx, historyID, auth.UserID, req.Input)
	if err != nil {
		span.SetStatus(codes.Error, "assemble context")
		h.recordError(metrics, "send_message", observability.ErrorCodeStoreError)
		slog.Error("Assembling turn context failed", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	if err := turnCtx.Validate(); err != nil {
		span.SetStatus(codes.Error, "unusable turn context")
		h.recordError(metrics, "send_message", observability.ErrorCodeStoreError)
		slog.Error("Assembled turn context is unusable", "conversation_id", conv.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	// ---- Step 5: Open the stream ----
	// Announcement headers must precede the body.
	SetStreamHeaders(c.Writer)
	if created {
		c.Header(datatypes.HeaderConversationID, conv.ID)
		c.Header(datatypes.HeaderConversationTitle, conv.Title)
	}
	writer, err := NewStreamWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "streaming unsupported"})
		return
	}

	if metrics != nil {
		metrics.ActiveStreams.Inc()
		defer metrics.ActiveStreams.Dec()
	}

	// ---- Step 6: Generate ----
	options := datatypes.SendOptions{}
	if req.Options != nil {
		options = *req.Options
	}
	firstFragment := true
	writeFailed := false
	result, genErr := h.generator.Stream(ctx, generation.TurnInput{
		UserID:       auth.UserID,
		Model:        req.Model,
		Input:        req.Input,
		SystemPrompt: turnCtx.SystemPrompt,
		History:      turnCtx.History,
		Options:      options,
	}, func(fragment string) error {
		if firstFragment {
			firstFragment = false
			if metrics != nil {
				metrics.TimeToFirstFragmentSeconds.Observe(time.Since(started).Seconds())
			}
		}
		if err := writer.WriteFragment(fragment); err != nil {
			writeFailed = true
			return err
		}
		return nil
	})

	// ---- Step 7: Commit per outcome ----
	h.finishTurn(c, span, metrics, conv, auth.UserID, req.Model, string(profile.Provider), req.Input, result, genErr, writeFailed, started)
}

// finishTurn applies the persistence matrix and closes out metrics for
// one turn.
func (h *Handler) finishTurn(c *gin.Context, span trace.Span, metrics *observability.Metrics, conv *datatypes.Conversation, userID, model, provider, input string, result *generation.TurnResult, genErr error, writeFailed bool, started time.Time) {
	ctx := c.Request.Context()

	switch {
	case genErr == nil:
		if _, err := h.committer.CommitTurn(ctx, conv.ID, userID, input, model, provider, result); err != nil {
			// The reply already reached the client; the miss is ours.
			slog.Error("Committing turn failed", "conversation_id", conv.ID, "error", err)
			h.recordError(metrics, "send_message", observability.ErrorCodeStoreError)
		}
		if metrics != nil {
			metrics.RecordRequest("send_message", true)
			metrics.RecordTokens(model, result.PromptTokens, result.CompletionTokens)
			metrics.StreamDurationSeconds.WithLabelValues("success").Observe(time.Since(started).Seconds())
		}

	case errors.Is(genErr, context.Canceled):
		// Client went away or stopped the turn. Not a failure.
		if metrics != nil {
			metrics.ClientDisconnectsTotal.Inc()
			metrics.StreamDurationSeconds.WithLabelValues("cancelled").Observe(time.Since(started).Seconds())
		}
		if result.Text != "" {
			if _, err := h.committer.CommitTurn(ctx, conv.ID, userID, input, model, provider, result); err != nil {
				slog.Error("Committing cancelled turn failed", "conversation_id", conv.ID, "error", err)
			}
		} else {
			if err := h.committer.CommitUserOnly(ctx, conv.ID, input); err != nil {
				slog.Error("Committing user message failed", "conversation_id", conv.ID, "error", err)
			}
		}

	default:
		span.SetStatus(codes.Error, genErr.Error())
		slog.Error("Generation failed", "conversation_id", conv.ID, "model", model, "error", genErr)
		if metrics != nil {
			metrics.RecordRequest("send_message", false)
			metrics.RecordError("send_message", observability.ErrorCodeModelError)
			metrics.StreamDurationSeconds.WithLabelValues("error").Observe(time.Since(started).Seconds())
		}
		if result.Text == "" && !c.Writer.Written() {
			// Nothing streamed yet: the failure is the response, no rows.
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "generation failed"})
			return
		}
		// Partial reply already on the wire. Keep the user's message,
		// drop the partial assistant text, and abort the connection so
		// the client sees a transport error instead of a clean end.
		if err := h.committer.CommitUserOnly(ctx, conv.ID, input); err != nil {
			slog.Error("Committing user message failed", "conversation_id", conv.ID, "error", err)
		}
		if !writeFailed {
			panic(http.ErrAbortHandler)
		}
	}
}

func (h *Handler) recordError(metrics *observability.Metrics, endpoint string, code observability.ErrorCode) {
	if metrics != nil {
		metrics.RecordRequest(endpoint, false)
		metrics.RecordError(endpoint, code)
	}
}

// =============================================================================
// List Messages
// =============================================================================

// HandleListMessages returns one newest-first page of a conversation's
// durable messages.
//
// GET /v1/conversations/:conversationId/messages?cursor=
func (h *Handler) HandleListMessages(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.ListMessages")
	defer span.End()

	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	conversationID := c.Param("conversationId")
	if _, err := h.store.GetOwnedConversation(ctx, conversationID, auth.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "conversation not found"})
			return
		}
		span.SetStatus(codes.Error, "load conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	msgs, meta, err := h.store.ListMessages(ctx, conversationID, c.Query("cursor"))
	if err != nil {
		span.SetStatus(codes.Error, "list messages")
		slog.Error("Listing messages failed", "conversation_id", conversationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordRequest("list_messages", true)
	}
	c.JSON(http.StatusOK, datatypes.MessagePage{Success: true, Data: msgs, Meta: meta})
}

// =============================================================================
// List Models
// =============================================================================

// HandleListModels returns the selectable model names.
//
// GET /v1/models
func (h *Handler) HandleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": h.registry.Names()})
}
