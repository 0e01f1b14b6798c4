// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
	"github.com/tidepool-ai/tidepool/services/conversations/middleware"
)

// PresignExpiry is how long a presigned upload URL stays valid.
const PresignExpiry = 15 * time.Minute

// Presigner issues time-limited upload URLs for client attachments.
type Presigner interface {
	PresignUpload(ctx context.Context, objectName, contentType string) (string, error)
}

// =============================================================================
// GCS Presigner
// =============================================================================

// GCSPresigner issues V4 signed PUT URLs for a bucket.
type GCSPresigner struct {
	client *storage.Client
	bucket string
}

var _ Presigner = (*GCSPresigner)(nil)

// NewGCSPresigner wraps an authenticated storage client for one bucket.
func NewGCSPresigner(client *storage.Client, bucket string) (*GCSPresigner, error) {
	if client == nil {
		return nil, fmt.Errorf("client must not be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	return &GCSPresigner{client: client, bucket: bucket}, nil
}

// PresignUpload returns a signed PUT URL for the object. The content type
// is bound into the signature; the upload must match it.
func (p *GCSPresigner) PresignUpload(_ context.Context, objectName, contentType string) (string, error) {
	url, err := p.client.Bucket(p.bucket).SignedURL(objectName, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		Expires:     time.Now().Add(PresignExpiry),
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("signing upload URL: %w", err)
	}
	return url, nil
}

// =============================================================================
// Handler
// =============================================================================

// HandlePresignUpload issues a presigned upload URL for one attachment.
// The object name is namespaced by user id and randomized so clients
// cannot guess or overwrite each other's uploads.
//
// POST /v1/uploads/presign
func (h *Handler) HandlePresignUpload(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "handlers.PresignUpload")
	defer span.End()

	auth := middleware.GetAuthInfo(c)
	if auth == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}
	if h.presigner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "uploads not configured"})
		return
	}

	var req datatypes.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	objectName := path.Join("uploads", auth.UserID, uuid.NewString()+"-"+path.Base(req.FileName))
	url, err := h.presigner.PresignUpload(ctx, objectName, req.ContentType)
	if err != nil {
		slog.Error("Presigning upload failed", "user_id", auth.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, datatypes.PresignResponse{
		Success:   true,
		URL:       url,
		ExpiresIn: int(PresignExpiry.Seconds()),
	})
}
