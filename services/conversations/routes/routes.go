// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidepool-ai/tidepool/services/conversations/handlers"
	"github.com/tidepool-ai/tidepool/services/conversations/middleware"
)

// Recovery recovers panics into 500 responses, except the net/http abort
// sentinel, which must propagate so the server tears the connection down
// (used to signal mid-stream failures to streaming clients).
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok && err == http.ErrAbortHandler {
					panic(r)
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   "internal error",
				})
			}
		}()
		c.Next()
	}
}

// SetupRoutes registers all endpoints on the router.
func SetupRoutes(router *gin.Engine, h *handlers.Handler, auth middleware.AuthProvider, sendLimiter *middleware.RateLimiter) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		// The share view is a bearer capability, no auth.
		v1.GET("/public/:publicId", h.HandlePublicMessages)

		authed := v1.Group("", middleware.BearerAuth(auth))
		{
			authed.GET("/models", h.HandleListModels)
			authed.POST("/uploads/presign", h.HandlePresignUpload)

			conversations := authed.Group("/conversations")
			{
				conversations.GET("", h.HandleListConversations)
				conversations.POST("/:conversationId/messages", sendLimiter.Middleware(), h.HandleSendMessage)
				conversations.GET("/:conversationId/messages", h.HandleListMessages)
				conversations.GET("/:conversationId/export", h.HandleExportConversation)
				conversations.POST("/:conversationId/public", h.HandleShareConversation)
				conversations.DELETE("/:conversationId", h.HandleDeleteConversation)
			}
		}
	}
}
