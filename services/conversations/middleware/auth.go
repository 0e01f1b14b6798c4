// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the conversations
// service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates it using the configured AuthProvider, and stores the
// resulting AuthInfo in the Gin context for downstream handlers.
//
// Identity verification itself lives behind the AuthProvider interface;
// this service only consumes the verified user id. The default
// StaticAuthProvider maps tokens to user ids from configuration, which is
// enough for single-tenant deployments and tests. Deployments with a real
// identity provider plug in their own implementation.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by AuthProvider implementations when a token
// is missing, malformed, or revoked.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the verified identity attached to a request.
type AuthInfo struct {
	UserID string
	Email  string
}

// AuthProvider validates bearer tokens.
//
// Validate must be safe for concurrent use. It returns ErrUnauthorized
// (possibly wrapped) for rejected tokens; any other error is treated as a
// provider failure and also rejects the request.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// =============================================================================
// Context Helpers
// =============================================================================

// authInfoKey is the context key for storing AuthInfo. Namespaced to
// prevent collisions with other context values.
const authInfoKey = "tidepool_auth_info"

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info, nil when the request
// did not pass through BearerAuth.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// BearerAuth creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// with the provider, and stores the resulting AuthInfo in the context.
// A missing or malformed header yields an empty token; whether that is
// acceptable is the provider's call (NopAuthProvider accepts it).
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with a route group.
func BearerAuth(provider AuthProvider) gin.HandlerFunc {
	if provider == nil {
		panic("provider must not be nil")
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>", returning an
// empty string when missing or malformed. The scheme is case-insensitive
// per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// =============================================================================
// Providers
// =============================================================================

// StaticAuthProvider validates tokens against a fixed token → user map
// loaded from configuration.
type StaticAuthProvider struct {
	users map[string]AuthInfo
}

var _ AuthProvider = (*StaticAuthProvider)(nil)

// NewStaticAuthProvider builds a provider from a token → user id map.
func NewStaticAuthProvider(tokens map[string]string) *StaticAuthProvider {
	users := make(map[string]AuthInfo, len(tokens))
	for token, userID := range tokens {
		users[token] = AuthInfo{UserID: userID}
	}
	return &StaticAuthProvider{users: users}
}

// Validate rejects unknown tokens with ErrUnauthorized.
func (p *StaticAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	info, ok := p.users[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &info, nil
}

// NopAuthProvider authenticates every request as "local-user". Used for
// local development and the CLI talking to a local server.
type NopAuthProvider struct{}

var _ AuthProvider = NopAuthProvider{}

// Validate always succeeds.
func (NopAuthProvider) Validate(context.Context, string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user"}, nil
}
