// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerAuth_StaticProviderAccepts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := NewStaticAuthProvider(map[string]string{"secret-token": "user-42"})

	var seen *AuthInfo
	router := gin.New()
	router.GET("/protected", BearerAuth(provider), func(c *gin.Context) {
		seen = GetAuthInfo(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-42", seen.UserID)
}

func TestBearerAuth_StaticProviderRejectsUnknownToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := NewStaticAuthProvider(map[string]string{"secret-token": "user-42"})

	router := gin.New()
	router.GET("/protected", BearerAuth(provider), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, header := range []string{"", "Bearer wrong", "Basic secret-token", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestBearerAuth_SchemeIsCaseInsensitive(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := NewStaticAuthProvider(map[string]string{"tok": "user-1"})

	router := gin.New()
	router.GET("/protected", BearerAuth(provider), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNopAuthProvider_AlwaysLocalUser(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen *AuthInfo
	router := gin.New()
	router.GET("/protected", BearerAuth(NopAuthProvider{}), func(c *gin.Context) {
		seen = GetAuthInfo(c)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "local-user", seen.UserID)
}

func TestRateLimiter_PerUserBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	provider := NewStaticAuthProvider(map[string]string{"a": "user-a", "b": "user-b"})
	rl := NewRateLimiter(0.001, 2)

	router := gin.New()
	router.POST("/send", BearerAuth(provider), rl.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/send", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"), "burst exhausted")
	assert.Equal(t, http.StatusOK, send("b"), "other users have their own bucket")
}
