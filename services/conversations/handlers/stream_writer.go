// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"fmt"
	"net/http"
	"sync"
)

// =============================================================================
// Interface Definition
// =============================================================================

// StreamWriter defines the contract for writing a streamed reply body.
//
// # Description
//
// The send endpoint streams the reply as raw chunked UTF-8 text with no
// framing: whatever fragments arrive are written and flushed verbatim,
// and the concatenation of all chunks is the reply. Clients treat chunk
// boundaries as arbitrary; a multi-byte rune may straddle two chunks.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The generation loop
// writes fragments from its own goroutine.
//
// # Assumptions
//
//   - Caller has set streaming headers (SetStreamHeaders) and any
//     conversation announcement headers before the first write.
type StreamWriter interface {
	// WriteFragment writes one fragment and flushes immediately.
	WriteFragment(fragment string) error
}

// =============================================================================
// Struct Definition
// =============================================================================

// chunkWriter implements StreamWriter over an http.ResponseWriter.
type chunkWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewStreamWriter creates a StreamWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - StreamWriter: Ready to write fragments.
//   - error: Non-nil if the ResponseWriter does not support flushing.
func NewStreamWriter(w http.ResponseWriter) (StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &chunkWriter{writer: w, flusher: flusher}, nil
}

// WriteFragment writes the fragment bytes and flushes. No batching; each
// fragment reaches the client as soon as the transport allows.
func (w *chunkWriter) WriteFragment(fragment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.Write([]byte(fragment)); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetStreamHeaders configures response headers for the raw text stream.
// Must be called before any body write; conversation announcement headers
// (X-Conversation-Id, X-Conversation-Title) must also be set before the
// body begins, since headers cannot follow it.
func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ StreamWriter = (*chunkWriter)(nil)
