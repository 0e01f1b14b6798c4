// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream is the client-side transport for streamed conversation
// turns.
//
// # Description
//
// A Turn wraps one POST to the send endpoint. The response announces a
// freshly created conversation in headers before the body, then streams
// the reply as raw chunked UTF-8 text. Chunk boundaries are arbitrary;
// the transport reassembles runes split across chunks before delivering
// fragments, so callbacks always receive valid UTF-8.
//
// Stopping a turn is not an error: Stop cancels the in-flight request
// and Run returns nil, with whatever fragments already arrived left in
// place. Any other failure is surfaced, carrying the upstream status and
// body when the server rejected the request.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"unicode/utf8"
)

// =============================================================================
// Request / Callback Types
// =============================================================================

// TurnOptions mirrors the send endpoint's generation options.
type TurnOptions struct {
	HighReasoning  bool `json:"highReasoning,omitempty"`
	ForceWebSearch bool `json:"forceWebSearch,omitempty"`
}

// TurnRequest is one turn to send. ConversationID may be "new".
type TurnRequest struct {
	ConversationID string
	Input          string
	Model          string
	Options        *TurnOptions
}

// Callbacks receive the turn's streamed output. Both are invoked from the
// goroutine running Run, in arrival order. Nil callbacks are skipped.
type Callbacks struct {
	// OnConversationCreated fires once, before any fragment, when the
	// server created the conversation for this turn.
	OnConversationCreated func(conversationID, title string)

	// OnFragment receives each decoded fragment of the reply.
	OnFragment func(fragment string)
}

// UpstreamError is a non-2xx response from the server.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient is the slice of http.Client the transport needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Transport
// =============================================================================

// Transport issues streamed turns against one server.
type Transport struct {
	client  HTTPClient
	baseURL string
	token   string
}

// NewTransport creates a transport. baseURL carries no trailing slash,
// e.g. "http://localhost:8080". token may be empty when the server runs
// without auth.
func NewTransport(client HTTPClient, baseURL, token string) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{client: client, baseURL: baseURL, token: token}
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one in-flight (or finished) streamed send.
type Turn struct {
	transport *Transport
	request   TurnRequest
	callbacks Callbacks

	// cancel is set by Run and read by Stop, possibly from another
	// goroutine.
	cancel  atomic.Pointer[context.CancelFunc]
	stopped atomic.Bool
}

// NewTurn prepares a turn. Run starts it; the caller keeps at most one
// turn running at a time.
func (t *Transport) NewTurn(req TurnRequest, cb Callbacks) *Turn {
	return &Turn{transport: t, request: req, callbacks: cb}
}

// Stop aborts the turn. Safe to call at any point, from any goroutine,
// including after Run returned. A stopped turn's Run returns nil; partial
// fragments already delivered stay delivered.
func (t *Turn) Stop() {
	t.stopped.Store(true)
	if cancel := t.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

// Run sends the turn and blocks until the stream ends.
//
// # Outputs
//
//   - error: nil on completion or Stop; *UpstreamError for non-2xx
//     responses; the context's error if ctx itself ended; otherwise the
//     network or read failure.
func (t *Turn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel.Store(&cancel)
	defer cancel()
	if t.stopped.Load() {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"input":   t.request.Input,
		"model":   t.request.Model,
		"options": t.request.Options,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/conversations/%s/messages", t.transport.baseURL, t.request.ConversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.transport.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.transport.token)
	}

	resp, err := t.transport.client.Do(httpReq)
	if err != nil {
		return t.finish(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	// Headers precede the body; a created conversation is announced here.
	if id := resp.Header.Get("X-Conversation-Id"); id != "" {
		if t.callbacks.OnConversationCreated != nil {
			t.callbacks.OnConversationCreated(id, resp.Header.Get("X-Conversation-Title"))
		}
	}

	return t.finish(ctx, t.readBody(resp.Body))
}

// finish folds the stop flag into the outcome: a stopped turn never
// reports an error.
func (t *Turn) finish(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if t.stopped.Load() && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
		return ctxErr
	}
	return err
}

// readBody streams the body to OnFragment with incremental UTF-8
// decoding: a rune split across chunks is held back until its remaining
// bytes arrive.
func (t *Turn) readBody(body io.Reader) error {
	var carry []byte
	buf := make([]byte, 4096)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			complete := completeUTF8Prefix(carry)
			if complete > 0 {
				t.emit(string(carry[:complete]))
				carry = carry[complete:]
			}
		}
		if errors.Is(err, io.EOF) {
			// Whatever is left cannot become valid; deliver as-is.
			if len(carry) > 0 {
				t.emit(string(carry))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}

func (t *Turn) emit(fragment string) {
	if t.callbacks.OnFragment != nil {
		t.callbacks.OnFragment(fragment)
	}
}

// completeUTF8Prefix returns the length of the longest prefix of b that
// does not end in a truncated multi-byte rune.
func completeUTF8Prefix(b []byte) int {
	n := len(b)
	// A rune is at most 4 bytes; only the tail can be incomplete.
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return n
			}
			return i
		}
	}
	return n
}
