// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedBody replays fixed chunks one Read at a time, then returns
// finalErr (io.EOF for a clean end).
type chunkedBody struct {
	chunks   [][]byte
	finalErr error
	onChunk  func(i int)
	i        int
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.i >= len(b.chunks) {
		return 0, b.finalErr
	}
	if b.onChunk != nil {
		b.onChunk(b.i)
	}
	n := copy(p, b.chunks[b.i])
	b.i++
	return n, nil
}

func (b *chunkedBody) Close() error { return nil }

// fakeClient returns a scripted response, or an error.
type fakeClient struct {
	resp    *http.Response
	err     error
	lastReq *http.Request
}

func (c *fakeClient) Do(req *http.Request) (*http.Response, error) {
	c.lastReq = req
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func streamResponse(body io.ReadCloser, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: http.StatusOK, Header: h, Body: body}
}

func TestRun_HeadersBeforeFragments(t *testing.T) {
	body := &chunkedBody{chunks: [][]byte{[]byte("Hel"), []byte("lo")}, finalErr: io.EOF}
	client := &fakeClient{resp: streamResponse(body, map[string]string{
		"X-Conversation-Id":    "c-9",
		"X-Conversation-Title": "Hello",
	})}
	transport := NewTransport(client, "http://test", "tok")

	var events []string
	turn := transport.NewTurn(TurnRequest{ConversationID: "new", Input: "Hello", Model: "gpt-5-mini"}, Callbacks{
		OnConversationCreated: func(id, title string) {
			events = append(events, "created:"+id+":"+title)
		},
		OnFragment: func(f string) { events = append(events, "frag:"+f) },
	})

	require.NoError(t, turn.Run(context.Background()))

	require.NotEmpty(t, events)
	assert.Equal(t, "created:c-9:Hello", events[0], "creation must be announced before any fragment")
	assert.Equal(t, []string{"created:c-9:Hello", "frag:Hel", "frag:lo"}, events)

	assert.Equal(t, "Bearer tok", client.lastReq.Header.Get("Authorization"))
	assert.Equal(t, "/v1/conversations/new/messages", client.lastReq.URL.Path)
}

func TestRun_NoAnnouncementForExistingConversation(t *testing.T) {
	body := &chunkedBody{chunks: [][]byte{[]byte("ok")}, finalErr: io.EOF}
	client := &fakeClient{resp: streamResponse(body, nil)}
	transport := NewTransport(client, "http://test", "")

	created := false
	turn := transport.NewTurn(TurnRequest{ConversationID: "c1", Input: "hi", Model: "m"}, Callbacks{
		OnConversationCreated: func(string, string) { created = true },
	})
	require.NoError(t, turn.Run(context.Background()))
	assert.False(t, created)
}

func TestRun_ReassemblesRunesAcrossChunks(t *testing.T) {
	// "héllo 🌊" with the é and the emoji split mid-rune.
	full := "héllo 🌊!"
	raw := []byte(full)
	chunks := [][]byte{raw[:2], raw[2:4], raw[4:9], raw[9:11], raw[11:]}

	client := &fakeClient{resp: streamResponse(&chunkedBody{chunks: chunks, finalErr: io.EOF}, nil)}
	transport := NewTransport(client, "http://test", "")

	var fragments []string
	turn := transport.NewTurn(TurnRequest{ConversationID: "c1", Input: "x", Model: "m"}, Callbacks{
		OnFragment: func(f string) { fragments = append(fragments, f) },
	})
	require.NoError(t, turn.Run(context.Background()))

	assert.Equal(t, full, strings.Join(fragments, ""), "concatenation must equal the full reply")
	for _, f := range fragments {
		assert.True(t, utf8.ValidString(f), "every delivered fragment must be valid UTF-8: %q", f)
	}
}

func TestRun_UpstreamErrorCarriesStatusAndBody(t *testing.T) {
	client := &fakeClient{resp: &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(`{"success":false,"error":"conversation not found"}`)),
	}}
	transport := NewTransport(client, "http://test", "")

	turn := transport.NewTurn(TurnRequest{ConversationID: "nope", Input: "x", Model: "m"}, Callbacks{})
	err := turn.Run(context.Background())

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusNotFound, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "conversation not found")
}

func TestRun_StopIsNotAnError(t *testing.T) {
	// After Stop cancels the request, the next read fails the way an
	// aborted connection does.
	body := &chunkedBody{
		chunks:   [][]byte{[]byte("partial ")},
		finalErr: errors.New("read on aborted connection"),
	}
	client := &fakeClient{resp: streamResponse(body, nil)}
	transport := NewTransport(client, "http://test", "")

	var got string
	var turn *Turn
	turn = transport.NewTurn(TurnRequest{ConversationID: "c1", Input: "x", Model: "m"}, Callbacks{
		OnFragment: func(f string) {
			got += f
			turn.Stop()
		},
	})

	err := turn.Run(context.Background())
	assert.NoError(t, err, "a stopped turn never surfaces an error")
	assert.Equal(t, "partial ", got, "fragments delivered before the stop stay delivered")
}

func TestRun_StopFromAnotherGoroutine(t *testing.T) {
	// The caller's UI stops a turn from a goroutine other than the one
	// running Run. Channels gate the ordering so the stop always lands
	// between the first fragment and the next read.
	stopRequested := make(chan struct{})
	stopDone := make(chan struct{})

	body := &chunkedBody{
		chunks:   [][]byte{[]byte("partial ")},
		finalErr: errors.New("read on aborted connection"),
	}
	client := &fakeClient{resp: streamResponse(body, nil)}
	transport := NewTransport(client, "http://test", "")

	var got string
	turn := transport.NewTurn(TurnRequest{ConversationID: "c1", Input: "x", Model: "m"}, Callbacks{
		OnFragment: func(f string) {
			got += f
			close(stopRequested)
			<-stopDone
		},
	})
	go func() {
		<-stopRequested
		turn.Stop()
		close(stopDone)
	}()

	err := turn.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "partial ", got)
}

func TestRun_StopBeforeRun(t *testing.T) {
	client := &fakeClient{err: errors.New("must not be called")}
	transport := NewTransport(client, "http://test", "")

	turn := transport.NewTurn(TurnRequest{ConversationID: "c1", Input: "x", Model: "m"}, Callbacks{})
	turn.Stop()
	assert.NoError(t, turn.Run(context.Background()))
	assert.Nil(t, client.lastReq)
}

func TestRun_MidStreamFailureIsSurfaced(t *testing.T) {
	body := &chunkedBody{
		chunks:   [][]byte{[]byte("partial")},
		finalErr: errors.New("unexpected EOF"),
	}
	client := &fakeClient{resp: streamResponse(body, nil)}
	transport := NewTransport(client, "http://test", "")

	var got string
	turn := transport.NewTurn(TurnRequest{ConversationID: "c1", Input: "x", Model: "m"}, Callbacks{
		OnFragment: func(f string) { got += f },
	})

	err := turn.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected EOF")
	assert.Equal(t, "partial", got)
}

func TestRun_NetworkFailure(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	transport := NewTransport(client, "http://test", "")

	turn := transport.NewTurn(TurnRequest{ConversationID: "c1", Input: "x", Model: "m"}, Callbacks{})
	err := turn.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCompleteUTF8Prefix(t *testing.T) {
	emoji := []byte("🌊") // 4 bytes

	cases := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 3},
		{"complete rune", emoji, 4},
		{"truncated rune held back", append([]byte("ab"), emoji[:2]...), 2},
		{"lone continuation bytes pass through", emoji[1:3], 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, completeUTF8Prefix(tc.in))
		})
	}
}
