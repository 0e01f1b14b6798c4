// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chatview maintains the client-side message list for one
// conversation: optimistic pending entries, live fragment application,
// and reconciliation with durable pages from the server.
//
// # Description
//
// The view is newest-first. Entries are either durable (ids assigned by
// the server) or pending (local ids prefixed "user_" or "ai_", created
// optimistically before the server confirms them). Streamed reply
// fragments are appended in place to a pending assistant entry; durable
// pages later replace the optimistic state wholesale.
//
// # Thread Safety
//
// A View is confined to one goroutine, typically the UI loop. Transport
// callbacks hop onto that goroutine before touching the view.
package chatview

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

// Pending id prefixes. Everything else is a durable server id.
const (
	PendingUserPrefix      = "user_"
	PendingAssistantPrefix = "ai_"
)

// RecencyWindow bounds how old a pending assistant head may be and still
// receive fragments from a newly arrived stream. Protects against a
// stale pending bubble from an earlier turn swallowing a new reply.
var RecencyWindow = 5 * time.Second

// IsPending reports whether an id names a client-local entry.
func IsPending(id string) bool {
	return strings.HasPrefix(id, PendingUserPrefix) || strings.HasPrefix(id, PendingAssistantPrefix)
}

func newPendingID(prefix string) string {
	return fmt.Sprintf("%s%d_%s", prefix, time.Now().UnixMilli(), uuid.NewString()[:8])
}

// View is the message list of the conversation currently on screen.
type View struct {
	conversationID string
	messages       []datatypes.Message // newest-first

	// trackedID is the pending assistant entry receiving fragments, empty
	// when no stream is being applied.
	trackedID string

	now func() time.Time
}

// NewView creates an empty view for the given conversation id, which may
// be the "new" sentinel.
func NewView(conversationID string) *View {
	return &View{conversationID: conversationID, now: time.Now}
}

// ConversationID returns the conversation this view shows.
func (v *View) ConversationID() string {
	return v.conversationID
}

// Messages returns the entries newest-first. The slice is a copy; the
// entries share no storage with the view.
func (v *View) Messages() []datatypes.Message {
	out := make([]datatypes.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// =============================================================================
// Optimistic Entries
// =============================================================================

// AppendPendingUser adds the user's input as a pending entry at the head
// and returns its local id. Called before the turn is sent. Starting a
// new turn also detaches fragment tracking, so a stream that never got a
// FinishStream cannot leak fragments into the previous turn's bubble.
func (v *View) AppendPendingUser(input string) string {
	v.trackedID = ""
	msg := datatypes.Message{
		ID:             newPendingID(PendingUserPrefix),
		ConversationID: v.conversationID,
		Role:           datatypes.RoleUser,
		Content:        input,
		CreatedAt:      v.now(),
	}
	v.messages = append([]datatypes.Message{msg}, v.messages...)
	return msg.ID
}

// RemovePending deletes a pending entry by id, e.g. to roll back an
// optimistic user bubble after a transport failure. Durable ids are
// ignored.
func (v *View) RemovePending(id string) {
	if !IsPending(id) {
		return
	}
	for i := range v.messages {
		if v.messages[i].ID == id {
			v.messages = append(v.messages[:i], v.messages[i+1:]...)
			if v.trackedID == id {
				v.trackedID = ""
			}
			return
		}
	}
}

// =============================================================================
// Fragment Application
// =============================================================================

// ApplyFragment folds one streamed fragment into the view.
//
// # Description
//
// The target resolves in three steps:
//
//  1. An entry is already tracked for this stream: append to it.
//  2. The newest entry is a pending assistant bubble created within
//     RecencyWindow: adopt it and append. This reattaches a stream to
//     the bubble a UI created optimistically.
//  3. Otherwise synthesize a new pending assistant entry at the head.
//
// Content only ever grows; the concatenation of applied fragments is the
// entry's content. On a failed turn whatever was applied stays visible.
func (v *View) ApplyFragment(fragment string) {
	if v.trackedID != "" {
		if i := v.indexOf(v.trackedID); i >= 0 {
			v.messages[i].Content += fragment
			return
		}
		v.trackedID = ""
	}

	if len(v.messages) > 0 {
		head := &v.messages[0]
		if head.Role == datatypes.RoleAssistant &&
			strings.HasPrefix(head.ID, PendingAssistantPrefix) &&
			v.now().Sub(head.CreatedAt) <= RecencyWindow {
			v.trackedID = head.ID
			head.Content += fragment
			return
		}
	}

	msg := datatypes.Message{
		ID:             newPendingID(PendingAssistantPrefix),
		ConversationID: v.conversationID,
		Role:           datatypes.RoleAssistant,
		Content:        fragment,
		CreatedAt:      v.now(),
	}
	v.messages = append([]datatypes.Message{msg}, v.messages...)
	v.trackedID = msg.ID
}

// FinishStream detaches fragment tracking once a turn's stream ends, in
// success or failure. The entry itself stays.
func (v *View) FinishStream() {
	v.trackedID = ""
}

func (v *View) indexOf(id string) int {
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}
