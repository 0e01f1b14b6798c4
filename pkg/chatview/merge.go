// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatview

import (
	"sort"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

// =============================================================================
// Durable Page Merging
// =============================================================================

// MergeDurablePage reconciles one server page into the view.
//
// # Description
//
// Pending entries and durable entries are partitioned. The durable set
// absorbs the page keyed by id, so merging the same page twice is a
// no-op, and is re-sorted newest-first (durable ids sort in creation
// order). Pending entries survive only while no durable row represents
// them: once the server's copy of a turn arrives, the optimistic bubbles
// it covers are dropped rather than duplicated. The survivors are
// re-prepended above the durable block, ordered by their local creation
// time, newest first.
//
// The server's copy of a message wins over anything local: a durable row
// whose id already exists is replaced wholesale, not patched.
func (v *View) MergeDurablePage(page []datatypes.Message) {
	pending, durable := partition(v.messages)

	byID := make(map[string]int, len(durable))
	for i := range durable {
		byID[durable[i].ID] = i
	}
	for _, msg := range page {
		if i, ok := byID[msg.ID]; ok {
			durable[i] = msg
			continue
		}
		byID[msg.ID] = len(durable)
		durable = append(durable, msg)
	}

	pending = dropRepresented(pending, durable, &v.trackedID)

	sort.Slice(durable, func(i, j int) bool { return durable[i].ID > durable[j].ID })
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})

	v.messages = append(pending, durable...)
}

// dropRepresented filters out pending entries whose role and content
// already appear as a durable row. A dropped entry that was receiving
// fragments also detaches tracking; its durable twin is complete.
func dropRepresented(pending, durable []datatypes.Message, trackedID *string) []datatypes.Message {
	if len(pending) == 0 || len(durable) == 0 {
		return pending
	}
	represented := make(map[string]bool, len(durable))
	for _, msg := range durable {
		represented[string(msg.Role)+"\x00"+msg.Content] = true
	}

	kept := pending[:0]
	for _, msg := range pending {
		if represented[string(msg.Role)+"\x00"+msg.Content] {
			if msg.ID == *trackedID {
				*trackedID = ""
			}
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}

// partition splits the view into pending and durable entries, preserving
// relative order within each group.
func partition(messages []datatypes.Message) (pending, durable []datatypes.Message) {
	for _, msg := range messages {
		if IsPending(msg.ID) {
			pending = append(pending, msg)
		} else {
			durable = append(durable, msg)
		}
	}
	return pending, durable
}

// =============================================================================
// Conversation Transitions
// =============================================================================

// AdoptConversation moves the view from the "new" sentinel to the id the
// server assigned mid-turn. Pending entries survive: the optimistic user
// bubble and the streaming reply belong to the adopted conversation.
// Adopting when the view already has a real id is a no-op.
func (v *View) AdoptConversation(conversationID string) {
	if v.conversationID != datatypes.NewConversationID {
		return
	}
	v.conversationID = conversationID
	for i := range v.messages {
		v.messages[i].ConversationID = conversationID
	}
}

// SwitchConversation resets the view to show a different conversation.
// Everything local is dropped, including pending entries; only the
// "new" → assigned-id transition (AdoptConversation) preserves them.
func (v *View) SwitchConversation(conversationID string) {
	if conversationID == v.conversationID {
		return
	}
	v.conversationID = conversationID
	v.messages = nil
	v.trackedID = ""
}
