// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

func durableMsg(id string, role datatypes.MessageRole, content string) datatypes.Message {
	return datatypes.Message{ID: id, ConversationID: "c1", Role: role, Content: content}
}

func TestMergeDurablePage_Idempotent(t *testing.T) {
	v, _ := newTestView("c1")
	page := []datatypes.Message{
		durableMsg("m2", datatypes.RoleAssistant, "four"),
		durableMsg("m1", datatypes.RoleUser, "2+2?"),
	}

	v.MergeDurablePage(page)
	first := v.Messages()
	v.MergeDurablePage(page)

	assert.Equal(t, first, v.Messages(), "merging the same page twice changes nothing")
	require.Len(t, first, 2)
	assert.Equal(t, "m2", first[0].ID, "durable rows sort newest-first by id")
}

func TestMergeDurablePage_ReplacesRowsWholesale(t *testing.T) {
	v, _ := newTestView("c1")
	v.MergeDurablePage([]datatypes.Message{durableMsg("m1", datatypes.RoleUser, "local copy")})

	server := durableMsg("m1", datatypes.RoleUser, "server copy")
	server.Metadata = &datatypes.MessageMetadata{ToolCalls: []string{"web_search"}}
	v.MergeDurablePage([]datatypes.Message{server})

	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "server copy", msgs[0].Content)
	require.NotNil(t, msgs[0].Metadata)
	assert.Equal(t, []string{"web_search"}, msgs[0].Metadata.ToolCalls)
}

func TestMergeDurablePage_PendingStaysOnTop(t *testing.T) {
	v, clock := newTestView("c1")
	v.AppendPendingUser("first pending")
	clock.advance(time.Second)
	v.AppendPendingUser("second pending")

	v.MergeDurablePage([]datatypes.Message{
		durableMsg("m1", datatypes.RoleUser, "older question"),
		durableMsg("m2", datatypes.RoleAssistant, "recent reply"),
	})

	got := contents(v)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"second pending", "first pending", "recent reply", "older question"}, got,
		"pending entries sit above the durable block, newest first")
}

func TestMergeDurablePage_OlderPageExtendsHistory(t *testing.T) {
	v, _ := newTestView("c1")
	v.MergeDurablePage([]datatypes.Message{durableMsg("m5", datatypes.RoleAssistant, "recent")})

	// Scrolling back loads an older page.
	v.MergeDurablePage([]datatypes.Message{
		durableMsg("m2", datatypes.RoleAssistant, "older"),
		durableMsg("m1", datatypes.RoleUser, "oldest"),
	})

	assert.Equal(t, []string{"recent", "older", "oldest"}, contents(v))
}

func TestAdoptConversation(t *testing.T) {
	v, _ := newTestView(datatypes.NewConversationID)
	v.AppendPendingUser("What's 2+2?")
	v.ApplyFragment("The answer is 4.")

	v.AdoptConversation("c-9")

	assert.Equal(t, "c-9", v.ConversationID())
	msgs := v.Messages()
	require.Len(t, msgs, 2, "pending entries survive adoption")
	for _, m := range msgs {
		assert.Equal(t, "c-9", m.ConversationID)
	}

	// Already-assigned views ignore further adoption.
	v.AdoptConversation("c-other")
	assert.Equal(t, "c-9", v.ConversationID())
}

func TestAdoptThenMergeResolvesToDurable(t *testing.T) {
	v, _ := newTestView(datatypes.NewConversationID)
	v.AppendPendingUser("What's 2+2?")
	v.ApplyFragment("The answer is 4.")
	v.FinishStream()
	v.AdoptConversation("c-9")

	// The durable page arrives carrying both rows of the turn; the
	// optimistic bubbles they represent must give way, not duplicate.
	v.MergeDurablePage([]datatypes.Message{
		durableMsg("m2", datatypes.RoleAssistant, "The answer is 4."),
		durableMsg("m1", datatypes.RoleUser, "What's 2+2?"),
	})

	msgs := v.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "The answer is 4.", msgs[0].Content)
	assert.Equal(t, "m1", msgs[1].ID)
	assert.Equal(t, "What's 2+2?", msgs[1].Content)
}

func TestMergeDurablePage_DropsRepresentedPendingOnly(t *testing.T) {
	v, clock := newTestView("c1")
	v.AppendPendingUser("covered question")
	clock.advance(time.Second)
	v.AppendPendingUser("still in flight")

	v.MergeDurablePage([]datatypes.Message{
		durableMsg("m1", datatypes.RoleUser, "covered question"),
	})

	got := contents(v)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"still in flight", "covered question"}, got)
	assert.True(t, IsPending(v.Messages()[0].ID), "the uncovered entry stays pending")
	assert.False(t, IsPending(v.Messages()[1].ID), "the covered entry is now the durable row")
}

func TestMergeDurablePage_DetachesTrackingFromRepresentedStream(t *testing.T) {
	v, _ := newTestView("c1")
	v.ApplyFragment("done reply")

	v.MergeDurablePage([]datatypes.Message{
		durableMsg("m1", datatypes.RoleAssistant, "done reply"),
	})

	// The tracked bubble was replaced by its durable twin; a late
	// fragment must start a fresh entry, not mutate the durable row.
	v.ApplyFragment("late")
	msgs := v.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "late", msgs[0].Content)
	assert.Equal(t, "done reply", msgs[1].Content)
}

func TestSwitchConversation_DropsLocalState(t *testing.T) {
	v, _ := newTestView("c1")
	v.AppendPendingUser("pending")
	v.ApplyFragment("streaming")

	v.SwitchConversation("c2")

	assert.Equal(t, "c2", v.ConversationID())
	assert.Empty(t, v.Messages())

	// The old stream's tracking is gone; a late fragment starts fresh.
	v.ApplyFragment("late")
	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", msgs[0].Content)
}

func TestSwitchConversation_SameIDIsNoOp(t *testing.T) {
	v, _ := newTestView("c1")
	v.AppendPendingUser("kept")

	v.SwitchConversation("c1")
	assert.Equal(t, []string{"kept"}, contents(v))
}
