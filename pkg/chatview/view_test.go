// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatview

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepool-ai/tidepool/services/conversations/datatypes"
)

// fixedClock lets tests move the view's notion of now.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestView(conversationID string) (*View, *fixedClock) {
	clock := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	v := NewView(conversationID)
	v.now = clock.now
	return v, clock
}

func contents(v *View) []string {
	var out []string
	for _, m := range v.Messages() {
		out = append(out, m.Content)
	}
	return out
}

func TestAppendPendingUser(t *testing.T) {
	v, _ := newTestView("c1")

	id := v.AppendPendingUser("hello")

	assert.True(t, strings.HasPrefix(id, PendingUserPrefix))
	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.True(t, IsPending(msgs[0].ID))
}

func TestApplyFragment_SynthesizesAssistantEntry(t *testing.T) {
	v, _ := newTestView("c1")
	v.AppendPendingUser("What's 2+2?")

	v.ApplyFragment("The answer")
	v.ApplyFragment(" is 4.")

	msgs := v.Messages()
	require.Len(t, msgs, 2, "all fragments land in one entry")
	assert.Equal(t, datatypes.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "The answer is 4.", msgs[0].Content)
	assert.True(t, strings.HasPrefix(msgs[0].ID, PendingAssistantPrefix))
	assert.Equal(t, "What's 2+2?", msgs[1].Content, "user bubble stays below the reply")
}

func TestApplyFragment_ConcatenationEqualsFullReply(t *testing.T) {
	v, _ := newTestView("c1")
	full := "Streaming replies arrive in arbitrary pieces."

	// Apply in several different splits; result must not depend on them.
	for _, cut := range [][]int{{5, 9, 20}, {1, 2, 3, 4}, {len(full) - 1}} {
		v.SwitchConversation("c" + strings.Repeat("x", cut[0])) // fresh view state
		prev := 0
		for _, c := range append(cut, len(full)) {
			v.ApplyFragment(full[prev:c])
			prev = c
		}
		v.FinishStream()
		assert.Equal(t, full, v.Messages()[0].Content)
	}
}

func TestApplyFragment_AdoptsRecentPendingHead(t *testing.T) {
	v, clock := newTestView("c1")

	// A UI that pre-creates an empty assistant bubble.
	v.ApplyFragment("")
	v.FinishStream()

	clock.advance(2 * time.Second)
	v.ApplyFragment("Hello")

	msgs := v.Messages()
	require.Len(t, msgs, 1, "the recent bubble is reused, not duplicated")
	assert.Equal(t, "Hello", msgs[0].Content)
}

func TestApplyFragment_StaleHeadGetsNewEntry(t *testing.T) {
	v, clock := newTestView("c1")

	v.ApplyFragment("old reply")
	v.FinishStream()

	clock.advance(RecencyWindow + time.Second)
	v.ApplyFragment("new reply")

	msgs := v.Messages()
	require.Len(t, msgs, 2, "a stale bubble must not swallow a new stream")
	assert.Equal(t, "new reply", msgs[0].Content)
	assert.Equal(t, "old reply", msgs[1].Content)
}

func TestApplyFragment_UserHeadGetsNewEntry(t *testing.T) {
	v, _ := newTestView("c1")
	v.AppendPendingUser("question")

	v.ApplyFragment("answer")

	msgs := v.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleAssistant, msgs[0].Role)
}

func TestAppendPendingUser_DetachesPreviousStream(t *testing.T) {
	v, _ := newTestView("c1")
	v.AppendPendingUser("first question")
	v.ApplyFragment("first reply")

	// Next turn starts without FinishStream having run.
	v.AppendPendingUser("second question")
	v.ApplyFragment("second reply")

	got := contents(v)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"second reply", "second question", "first reply", "first question"}, got,
		"a new turn's fragments must open a new bubble, not extend the old one")
}

func TestApplyFragment_PartialContentSurvivesFailure(t *testing.T) {
	v, _ := newTestView("c1")
	v.AppendPendingUser("q")

	v.ApplyFragment("partial rep")
	// Transport fails here; the turn ends without more fragments.
	v.FinishStream()

	assert.Equal(t, []string{"partial rep", "q"}, contents(v))
}

func TestRemovePending_RollsBackOptimisticUser(t *testing.T) {
	v, _ := newTestView("c1")
	id := v.AppendPendingUser("never sent")

	v.RemovePending(id)
	assert.Empty(t, v.Messages())

	// Durable ids are not removable through this path.
	v.MergeDurablePage([]datatypes.Message{{ID: "m1", Role: datatypes.RoleUser, Content: "kept"}})
	v.RemovePending("m1")
	assert.Len(t, v.Messages(), 1)
}
