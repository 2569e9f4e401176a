package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuilder() *Builder {
	return NewBuilder("s1", logging.New(nil, "silent"))
}

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func token(eventID, messageID, delta string) *domain.Event {
	return &domain.Event{Kind: domain.EventToken, SessionID: "s1", EventID: eventID, MessageID: messageID, Timestamp: t0, Payload: domain.EventPayload{Delta: delta}}
}

func toolCall(eventID, messageID, id, name string) *domain.Event {
	return &domain.Event{Kind: domain.EventToolCall, SessionID: "s1", EventID: eventID, MessageID: messageID, Timestamp: t0,
		Payload: domain.EventPayload{ToolCall: &domain.ToolCallPayload{ID: id, Name: name, Input: json.RawMessage(`{}`)}}}
}

func toolResult(eventID, messageID, toolUseID string, isError bool) *domain.Event {
	return &domain.Event{Kind: domain.EventToolResult, SessionID: "s1", EventID: eventID, MessageID: messageID, Timestamp: t0.Add(time.Second),
		Payload: domain.EventPayload{ToolResult: &domain.ToolResultPayload{ToolUseID: toolUseID, Content: "out", IsError: isError}}}
}

func status(messageID, s string) *domain.Event {
	return &domain.Event{Kind: domain.EventStatus, SessionID: "s1", MessageID: messageID, Payload: domain.EventPayload{Status: s}}
}

func TestBuilder_TokensAccumulate(t *testing.T) {
	b := testBuilder()
	require.True(t, b.AppendMessage(user("u1", "hi")))

	assert.True(t, b.Apply(token("e1", "a1", "Hel")))
	assert.True(t, b.Apply(token("e2", "a1", "lo")))

	msgs := b.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Text())
	assert.True(t, msgs[1].IsStreaming)
	assert.Equal(t, "s1", msgs[1].SessionID)
	assert.Equal(t, t0, msgs[1].CreatedAt)
}

func TestBuilder_ToolRoundTrip(t *testing.T) {
	b := testBuilder()
	b.AppendMessage(user("u1", "list files"))
	b.Apply(toolCall("e1", "a1", "X", "bash"))
	b.Apply(toolResult("e2", "", "X", false))
	b.Apply(token("e3", "a2", "done"))
	b.Apply(status("a2", domain.StatusDone))

	msgs := b.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.PartToolUse, msgs[1].Content[0].Type)
	assert.Equal(t, "X", msgs[1].Content[0].ID)
	assert.Equal(t, domain.RoleUser, msgs[2].Role)
	assert.Equal(t, "e2", msgs[2].ID)
	assert.True(t, msgs[2].IsToolResultOnly())
	assert.False(t, msgs[3].IsStreaming)

	assert.False(t, IsFinalAssistantMessage(msgs[1], msgs))
	assert.True(t, IsFinalAssistantMessage(msgs[3], msgs))
}

func TestBuilder_ConsecutiveResultsShareMessage(t *testing.T) {
	b := testBuilder()
	b.Apply(toolCall("e1", "a1", "X", "cat"))
	b.Apply(toolCall("e2", "a1", "Y", "cat"))
	b.Apply(toolResult("e3", "", "X", false))
	b.Apply(toolResult("e4", "", "Y", true))

	msgs := b.Messages()
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[0].Content, 2)
	assert.Len(t, msgs[1].Content, 2)
	assert.True(t, msgs[1].Content[1].IsError)
}

func TestBuilder_TokensWithoutMessageIDContinueStream(t *testing.T) {
	b := testBuilder()
	b.Apply(token("e1", "", "a"))
	b.Apply(token("e2", "", "b"))
	b.Apply(status("", domain.StatusCompleted))
	b.Apply(token("e3", "", "c"))

	msgs := b.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "e1", msgs[0].ID)
	assert.Equal(t, "ab", msgs[0].Text())
	assert.False(t, msgs[0].IsStreaming)
	assert.Equal(t, "e3", msgs[1].ID)
}

func TestBuilder_RoleConflictDropped(t *testing.T) {
	b := testBuilder()
	b.AppendMessage(user("u1", "hi"))

	b.Apply(token("e0", "a1", "reply"))

	assert.False(t, b.Apply(token("e1", "u1", "x")))
	b.AppendMessage(domain.Message{ID: "sys", Role: domain.RoleSystem})
	assert.False(t, b.Apply(toolResult("e2", "sys", "X", false)))

	msgs := b.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Len(t, msgs[1].Content, 1)
	assert.Empty(t, msgs[2].Content)
}

func TestBuilder_ResultSharingTurnMessageID(t *testing.T) {
	b := testBuilder()
	b.AppendMessage(user("u1", "check both"))

	require.True(t, b.Apply(toolCall("e1", "m1", "X", "cat")))
	require.True(t, b.Apply(toolResult("e2", "m1", "X", false)))
	require.True(t, b.Apply(toolCall("e3", "m1", "Y", "ls")))
	require.True(t, b.Apply(toolResult("e4", "m1", "Y", true)))

	msgs := b.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[1].ID)
	require.Len(t, msgs[1].Content, 2)
	assert.Equal(t, domain.PartToolUse, msgs[1].Content[1].Type)

	holder := msgs[2]
	assert.Equal(t, "e2", holder.ID)
	assert.Equal(t, domain.RoleUser, holder.Role)
	assert.True(t, holder.IsToolResultOnly())
	require.Len(t, holder.Content, 2)
	assert.Equal(t, "X", holder.Content[0].ToolUseID)
	assert.Equal(t, "Y", holder.Content[1].ToolUseID)
	assert.True(t, holder.Content[1].IsError)
}

func TestBuilder_ResultHolderReusesTrailingResults(t *testing.T) {
	b := testBuilder()
	b.Apply(toolCall("e1", "m1", "X", "cat"))
	b.Apply(toolResult("e2", "", "X", false))
	b.Apply(toolResult("e3", "m1", "Z", false))

	msgs := b.Messages()
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[1].Content, 2)
}

func TestBuilder_IgnoresNonMutatingEvents(t *testing.T) {
	b := testBuilder()
	assert.False(t, b.Apply(nil))
	assert.False(t, b.Apply(&domain.Event{Kind: domain.EventConnected, SessionID: "s1"}))
	assert.False(t, b.Apply(status("", domain.StatusHeartbeat)))
	assert.False(t, b.Apply(status("nope", domain.StatusDone)))
	assert.Zero(t, b.Len())
}

func TestBuilder_AppendMessageSkipsDuplicates(t *testing.T) {
	b := testBuilder()
	assert.True(t, b.AppendMessage(user("u1", "a")))
	assert.False(t, b.AppendMessage(user("u1", "b")))
	assert.True(t, b.AppendMessage(domain.Message{Role: domain.RoleSystem}))
	assert.Equal(t, 2, b.Len())
}

func TestBuilder_SnapshotIsolated(t *testing.T) {
	b := testBuilder()
	b.Apply(token("e1", "a1", "one"))
	snap := b.Messages()
	b.Apply(token("e2", "a1", " two"))

	assert.Equal(t, "one", snap[0].Text())
	assert.Equal(t, "one two", b.Messages()[0].Text())
}
