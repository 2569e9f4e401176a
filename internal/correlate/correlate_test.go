package correlate

import (
	"testing"
	"time"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(2 * time.Second)
)

func testEngine(excluded ...string) *Engine {
	return NewEngine(excluded, logging.New(nil, "silent"))
}

func callMsg(id string, parts ...domain.ContentPart) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleAssistant, Content: parts, CreatedAt: t0}
}

func resultMsg(id string, parts ...domain.ContentPart) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleUser, Content: parts, CreatedAt: t1}
}

func TestCorrelate_PairsCallsAndResults(t *testing.T) {
	msgs := []domain.Message{
		{ID: "u", Role: domain.RoleUser, Content: []domain.ContentPart{domain.TextPart("go")}},
		callMsg("a1",
			domain.ToolUsePart("ok-call", "cat", nil),
			domain.ToolUsePart("bad-call", "rm", nil),
			domain.ToolUsePart("slow-call", "sleep", nil),
		),
		resultMsg("r1",
			domain.ToolResultPart("bad-call", "denied", true),
			domain.ToolResultPart("ok-call", "contents", false),
		),
	}

	res := testEngine().Correlate(msgs)
	require.Len(t, res.Interactions, 3)
	assert.Zero(t, res.Orphans)

	ok, bad, slow := res.Interactions[0], res.Interactions[1], res.Interactions[2]
	assert.Equal(t, "ok-call", ok.Call.ID)
	assert.Equal(t, domain.InteractionCompleted, ok.Status)
	require.NotNil(t, ok.Result)
	assert.Equal(t, ok.Call.ID, ok.Result.ToolUseID)
	assert.Equal(t, t0, ok.StartTime)
	require.NotNil(t, ok.EndTime)
	assert.Equal(t, t1, *ok.EndTime)

	assert.Equal(t, domain.InteractionFailed, bad.Status)

	assert.Equal(t, domain.InteractionRunning, slow.Status)
	assert.Nil(t, slow.Result)
	assert.Nil(t, slow.EndTime)

	require.Len(t, res.Entries, 3)
	for _, e := range res.Entries {
		assert.Equal(t, EntryInteraction, e.Kind)
		assert.Equal(t, "a1", e.MessageID)
	}
}

func TestCorrelate_OrphanResultsDropped(t *testing.T) {
	msgs := []domain.Message{
		resultMsg("r0", domain.ToolResultPart("ghost", "?", false)),
		callMsg("a1", domain.ToolUsePart("real", "cat", nil)),
	}

	res := testEngine().Correlate(msgs)
	assert.Equal(t, 1, res.Orphans)
	require.Len(t, res.Interactions, 1)
	assert.Equal(t, "real", res.Interactions[0].Call.ID)
	assert.Len(t, res.Entries, 1)
}

func TestCorrelate_ExcludedToolsStayStandalone(t *testing.T) {
	msgs := []domain.Message{
		callMsg("a1",
			domain.ToolUsePart("think-1", "think", nil),
			domain.ToolUsePart("cat-1", "cat", nil),
		),
		resultMsg("r1",
			domain.ToolResultPart("think-1", "pondered", false),
			domain.ToolResultPart("cat-1", "body", false),
		),
	}

	res := testEngine("think").Correlate(msgs)

	require.Len(t, res.Interactions, 1)
	assert.Equal(t, "cat-1", res.Interactions[0].Call.ID)

	require.Len(t, res.Entries, 3)
	assert.Equal(t, EntryToolCall, res.Entries[0].Kind)
	require.NotNil(t, res.Entries[0].Part)
	assert.Equal(t, "think-1", res.Entries[0].Part.ID)
	assert.Nil(t, res.Entries[0].Interaction)

	assert.Equal(t, EntryToolResult, res.Entries[1].Kind)
	assert.Equal(t, "r1", res.Entries[1].MessageID)

	assert.Equal(t, EntryInteraction, res.Entries[2].Kind)
	assert.Zero(t, res.Orphans)
}

func TestCorrelate_ExclusionListIsConfigurable(t *testing.T) {
	msgs := []domain.Message{
		callMsg("a1", domain.ToolUsePart("p1", "plan", nil)),
		resultMsg("r1", domain.ToolResultPart("p1", "ok", false)),
	}

	assert.Len(t, testEngine().Correlate(msgs).Interactions, 1)
	assert.Empty(t, testEngine("plan", "think").Correlate(msgs).Interactions)
	assert.Equal(t, []string{"plan", "think"}, testEngine("think", "plan").Excludes())
}

func TestCorrelate_StandInIDs(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleAssistant, Content: []domain.ContentPart{
			domain.TextPart("let me look"),
			domain.ToolUsePart("", "cat", nil),
		}},
	}

	res := testEngine().Correlate(msgs)
	require.Len(t, res.Interactions, 1)
	assert.Equal(t, "synthetic:0:tool:1", res.Interactions[0].Call.ID)
	assert.Equal(t, "synthetic:0", res.Entries[0].MessageID)
	assert.Equal(t, StandInID("synthetic:0", 1), res.Interactions[0].Call.ID)
}

func TestCorrelate_DuplicateCallKeepsFirst(t *testing.T) {
	msgs := []domain.Message{
		callMsg("a1", domain.ToolUsePart("x", "cat", nil)),
		callMsg("a2", domain.ToolUsePart("x", "ls", nil)),
	}
	res := testEngine().Correlate(msgs)
	require.Len(t, res.Interactions, 1)
	assert.Equal(t, "cat", res.Interactions[0].Call.Name)
}

func TestCorrelate_Empty(t *testing.T) {
	res := testEngine().Correlate(nil)
	assert.Empty(t, res.Entries)
	assert.Empty(t, res.Interactions)
	assert.Zero(t, res.Orphans)
}
