package timeline

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(id, text string) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleUser, Content: []domain.ContentPart{domain.TextPart(text)}}
}

func assistant(id string, parts ...domain.ContentPart) domain.Message {
	return domain.Message{ID: id, Role: domain.RoleAssistant, Content: parts}
}

func toolResults(id string, toolUseIDs ...string) domain.Message {
	m := domain.Message{ID: id, Role: domain.RoleUser}
	for _, tu := range toolUseIDs {
		m.Content = append(m.Content, domain.ToolResultPart(tu, "ok", false))
	}
	return m
}

// toolRoundTrip is: user A, assistant(tool_call X), user(tool_result X), assistant("final text").
func toolRoundTrip() []domain.Message {
	return []domain.Message{
		user("u1", "A"),
		assistant("a1", domain.ToolUsePart("X", "cat", nil)),
		toolResults("r1", "X"),
		assistant("a2", domain.TextPart("final text")),
	}
}

func TestIsFinalAssistantMessage_ToolRoundTrip(t *testing.T) {
	msgs := toolRoundTrip()

	assert.False(t, IsFinalAssistantMessage(msgs[0], msgs))
	assert.False(t, IsFinalAssistantMessage(msgs[1], msgs))
	assert.False(t, IsFinalAssistantMessage(msgs[2], msgs))
	assert.True(t, IsFinalAssistantMessage(msgs[3], msgs))
}

func TestIsFinalAssistantMessage_Rules(t *testing.T) {
	tests := []struct {
		name string
		msgs []domain.Message
		idx  int
		want bool
	}{
		{"last message", []domain.Message{user("u", "q"), assistant("a")}, 1, true},
		{"followed by assistant", []domain.Message{assistant("a"), assistant("b")}, 0, false},
		{"followed by genuine user", []domain.Message{assistant("a"), user("u", "next")}, 0, true},
		{"pass through results then assistant", []domain.Message{assistant("a"), toolResults("r", "x"), assistant("b")}, 0, false},
		{"pass through results to end", []domain.Message{assistant("a"), toolResults("r", "x")}, 0, true},
		{"empty user message passes through", []domain.Message{assistant("a"), {ID: "e", Role: domain.RoleUser}, assistant("b")}, 0, false},
		{"system skipped", []domain.Message{assistant("a"), {ID: "s", Role: domain.RoleSystem}, user("u", "q")}, 0, true},
		{"tool role skipped", []domain.Message{assistant("a"), {ID: "t", Role: domain.RoleTool}, assistant("b")}, 0, false},
		{"mixed result and text is genuine", []domain.Message{
			assistant("a"),
			{ID: "u", Role: domain.RoleUser, Content: []domain.ContentPart{domain.ToolResultPart("x", "", false), domain.TextPart("hey")}},
			assistant("b"),
		}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFinalAssistantMessage(tt.msgs[tt.idx], tt.msgs))
			assert.Equal(t, tt.want, IsFinalAt(tt.msgs, tt.idx))
		})
	}
}

func TestIsFinalAssistantMessage_NotInList(t *testing.T) {
	msgs := []domain.Message{user("u", "q")}
	assert.False(t, IsFinalAssistantMessage(assistant("elsewhere"), msgs))
	assert.False(t, IsFinalAt(msgs, 5))
}

func TestIsFinalAssistantMessage_SyntheticID(t *testing.T) {
	msgs := []domain.Message{user("", "q"), assistant("")}
	withIDs := AssignIDs(msgs)

	assert.Equal(t, "synthetic:1", withIDs[1].ID)
	assert.True(t, IsFinalAssistantMessage(withIDs[1], msgs))
	assert.True(t, IsFinalAssistantMessage(msgs[1], msgs))
}

func TestGroupIntoResponses_ToolRoundTrip(t *testing.T) {
	msgs := append(toolRoundTrip(), user("u2", "B"))

	responses := GroupIntoResponses(msgs)
	require.Len(t, responses, 2)
	assert.Len(t, responses[0].Messages, 4)
	assert.False(t, responses[0].Open)
	assert.Equal(t, "u2", responses[1].Messages[0].ID)
	assert.True(t, responses[1].Open)
}

func TestGroupIntoResponses_Empty(t *testing.T) {
	assert.Empty(t, GroupIntoResponses(nil))
}

func TestGroupIntoResponses_AppendDoesNotAlias(t *testing.T) {
	msgs := []domain.Message{user("u", "q"), assistant("a"), user("u2", "r")}
	responses := GroupIntoResponses(msgs)
	require.Len(t, responses, 2)

	_ = append(responses[0].Messages, assistant("extra"))
	assert.Equal(t, "u2", msgs[2].ID)
}

func randomMessages(r *rand.Rand, n int) []domain.Message {
	msgs := make([]domain.Message, n)
	for i := range msgs {
		id := fmt.Sprintf("m%d", i)
		switch r.IntN(6) {
		case 0, 1:
			msgs[i] = assistant(id, domain.TextPart("x"))
		case 2:
			msgs[i] = user(id, "q")
		case 3:
			msgs[i] = toolResults(id, "t")
		case 4:
			msgs[i] = domain.Message{ID: id, Role: domain.RoleUser}
		default:
			msgs[i] = domain.Message{ID: id, Role: domain.RoleSystem}
		}
	}
	return msgs
}

func TestGroupIntoResponses_Partition(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		msgs := randomMessages(r, r.IntN(30))

		var flat []domain.Message
		for i, resp := range GroupIntoResponses(msgs) {
			require.NotEmpty(t, resp.Messages)
			last := resp.Messages[len(resp.Messages)-1]
			if resp.Open {
				assert.False(t, IsFinalAssistantMessage(last, msgs), "open response ends at a final message")
			} else {
				assert.True(t, IsFinalAssistantMessage(last, msgs), "response %d not closed by a final message", i)
			}
			flat = append(flat, resp.Messages...)
		}
		assert.Equal(t, len(msgs), len(flat))
		for i := range msgs {
			assert.Equal(t, msgs[i].ID, flat[i].ID)
		}
	}
}

func TestFinalFlags_MatchesForwardScan(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for iter := 0; iter < 300; iter++ {
		msgs := randomMessages(r, r.IntN(25))
		flags := FinalFlags(msgs)
		for i := range msgs {
			require.Equal(t, IsFinalAt(msgs, i), flags[i], "position %d of %d", i, len(msgs))
		}
	}
}

func TestAssignIDs(t *testing.T) {
	msgs := []domain.Message{{ID: "keep"}, {}, {}}
	out := AssignIDs(msgs)

	assert.Equal(t, []string{"keep", "synthetic:1", "synthetic:2"}, []string{out[0].ID, out[1].ID, out[2].ID})
	assert.Empty(t, msgs[1].ID)
	assert.Equal(t, out, AssignIDs(msgs))
	assert.True(t, IsSynthetic(out[2].ID))
	assert.False(t, IsSynthetic(out[0].ID))
}
