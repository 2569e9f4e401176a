package visibility

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string, role domain.Role, parts ...domain.ContentPart) domain.Message {
	return domain.Message{ID: id, Role: role, Content: parts}
}

func toolRoundTrip() []domain.Message {
	return []domain.Message{
		msg("u1", domain.RoleUser, domain.TextPart("A")),
		msg("a1", domain.RoleAssistant, domain.ToolUsePart("X", "cat", nil)),
		msg("r1", domain.RoleUser, domain.ToolResultPart("X", "ok", false)),
		msg("a2", domain.RoleAssistant, domain.TextPart("final text")),
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestVisibleMessages_ToolRoundTrip(t *testing.T) {
	c := New()
	msgs := toolRoundTrip()

	assert.Equal(t, []string{"u1", "r1", "a2"}, ids(c.VisibleMessages(msgs)))
	assert.False(t, c.IsFinalAssistantMessage(msgs[1], msgs))
	assert.True(t, c.IsFinalAssistantMessage(msgs[3], msgs))
	assert.False(t, c.IsFinalAssistantMessage(msgs[0], msgs))
}

func TestVisibleMessages_HidesOtherRoles(t *testing.T) {
	c := New()
	msgs := []domain.Message{
		msg("s", domain.RoleSystem),
		msg("u", domain.RoleUser, domain.TextPart("q")),
		msg("t", domain.RoleTool),
		msg("a", domain.RoleAssistant, domain.TextPart("r")),
	}
	assert.Equal(t, []string{"u", "a"}, ids(c.VisibleMessages(msgs)))
}

func TestCache_Idempotent(t *testing.T) {
	c := New()
	msgs := toolRoundTrip()

	first := c.VisibleMessages(msgs)
	second := c.VisibleMessages(msgs)
	assert.Equal(t, first, second)
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, c.Stats())

	assert.True(t, c.IsFinalAssistantMessage(msgs[3], msgs))
	assert.Equal(t, Stats{Hits: 2, Misses: 1}, c.Stats())
}

func TestCache_ReturnedSliceIsCallers(t *testing.T) {
	c := New()
	msgs := toolRoundTrip()

	first := c.VisibleMessages(msgs)
	first[0] = msg("zz", domain.RoleAssistant)
	assert.Equal(t, []string{"u1", "r1", "a2"}, ids(c.VisibleMessages(msgs)))
}

func TestCache_ContentChangeKeepsClassificationButShowsNewContent(t *testing.T) {
	c := New()
	msgs := toolRoundTrip()
	c.VisibleMessages(msgs)

	msgs[3].Content = []domain.ContentPart{domain.TextPart("final text, extended")}
	visible := c.VisibleMessages(msgs)

	assert.Equal(t, uint64(1), c.Stats().Hits)
	assert.Equal(t, "final text, extended", visible[2].Text())
}

func TestCache_InvalidatesOnIdentityChange(t *testing.T) {
	c := New()
	msgs := toolRoundTrip()
	c.VisibleMessages(msgs)

	msgs = append(msgs, msg("a3", domain.RoleAssistant, domain.TextPart("more")))
	assert.Equal(t, []string{"u1", "r1", "a3"}, ids(c.VisibleMessages(msgs)))
	assert.Equal(t, uint64(2), c.Stats().Misses)

	msgs[1].Role = domain.RoleUser
	assert.Equal(t, []string{"u1", "a1", "r1", "a3"}, ids(c.VisibleMessages(msgs)))
	assert.Equal(t, uint64(3), c.Stats().Misses)
}

func TestCache_DelimiterInIDsDoesNotCollide(t *testing.T) {
	c := New()
	cached := []domain.Message{
		msg("x", domain.RoleUser, domain.TextPart("q")),
		msg("y", domain.RoleAssistant, domain.TextPart("r")),
	}
	require.Len(t, c.VisibleMessages(cached), 2)

	forged := []domain.Message{msg("x:user|y", domain.RoleAssistant, domain.TextPart("r"))}
	assert.NotEqual(t, Fingerprint(cached), Fingerprint(forged))

	var visible []domain.Message
	require.NotPanics(t, func() { visible = c.VisibleMessages(forged) })
	assert.Equal(t, []string{"x:user|y"}, ids(visible))
	assert.Equal(t, timeline.IsFinalAssistantMessage(forged[0], forged), c.IsFinalAssistantMessage(forged[0], forged))
	assert.Equal(t, uint64(2), c.Stats().Misses)
}

func TestCache_EmptyIDs(t *testing.T) {
	c := New()
	msgs := []domain.Message{
		msg("", domain.RoleUser, domain.TextPart("q")),
		msg("", domain.RoleAssistant, domain.TextPart("r")),
	}
	assert.Len(t, c.VisibleMessages(msgs), 2)
	assert.True(t, c.IsFinalAssistantMessage(msgs[1], msgs))
	assert.True(t, c.IsFinalAssistantMessage(timeline.AssignIDs(msgs)[1], msgs))
}

func TestFingerprint(t *testing.T) {
	a := []domain.Message{msg("x", domain.RoleUser), msg("y", domain.RoleAssistant)}
	b := []domain.Message{msg("x", domain.RoleUser), msg("y", domain.RoleUser)}
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint([]domain.Message{msg("", domain.RoleUser)}), Fingerprint(nil))
	assert.NotEqual(t,
		Fingerprint([]domain.Message{msg(`x"`, domain.RoleUser)}),
		Fingerprint([]domain.Message{msg("x", `"user`)}))
	assert.Equal(t, Fingerprint(a), Fingerprint(append([]domain.Message(nil), a...)))
	assert.Empty(t, Fingerprint(nil))
}

// The cache must agree with the forward-scan definition for every message.
func TestCache_EquivalentToNaive(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	c := New()
	roles := []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleSystem, domain.RoleTool}

	for iter := 0; iter < 300; iter++ {
		n := r.IntN(20)
		msgs := make([]domain.Message, n)
		for i := range msgs {
			role := roles[r.IntN(len(roles))]
			m := msg(fmt.Sprintf("m%d", i), role)
			if role == domain.RoleUser {
				switch r.IntN(3) {
				case 0:
					m.Content = []domain.ContentPart{domain.TextPart("q")}
				case 1:
					m.Content = []domain.ContentPart{domain.ToolResultPart("t", "", false)}
				}
			}
			if r.IntN(5) == 0 {
				m.ID = ""
			}
			msgs[i] = m
		}

		var naiveVisible []domain.Message
		for i, m := range msgs {
			naive := timeline.IsFinalAssistantMessage(m, msgs)
			require.Equal(t, naive, c.IsFinalAssistantMessage(m, msgs), "iteration %d position %d", iter, i)
			if m.Role == domain.RoleUser || timeline.IsFinalAt(msgs, i) {
				naiveVisible = append(naiveVisible, m)
			}
		}
		assert.Equal(t, ids(naiveVisible), ids(c.VisibleMessages(msgs)))
	}
}
