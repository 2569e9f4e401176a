// Package visibility memoizes turn-boundary classification for a session.
package visibility

import (
	"strconv"
	"strings"
	"sync"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/timeline"
)

// Stats counts cache lookups.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Cache remembers the classification of the last message list it saw. It
// is keyed by the sequence of (id, role) pairs, so content edits that keep
// ids and roles stable do not invalidate it.
type Cache struct {
	mu          sync.Mutex
	fingerprint string
	valid       bool
	final       []bool
	index       map[string]int
	visible     []int
	stats       Stats
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{}
}

// Fingerprint is the cache key for msgs. Ids and roles are quoted so no
// choice of id can make two different lists share a key.
func Fingerprint(msgs []domain.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(strconv.Quote(m.ID))
		sb.WriteString(strconv.Quote(string(m.Role)))
	}
	return sb.String()
}

// VisibleMessages returns user messages and final assistant messages, in
// order. The classification is reused while the fingerprint holds; the
// messages themselves are taken from msgs so streamed content is current.
func (c *Cache) VisibleMessages(msgs []domain.Message) []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(msgs)

	out := make([]domain.Message, len(c.visible))
	for i, pos := range c.visible {
		out[i] = msgs[pos]
	}
	return out
}

// IsFinalAssistantMessage answers the same question as
// timeline.IsFinalAssistantMessage from the cached classification.
func (c *Cache) IsFinalAssistantMessage(msg domain.Message, msgs []domain.Message) bool {
	if msg.Role != domain.RoleAssistant {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked(msgs)

	if msg.ID == "" {
		// positional ids need the list itself to resolve
		return timeline.IsFinalAssistantMessage(msg, msgs)
	}
	i, ok := c.index[msg.ID]
	if !ok {
		return false
	}
	return c.final[i]
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) refreshLocked(msgs []domain.Message) {
	fp := Fingerprint(msgs)
	if c.valid && len(c.final) == len(msgs) && fp == c.fingerprint {
		c.stats.Hits++
		return
	}
	c.stats.Misses++

	final := timeline.FinalFlags(msgs)
	index := make(map[string]int, len(msgs))
	visible := make([]int, 0, len(msgs))
	for i, m := range msgs {
		id := timeline.EffectiveID(m, i)
		if _, dup := index[id]; !dup {
			index[id] = i
		}
		switch m.Role {
		case domain.RoleUser:
			visible = append(visible, i)
		case domain.RoleAssistant:
			if final[i] {
				visible = append(visible, i)
			}
		}
	}

	c.fingerprint = fp
	c.valid = true
	c.final = final
	c.index = index
	c.visible = visible
}
