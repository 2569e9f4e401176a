package timeline

import (
	"slices"
	"sync"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
)

// Builder is the append-only message timeline of one session. Events must
// be applied in arrival order; reads may come from any goroutine.
type Builder struct {
	mu        sync.RWMutex
	sessionID string
	msgs      []domain.Message
	byID      map[string]int
	holders   map[string]int // assistant message id -> position of its result holder
	log       *logging.Logger
}

// NewBuilder creates an empty timeline for a session.
func NewBuilder(sessionID string, log *logging.Logger) *Builder {
	return &Builder{
		sessionID: sessionID,
		byID:      make(map[string]int),
		holders:   make(map[string]int),
		log:       log.Sub("timeline").Session(sessionID),
	}
}

// SessionID returns the session this timeline belongs to.
func (b *Builder) SessionID() string { return b.sessionID }

// AppendMessage adds a stored message at the end of the timeline. A
// message whose id is already present is ignored.
func (b *Builder) AppendMessage(m domain.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m.ID != "" {
		if _, ok := b.byID[m.ID]; ok {
			b.log.Debug().Str("messageId", m.ID).Msg("skipping duplicate message")
			return false
		}
	}
	if m.SessionID == "" {
		m.SessionID = b.sessionID
	}
	m.Content = slices.Clone(m.Content)
	b.push(m)
	return true
}

// Apply folds one canonical event into the timeline and reports whether
// the message list changed.
func (b *Builder) Apply(ev *domain.Event) bool {
	if ev == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Kind {
	case domain.EventToken:
		m := b.assistantFor(ev)
		if m == nil {
			return false
		}
		if n := len(m.Content); n > 0 && m.Content[n-1].Type == domain.PartText {
			m.Content[n-1].Text += ev.Payload.Delta
		} else {
			m.Content = append(m.Content, domain.TextPart(ev.Payload.Delta))
		}
		return true

	case domain.EventToolCall:
		call := ev.Payload.ToolCall
		if call == nil {
			return false
		}
		m := b.assistantFor(ev)
		if m == nil {
			return false
		}
		m.Content = append(m.Content, domain.ToolUsePart(call.ID, call.Name, call.Input))
		return true

	case domain.EventToolResult:
		res := ev.Payload.ToolResult
		if res == nil {
			return false
		}
		m := b.resultHolderFor(ev)
		if m == nil {
			return false
		}
		m.Content = append(m.Content, domain.ToolResultPart(res.ToolUseID, res.Content, res.IsError))
		return true

	case domain.EventStatus:
		switch ev.Payload.Status {
		case domain.StatusDone, domain.StatusComplete, domain.StatusCompleted, domain.StatusError:
			return b.endStreaming(ev)
		}
		return false

	default:
		return false
	}
}

// Messages returns a snapshot of the timeline.
func (b *Builder) Messages() []domain.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Message, len(b.msgs))
	for i, m := range b.msgs {
		m.Content = slices.Clone(m.Content)
		out[i] = m
	}
	return out
}

// Len returns the number of messages.
func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.msgs)
}

func (b *Builder) push(m domain.Message) *domain.Message {
	b.msgs = append(b.msgs, m)
	pos := len(b.msgs) - 1
	if m.ID != "" {
		b.byID[m.ID] = pos
	}
	return &b.msgs[pos]
}

// assistantFor finds or creates the assistant message an event writes to.
// Without a message id the event continues the trailing streaming
// assistant message, or starts one keyed by the event id.
func (b *Builder) assistantFor(ev *domain.Event) *domain.Message {
	if ev.MessageID != "" {
		if pos, ok := b.byID[ev.MessageID]; ok {
			m := &b.msgs[pos]
			if m.Role != domain.RoleAssistant {
				b.log.Warn().
					Str("messageId", ev.MessageID).
					Str("role", string(m.Role)).
					Str("kind", string(ev.Kind)).
					Msg("event addresses a non-assistant message, dropping")
				return nil
			}
			return m
		}
	} else if n := len(b.msgs); n > 0 && b.msgs[n-1].Role == domain.RoleAssistant && b.msgs[n-1].IsStreaming {
		return &b.msgs[n-1]
	}

	return b.push(domain.Message{
		ID:          firstID(ev.MessageID, ev.EventID),
		SessionID:   b.sessionID,
		Role:        domain.RoleAssistant,
		CreatedAt:   ev.Timestamp,
		IsStreaming: true,
	})
}

// resultHolderFor finds or creates the user message a tool result is
// attached to. Consecutive results without a message id share one
// tool-result-only message. A result addressed to an assistant message
// (the turn's shared id) goes to a tool-result-only message after it.
func (b *Builder) resultHolderFor(ev *domain.Event) *domain.Message {
	if ev.MessageID != "" {
		if pos, ok := b.byID[ev.MessageID]; ok {
			m := &b.msgs[pos]
			switch m.Role {
			case domain.RoleUser:
				return m
			case domain.RoleAssistant:
				return b.holderAfter(pos, ev)
			}
			b.log.Warn().
				Str("messageId", ev.MessageID).
				Str("role", string(m.Role)).
				Msg("tool result addresses a non-conversational message, dropping")
			return nil
		}
	} else if n := len(b.msgs); n > 0 {
		last := &b.msgs[n-1]
		if last.Role == domain.RoleUser && len(last.Content) > 0 && last.IsToolResultOnly() {
			return last
		}
	}

	return b.push(domain.Message{
		ID:        firstID(ev.MessageID, ev.EventID),
		SessionID: b.sessionID,
		Role:      domain.RoleUser,
		CreatedAt: ev.Timestamp,
	})
}

// holderAfter returns the result holder of the assistant message at pos,
// creating one at the end of the timeline on first use.
func (b *Builder) holderAfter(pos int, ev *domain.Event) *domain.Message {
	owner := b.msgs[pos].ID
	if h, ok := b.holders[owner]; ok {
		return &b.msgs[h]
	}
	if n := len(b.msgs); n-1 > pos {
		last := &b.msgs[n-1]
		if last.Role == domain.RoleUser && len(last.Content) > 0 && last.IsToolResultOnly() {
			b.holders[owner] = n - 1
			return last
		}
	}
	m := b.push(domain.Message{
		ID:        firstID(ev.EventID, owner+":results"),
		SessionID: b.sessionID,
		Role:      domain.RoleUser,
		CreatedAt: ev.Timestamp,
	})
	b.holders[owner] = len(b.msgs) - 1
	return m
}

func (b *Builder) endStreaming(ev *domain.Event) bool {
	if ev.MessageID != "" {
		pos, ok := b.byID[ev.MessageID]
		if !ok || !b.msgs[pos].IsStreaming {
			return false
		}
		b.msgs[pos].IsStreaming = false
		return true
	}
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if b.msgs[i].Role == domain.RoleAssistant && b.msgs[i].IsStreaming {
			b.msgs[i].IsStreaming = false
			return true
		}
	}
	return false
}

func firstID(ids ...string) string {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}
