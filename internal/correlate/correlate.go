// Package correlate pairs tool invocations with their results.
package correlate

import (
	"fmt"
	"slices"
	"time"

	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
	"github.com/soyeahso/turnstile/internal/timeline"
)

// EntryKind says what an Entry holds.
type EntryKind string

const (
	// EntryInteraction is a call folded together with its result (if any).
	EntryInteraction EntryKind = "interaction"
	// EntryToolCall is a standalone call of an excluded tool.
	EntryToolCall EntryKind = "tool_call"
	// EntryToolResult is a standalone result of an excluded tool.
	EntryToolResult EntryKind = "tool_result"
)

// Entry is one item of correlated output, in first-appearance order.
type Entry struct {
	Kind        EntryKind               `json:"kind"`
	MessageID   string                  `json:"messageId"`
	Interaction *domain.ToolInteraction `json:"interaction,omitempty"`
	Part        *domain.ContentPart     `json:"part,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Result is the outcome of correlating a set of messages.
type Result struct {
	Entries      []Entry                  `json:"entries"`
	Interactions []domain.ToolInteraction `json:"interactions"`
	Orphans      int                      `json:"orphans"`
}

// Engine correlates tool calls and results. Tools on the exclusion list are
// never paired.
type Engine struct {
	excluded map[string]struct{}
	log      *logging.Logger
}

// NewEngine creates an engine with the given exclusion list.
func NewEngine(excluded []string, log *logging.Logger) *Engine {
	set := make(map[string]struct{}, len(excluded))
	for _, name := range excluded {
		set[name] = struct{}{}
	}
	return &Engine{excluded: set, log: log.Sub("correlate")}
}

// Excluded reports whether a tool name is on the exclusion list.
func (e *Engine) Excluded(toolName string) bool {
	_, ok := e.excluded[toolName]
	return ok
}

// Excludes returns the exclusion list, sorted.
func (e *Engine) Excludes() []string {
	out := make([]string, 0, len(e.excluded))
	for name := range e.excluded {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

type located struct {
	part      domain.ContentPart
	messageID string
	at        time.Time
}

// StandInID is the id given to a tool_use part that has none.
func StandInID(messageID string, partIndex int) string {
	return fmt.Sprintf("%s:tool:%d", messageID, partIndex)
}

// Correlate scans every content part of msgs, typically one response.
// Matched pairs become completed or failed interactions, calls without a
// result are running, and results without a call are dropped and counted
// as orphans.
func (e *Engine) Correlate(msgs []domain.Message) Result {
	calls := make(map[string]located)
	results := make(map[string]located)
	var callOrder []string

	for pos, m := range msgs {
		msgID := timeline.EffectiveID(m, pos)
		for i, p := range m.Content {
			switch p.Type {
			case domain.PartToolUse:
				if p.ID == "" {
					p.ID = StandInID(msgID, i)
				}
				if _, dup := calls[p.ID]; dup {
					e.log.Warn().Str("toolUseId", p.ID).Msg("duplicate tool call id, keeping first")
					continue
				}
				calls[p.ID] = located{part: p, messageID: msgID, at: m.CreatedAt}
				callOrder = append(callOrder, p.ID)
			case domain.PartToolResult:
				if _, dup := results[p.ToolUseID]; dup {
					e.log.Warn().Str("toolUseId", p.ToolUseID).Msg("duplicate tool result, keeping first")
					continue
				}
				results[p.ToolUseID] = located{part: p, messageID: msgID, at: m.CreatedAt}
			}
		}
	}

	var out Result
	for _, id := range callOrder {
		call := calls[id]
		res, hasResult := results[id]

		if e.Excluded(call.part.Name) {
			part := call.part
			out.Entries = append(out.Entries, Entry{Kind: EntryToolCall, MessageID: call.messageID, Part: &part, Timestamp: call.at})
			if hasResult {
				rpart := res.part
				out.Entries = append(out.Entries, Entry{Kind: EntryToolResult, MessageID: res.messageID, Part: &rpart, Timestamp: res.at})
			}
			continue
		}

		ti := domain.ToolInteraction{Call: call.part, Status: domain.InteractionRunning, StartTime: call.at}
		if hasResult {
			rpart := res.part
			end := res.at
			ti.Result = &rpart
			ti.EndTime = &end
			ti.Status = domain.InteractionCompleted
			if rpart.IsError {
				ti.Status = domain.InteractionFailed
			}
		}
		out.Interactions = append(out.Interactions, ti)
		out.Entries = append(out.Entries, Entry{Kind: EntryInteraction, MessageID: call.messageID, Interaction: &ti, Timestamp: call.at})
	}

	for id, res := range results {
		if _, ok := calls[id]; !ok {
			out.Orphans++
			e.log.Warn().
				Str("toolUseId", id).
				Str("messageId", res.messageID).
				Msg("tool result without a matching call")
		}
	}
	return out
}
