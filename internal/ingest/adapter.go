// Package ingest normalizes raw agent wire frames into canonical events.
package ingest

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/turnstile/internal/domain"
	"github.com/soyeahso/turnstile/internal/logging"
)

// EnvelopeVersion is the only versioned envelope revision understood.
const EnvelopeVersion = 2

// Wire event_type values.
const (
	wireToken      = "token"
	wireChunk      = "chunk"
	wireToolCall   = "tool_call"
	wireToolResult = "tool_result"
	wireError      = "error"
)

// frame covers every shape the transport delivers. Which fields are set
// tells the shapes apart.
type frame struct {
	// envelope and control frames
	V         int             `json:"v"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp json.RawMessage `json:"timestamp"`

	// legacy flat shape (session_id is shared with control frames)
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	MessageID string          `json:"message_id"`
	Data      json.RawMessage `json:"data"`
	ToolCall  json.RawMessage `json:"tool_call"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error"`
}

type envelopePayload struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Timestamp json.RawMessage `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id"`
}

// Adapter turns raw frames into canonical events. It is safe for
// concurrent use; Seq is unique and increasing across all sessions.
type Adapter struct {
	log *logging.Logger
	seq atomic.Int64
	now func() time.Time
}

// NewAdapter creates an adapter.
func NewAdapter(log *logging.Logger) *Adapter {
	return &Adapter{log: log.Sub("ingest"), now: time.Now}
}

// Normalize converts one raw frame. It returns nil when the frame is
// malformed or unrecognized; the reason is logged.
func (a *Adapter) Normalize(raw []byte) *domain.Event {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		a.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed frame")
		return nil
	}

	switch {
	case f.Type == "agent_event":
		return a.fromEnvelope(f)
	case f.Type == "connected":
		if f.SessionID == "" {
			a.log.Debug().Msg("dropping connected frame without session id")
			return nil
		}
		return a.stamp(&domain.Event{Kind: domain.EventConnected, SessionID: f.SessionID}, f.Timestamp)
	case f.Type == "heartbeat":
		return a.stamp(&domain.Event{
			Kind:      domain.EventStatus,
			SessionID: f.SessionID,
			Payload:   domain.EventPayload{Status: domain.StatusHeartbeat},
		}, f.Timestamp)
	case f.EventType != "":
		return a.fromLegacy(f)
	default:
		a.log.Debug().Str("type", f.Type).Msg("dropping unrecognized frame")
		return nil
	}
}

func (a *Adapter) fromEnvelope(f frame) *domain.Event {
	if f.V != EnvelopeVersion {
		a.log.Warn().Int("v", f.V).Msg("dropping envelope with unsupported version")
		return nil
	}
	var p envelopePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || len(f.Payload) == 0 {
		a.log.Warn().Err(err).Msg("dropping envelope with malformed payload")
		return nil
	}

	data := parseFields(p.Data)
	ev := &domain.Event{
		SessionID: p.SessionID,
		EventID:   p.EventID,
		MessageID: firstNonEmpty(p.MessageID, data.text("message_id")),
	}
	if !a.fill(ev, p.EventType, p.Data, data, legacyExtras{}) {
		return nil
	}
	return a.finish(ev, p.Timestamp)
}

func (a *Adapter) fromLegacy(f frame) *domain.Event {
	data := parseFields(f.Data)
	ev := &domain.Event{
		SessionID: f.SessionID,
		EventID:   f.EventID,
		MessageID: firstNonEmpty(f.MessageID, data.text("message_id")),
	}
	extras := legacyExtras{toolCall: parseFields(f.ToolCall), result: f.Result, err: f.Error}
	if !a.fill(ev, f.EventType, f.Data, data, extras) {
		return nil
	}
	return a.finish(ev, f.Timestamp)
}

// legacyExtras are the top-level fields the flat shape may use instead
// of data.
type legacyExtras struct {
	toolCall fields
	result   json.RawMessage
	err      json.RawMessage
}

// fill sets kind and payload from the wire event_type. It reports false
// when the event type is unknown.
func (a *Adapter) fill(ev *domain.Event, eventType string, rawData json.RawMessage, data fields, x legacyExtras) bool {
	switch eventType {
	case wireToken, wireChunk:
		ev.Kind = domain.EventToken
		if data == nil {
			ev.Payload.Delta = asText(rawData)
		} else {
			ev.Payload.Delta = data.text("delta", "content", "text")
		}

	case wireToolCall:
		src := data
		if x.toolCall != nil {
			src = x.toolCall
		}
		input, _ := src.raw("input", "arguments")
		ev.Kind = domain.EventToolCall
		ev.Payload.ToolCall = &domain.ToolCallPayload{
			ID:    src.text("id", "tool_use_id"),
			Name:  src.text("name", "tool_name"),
			Input: asInput(input),
		}

	case wireToolResult:
		ev.Kind = domain.EventToolResult
		ev.Payload.ToolResult = toolResult(data, x.result)

	case wireError:
		ev.Kind = domain.EventStatus
		ev.Payload.Status = domain.StatusError
		ev.Payload.Error = errorText(data, x.err)

	default:
		a.log.Debug().Str("eventType", eventType).Msg("dropping event with unknown type")
		return false
	}
	return true
}

func toolResult(data fields, legacy json.RawMessage) *domain.ToolResultPayload {
	src := data
	content := data.text("result", "content", "output")
	if obj := parseFields(legacy); obj != nil {
		src = obj
		content = obj.text("result", "content", "output")
	} else if !isNull(legacy) {
		content = asText(legacy)
	}

	res := &domain.ToolResultPayload{
		ToolUseID: firstNonEmpty(src.text("tool_use_id", "id"), data.text("tool_use_id", "id")),
		Content:   content,
	}
	if ok, present := src.boolean("success"); present {
		res.IsError = !ok
	} else if isErr, present := src.boolean("is_error"); present {
		res.IsError = isErr
	}
	return res
}

func errorText(data fields, legacy json.RawMessage) string {
	if obj := parseFields(legacy); obj != nil {
		if msg := obj.text("message", "error"); msg != "" {
			return msg
		}
	} else if msg := asText(legacy); msg != "" {
		return msg
	}
	return data.text("message", "error")
}

// finish drops events without a session and stamps the rest.
func (a *Adapter) finish(ev *domain.Event, ts json.RawMessage) *domain.Event {
	if ev.SessionID == "" {
		a.log.Warn().Str("kind", string(ev.Kind)).Msg("dropping event without session id")
		return nil
	}
	return a.stamp(ev, ts)
}

func (a *Adapter) stamp(ev *domain.Event, ts json.RawMessage) *domain.Event {
	ev.Seq = a.seq.Add(1)
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if t, ok := parseTimestamp(ts); ok {
		ev.Timestamp = t
	} else {
		ev.Timestamp = a.now()
	}
	a.log.Trace().
		Str("sessionId", ev.SessionID).
		Str("kind", string(ev.Kind)).
		Int64("seq", ev.Seq).
		Msg("event normalized")
	return ev
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
