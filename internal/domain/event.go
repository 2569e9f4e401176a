package domain

import (
	"encoding/json"
	"time"
)

// EventKind classifies a canonical agent event.
type EventKind string

const (
	EventToken      EventKind = "token"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventStatus     EventKind = "status"
	EventConnected  EventKind = "connected"
)

// Event is the transport-agnostic form of one agent-stream occurrence.
type Event struct {
	Kind      EventKind    `json:"kind"`
	SessionID string       `json:"sessionId"`
	EventID   string       `json:"eventId"`
	MessageID string       `json:"messageId,omitempty"`
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// EventPayload carries the kind-specific data of an Event.
type EventPayload struct {
	Delta      string             `json:"delta,omitempty"`
	ToolCall   *ToolCallPayload   `json:"toolCall,omitempty"`
	ToolResult *ToolResultPayload `json:"toolResult,omitempty"`
	Status     string             `json:"status,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// ToolCallPayload describes a tool invocation requested by the agent.
type ToolCallPayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload describes the outcome of a tool invocation.
type ToolResultPayload struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// Status values that end a streaming assistant message.
const (
	StatusDone      = "done"
	StatusComplete  = "complete"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusHeartbeat = "heartbeat"
)
