package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType discriminates the variants of ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one block of rich message content. Which fields are
// meaningful depends on Type.
type ContentPart struct {
	Type PartType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ToolUsePart builds a tool_use content part.
func ToolUsePart(id, name string, input json.RawMessage) ContentPart {
	return ContentPart{Type: PartToolUse, ID: id, Name: name, Input: input}
}

// ToolResultPart builds a tool_result content part.
func ToolResultPart(toolUseID, content string, isError bool) ContentPart {
	return ContentPart{Type: PartToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is a single entry in a session's conversation.
type Message struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"sessionId"`
	Role        Role          `json:"role"`
	Content     []ContentPart `json:"content"`
	CreatedAt   time.Time     `json:"createdAt"`
	IsStreaming bool          `json:"isStreaming,omitempty"`
}

// IsToolResultOnly reports whether every content part is a tool_result.
// A message with no parts carries no genuine content and also qualifies.
func (m Message) IsToolResultOnly() bool {
	for _, p := range m.Content {
		if p.Type != PartToolResult {
			return false
		}
	}
	return true
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Content {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}

// Response is a contiguous run of messages from a genuine user message
// through the final assistant message answering it. Open is set on the
// trailing run that has no final assistant message yet.
type Response struct {
	Messages []Message `json:"messages"`
	Open     bool      `json:"open,omitempty"`
}
