package domain

import (
	"context"
	"time"
)

// ChannelStatus reports the runtime state of a chat channel.
type ChannelStatus struct {
	ChannelID string `json:"channelId"`
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

// ChatMessage is a line received from a chat channel.
type ChatMessage struct {
	ChannelID string    `json:"channelId"`
	From      string    `json:"from"`
	ChatID    string    `json:"chatId"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatReply is a line to deliver through a chat channel.
type ChatReply struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Channel is a chat integration approval prompts can be relayed through.
type Channel interface {
	// ID returns the channel identifier (e.g. "irc").
	ID() string

	// Start connects and blocks until the context ends or the connection fails.
	Start(ctx context.Context) error

	// Stop disconnects.
	Stop(ctx context.Context) error

	// Send delivers a reply. An empty To means every joined room.
	Send(ctx context.Context, msg ChatReply) error

	// OnMessage registers the handler for inbound lines.
	OnMessage(handler func(msg ChatMessage))
}
