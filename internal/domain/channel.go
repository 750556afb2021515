package domain

import (
	"context"
	"time"
)

// Invocation is one request from a chat principal, the invoking context of a task.
type Invocation struct {
	ID            string    `json:"id"` // ULID
	Principal     string    `json:"principal"`
	PrincipalName string    `json:"principal_name,omitempty"`
	ChannelName   string    `json:"channel_name"`
	ChannelID     string    `json:"channel_id"`
	MessageID     string    `json:"message_id,omitempty"`
	Content       string    `json:"content"`
	ReceivedAt    time.Time `json:"received_at"`

	// Command is the qualified command name, filled in by the dispatcher.
	Command string `json:"command,omitempty"`
}

// OutboundMessage is a plain message sent to a channel.
type OutboundMessage struct {
	ChannelID string
	Content   string
	IsError   bool
	ReplyToID string
}

// InvocationHandler is a callback the channel invokes for each inbound message.
type InvocationHandler func(ctx context.Context, inv Invocation) error

// Channel is the interface for chat platform adapters.
type Channel interface {
	Name() string
	Start(ctx context.Context, onInvoke InvocationHandler, onControl ControlHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Surface() Surface
}
