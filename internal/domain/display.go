package domain

import (
	"context"
	"fmt"
)

// MessageRef identifies one remote chat message.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// IsZero reports whether the reference points at nothing.
func (r MessageRef) IsZero() bool { return r.ChannelID == "" && r.MessageID == "" }

func (r MessageRef) String() string { return fmt.Sprintf("%s/%s", r.ChannelID, r.MessageID) }

// ControlID names an interactive control attached to a display message.
type ControlID string

const (
	ControlFirst ControlID = "first"
	ControlPrev  ControlID = "prev"
	ControlPage  ControlID = "page"
	ControlNext  ControlID = "next"
	ControlLast  ControlID = "last"
	ControlClose ControlID = "close"
)

// Control is one button (or reaction) on a display message.
type Control struct {
	ID       ControlID `json:"id"`
	Label    string    `json:"label"`
	Disabled bool      `json:"disabled,omitempty"`
}

// Render is the full visible state of a display message.
type Render struct {
	Content  string    `json:"content"`
	Controls []Control `json:"controls,omitempty"`
}

// ControlEvent reports that a principal activated a control on a message.
type ControlEvent struct {
	Ref       MessageRef
	Principal string
	Control   ControlID
	// Page is the requested page for ControlPage activations (0-based).
	Page int
	// Source carries the platform payload the surface needs to answer the
	// activation (a Discord interaction, a Slack callback). Opaque to the core.
	Source any
}

// Surface is the remote display capability provided by a chat platform.
type Surface interface {
	// Create posts a new message with content and controls.
	Create(ctx context.Context, channelID string, r Render) (MessageRef, error)
	// Edit replaces the content and controls of an existing message.
	Edit(ctx context.Context, ref MessageRef, r Render) error
	// NotifyPrivate answers a control activation visibly only to its principal.
	NotifyPrivate(ctx context.Context, ev ControlEvent, text string) error
	// Acknowledge answers an accepted control activation without visible output.
	Acknowledge(ctx context.Context, ev ControlEvent) error
}

// ControlHandler receives control activations from a channel.
type ControlHandler func(ctx context.Context, ev ControlEvent)
