//go:build slack

package channel

import (
	"testing"

	"github.com/slack-go/slack"

	"robo/internal/domain"
)

func TestSlackChannelName(t *testing.T) {
	ch := NewSlackChannel("bot-token", "app-token", newTestLogger())
	if ch.Name() != "slack" {
		t.Errorf("Name = %q", ch.Name())
	}
}

func TestSlackOptionChannels(t *testing.T) {
	ch := NewSlackChannel("bot", "app", newTestLogger(), WithSlackChannels([]string{"c1", "c2"}))
	if !ch.channelIDs["c1"] || !ch.channelIDs["c2"] {
		t.Errorf("channelIDs = %v", ch.channelIDs)
	}
}

func TestSlackStopBeforeStart(t *testing.T) {
	ch := NewSlackChannel("bot", "app", newTestLogger())
	if err := ch.Stop(nil); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestSlackMessageBlocks(t *testing.T) {
	live := domain.Render{Content: "```out```", Controls: []domain.Control{
		{ID: domain.ControlPrev, Label: "◀", Disabled: true},
		{ID: domain.ControlPage, Label: "1/2", Disabled: true},
		{ID: domain.ControlNext, Label: "▶"},
		{ID: domain.ControlClose, Label: "✕"},
	}}
	blocks := renderBlocks(t, live)
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	actions, ok := blocks[1].(*slack.ActionBlock)
	if !ok {
		t.Fatalf("second block = %T, want actions", blocks[1])
	}
	if n := len(actions.Elements.ElementSet); n != 2 {
		t.Errorf("buttons = %d, want 2 (disabled controls are not buttons)", n)
	}

	final := domain.Render{Content: "done", Controls: []domain.Control{
		{ID: domain.ControlPrev, Label: "◀", Disabled: true},
		{ID: domain.ControlPage, Label: "2/2", Disabled: true},
	}}
	blocks = renderBlocks(t, final)
	if _, ok := blocks[1].(*slack.ContextBlock); !ok {
		t.Errorf("closed controls rendered as %T, want context", blocks[1])
	}
}

func TestSlackUnescape(t *testing.T) {
	if got := slackUnescape("echo a &amp;&amp; cat &lt;in &gt;out"); got != "echo a && cat <in >out" {
		t.Errorf("slackUnescape = %q", got)
	}
}

func renderBlocks(t *testing.T, r domain.Render) []slack.Block {
	t.Helper()
	_, values, err := slack.UnsafeApplyMsgOptions("token", "C1", "https://slack.com/api/", slackMessage(r)...)
	if err != nil {
		t.Fatal(err)
	}
	var blocks slack.Blocks
	if err := blocks.UnmarshalJSON([]byte(values.Get("blocks"))); err != nil {
		t.Fatal(err)
	}
	return blocks.BlockSet
}
