//go:build discord

package channel

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"robo/internal/domain"
)

func TestDiscordChannelName(t *testing.T) {
	ch := NewDiscordChannel("token", newTestLogger())
	if ch.Name() != "discord" {
		t.Errorf("Name = %q", ch.Name())
	}
}

func TestDiscordOptions(t *testing.T) {
	ch := NewDiscordChannel("tok", newTestLogger(),
		WithDiscordGuild("g"),
		WithDiscordChannels([]string{"ch1"}),
	)
	if ch.token != "tok" || ch.guildID != "g" || !ch.channelIDs["ch1"] {
		t.Error("options not applied correctly")
	}
	if !ch.allowed("g", "ch1") || ch.allowed("g", "ch2") || ch.allowed("other", "ch1") {
		t.Error("allowed filter wrong")
	}
}

func TestDiscordStopBeforeStart(t *testing.T) {
	ch := NewDiscordChannel("token", newTestLogger())
	if err := ch.Stop(nil); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestDiscordComponents(t *testing.T) {
	got := discordComponents([]domain.Control{
		{ID: domain.ControlFirst, Label: "≪", Disabled: true},
		{ID: domain.ControlClose, Label: "✕"},
	})
	if len(got) != 1 {
		t.Fatalf("rows = %d", len(got))
	}
	row := got[0].(discordgo.ActionsRow)
	first := row.Components[0].(discordgo.Button)
	if first.CustomID != "robo:first" || !first.Disabled {
		t.Errorf("first = %+v", first)
	}
	if closeBtn := row.Components[1].(discordgo.Button); closeBtn.Style != discordgo.DangerButton {
		t.Errorf("close style = %v", closeBtn.Style)
	}

	if got := discordComponents(nil); got == nil || len(got) != 0 {
		t.Errorf("no controls must clear the row, got %v", got)
	}
}
