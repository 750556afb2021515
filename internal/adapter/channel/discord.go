//go:build discord

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"robo/internal/domain"
)

// discordMaxContent is Discord's message content limit in characters.
const discordMaxContent = 2000

// DiscordOption configures the Discord channel.
type DiscordOption func(*DiscordChannel)

// WithDiscordGuild limits the bot to a specific guild.
func WithDiscordGuild(guildID string) DiscordOption {
	return func(d *DiscordChannel) { d.guildID = guildID }
}

// WithDiscordChannels limits the bot to specific channel IDs.
func WithDiscordChannels(ids []string) DiscordOption {
	return func(d *DiscordChannel) {
		d.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			d.channelIDs[id] = true
		}
	}
}

// DiscordChannel implements domain.Channel and domain.Surface for Discord.
// Display controls are rendered as a button row; presses arrive as
// message component interactions.
type DiscordChannel struct {
	token      string
	session    *discordgo.Session
	onInvoke   domain.InvocationHandler
	onControl  domain.ControlHandler
	logger     *slog.Logger
	guildID    string
	channelIDs map[string]bool
	botUserID  string
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
}

// NewDiscordChannel creates a Discord channel.
func NewDiscordChannel(token string, logger *slog.Logger, opts ...DiscordOption) *DiscordChannel {
	d := &DiscordChannel{
		token:  token,
		logger: logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Surface() domain.Surface { return d }

func (d *DiscordChannel) Start(ctx context.Context, onInvoke domain.InvocationHandler, onControl domain.ControlHandler) error {
	d.onInvoke = onInvoke
	d.onControl = onControl
	d.ctx, d.cancel = context.WithCancel(ctx)

	var err error
	d.session, err = discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	d.session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	d.session.AddHandler(d.onMessageCreate)
	d.session.AddHandler(d.onInteractionCreate)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	d.mu.Lock()
	if d.session.State != nil && d.session.State.User != nil {
		d.botUserID = d.session.State.User.ID
	}
	d.mu.Unlock()

	d.logger.Info("discord channel started", "bot_user_id", d.botUserID)
	return nil
}

func (d *DiscordChannel) Stop(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	content := msg.Content
	if msg.IsError {
		content = "Error: " + content
	}
	send := &discordgo.MessageSend{Content: truncateRunes(content, discordMaxContent)}
	if msg.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: msg.ChannelID}
		send.AllowedMentions = &discordgo.MessageAllowedMentions{}
	}
	_, err := d.session.ChannelMessageSendComplex(msg.ChannelID, send, discordgo.WithContext(ctx))
	return err
}

// Create posts a display message with its button row.
func (d *DiscordChannel) Create(ctx context.Context, channelID string, r domain.Render) (domain.MessageRef, error) {
	m, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    truncateRunes(r.Content, discordMaxContent),
		Components: discordComponents(r.Controls),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return domain.MessageRef{}, err
	}
	return domain.MessageRef{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

// Edit replaces the content and button row of a display message.
func (d *DiscordChannel) Edit(ctx context.Context, ref domain.MessageRef, r domain.Render) error {
	edit := discordgo.NewMessageEdit(ref.ChannelID, ref.MessageID).SetContent(truncateRunes(r.Content, discordMaxContent))
	components := discordComponents(r.Controls)
	edit.Components = &components
	_, err := d.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return err
}

// NotifyPrivate answers a button press with an ephemeral message.
func (d *DiscordChannel) NotifyPrivate(ctx context.Context, ev domain.ControlEvent, text string) error {
	i, ok := ev.Source.(*discordgo.Interaction)
	if !ok {
		return fmt.Errorf("discord: control event without interaction")
	}
	return d.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx))
}

// Acknowledge answers a button press without changing the message; the
// session's own edit follows.
func (d *DiscordChannel) Acknowledge(ctx context.Context, ev domain.ControlEvent) error {
	i, ok := ev.Source.(*discordgo.Interaction)
	if !ok {
		return nil
	}
	return d.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}, discordgo.WithContext(ctx))
}

func (d *DiscordChannel) allowed(guildID, channelID string) bool {
	if d.guildID != "" && guildID != d.guildID {
		return false
	}
	if len(d.channelIDs) > 0 && !d.channelIDs[channelID] {
		return false
	}
	return true
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.mu.Lock()
	botID := d.botUserID
	d.mu.Unlock()

	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	if !d.allowed(m.GuildID, m.ChannelID) {
		return
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}

	inv := domain.Invocation{
		Principal:     m.Author.ID,
		PrincipalName: name,
		ChannelName:   d.Name(),
		ChannelID:     m.ChannelID,
		MessageID:     m.ID,
		Content:       m.Content,
	}
	if err := d.onInvoke(d.ctx, inv); err != nil {
		d.logger.Error("discord handler error", "error", err, "channel", m.ChannelID)
	}
}

func (d *DiscordChannel) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent || i.Message == nil {
		return
	}
	control, ok := parseCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	var principal string
	switch {
	case i.Member != nil && i.Member.User != nil:
		principal = i.Member.User.ID
	case i.User != nil:
		principal = i.User.ID
	}

	d.onControl(d.ctx, domain.ControlEvent{
		Ref:       domain.MessageRef{ChannelID: i.ChannelID, MessageID: i.Message.ID},
		Principal: principal,
		Control:   control,
		Source:    i.Interaction,
	})
}

func discordComponents(controls []domain.Control) []discordgo.MessageComponent {
	if len(controls) == 0 {
		return []discordgo.MessageComponent{}
	}
	row := discordgo.ActionsRow{}
	for _, c := range controls {
		style := discordgo.SecondaryButton
		if c.ID == domain.ControlClose {
			style = discordgo.DangerButton
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    c.Label,
			Style:    style,
			Disabled: c.Disabled,
			CustomID: customID(c.ID),
		})
	}
	return []discordgo.MessageComponent{row}
}
