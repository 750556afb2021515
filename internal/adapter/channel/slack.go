//go:build slack

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"robo/internal/domain"
)

// slackMaxSection is the text limit of a section block.
const slackMaxSection = 3000

// SlackOption configures the Slack channel.
type SlackOption func(*SlackChannel)

// WithSlackChannels limits the bot to specific channel IDs.
func WithSlackChannels(ids []string) SlackOption {
	return func(s *SlackChannel) {
		s.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.channelIDs[id] = true
		}
	}
}

// SlackChannel implements domain.Channel and domain.Surface for Slack via
// Socket Mode. Displays are a section block followed by an actions block.
type SlackChannel struct {
	botToken   string
	appToken   string
	api        *slack.Client
	socketCli  *socketmode.Client
	onInvoke   domain.InvocationHandler
	onControl  domain.ControlHandler
	logger     *slog.Logger
	channelIDs map[string]bool
	botUserID  string
	userNames  sync.Map // cache: userID -> display name
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(botToken, appToken string, logger *slog.Logger, opts ...SlackOption) *SlackChannel {
	s := &SlackChannel{
		botToken: botToken,
		appToken: appToken,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Surface() domain.Surface { return s }

func (s *SlackChannel) Start(ctx context.Context, onInvoke domain.InvocationHandler, onControl domain.ControlHandler) error {
	s.onInvoke = onInvoke
	s.onControl = onControl
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.socketCli = socketmode.New(s.api)

	authResp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUserID = authResp.UserID
	s.logger.Info("slack channel started", "bot_user_id", s.botUserID)

	go s.eventLoop()
	go func() {
		if err := s.socketCli.RunContext(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("slack socket mode error", "error", err)
		}
	}()

	return nil
}

func (s *SlackChannel) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SlackChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	content := msg.Content
	if msg.IsError {
		content = ":warning: Error: " + content
	}

	opts := []slack.MsgOption{slack.MsgOptionText(content, false)}
	if msg.ReplyToID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ReplyToID))
	}

	_, _, err := s.api.PostMessageContext(ctx, msg.ChannelID, opts...)
	return err
}

// Create posts a display message.
func (s *SlackChannel) Create(ctx context.Context, channelID string, r domain.Render) (domain.MessageRef, error) {
	channel, ts, err := s.api.PostMessageContext(ctx, channelID, slackMessage(r)...)
	if err != nil {
		return domain.MessageRef{}, err
	}
	return domain.MessageRef{ChannelID: channel, MessageID: ts}, nil
}

// Edit replaces a display message in place.
func (s *SlackChannel) Edit(ctx context.Context, ref domain.MessageRef, r domain.Render) error {
	_, _, _, err := s.api.UpdateMessageContext(ctx, ref.ChannelID, ref.MessageID, slackMessage(r)...)
	return err
}

// NotifyPrivate answers a button press with an ephemeral message.
func (s *SlackChannel) NotifyPrivate(ctx context.Context, ev domain.ControlEvent, text string) error {
	_, err := s.api.PostEphemeralContext(ctx, ev.Ref.ChannelID, ev.Principal, slack.MsgOptionText(text, false))
	return err
}

// Acknowledge is a no-op: socket mode requests are acked on receipt.
func (s *SlackChannel) Acknowledge(context.Context, domain.ControlEvent) error { return nil }

func (s *SlackChannel) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-s.socketCli.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.socketCli.Ack(*evt.Request)

				if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
					s.handleMessage(ev)
				}
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					continue
				}
				s.socketCli.Ack(*evt.Request)
				s.handleInteraction(callback)
			}
		}
	}
}

// resolveUserName returns a display name for a Slack user ID, using a cache
// to avoid repeated API calls.
func (s *SlackChannel) resolveUserName(userID string) string {
	if v, ok := s.userNames.Load(userID); ok {
		return v.(string)
	}
	info, err := s.api.GetUserInfoContext(s.ctx, userID)
	if err != nil {
		s.logger.Warn("slack: failed to resolve user name", "user_id", userID, "error", err)
		return userID
	}
	name := info.RealName
	if name == "" {
		name = info.Name
	}
	s.userNames.Store(userID, name)
	return name
}

func (s *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == "" || ev.User == s.botUserID || ev.BotID != "" {
		return
	}
	if len(s.channelIDs) > 0 && !s.channelIDs[ev.Channel] {
		return
	}

	inv := domain.Invocation{
		Principal:     ev.User,
		PrincipalName: s.resolveUserName(ev.User),
		ChannelName:   s.Name(),
		ChannelID:     ev.Channel,
		MessageID:     ev.TimeStamp,
		Content:       slackUnescape(ev.Text),
	}
	if err := s.onInvoke(s.ctx, inv); err != nil {
		s.logger.Error("slack handler error", "error", err, "channel", ev.Channel)
	}
}

func (s *SlackChannel) handleInteraction(cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	ts := cb.Container.MessageTs
	if ts == "" {
		ts = cb.Message.Timestamp
	}
	for _, action := range cb.ActionCallback.BlockActions {
		control, ok := parseCustomID(action.ActionID)
		if !ok {
			continue
		}
		s.onControl(s.ctx, domain.ControlEvent{
			Ref:       domain.MessageRef{ChannelID: cb.Channel.ID, MessageID: ts},
			Principal: cb.User.ID,
			Control:   control,
			Source:    cb,
		})
	}
}

// slackMessage lays a render out as blocks. Slack buttons cannot be
// disabled, so inactive controls are shown as context text instead.
func slackMessage(r domain.Render) []slack.MsgOption {
	text := truncateRunes(r.Content, slackMaxSection)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}

	var buttons []slack.BlockElement
	var labels []string
	for _, c := range r.Controls {
		labels = append(labels, c.Label)
		if c.Disabled {
			continue
		}
		btn := slack.NewButtonBlockElement(customID(c.ID), string(c.ID),
			slack.NewTextBlockObject(slack.PlainTextType, c.Label, false, false))
		if c.ID == domain.ControlClose {
			btn = btn.WithStyle(slack.StyleDanger)
		}
		buttons = append(buttons, btn)
	}
	switch {
	case len(buttons) > 0:
		blocks = append(blocks, slack.NewActionBlock("robo-controls", buttons...))
	case len(labels) > 0:
		blocks = append(blocks, slack.NewContextBlock("robo-controls",
			slack.NewTextBlockObject(slack.PlainTextType, strings.Join(labels, "  "), false, false)))
	}

	return []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	}
}

// slackUnescape reverses Slack's HTML entity escaping of message text.
func slackUnescape(s string) string {
	return strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">").Replace(s)
}
