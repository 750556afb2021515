// Package diag parses "<prefix>robo <sub> <argument>" invocations and
// routes them to the commands contributed by composable features.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"

	"robo/internal/domain"
	"robo/internal/infra/tracer"
)

// Command is one subcommand.
type Command struct {
	Name    string
	Aliases []string
	Help    string
	Hidden  bool
	Run     func(ctx context.Context, c *Context) error
}

// Feature contributes a group of commands.
type Feature interface {
	Name() string
	Commands() []Command
}

// Config configures a Dispatcher.
type Config struct {
	Prefix  string   // default "!"
	Command string   // root command word, default "robo"
	Owners  []string // when non-empty, only these principals are served
	Hidden  bool     // hide the root command from the bot's help listing
}

// Metrics counts invocations by outcome.
type Metrics interface {
	Invocation(command, outcome string)
}

// Context is handed to a running command.
type Context struct {
	Invocation domain.Invocation
	// Name is the subcommand as typed (an alias resolves to its command).
	Name     string
	Argument string
	Channel  domain.Channel
	Dispatch *Dispatcher
	Logger   *slog.Logger
}

// Surface is the invoking channel's display surface.
func (c *Context) Surface() domain.Surface { return c.Channel.Surface() }

// Plain reports whether the channel renders text without markdown.
func (c *Context) Plain() bool { return c.Channel.Name() == "console" }

// Reply sends text back to the invoking channel.
func (c *Context) Reply(ctx context.Context, text string) error {
	return c.Channel.Send(ctx, domain.OutboundMessage{
		ChannelID: c.Invocation.ChannelID,
		Content:   text,
		ReplyToID: c.Invocation.MessageID,
	})
}

// ReplyError sends an error message back to the invoking channel.
func (c *Context) ReplyError(ctx context.Context, text string) error {
	return c.Channel.Send(ctx, domain.OutboundMessage{
		ChannelID: c.Invocation.ChannelID,
		Content:   text,
		IsError:   true,
		ReplyToID: c.Invocation.MessageID,
	})
}

// Limiter throttles invocations per principal.
type Limiter interface {
	Allow(key string) bool
}

// Dispatcher resolves invocations to commands. It is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	features []Feature
	commands map[string]*Command // by lowercase name and alias
	root     *Command            // runs when no subcommand is given
	hidden   atomic.Bool
	metrics  Metrics
	limiter  Limiter
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher assembles a dispatcher from features. A command named ""
// is the root command. Colliding names or aliases yield ErrDuplicate.
func NewDispatcher(cfg Config, logger *slog.Logger, features ...Feature) (*Dispatcher, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "!"
	}
	if cfg.Command == "" {
		cfg.Command = "robo"
	}
	d := &Dispatcher{
		cfg:      cfg,
		features: features,
		commands: make(map[string]*Command),
		logger:   logger,
	}
	d.hidden.Store(cfg.Hidden)

	for _, f := range features {
		for _, cmd := range f.Commands() {
			if cmd.Name == "" {
				if d.root != nil {
					return nil, domain.NewSubSystemError("diag", "NewDispatcher", domain.ErrDuplicate,
						"root command registered twice")
				}
				d.root = &cmd
				continue
			}
			for _, key := range append([]string{cmd.Name}, cmd.Aliases...) {
				key = strings.ToLower(key)
				if _, ok := d.commands[key]; ok {
					return nil, domain.NewSubSystemError("diag", "NewDispatcher", domain.ErrDuplicate,
						fmt.Sprintf("command %q registered twice (feature %s)", key, f.Name()))
				}
				d.commands[key] = &cmd
			}
		}
	}
	return d, nil
}

// SetMetrics enables invocation counting.
func (d *Dispatcher) SetMetrics(m Metrics) { d.metrics = m }

// SetLimiter enables per-principal throttling.
func (d *Dispatcher) SetLimiter(l Limiter) { d.limiter = l }

// Prefix returns the invocation prefix.
func (d *Dispatcher) Prefix() string { return d.cfg.Prefix }

// Root returns the root command word.
func (d *Dispatcher) Root() string { return d.cfg.Command }

// Hidden reports whether the root command is hidden from help listings.
func (d *Dispatcher) Hidden() bool { return d.hidden.Load() }

// SetHidden changes help visibility.
func (d *Dispatcher) SetHidden(v bool) { d.hidden.Store(v) }

// Commands returns the distinct registered subcommands sorted by name.
func (d *Dispatcher) Commands() []Command {
	seen := make(map[*Command]bool)
	var out []Command
	for _, c := range d.commands {
		if !seen[c] {
			seen[c] = true
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Lookup finds a subcommand by name or alias.
func (d *Dispatcher) Lookup(name string) (Command, bool) {
	c, ok := d.commands[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Handler adapts the dispatcher to a channel. Each invocation runs on its
// own goroutine so long-running commands never block the channel.
func (d *Dispatcher) Handler(ch domain.Channel) domain.InvocationHandler {
	return func(ctx context.Context, inv domain.Invocation) error {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.Dispatch(ctx, ch, inv); err != nil {
				d.logger.Debug("invocation finished with error", "invocation_id", inv.ID, "error", err)
			}
		}()
		return nil
	}
}

// Wait blocks until every invocation started through Handler returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Dispatch runs inv synchronously. Messages that are not addressed to the
// root command, or come from principals outside the owner list, are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, ch domain.Channel, inv domain.Invocation) error {
	sub, arg, ok := d.parse(inv.Content)
	if !ok {
		if d.isHelpRequest(inv.Content) && !d.Hidden() && d.allowed(inv.Principal) {
			return ch.Send(ctx, domain.OutboundMessage{
				ChannelID: inv.ChannelID,
				Content:   HelpText(ch.Name(), d),
				ReplyToID: inv.MessageID,
			})
		}
		return nil
	}
	if !d.allowed(inv.Principal) {
		d.logger.Debug("invocation from non-owner ignored", "principal", inv.Principal)
		return nil
	}

	if inv.ID == "" {
		inv.ID = ulid.Make().String()
	}
	if inv.ReceivedAt.IsZero() {
		inv.ReceivedAt = time.Now()
	}

	var cmd *Command
	if sub == "" {
		cmd = d.root
	} else {
		cmd = d.commands[strings.ToLower(sub)]
	}

	inv.Command = d.cfg.Command
	if cmd != nil && cmd.Name != "" {
		inv.Command += " " + cmd.Name
	}
	c := &Context{
		Invocation: inv,
		Name:       sub,
		Argument:   arg,
		Channel:    ch,
		Dispatch:   d,
		Logger: d.logger.With(
			"invocation_id", inv.ID,
			"command", inv.Command,
			"principal", inv.Principal,
			"channel", ch.Name(),
		),
	}

	if d.limiter != nil && !d.limiter.Allow(inv.Principal) {
		d.count(inv.Command, "throttled")
		_ = c.ReplyError(ctx, "Slow down: too many commands, try again shortly.")
		return domain.NewSubSystemError("diag", "Dispatcher.Dispatch", domain.ErrLimitReached, inv.Principal)
	}

	if cmd == nil {
		d.count("unknown", "unknown")
		msg := fmt.Sprintf("Unknown subcommand %q. Try `%s%s help`.", sub, d.cfg.Prefix, d.cfg.Command)
		_ = c.ReplyError(ctx, msg)
		return domain.NewSubSystemError("diag", "Dispatcher.Dispatch", domain.ErrUnknownCommand, sub)
	}

	ctx, span := tracer.StartSpan(ctx, "diag.invoke")
	span.SetAttributes(
		tracer.StringAttr("command", inv.Command),
		tracer.StringAttr("invocation_id", inv.ID),
		tracer.StringAttr("channel", ch.Name()),
	)

	c.Logger.Info("invocation started")
	start := time.Now()
	err := cmd.Run(ctx, c)
	tracer.End(span, err)

	if err != nil {
		d.count(inv.Command, "error")
		c.Logger.Warn("invocation failed", "error", err, "code", domain.ErrorCodeOf(err), "duration", time.Since(start))
		return err
	}
	d.count(inv.Command, "ok")
	c.Logger.Info("invocation finished", "duration", time.Since(start))
	return nil
}

// parse splits "<prefix><command> <sub> <argument>". The argument keeps
// its inner newlines so code blocks survive.
func (d *Dispatcher) parse(content string) (sub, arg string, ok bool) {
	content = strings.TrimLeftFunc(content, unicode.IsSpace)
	head := d.cfg.Prefix + d.cfg.Command
	if len(content) < len(head) || !strings.EqualFold(content[:len(head)], head) {
		return "", "", false
	}
	rest := content[len(head):]
	if rest != "" {
		r := []rune(rest)[0]
		if !unicode.IsSpace(r) {
			return "", "", false
		}
	}
	rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
	if rest == "" {
		return "", "", true
	}
	i := strings.IndexFunc(rest, unicode.IsSpace)
	if i < 0 {
		return rest, "", true
	}
	return rest[:i], strings.TrimSpace(rest[i:]), true
}

func (d *Dispatcher) isHelpRequest(content string) bool {
	return strings.EqualFold(strings.TrimSpace(content), d.cfg.Prefix+"help")
}

func (d *Dispatcher) allowed(principal string) bool {
	return len(d.cfg.Owners) == 0 || slices.Contains(d.cfg.Owners, principal)
}

func (d *Dispatcher) count(command, outcome string) {
	if d.metrics != nil {
		d.metrics.Invocation(command, outcome)
	}
}
