package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"robo/internal/domain"
)

// ConsoleOption configures the console channel.
type ConsoleOption func(*ConsoleChannel)

// WithConsoleIO replaces stdin and stdout.
func WithConsoleIO(in io.Reader, out io.Writer) ConsoleOption {
	return func(c *ConsoleChannel) {
		c.in = in
		c.out = out
	}
}

// WithConsolePrincipal sets the principal every local line is attributed to.
func WithConsolePrincipal(p string) ConsoleOption {
	return func(c *ConsoleChannel) { c.principal = p }
}

// WithConsoleNoColor renders frames without colors.
func WithConsoleNoColor(v bool) ConsoleOption {
	return func(c *ConsoleChannel) { c.noColor = v }
}

// ConsoleChannel is a local terminal channel. Lines read from the input are
// invocations; lines starting with ':' operate the controls of the most
// recent display message.
type ConsoleChannel struct {
	in        io.Reader
	out       io.Writer
	principal string
	noColor   bool
	logger    *slog.Logger

	onInvoke  domain.InvocationHandler
	onControl domain.ControlHandler
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu     sync.Mutex // guards output and the fields below
	nextID int
	last   domain.MessageRef
	styles consoleStyles
}

type consoleStyles struct {
	frame    lipgloss.Style
	control  lipgloss.Style
	disabled lipgloss.Style
	ref      lipgloss.Style
	err      lipgloss.Style
	private  lipgloss.Style
}

// NewConsoleChannel creates a console channel on stdin and stdout.
func NewConsoleChannel(logger *slog.Logger, opts ...ConsoleOption) *ConsoleChannel {
	c := &ConsoleChannel{
		in:        os.Stdin,
		out:       os.Stdout,
		principal: "console",
		logger:    logger,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.styles = newConsoleStyles(lipgloss.NewRenderer(c.out), c.noColor)
	return c
}

func newConsoleStyles(r *lipgloss.Renderer, noColor bool) consoleStyles {
	s := consoleStyles{
		frame:    r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
		control:  r.NewStyle().Bold(true),
		disabled: r.NewStyle().Faint(true),
		ref:      r.NewStyle().Faint(true),
		err:      r.NewStyle().Bold(true),
		private:  r.NewStyle().Italic(true),
	}
	if !noColor {
		s.frame = s.frame.BorderForeground(lipgloss.Color("63"))
		s.control = s.control.Foreground(lipgloss.Color("86"))
		s.err = s.err.Foreground(lipgloss.Color("196"))
		s.private = s.private.Foreground(lipgloss.Color("214"))
	}
	return s
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Surface() domain.Surface { return c }

// Done is closed once the input is exhausted or the channel stopped.
func (c *ConsoleChannel) Done() <-chan struct{} { return c.done }

func (c *ConsoleChannel) Start(ctx context.Context, onInvoke domain.InvocationHandler, onControl domain.ControlHandler) error {
	c.onInvoke = onInvoke
	c.onControl = onControl
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.readLoop()
	c.logger.Info("console channel started", "principal", c.principal)
	return nil
}

func (c *ConsoleChannel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *ConsoleChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.IsError {
		_, err := fmt.Fprintln(c.out, c.styles.err.Render("Error: "+msg.Content))
		return err
	}
	_, err := fmt.Fprintln(c.out, msg.Content)
	return err
}

// Create prints a new framed display and makes it the target of ':' controls.
func (c *ConsoleChannel) Create(_ context.Context, channelID string, r domain.Render) (domain.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	ref := domain.MessageRef{ChannelID: channelID, MessageID: strconv.Itoa(c.nextID)}
	c.last = ref
	return ref, c.print(ref, r)
}

// Edit reprints the display; a terminal cannot rewrite scrolled output.
func (c *ConsoleChannel) Edit(_ context.Context, ref domain.MessageRef, r domain.Render) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.print(ref, r)
}

func (c *ConsoleChannel) NotifyPrivate(_ context.Context, _ domain.ControlEvent, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, c.styles.private.Render(text))
	return err
}

func (c *ConsoleChannel) Acknowledge(context.Context, domain.ControlEvent) error { return nil }

func (c *ConsoleChannel) print(ref domain.MessageRef, r domain.Render) error {
	var b strings.Builder
	b.WriteString(c.styles.ref.Render("#" + ref.MessageID))
	b.WriteByte('\n')
	b.WriteString(c.styles.frame.Render(r.Content))
	if len(r.Controls) > 0 {
		labels := make([]string, 0, len(r.Controls))
		for _, ctl := range r.Controls {
			style := c.styles.control
			if ctl.Disabled {
				style = c.styles.disabled
			}
			labels = append(labels, style.Render("["+ctl.Label+"]"))
		}
		b.WriteByte('\n')
		b.WriteString(strings.Join(labels, " "))
	}
	_, err := fmt.Fprintln(c.out, b.String())
	return err
}

func (c *ConsoleChannel) readLoop() {
	defer close(c.done)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn("console input error", "error", err)
		}
	}()

	var pending []string
	for {
		select {
		case <-c.ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				if len(pending) > 0 {
					c.invoke(strings.Join(pending, "\n"))
				}
				return
			}
			if len(pending) == 0 && strings.HasPrefix(line, ":") {
				c.control(line)
				continue
			}
			pending = append(pending, line)
			// A message with an open code fence continues on the next line.
			if strings.Count(strings.Join(pending, "\n"), fence)%2 == 1 {
				continue
			}
			c.invoke(strings.Join(pending, "\n"))
			pending = nil
		}
	}
}

func (c *ConsoleChannel) invoke(content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	c.mu.Lock()
	c.nextID++
	id := strconv.Itoa(c.nextID)
	c.mu.Unlock()

	inv := domain.Invocation{
		Principal:     c.principal,
		PrincipalName: c.principal,
		ChannelName:   c.Name(),
		ChannelID:     c.Name(),
		MessageID:     id,
		Content:       content,
	}
	if err := c.onInvoke(c.ctx, inv); err != nil {
		c.logger.Error("console handler error", "error", err)
	}
}

func (c *ConsoleChannel) control(line string) {
	ev, err := parseConsoleControl(line)
	if err != nil {
		_ = c.NotifyPrivate(c.ctx, domain.ControlEvent{}, err.Error())
		return
	}
	c.mu.Lock()
	ev.Ref = c.last
	c.mu.Unlock()
	if ev.Ref.IsZero() {
		_ = c.NotifyPrivate(c.ctx, ev, "No display to control.")
		return
	}
	ev.Principal = c.principal
	c.onControl(c.ctx, ev)
}

// parseConsoleControl reads ":next", ":page 3" and friends. Page numbers
// are 1-based as shown in the page label.
func parseConsoleControl(line string) (domain.ControlEvent, error) {
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) == 0 {
		return domain.ControlEvent{}, fmt.Errorf("empty control; try :next, :prev, :first, :last, :page N or :close")
	}
	id := domain.ControlID(strings.ToLower(fields[0]))
	switch id {
	case domain.ControlFirst, domain.ControlPrev, domain.ControlNext, domain.ControlLast, domain.ControlClose:
		return domain.ControlEvent{Control: id}, nil
	case domain.ControlPage:
		if len(fields) != 2 {
			return domain.ControlEvent{}, fmt.Errorf("usage: :page N")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return domain.ControlEvent{}, fmt.Errorf("%q is not a page number", fields[1])
		}
		return domain.ControlEvent{Control: id, Page: n - 1}, nil
	}
	return domain.ControlEvent{}, fmt.Errorf("unknown control %q; try :next, :prev, :first, :last, :page N or :close", fields[0])
}
