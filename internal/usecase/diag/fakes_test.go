package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"robo/internal/domain"
	"robo/internal/usecase/display"
	"robo/internal/usecase/task"
)

type recordingSurface struct {
	mu        sync.Mutex
	created   []domain.Render
	edits     []domain.Render
	createErr error // returned by every Create when set
	editErr   error // returned by every Edit when set
}

func (s *recordingSurface) Create(_ context.Context, channelID string, r domain.Render) (domain.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.MessageRef{}, s.createErr
	}
	s.created = append(s.created, r)
	return domain.MessageRef{ChannelID: channelID, MessageID: fmt.Sprint(len(s.created))}, nil
}

func (s *recordingSurface) Edit(_ context.Context, _ domain.MessageRef, r domain.Render) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editErr != nil {
		return s.editErr
	}
	s.edits = append(s.edits, r)
	return nil
}

func (s *recordingSurface) NotifyPrivate(context.Context, domain.ControlEvent, string) error {
	return nil
}

func (s *recordingSurface) Acknowledge(context.Context, domain.ControlEvent) error { return nil }

func (s *recordingSurface) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func (s *recordingSurface) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range append(append([]domain.Render{}, s.created...), s.edits...) {
		out = append(out, r.Content)
	}
	return out
}

func (s *recordingSurface) lastContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.edits) > 0 {
		return s.edits[len(s.edits)-1].Content
	}
	if len(s.created) > 0 {
		return s.created[len(s.created)-1].Content
	}
	return ""
}

type fakeChannel struct {
	name    string
	surface *recordingSurface

	mu   sync.Mutex
	sent []domain.OutboundMessage
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, surface: &recordingSurface{}}
}

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Start(context.Context, domain.InvocationHandler, domain.ControlHandler) error {
	return nil
}
func (c *fakeChannel) Stop(context.Context) error { return nil }
func (c *fakeChannel) Surface() domain.Surface    { return c.surface }

func (c *fakeChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) messages() []domain.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OutboundMessage(nil), c.sent...)
}

func (c *fakeChannel) last() domain.OutboundMessage {
	msgs := c.messages()
	if len(msgs) == 0 {
		return domain.OutboundMessage{}
	}
	return msgs[len(msgs)-1]
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// harness wires the real registry, hub and features around a fake channel.
type harness struct {
	registry *task.Registry
	hub      *display.Hub
	shell    *ShellFeature
	root     *RootFeature
	dispatch *Dispatcher
	channel  *fakeChannel
}

func newHarness(t *testing.T, cfg Config, shellCfg ShellConfig) *harness {
	t.Helper()
	logger := quietLogger()
	registry := task.NewRegistry(nil, nil, logger)
	hub := display.NewHub(nil, logger)

	if shellCfg.Runner.Shell == "" {
		shellCfg.Runner.Shell = "/bin/sh"
	}
	if shellCfg.Display.MinInterval == 0 {
		shellCfg.Display.MinInterval = 10 * time.Millisecond
	}
	shell := NewShellFeature(shellCfg, registry, hub, nil, nil, logger)
	shell.lookPath = func(name string) (string, error) {
		if name == "git" {
			return "/usr/bin/git", nil
		}
		return "", fmt.Errorf("%s: not found", name)
	}
	root := NewRootFeature(BuildInfo{Version: "test"}, registry, hub)
	tasks := NewTaskFeature(registry, hub, shellCfg.Display, 0, logger)

	d, err := NewDispatcher(cfg, logger, root, shell, tasks)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return &harness{
		registry: registry,
		hub:      hub,
		shell:    shell,
		root:     root,
		dispatch: d,
		channel:  newFakeChannel("discord"),
	}
}

func (h *harness) invoke(t *testing.T, content string) error {
	t.Helper()
	return h.dispatch.Dispatch(context.Background(), h.channel, domain.Invocation{
		Principal: "owner",
		ChannelID: "chan",
		Content:   content,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
