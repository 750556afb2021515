package diag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"

	"robo/internal/domain"
)

func TestParseCodeblock(t *testing.T) {
	tests := []struct {
		in   string
		want Codeblock
	}{
		{"echo hi", Codeblock{Content: "echo hi"}},
		{"  echo hi  ", Codeblock{Content: "echo hi"}},
		{"`ls -la`", Codeblock{Content: "ls -la"}},
		{"```sh\necho hi\n```", Codeblock{Language: "sh", Content: "echo hi"}},
		{"```\necho hi\n```", Codeblock{Content: "echo hi"}},
		{"```echo hi\nls```", Codeblock{Content: "echo hi\nls"}},
		{"```rust\nfn main() {}\n// robo require: rand\n```", Codeblock{Language: "rust", Content: "fn main() {}\n// robo require: rand"}},
		{"```", Codeblock{}},
	}
	for _, tt := range tests {
		if got := ParseCodeblock(tt.in); got != tt.want {
			t.Errorf("ParseCodeblock(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

type recordFeature struct {
	name string
	cmds []Command
}

func (f recordFeature) Name() string        { return f.name }
func (f recordFeature) Commands() []Command { return f.cmds }

type countingMetrics struct {
	mu   sync.Mutex
	seen map[string]int
}

func (m *countingMetrics) Invocation(command, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]int{}
	}
	m.seen[command+"/"+outcome]++
}

func TestDispatchRouting(t *testing.T) {
	var got *Context
	record := func(_ context.Context, c *Context) error {
		got = c
		return nil
	}
	feature := recordFeature{name: "rec", cmds: []Command{
		{Name: "", Run: record},
		{Name: "shell", Aliases: []string{"sh"}, Run: record},
	}}
	d, err := NewDispatcher(Config{}, quietLogger(), feature)
	if err != nil {
		t.Fatal(err)
	}
	m := &countingMetrics{}
	d.SetMetrics(m)
	ch := newFakeChannel("console")

	tests := []struct {
		content  string
		wantRun  bool
		wantName string
		wantArg  string
	}{
		{"!robo", true, "", ""},
		{"  !robo  ", true, "", ""},
		{"!robo sh echo hi", true, "sh", "echo hi"},
		{"!ROBO Shell\n```sh\nls\n```", true, "Shell", "```sh\nls\n```"},
		{"!robot", false, "", ""},
		{"robo sh ls", false, "", ""},
		{"hello", false, "", ""},
	}
	for _, tt := range tests {
		got = nil
		err := d.Dispatch(context.Background(), ch, domain.Invocation{Principal: "p", Content: tt.content})
		if err != nil {
			t.Fatalf("Dispatch(%q): %v", tt.content, err)
		}
		if (got != nil) != tt.wantRun {
			t.Fatalf("Dispatch(%q) ran = %v, want %v", tt.content, got != nil, tt.wantRun)
		}
		if got == nil {
			continue
		}
		if got.Name != tt.wantName || got.Argument != tt.wantArg {
			t.Errorf("Dispatch(%q) = (%q, %q), want (%q, %q)", tt.content, got.Name, got.Argument, tt.wantName, tt.wantArg)
		}
		if _, err := ulid.Parse(got.Invocation.ID); err != nil {
			t.Errorf("invocation id %q is not a ULID: %v", got.Invocation.ID, err)
		}
	}

	if n := m.seen["robo shell/ok"]; n != 2 {
		t.Errorf("robo shell/ok = %d, want 2 (aliases count under the canonical name)", n)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d, err := NewDispatcher(Config{Prefix: "?"}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ch := newFakeChannel("console")

	err = d.Dispatch(context.Background(), ch, domain.Invocation{Content: "?robo frobnicate"})
	if !errors.Is(err, domain.ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	msg := ch.last()
	if !msg.IsError || !strings.Contains(msg.Content, "?robo help") {
		t.Errorf("reply = %+v", msg)
	}
}

func TestDispatchOwnerGate(t *testing.T) {
	ran := 0
	feature := recordFeature{name: "rec", cmds: []Command{{Name: "x", Run: func(context.Context, *Context) error {
		ran++
		return nil
	}}}}
	d, err := NewDispatcher(Config{Owners: []string{"alice"}}, quietLogger(), feature)
	if err != nil {
		t.Fatal(err)
	}
	ch := newFakeChannel("console")

	_ = d.Dispatch(context.Background(), ch, domain.Invocation{Principal: "mallory", Content: "!robo x"})
	_ = d.Dispatch(context.Background(), ch, domain.Invocation{Principal: "alice", Content: "!robo x"})
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
	if len(ch.messages()) != 0 {
		t.Errorf("non-owner received a reply: %+v", ch.messages())
	}
}

func TestDuplicateCommandsRejected(t *testing.T) {
	a := recordFeature{name: "a", cmds: []Command{{Name: "shell"}}}
	b := recordFeature{name: "b", cmds: []Command{{Name: "run", Aliases: []string{"SHELL"}}}}
	_, err := NewDispatcher(Config{}, quietLogger(), a, b)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestCommandErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	feature := recordFeature{name: "f", cmds: []Command{{Name: "fail", Run: func(context.Context, *Context) error { return boom }}}}
	d, _ := NewDispatcher(Config{}, quietLogger(), feature)
	m := &countingMetrics{}
	d.SetMetrics(m)

	err := d.Dispatch(context.Background(), newFakeChannel("console"), domain.Invocation{Content: "!robo fail"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if m.seen["robo fail/error"] != 1 {
		t.Errorf("metrics = %v", m.seen)
	}
}

func TestHandlerRunsAsynchronously(t *testing.T) {
	release := make(chan struct{})
	feature := recordFeature{name: "f", cmds: []Command{{Name: "block", Run: func(ctx context.Context, _ *Context) error {
		<-release
		return nil
	}}}}
	d, _ := NewDispatcher(Config{}, quietLogger(), feature)
	handle := d.Handler(newFakeChannel("console"))

	if err := handle(context.Background(), domain.Invocation{Content: "!robo block"}); err != nil {
		t.Fatal(err)
	}
	close(release)
	d.Wait()
}

func TestHelpVisibility(t *testing.T) {
	h := newHarness(t, Config{}, ShellConfig{})

	if err := h.invoke(t, "!help"); err != nil {
		t.Fatal(err)
	}
	help := h.channel.last().Content
	for _, want := range []string{"!robo shell", "!robo cancel", "!robo git"} {
		if !strings.Contains(help, want) {
			t.Errorf("help missing %q:\n%s", want, help)
		}
	}
	if strings.Contains(help, "!robo rustc") {
		t.Error("help lists a tool whose executable does not resolve")
	}

	if err := h.invoke(t, "!robo hide"); err != nil {
		t.Fatal(err)
	}
	if !h.dispatch.Hidden() {
		t.Fatal("hide did not take effect")
	}
	before := len(h.channel.messages())
	_ = h.invoke(t, "!help")
	if len(h.channel.messages()) != before {
		t.Error("hidden commands still answered the bot help")
	}

	// Explicit help keeps working while hidden.
	_ = h.invoke(t, "!robo help")
	if !strings.Contains(h.channel.last().Content, "!robo shell") {
		t.Error("robo help did not list commands")
	}

	_ = h.invoke(t, "!robo show")
	if h.dispatch.Hidden() {
		t.Error("show did not take effect")
	}
}

func TestStatusBrief(t *testing.T) {
	h := newHarness(t, Config{}, ShellConfig{})
	if err := h.invoke(t, "!robo"); err != nil {
		t.Fatal(err)
	}
	brief := h.channel.last().Content
	for _, want := range []string{"robo test", "PID", "0 task(s) running", "0 live display(s)", "discord"} {
		if !strings.Contains(brief, want) {
			t.Errorf("brief missing %q:\n%s", want, brief)
		}
	}
}

type denyAfter struct{ left int }

func (l *denyAfter) Allow(string) bool {
	l.left--
	return l.left >= 0
}

func TestDispatchThrottlesPrincipal(t *testing.T) {
	ran := 0
	feature := recordFeature{name: "f", cmds: []Command{{Name: "x", Run: func(context.Context, *Context) error {
		ran++
		return nil
	}}}}
	d, _ := NewDispatcher(Config{}, quietLogger(), feature)
	d.SetLimiter(&denyAfter{left: 1})
	m := &countingMetrics{}
	d.SetMetrics(m)
	ch := newFakeChannel("console")

	if err := d.Dispatch(context.Background(), ch, domain.Invocation{Principal: "p", Content: "!robo x"}); err != nil {
		t.Fatal(err)
	}
	err := d.Dispatch(context.Background(), ch, domain.Invocation{Principal: "p", Content: "!robo x"})
	if !errors.Is(err, domain.ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
	if ran != 1 {
		t.Errorf("ran = %d, want 1", ran)
	}
	if !ch.last().IsError || m.seen["robo x/throttled"] != 1 {
		t.Errorf("reply = %+v, metrics = %v", ch.last(), m.seen)
	}
}
