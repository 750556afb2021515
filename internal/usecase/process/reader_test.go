package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"robo/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func newTestRunner(cfg RunnerConfig) *Runner {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 200 * time.Millisecond
	}
	return NewRunner(cfg, Callbacks{}, newTestLogger())
}

// collect drains Lines until closed or the deadline passes.
func collect(t *testing.T, h *Handle, timeout time.Duration) []domain.LineEvent {
	t.Helper()
	var out []domain.LineEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-h.Lines():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("lines not closed within %v (got %d)", timeout, len(out))
		}
	}
}

func TestRunnerStreamsBothStreams(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	h, err := r.Start(context.Background(), Spec{Command: "echo one; echo two 1>&2; echo three"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	lines := collect(t, h, 5*time.Second)

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %+v", len(lines), lines)
	}
	var stderr int
	for i, l := range lines {
		if i > 0 && l.Seq <= lines[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", lines[i-1].Seq, l.Seq)
		}
		if l.Stream == domain.StreamStderr {
			stderr++
			if l.Text != "two" {
				t.Errorf("stderr text = %q, want two", l.Text)
			}
		}
	}
	if stderr != 1 {
		t.Errorf("stderr lines = %d, want 1", stderr)
	}

	code, ok := h.CloseCode()
	if !ok || code != 0 {
		t.Fatalf("CloseCode = %d/%v, want 0", code, ok)
	}
	if h.Status() != domain.ProcessStatusExited {
		t.Errorf("Status = %q", h.Status())
	}
}

func TestRunnerExitCodeRecordedBeforeLinesClose(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	h, err := r.Start(context.Background(), Spec{Command: "echo a; exit 3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for range h.Lines() {
		// While lines are still flowing the code may be unset; it must be set
		// by the time the channel closes.
	}
	code, ok := h.CloseCode()
	if !ok {
		t.Fatal("CloseCode unset after Lines closed")
	}
	if code != 3 {
		t.Errorf("CloseCode = %d, want 3", code)
	}
}

func TestRunnerCancelSleepingProcess(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	h, err := r.Start(context.Background(), Spec{Command: "echo started; sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-h.Lines():
		if ev.Text != "started" {
			t.Fatalf("first line = %q", ev.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no output before cancel")
	}

	begin := time.Now()
	h.Cancel()
	h.Cancel() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != domain.ExitCancelled {
		t.Errorf("code = %d, want %d", code, domain.ExitCancelled)
	}
	if time.Since(begin) > 3*time.Second {
		t.Errorf("cancel took %v", time.Since(begin))
	}
	if h.Status() != domain.ProcessStatusCancelled {
		t.Errorf("Status = %q", h.Status())
	}
	collect(t, h, 2*time.Second)
}

func TestRunnerCancelEscalatesToKill(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{GracePeriod: 100 * time.Millisecond})

	h, err := r.Start(context.Background(), Spec{Command: "trap '' TERM; echo ready; sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-h.Lines()

	h.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != domain.ExitCancelled {
		t.Errorf("code = %d, want %d", code, domain.ExitCancelled)
	}
}

func TestRunnerCancelAfterExitIsNoop(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	h, err := r.Start(context.Background(), Spec{Command: "true"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(t, h, 5*time.Second)
	h.Cancel()

	if code, ok := h.CloseCode(); !ok || code != 0 {
		t.Errorf("CloseCode = %d/%v, want 0", code, ok)
	}
}

func TestRunnerContextCancelStopsProcess(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := r.Start(ctx, Spec{Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not cancelled by context")
	}
	if code, ok := h.CloseCode(); !ok || code != domain.ExitCancelled {
		t.Errorf("CloseCode = %d/%v, want %d", code, ok, domain.ExitCancelled)
	}
}

func TestRunnerSpawnErrors(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"missing executable", Spec{Args: []string{"robo-definitely-not-a-binary"}}, domain.ErrSpawn},
		{"missing directory", Spec{Command: "true", Dir: "/nonexistent/robo/dir"}, domain.ErrSpawn},
		{"empty command", Spec{}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := r.Start(context.Background(), tt.spec)
			if err == nil {
				h.Close()
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRunnerShellOverrideMissing(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("SHELL", "")
	// An override that does not resolve falls through to the system shells.
	r := newTestRunner(RunnerConfig{Shell: "robo-no-such-shell"})
	h, err := r.Start(context.Background(), Spec{Command: "echo ok"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	lines := collect(t, h, 5*time.Second)
	if len(lines) != 1 || lines[0].Text != "ok" {
		t.Errorf("lines = %+v", lines)
	}
	if h.Prompt() != "$" || h.Language() != "sh" {
		t.Errorf("prompt/language = %q/%q", h.Prompt(), h.Language())
	}
}

func TestRunnerWorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	r := newTestRunner(RunnerConfig{})

	h, err := r.Start(context.Background(), Spec{Command: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	lines := collect(t, h, 5*time.Second)
	if len(lines) != 1 || !strings.HasSuffix(lines[0].Text, strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %+v, want %s", lines, dir)
	}
}

func TestRunnerStripANSIAndInvalidUTF8(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{StripANSI: true})

	h, err := r.Start(context.Background(), Spec{Command: `printf '\033[31mred\033[0m\n'; printf 'bad\377byte\n'`})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	lines := collect(t, h, 5*time.Second)
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0].Text != "red" {
		t.Errorf("line 0 = %q, want red", lines[0].Text)
	}
	if lines[1].Text != "bad�byte" {
		t.Errorf("line 1 = %q", lines[1].Text)
	}
}

func TestRunnerPartialFinalLine(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	h, err := r.Start(context.Background(), Spec{Command: `printf 'no newline'`})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	lines := collect(t, h, 5*time.Second)
	if len(lines) != 1 || lines[0].Text != "no newline" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestRunnerCallbacks(t *testing.T) {
	skipOnWindows(t)
	var started, exited, lines atomic.Int32
	r := NewRunner(RunnerConfig{}, Callbacks{
		OnStart: func(domain.ProcessInfo) { started.Add(1) },
		OnLine:  func(domain.Stream) { lines.Add(1) },
		OnExit: func(info domain.ProcessInfo) {
			if info.ExitCode == nil {
				t.Error("OnExit without exit code")
			}
			exited.Add(1)
		},
	}, newTestLogger())

	h, err := r.Start(context.Background(), Spec{Command: "echo a; echo b"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(t, h, 5*time.Second)

	if started.Load() != 1 || exited.Load() != 1 || lines.Load() != 2 {
		t.Errorf("started=%d exited=%d lines=%d", started.Load(), exited.Load(), lines.Load())
	}
	info := h.Info()
	if info.Lines != 2 || info.EndedAt == nil {
		t.Errorf("Info = %+v", info)
	}
}

func TestHandleCloseReleasesConsumer(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})

	h, err := r.Start(context.Background(), Spec{Command: "yes"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-h.Lines()
	h.Close()

	// Lines must close even though the consumer never drains the backlog.
	collect(t, h, 5*time.Second)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped after Close")
	}
}

// brokenPipe passes reads through until it has seen n newlines, then fails.
type brokenPipe struct {
	r    io.Reader
	n    int
	seen int
	err  error
}

func (b *brokenPipe) Read(p []byte) (int, error) {
	if b.seen >= b.n {
		return 0, b.err
	}
	n, err := b.r.Read(p)
	b.seen += strings.Count(string(p[:n]), "\n")
	return n, err
}

func TestRunnerStreamFailureAbortsProcess(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(RunnerConfig{})
	r.wrapStdout = func(pipe io.Reader) io.Reader {
		return &brokenPipe{r: pipe, n: 2, err: errors.New("read |0: input/output error")}
	}

	h, err := r.Start(context.Background(), Spec{Command: "echo one; echo two; sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Close()

	lines := collect(t, h, 5*time.Second)
	var got []string
	for _, ev := range lines {
		got = append(got, ev.Text)
	}
	if strings.Join(got, ",") != "one,two" {
		t.Errorf("lines = %q, want one,two", got)
	}

	code, ok := h.CloseCode()
	if !ok {
		t.Fatal("close code not recorded after Lines closed")
	}
	if code != domain.ExitIOAbort {
		t.Errorf("close code = %d, want %d", code, domain.ExitIOAbort)
	}
	if st := h.Status(); st != domain.ProcessStatusAborted {
		t.Errorf("status = %s, want %s", st, domain.ProcessStatusAborted)
	}
}
