package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"robo/internal/domain"
	"robo/internal/usecase/display"
	"robo/internal/usecase/paginator"
	"robo/internal/usecase/process"
	"robo/internal/usecase/scaffold"
	"robo/internal/usecase/task"
)

// ShellConfig configures the shell feature.
type ShellConfig struct {
	Runner   process.RunnerConfig
	WorkDir  string
	PageSize int
	Wrap     bool
	Display  display.Config
	// Tools restricts the tool shortcuts offered; empty offers every tool
	// whose executables resolve.
	Tools []string
}

// ShellMetrics receives process and display activity.
type ShellMetrics interface {
	display.Metrics
	ProcessStarted()
	ProcessExited(status string)
	Line(stream string)
}

// ShellFeature runs shell commands and scaffolded tool snippets with live,
// paginated output.
type ShellFeature struct {
	cfg      ShellConfig
	runner   *process.Runner
	registry *task.Registry
	hub      *display.Hub
	bus      domain.EventBus
	metrics  ShellMetrics
	logger   *slog.Logger

	lookPath func(string) (string, error)

	discarded atomic.Int64 // lines drained with no display left to show them
}

// NewShellFeature creates the feature. bus and metrics may be nil.
func NewShellFeature(cfg ShellConfig, registry *task.Registry, hub *display.Hub,
	bus domain.EventBus, metrics ShellMetrics, logger *slog.Logger) *ShellFeature {
	f := &ShellFeature{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		lookPath: exec.LookPath,
	}
	f.runner = process.NewRunner(cfg.Runner, process.Callbacks{
		OnStart: f.onStart,
		OnLine:  f.onLine,
		OnExit:  f.onExit,
	}, logger)
	return f
}

func (f *ShellFeature) Name() string { return "shell" }

func (f *ShellFeature) Commands() []Command {
	cmds := []Command{{
		Name:    "shell",
		Aliases: []string{"sh", "bash", "terminal", "ps", "ps1", "powershell", "cmd"},
		Help:    "Execute statements in the system shell. Closing the output cancels the process.",
		Run:     f.runShell,
	}}

	tools := []struct {
		name     string
		requires []string
		cmd      Command
	}{
		{"git", []string{"git"}, Command{Name: "git", Help: "Shortcut for 'shell git'.", Run: f.runGit}},
		{"pip", nil, Command{Name: "pip", Help: "Shortcut for 'shell pip' using the active Python.", Run: f.runPip}},
		{"node", []string{"node", "npm"}, Command{Name: "node", Help: "Scaffold an npm project and run the snippet.", Run: f.runNode}},
		{"pyright", []string{"pyright"}, Command{Name: "pyright", Help: "Type-check the snippet with pyright.", Run: f.runPyright}},
		{"rustc", []string{"rustc", "cargo"}, Command{Name: "rustc", Help: "Scaffold a cargo project and run the snippet.", Run: f.runRust}},
	}
	for _, t := range tools {
		if len(f.cfg.Tools) > 0 && !slices.Contains(f.cfg.Tools, t.name) {
			continue
		}
		if !f.resolves(t.requires...) {
			continue
		}
		cmds = append(cmds, t.cmd)
	}
	return cmds
}

func (f *ShellFeature) resolves(names ...string) bool {
	for _, n := range names {
		if _, err := f.lookPath(n); err != nil {
			return false
		}
	}
	return true
}

type runRequest struct {
	command  string
	dir      string
	language string // code-block language; empty uses the shell's
}

func (f *ShellFeature) runShell(ctx context.Context, c *Context) error {
	cb := ParseCodeblock(c.Argument)
	if cb.Content == "" {
		return f.usage(ctx, c, "shell <command>")
	}
	return f.run(ctx, c, runRequest{command: cb.Content})
}

func (f *ShellFeature) runGit(ctx context.Context, c *Context) error {
	cb := ParseCodeblock(c.Argument)
	return f.run(ctx, c, runRequest{command: strings.TrimSpace("git " + cb.Content)})
}

func (f *ShellFeature) runPip(ctx context.Context, c *Context) error {
	cb := ParseCodeblock(c.Argument)
	return f.run(ctx, c, runRequest{command: strings.TrimSpace(pipExecutable(f.lookPath) + " " + cb.Content)})
}

func (f *ShellFeature) runNode(ctx context.Context, c *Context) error {
	cb := ParseCodeblock(c.Argument)
	var steps []string
	for _, req := range scaffold.Requirements(cb.Content, scaffold.RequireMarker) {
		steps = append(steps, "npm install "+req)
	}
	steps = append(steps, "npm run main")
	return f.runScaffolded(ctx, c, "npm", scaffold.Values{Content: cb.Content}, strings.Join(steps, " && "), "js")
}

func (f *ShellFeature) runPyright(ctx context.Context, c *Context) error {
	cb := ParseCodeblock(c.Argument)
	return f.runScaffolded(ctx, c, "pyright", scaffold.Values{Content: cb.Content}, "pyright main.py", "py")
}

func (f *ShellFeature) runRust(ctx context.Context, c *Context) error {
	cb := ParseCodeblock(c.Argument)
	reqs := scaffold.Requirements(cb.Content, scaffold.RequireMarker)
	values := scaffold.Values{Content: cb.Content, Requirements: strings.Join(reqs, "\n")}
	return f.runScaffolded(ctx, c, "cargo", values, "cargo run", "rust")
}

// runScaffolded materializes template, runs command inside it and removes
// the workspace whatever the outcome.
func (f *ShellFeature) runScaffolded(ctx context.Context, c *Context, template string,
	values scaffold.Values, command, language string) error {
	ws, err := scaffold.Materialize(template, values)
	if err != nil {
		_ = c.ReplyError(ctx, "Could not prepare workspace: "+err.Error())
		return err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			c.Logger.Warn("workspace cleanup failed", "dir", ws.Dir, "error", err)
		}
	}()
	return f.run(ctx, c, runRequest{command: command, dir: ws.Dir, language: language})
}

func (f *ShellFeature) usage(ctx context.Context, c *Context, text string) error {
	d := c.Dispatch
	_ = c.ReplyError(ctx, fmt.Sprintf("Usage: %s%s %s", d.Prefix(), d.Root(), text))
	return domain.NewSubSystemError("diag", "shell", domain.ErrInvalidInput, "missing argument")
}

// run spawns the command, registers it, streams its output into a live
// display and finalizes everything once the process has exited.
func (f *ShellFeature) run(ctx context.Context, c *Context, req runRequest) error {
	dir := req.dir
	if dir == "" {
		dir = f.cfg.WorkDir
	}

	h, err := f.runner.Start(ctx, process.Spec{Command: req.command, Dir: dir})
	if err != nil {
		_ = c.ReplyError(ctx, "Could not start process: "+err.Error())
		return err
	}
	defer h.Close()

	entry := f.registry.Register(ctx, c.Invocation, req.command, h)

	language := req.language
	if language == "" {
		language = h.Language()
	}
	pager := f.newPager(c.Plain(), language)
	pager.AddLine(h.Prompt() + " " + req.command)
	pager.AddLine("")

	opts := []display.Option{display.WithLogger(c.Logger)}
	if f.metrics != nil {
		opts = append(opts, display.WithMetrics(f.metrics))
	}
	sess, err := f.hub.Open(ctx, f.cfg.Display, c.Surface(), c.Invocation.ChannelID,
		c.Invocation.Principal, pager, opts...)
	var sessDone <-chan struct{}
	if err != nil {
		c.Logger.Warn("display unavailable, output will be discarded", "error", err)
		sess = nil
	} else {
		sessDone = sess.Done()
	}

	// Once nothing can render the pager, output is drained and dropped.
	live := sess != nil
	var discarded int64
	lines := h.Lines()
	entryDone := entry.Done()
	for lines != nil {
		select {
		case ev, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !live || sess.State() == display.StateClosed {
				live = false
				discarded++
				continue
			}
			pager.AddLine(ev.Text)
			sess.ContentGrown()

		case <-sessDone:
			sessDone = nil
			live = false
			switch reason := sess.Reason(); reason {
			case display.ReasonClosedByUser, display.ReasonIdle:
				c.Logger.Info("display closed, cancelling process", "reason", reason, "task_index", entry.Index)
				if _, err := f.registry.Cancel(ctx, entry.Index); err != nil {
					h.Cancel()
				}
			default:
				c.Logger.Warn("display ended early, draining output", "reason", reason)
			}

		case <-entryDone:
			entryDone = nil
			c.Logger.Info("task cancelled", "task_index", entry.Index)
		}
	}

	code, _ := h.CloseCode()
	pager.AddLine("")
	pager.AddLine(fmt.Sprintf("[status] Return code %d", code))
	pager.Close()
	f.registry.Complete(ctx, entry, code)

	if discarded > 0 {
		f.discarded.Add(discarded)
		c.Logger.Warn("output discarded after the display ended", "lines", discarded, "task_index", entry.Index)
	}
	if n := h.Dropped(); n > 0 {
		c.Logger.Warn("output lines dropped under backpressure", "dropped", n)
	}

	if sess != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*f.callTimeout())
		defer cancel()
		if err := sess.Close(closeCtx, ""); err != nil {
			c.Logger.Warn("final render failed", "error", err)
		}
	}
	return nil
}

func (f *ShellFeature) callTimeout() time.Duration {
	if f.cfg.Display.CallTimeout > 0 {
		return f.cfg.Display.CallTimeout
	}
	return display.DefaultCallTimeout
}

func (f *ShellFeature) newPager(plain bool, language string) *paginator.Paginator {
	opts := []paginator.Option{paginator.WithWrap(f.cfg.Wrap)}
	if f.cfg.PageSize > 0 {
		opts = append(opts, paginator.WithMaxSize(f.cfg.PageSize))
	}
	if !plain {
		// Chat platforms cut messages at their size limit, so no page may exceed the budget.
		opts = append(opts, paginator.WithPrefix("```"+language), paginator.WithSuffix("```"),
			paginator.WithSplitOversized(true))
	}
	return paginator.New(opts...)
}

func (f *ShellFeature) onStart(info domain.ProcessInfo) {
	if f.metrics != nil {
		f.metrics.ProcessStarted()
	}
	f.publish(domain.EventProcessStarted, info)
}

func (f *ShellFeature) onLine(stream domain.Stream) {
	if f.metrics != nil {
		f.metrics.Line(string(stream))
	}
}

func (f *ShellFeature) onExit(info domain.ProcessInfo) {
	if f.metrics != nil {
		f.metrics.ProcessExited(string(info.Status))
	}
	f.publish(domain.EventProcessExited, info)
}

func (f *ShellFeature) publish(t domain.EventType, info domain.ProcessInfo) {
	if f.bus != nil {
		f.bus.Publish(context.Background(), domain.NewEvent(t, info))
	}
}

// pipExecutable finds pip next to the active Python installation, falling
// back to whatever "pip" resolves to on PATH.
func pipExecutable(lookPath func(string) (string, error)) string {
	var prefixes []string
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		prefixes = append(prefixes, venv)
	}
	for _, py := range []string{"python3", "python"} {
		if p, err := lookPath(py); err == nil {
			if resolved, err := filepath.EvalSymlinks(p); err == nil {
				p = resolved
			}
			prefixes = append(prefixes, filepath.Dir(filepath.Dir(p)))
			break
		}
	}

	for _, prefix := range prefixes {
		candidates := []string{
			filepath.Join(prefix, "bin", "pip"),
			filepath.Join(prefix, "bin", "pip3"),
		}
		if runtime.GOOS == "windows" {
			candidates = []string{
				filepath.Join(prefix, "Scripts", "pip.exe"),
				filepath.Join(prefix, "Scripts", "pip3.exe"),
			}
		}
		for _, c := range candidates {
			if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
				return c
			}
		}
	}
	return "pip"
}
