package diag

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"robo/internal/usecase/display"
	"robo/internal/usecase/task"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string
	StartedAt time.Time
}

// RootFeature provides the status brief, help and help visibility toggles.
type RootFeature struct {
	info     BuildInfo
	registry *task.Registry
	hub      *display.Hub
}

// NewRootFeature creates the feature.
func NewRootFeature(info BuildInfo, registry *task.Registry, hub *display.Hub) *RootFeature {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	return &RootFeature{info: info, registry: registry, hub: hub}
}

func (f *RootFeature) Name() string { return "root" }

func (f *RootFeature) Commands() []Command {
	return []Command{
		{Name: "", Help: "Status brief.", Run: f.status},
		{Name: "help", Help: "List the available subcommands.", Run: f.help},
		{Name: "hide", Help: "Hide these commands from the bot's help.", Run: f.hide},
		{Name: "show", Help: "Show these commands in the bot's help.", Run: f.show},
	}
}

func (f *RootFeature) status(ctx context.Context, c *Context) error {
	return c.Reply(ctx, f.Brief(c.Channel.Name()))
}

// Brief renders the status summary.
func (f *RootFeature) Brief(channel string) string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	host, _ := os.Hostname()
	lines := []string{
		fmt.Sprintf("robo %s, %s on %s/%s", f.info.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		fmt.Sprintf("Started %s.", humanize.Time(f.info.StartedAt)),
		"",
		fmt.Sprintf("Using %s of heap and %s obtained from the OS.",
			humanize.Bytes(mem.HeapAlloc), humanize.Bytes(mem.Sys)),
		fmt.Sprintf("Running on PID %d (%s) with %d goroutine(s) across %d CPU(s).",
			os.Getpid(), host, runtime.NumGoroutine(), runtime.NumCPU()),
		"",
		fmt.Sprintf("%d task(s) running, %d live display(s), serving %s.",
			f.registry.Len(), f.hub.Len(), channel),
	}
	return strings.Join(lines, "\n")
}

func (f *RootFeature) help(ctx context.Context, c *Context) error {
	return c.Reply(ctx, HelpText(c.Channel.Name(), c.Dispatch))
}

func (f *RootFeature) hide(ctx context.Context, c *Context) error {
	if c.Dispatch.Hidden() {
		return c.Reply(ctx, "Already hidden.")
	}
	c.Dispatch.SetHidden(true)
	return c.Reply(ctx, "Hidden from help.")
}

func (f *RootFeature) show(ctx context.Context, c *Context) error {
	if !c.Dispatch.Hidden() {
		return c.Reply(ctx, "Already visible.")
	}
	c.Dispatch.SetHidden(false)
	return c.Reply(ctx, "Visible in help.")
}
