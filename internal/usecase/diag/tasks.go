package diag

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"robo/internal/domain"
	"robo/internal/usecase/display"
	"robo/internal/usecase/paginator"
	"robo/internal/usecase/task"
)

// TaskFeature lists and cancels running tasks.
type TaskFeature struct {
	registry *task.Registry
	hub      *display.Hub
	display  display.Config
	pageSize int
	logger   *slog.Logger
}

// NewTaskFeature creates the feature.
func NewTaskFeature(registry *task.Registry, hub *display.Hub, cfg display.Config, pageSize int, logger *slog.Logger) *TaskFeature {
	return &TaskFeature{registry: registry, hub: hub, display: cfg, pageSize: pageSize, logger: logger}
}

func (f *TaskFeature) Name() string { return "tasks" }

func (f *TaskFeature) Commands() []Command {
	return []Command{
		{Name: "tasks", Help: "Show the currently running tasks.", Run: f.list},
		{Name: "cancel", Help: "Cancel a task by index; -1 is the newest, ~ cancels all.", Run: f.cancel},
	}
}

func describe(e *task.Entry) string {
	who := e.Invocation.PrincipalName
	if who == "" {
		who = e.Invocation.Principal
	}
	return fmt.Sprintf("%d: `%s`, invoked by %s at %s (%s)", e.Index, e.Label, who,
		e.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), time.Since(e.StartedAt).Round(time.Second))
}

func (f *TaskFeature) list(ctx context.Context, c *Context) error {
	entries := f.registry.List()
	if len(entries) == 0 {
		return c.Reply(ctx, "No tasks are currently running.")
	}

	opts := []paginator.Option{paginator.WithFollow(false)}
	if f.pageSize > 0 {
		opts = append(opts, paginator.WithMaxSize(f.pageSize))
	}
	pager := paginator.New(opts...)
	for _, e := range entries {
		pager.AddLine(describe(e))
	}
	pager.Close()

	if pager.PageCount() == 1 {
		return c.Reply(ctx, pager.Current().Body())
	}
	// The session stays navigable until the owner closes it or it idles out.
	_, err := f.hub.Open(ctx, f.display, c.Surface(), c.Invocation.ChannelID, c.Invocation.Principal, pager,
		display.WithLogger(c.Logger))
	return err
}

func (f *TaskFeature) cancel(ctx context.Context, c *Context) error {
	arg := strings.TrimSpace(ParseCodeblock(c.Argument).Content)
	switch arg {
	case "":
		d := c.Dispatch
		_ = c.ReplyError(ctx, fmt.Sprintf("Usage: %s%s cancel <index|-1|~>", d.Prefix(), d.Root()))
		return domain.NewSubSystemError("diag", "cancel", domain.ErrInvalidInput, "missing index")

	case "~":
		n := f.registry.CancelAll(ctx)
		if n == 0 {
			return c.Reply(ctx, "No tasks to cancel.")
		}
		return c.Reply(ctx, fmt.Sprintf("Cancelled %d task(s).", n))
	}

	index, err := strconv.Atoi(arg)
	if err != nil {
		_ = c.ReplyError(ctx, fmt.Sprintf("%q is not a task index.", arg))
		return domain.NewSubSystemError("diag", "cancel", domain.ErrInvalidInput, arg)
	}
	if index == -1 {
		latest, ok := f.registry.Latest()
		if !ok {
			return c.Reply(ctx, "No tasks to cancel.")
		}
		index = latest.Index
	}

	e, err := f.registry.Cancel(ctx, index)
	if err != nil {
		// Unknown indices are a "nothing to do" outcome, not a failure.
		return c.Reply(ctx, fmt.Sprintf("Unknown task %d.", index))
	}
	return c.Reply(ctx, "Cancelled task "+describe(e))
}
