package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"robo/internal/adapter/channel"
	"robo/internal/domain"
	"robo/internal/infra/audit"
	"robo/internal/infra/config"
	"robo/internal/infra/logger"
	"robo/internal/infra/metrics"
	"robo/internal/infra/middleware"
	"robo/internal/infra/tracer"
	"robo/internal/usecase/diag"
	"robo/internal/usecase/display"
	"robo/internal/usecase/eventbus"
	"robo/internal/usecase/process"
	"robo/internal/usecase/task"
)

// app holds the long-lived components shared by every channel.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	collector  *metrics.Collector
	bus        *eventbus.Bus
	registry   *task.Registry
	hub        *display.Hub
	dispatcher *diag.Dispatcher

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func(context.Context) error { return closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	a.bus = eventbus.New(logger.Component(log, "eventbus"))
	a.bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		log.Debug("event", "type", e.Type, "task_index", e.TaskIndex, "payload", string(e.Payload))
	})
	if cfg.Audit.Path != "" {
		if err := a.openAudit(ctx, cfg.Audit); err != nil {
			a.bus.Close()
			a.close()
			return nil, err
		}
	}
	// Closers run in reverse, so the bus drains before the audit file closes.
	a.closers = append(a.closers, func(context.Context) error { a.bus.Close(); return nil })

	var (
		taskMetrics  task.Metrics
		shellMetrics diag.ShellMetrics
	)
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(version)
		taskMetrics, shellMetrics = a.collector, a.collector
	}

	a.registry = task.NewRegistry(a.bus, taskMetrics, logger.Component(log, "task"))
	a.hub = display.NewHub(a.bus, logger.Component(log, "display"))

	displayCfg := displayConfig(cfg.Display)
	shell := diag.NewShellFeature(diag.ShellConfig{
		Runner: process.RunnerConfig{
			Shell:            cfg.Shell.Shell,
			Env:              cfg.Shell.Env,
			StripANSI:        cfg.Shell.StripANSI,
			GracePeriod:      cfg.Shell.GracePeriod,
			MaxBufferedLines: cfg.Shell.MaxBufferedLines,
		},
		WorkDir:  cfg.Shell.WorkDir,
		PageSize: cfg.Display.PageSize,
		Wrap:     cfg.Display.Wrap,
		Display:  displayCfg,
		Tools:    cfg.Diag.Tools,
	}, a.registry, a.hub, a.bus, shellMetrics, logger.Component(log, "shell"))

	a.dispatcher, err = diag.NewDispatcher(diag.Config{
		Prefix:  cfg.Diag.Prefix,
		Command: cfg.Diag.Command,
		Owners:  cfg.Diag.Owners,
		Hidden:  cfg.Diag.Hidden,
	}, logger.Component(log, "diag"),
		diag.NewRootFeature(diag.BuildInfo{Version: version, StartedAt: time.Now()}, a.registry, a.hub),
		shell,
		diag.NewTaskFeature(a.registry, a.hub, displayCfg, cfg.Display.PageSize, logger.Component(log, "tasks")),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.collector != nil {
		a.dispatcher.SetMetrics(a.collector)
	}
	if cfg.Diag.RatePerMin > 0 {
		limiterCtx, stopLimiter := context.WithCancel(context.WithoutCancel(ctx))
		a.dispatcher.SetLimiter(middleware.NewKeyedLimiter(limiterCtx, cfg.Diag.RatePerMin, cfg.Diag.RateBurst))
		a.closers = append(a.closers, func(context.Context) error { stopLimiter(); return nil })
	}
	return a, nil
}

// openAudit subscribes a JSONL event log to the bus.
func (a *app) openAudit(ctx context.Context, cfg config.AuditConfig) error {
	maxSize, err := audit.ParseSize(cfg.MaxSize)
	if err != nil {
		return err
	}
	log, err := audit.Open(cfg.Path)
	if err != nil {
		return err
	}
	log.SetRetention(audit.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	go log.Run(runCtx, time.Hour, func(err error) {
		a.logger.Warn("audit retention failed", "path", cfg.Path, "error", err)
	})
	a.bus.SubscribeAll(log.Record)
	a.closers = append(a.closers, func(context.Context) error { stop(); return log.Close() })
	return nil
}

func displayConfig(c config.DisplayConfig) display.Config {
	return display.Config{
		MinInterval: c.MinInterval,
		IdleTimeout: c.IdleTimeout,
		CallTimeout: c.CallTimeout,
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			fmt.Fprintf(os.Stderr, "robo: shutdown: %v\n", err)
		}
	}
}

// shutdown cancels what is still running and waits for invocations to return.
func (a *app) shutdown() {
	a.registry.CancelAll(context.Background())
	a.dispatcher.Wait()
	a.hub.AbortAll()
}

// guardedChannel swaps a channel's surface for one behind a circuit breaker.
type guardedChannel struct {
	domain.Channel
	surface domain.Surface
}

func (g guardedChannel) Surface() domain.Surface { return g.surface }

func (a *app) buildChannel(cc config.ChannelConfig) (domain.Channel, error) {
	log := logger.Component(a.logger, "channel."+cc.Type)

	var ch domain.Channel
	switch cc.Type {
	case "console":
		ch = buildConsoleChannel(cc, log)
	case "discord":
		var err error
		if ch, err = buildDiscordChannel(cc, log); err != nil {
			return nil, err
		}
	case "slack":
		var err error
		if ch, err = buildSlackChannel(cc, log); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown channel type %q", cc.Type)
	}

	cb := a.cfg.Display.CircuitBreaker
	if !cb.Enabled || cc.Type == "console" {
		return ch, nil
	}
	return guardedChannel{
		Channel: ch,
		surface: display.NewBreakerSurface(cc.Type, ch.Surface(), display.BreakerConfig{
			MaxFailures: cb.MaxFailures,
			Timeout:     cb.Timeout,
			Interval:    cb.Interval,
		}, log),
	}, nil
}

func buildConsoleChannel(cc config.ChannelConfig, log *slog.Logger, opts ...channel.ConsoleOption) *channel.ConsoleChannel {
	if cc.Console != nil {
		if cc.Console.Principal != "" {
			opts = append(opts, channel.WithConsolePrincipal(cc.Console.Principal))
		}
		opts = append(opts, channel.WithConsoleNoColor(cc.Console.NoColor))
	}
	return channel.NewConsoleChannel(log, opts...)
}

// runServe starts every configured channel and the metrics endpoint and
// blocks until ctx is cancelled or one of them fails.
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	channels := make([]domain.Channel, 0, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		ch, err := a.buildChannel(cc)
		if err != nil {
			return fmt.Errorf("channel %s: %w", cc.Type, err)
		}
		channels = append(channels, ch)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.collector != nil {
		srv := metrics.NewServer(cfg.Metrics.Addr, logger.Component(a.logger, "metrics"))
		srv.Use(middleware.RateLimit(middleware.NewKeyedLimiter(gctx, 120, 20)))
		srv.Use(middleware.SecurityHeaders)
		g.Go(func() error { return srv.Run(gctx) })
	}
	for _, ch := range channels {
		g.Go(func() error {
			if err := ch.Start(gctx, a.dispatcher.Handler(ch), a.hub.HandleControl(ch.Surface())); err != nil {
				return fmt.Errorf("start %s: %w", ch.Name(), err)
			}
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return ch.Stop(stopCtx)
		})
	}

	a.logger.Info("robo started", "version", version, "channels", len(channels))
	err = g.Wait()
	a.shutdown()
	a.logger.Info("robo stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runExec runs one shell command through a console channel and returns
// when it finished. Control lines typed on stdin still operate the display.
func runExec(ctx context.Context, cfg *config.Config, command string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var cc config.ChannelConfig
	for _, c := range cfg.Channels {
		if c.Type == "console" {
			cc = c
			break
		}
	}
	console := buildConsoleChannel(cc, logger.Component(a.logger, "channel.console"))
	if err := console.Start(ctx, a.dispatcher.Handler(console), a.hub.HandleControl(console)); err != nil {
		return err
	}
	defer console.Stop(context.Background())

	prefix, root := cfg.Diag.Prefix, cfg.Diag.Command
	if prefix == "" {
		prefix = "!"
	}
	if root == "" {
		root = "robo"
	}
	principal := "console"
	if cc.Console != nil && cc.Console.Principal != "" {
		principal = cc.Console.Principal
	}

	err = a.dispatcher.Dispatch(ctx, console, domain.Invocation{
		Principal:     principal,
		PrincipalName: principal,
		ChannelName:   console.Name(),
		ChannelID:     console.Name(),
		Content:       prefix + root + " shell " + command,
	})
	a.shutdown()
	return err
}
