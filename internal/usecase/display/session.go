// Package display keeps one remote chat message in sync with a paginator,
// under a minimum interval between remote edits.
package display

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"robo/internal/domain"
	"robo/internal/infra/tracer"
	"robo/internal/usecase/paginator"
)

// Defaults for Config.
const (
	DefaultMinInterval = time.Second
	DefaultIdleTimeout = 2 * time.Hour
	DefaultCallTimeout = 15 * time.Second
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpening State = iota
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Reason records why a session ended.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonCompleted     Reason = "completed"
	ReasonClosedByUser  Reason = "closed_by_user"
	ReasonIdle          Reason = "idle"
	ReasonDisplayFailed Reason = "display_failed"
	ReasonAborted       Reason = "aborted"
)

// Config tunes a Session.
type Config struct {
	MinInterval time.Duration // minimum spacing of remote edits
	IdleTimeout time.Duration // close after this long without growth or navigation
	CallTimeout time.Duration // per remote call
}

func (c Config) withDefaults() Config {
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Metrics receives display activity.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	Render(kind string)
	DisplayFailed()
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened() {}
func (noopMetrics) SessionClosed() {}
func (noopMetrics) Render(string) {}
func (noopMetrics) DisplayFailed() {}

// Option configures Open.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

type closeRequest struct {
	reason Reason
	footer string
}

// Session owns one remote message. A single goroutine performs every edit,
// so edits never overlap; growth and navigation only signal it.
type Session struct {
	cfg       Config
	surface   domain.Surface
	pager     *paginator.Paginator
	owner     string
	channelID string
	logger    *slog.Logger
	metrics   Metrics
	limiter   *rate.Limiter

	ref     domain.MessageRef
	state   atomic.Int32
	trigger chan struct{}
	closeCh chan closeRequest
	done    chan struct{}
	cancel  context.CancelFunc

	// owned by the run goroutine
	lastVersion uint64
	lastIndex   int

	mu     sync.Mutex
	reason Reason
	err    error
}

// Open creates the remote message showing the paginator's current page and
// starts the session. Creation is retried once; a second failure returns an
// ErrDisplay error and no session.
func Open(ctx context.Context, cfg Config, surface domain.Surface, channelID, owner string,
	pager *paginator.Paginator, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	s := &Session{
		cfg:       cfg,
		surface:   surface,
		pager:     pager,
		owner:     owner,
		channelID: channelID,
		logger:    slog.Default(),
		metrics:   noopMetrics{},
		limiter:   rate.NewLimiter(limit, 1),
		trigger:   make(chan struct{}, 1),
		closeCh:   make(chan closeRequest, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Store(int32(StateOpening))

	version, index := pager.Version(), pager.CurrentIndex()
	render := s.build(false, "")
	var ref domain.MessageRef
	err := s.withRetry(ctx, "create", func(cctx context.Context) error {
		var err error
		ref, err = surface.Create(cctx, channelID, render)
		return err
	})
	if err != nil {
		s.state.Store(int32(StateClosed))
		s.reason, s.err = ReasonDisplayFailed, err
		close(s.done)
		s.metrics.DisplayFailed()
		return nil, domain.NewSubSystemError("display", "display.Open", domain.ErrDisplay, err.Error())
	}

	s.ref = ref
	s.logger = s.logger.With("message", ref.String())
	s.lastVersion, s.lastIndex = version, index
	s.limiter.Allow() // the creation counts as the first render
	s.state.Store(int32(StateLive))
	s.metrics.SessionOpened()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer stop()
		s.run(runCtx)
	}()
	return s, nil
}

// Ref identifies the remote message.
func (s *Session) Ref() domain.MessageRef { return s.ref }

// Owner is the principal allowed to navigate.
func (s *Session) Owner() string { return s.owner }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session ended, ReasonNone while live.
func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the display failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ContentGrown signals that the paginator changed. Bursts coalesce into a
// single render once the minimum interval has elapsed.
func (s *Session) ContentGrown() {
	if s.State() != StateLive {
		return
	}
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Navigate applies a control activation. Activations from anyone but the
// owner are answered privately and change nothing.
func (s *Session) Navigate(ctx context.Context, ev domain.ControlEvent) error {
	const op = "Session.Navigate"
	if s.State() != StateLive {
		_ = s.surface.Acknowledge(ctx, ev)
		return domain.NewSubSystemError("display", op, domain.ErrClosed, "session is not live")
	}
	if ev.Principal != s.owner {
		if err := s.surface.NotifyPrivate(ctx, ev, "These controls belong to someone else."); err != nil {
			s.logger.Debug("private rejection failed", "error", err)
		}
		s.logger.Info("navigation rejected", "principal", ev.Principal, "owner", s.owner)
		return domain.NewSubSystemError("display", op, domain.ErrPermissionDenied,
			fmt.Sprintf("%s is not the owner", ev.Principal))
	}

	if err := s.surface.Acknowledge(ctx, ev); err != nil {
		s.logger.Debug("acknowledge failed", "error", err)
	}

	switch ev.Control {
	case domain.ControlFirst:
		s.pager.Goto(0)
	case domain.ControlPrev:
		s.pager.Goto(s.pager.CurrentIndex() - 1)
	case domain.ControlNext:
		s.pager.Goto(s.pager.CurrentIndex() + 1)
	case domain.ControlLast:
		s.pager.Goto(s.pager.PageCount() - 1)
	case domain.ControlPage:
		s.pager.Goto(ev.Page)
	case domain.ControlClose:
		s.requestClose(ReasonClosedByUser, "")
		return nil
	default:
		return domain.NewSubSystemError("display", op, domain.ErrInvalidInput,
			fmt.Sprintf("unknown control %q", ev.Control))
	}
	s.signal()
	return nil
}

// Close performs the final render with footer appended, disables the
// controls and waits until the session is closed or ctx is done. Closing a
// finished session returns its error immediately.
//
// The first close request wins: when the owner's close control or an idle
// timeout is already pending, that close is carried out and footer is not
// shown.
func (s *Session) Close(ctx context.Context, footer string) error {
	s.requestClose(ReasonCompleted, footer)
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort ends the session without a final render.
func (s *Session) Abort() {
	if s.cancel != nil {
		s.cancel()
	}
}

// requestClose queues a close unless one is already pending.
func (s *Session) requestClose(reason Reason, footer string) {
	select {
	case s.closeCh <- closeRequest{reason: reason, footer: footer}:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finish(ReasonAborted, nil)
			return

		case req := <-s.closeCh:
			s.closeWith(ctx, req)
			return

		case <-idle.C:
			s.logger.Info("display idle, closing", "idle_timeout", s.cfg.IdleTimeout)
			s.closeWith(ctx, closeRequest{reason: ReasonIdle})
			return

		case <-s.trigger:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)

			if !s.changed() {
				s.metrics.Render("skipped")
				continue
			}
			if req, interrupted := s.pace(ctx); interrupted {
				if req != nil {
					s.closeWith(ctx, *req)
				} else {
					s.finish(ReasonAborted, nil)
				}
				return
			}
			if !s.changed() {
				s.metrics.Render("skipped")
				continue
			}
			if err := s.render(ctx, false, "", "edit"); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// pace waits for the limiter. A close request or cancellation interrupts
// the wait.
func (s *Session) pace(ctx context.Context) (*closeRequest, bool) {
	r := s.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil, false
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, false
	case req := <-s.closeCh:
		r.Cancel()
		return &req, true
	case <-ctx.Done():
		r.Cancel()
		return nil, true
	}
}

func (s *Session) changed() bool {
	return s.pager.Version() != s.lastVersion || s.pager.CurrentIndex() != s.lastIndex
}

func (s *Session) closeWith(ctx context.Context, req closeRequest) {
	s.state.Store(int32(StateClosing))
	if err := s.render(ctx, true, req.footer, "final"); err != nil {
		s.fail(err)
		return
	}
	s.finish(req.reason, nil)
}

func (s *Session) render(ctx context.Context, final bool, footer, kind string) error {
	ctx, span := tracer.StartSpan(ctx, "display.render")
	span.SetAttributes(tracer.StringAttr("kind", kind))

	version, index := s.pager.Version(), s.pager.CurrentIndex()
	r := s.build(final, footer)
	err := s.withRetry(ctx, kind, func(cctx context.Context) error {
		return s.surface.Edit(cctx, s.ref, r)
	})
	tracer.End(span, err)
	if err != nil {
		return err
	}
	s.lastVersion, s.lastIndex = version, index
	s.metrics.Render(kind)
	return nil
}

// withRetry runs call, retrying once on failure.
func (s *Session) withRetry(ctx context.Context, kind string, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err = call(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn("display call failed", "kind", kind, "attempt", attempt+1, "error", err)
	}
	return err
}

func (s *Session) fail(err error) {
	s.metrics.DisplayFailed()
	s.logger.Error("display failed, session closed", "error", err)
	s.finish(ReasonDisplayFailed, domain.NewSubSystemError("display", "Session.render", domain.ErrDisplay, err.Error()))
}

func (s *Session) finish(reason Reason, err error) {
	s.mu.Lock()
	s.reason, s.err = reason, err
	s.mu.Unlock()
	s.state.Store(int32(StateClosed))
	s.metrics.SessionClosed()
	close(s.done)
	s.logger.Debug("display session closed", "reason", reason)
}

// build renders the current page. Final renders keep the navigation
// controls visible but disabled and drop the close control.
func (s *Session) build(final bool, footer string) domain.Render {
	page := s.pager.Current()
	count := s.pager.PageCount()

	content := page.Render(s.pager.Prefix(), s.pager.Suffix())
	if footer != "" {
		content += "\n" + footer
	}

	atFirst := page.Index == 0
	atLast := page.Index >= count-1
	controls := []domain.Control{
		{ID: domain.ControlFirst, Label: "≪", Disabled: final || atFirst},
		{ID: domain.ControlPrev, Label: "◀", Disabled: final || atFirst},
		{ID: domain.ControlPage, Label: fmt.Sprintf("%d/%d", page.Index+1, count), Disabled: true},
		{ID: domain.ControlNext, Label: "▶", Disabled: final || atLast},
		{ID: domain.ControlLast, Label: "≫", Disabled: final || atLast},
	}
	if !final {
		controls = append(controls, domain.Control{ID: domain.ControlClose, Label: "✕"})
	}
	return domain.Render{Content: content, Controls: controls}
}
