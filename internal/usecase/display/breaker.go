package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"robo/internal/domain"
)

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures BreakerSurface.
type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// BreakerSurface guards a Surface with a circuit breaker. While a chat
// platform is failing, calls fail fast instead of each session burning its
// retry against a dead endpoint.
type BreakerSurface struct {
	inner   domain.Surface
	breaker *gobreaker.CircuitBreaker[domain.MessageRef]
}

var _ domain.Surface = (*BreakerSurface)(nil)

// NewBreakerSurface wraps inner. Zero config values fall back to defaults.
func NewBreakerSurface(name string, inner domain.Surface, cfg BreakerConfig, logger *slog.Logger) *BreakerSurface {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.MessageRef](gobreaker.Settings{
		Name:        "surface:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A cancelled call says nothing about the platform's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerSurface{inner: inner, breaker: cb}
}

// State reports the breaker state.
func (b *BreakerSurface) State() gobreaker.State { return b.breaker.State() }

func (b *BreakerSurface) Create(ctx context.Context, channelID string, r domain.Render) (domain.MessageRef, error) {
	ref, err := b.breaker.Execute(func() (domain.MessageRef, error) {
		return b.inner.Create(ctx, channelID, r)
	})
	return ref, wrapOpen(err)
}

func (b *BreakerSurface) Edit(ctx context.Context, ref domain.MessageRef, r domain.Render) error {
	_, err := b.breaker.Execute(func() (domain.MessageRef, error) {
		return ref, b.inner.Edit(ctx, ref, r)
	})
	return wrapOpen(err)
}

// NotifyPrivate and Acknowledge answer interactions and bypass the breaker:
// platforms expire them quickly and a failure there says little about
// message edits.
func (b *BreakerSurface) NotifyPrivate(ctx context.Context, ev domain.ControlEvent, text string) error {
	return b.inner.NotifyPrivate(ctx, ev, text)
}

func (b *BreakerSurface) Acknowledge(ctx context.Context, ev domain.ControlEvent) error {
	return b.inner.Acknowledge(ctx, ev)
}

func wrapOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("surface circuit open: %w", err)
	}
	return err
}
