package display

import (
	"context"
	"log/slog"
	"sync"

	"robo/internal/domain"
	"robo/internal/usecase/paginator"
)

// Hub routes control activations to the live session owning the message.
type Hub struct {
	mu       sync.Mutex
	sessions map[domain.MessageRef]*Session
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewHub creates an empty hub. bus may be nil.
func NewHub(bus domain.EventBus, logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[domain.MessageRef]*Session),
		bus:      bus,
		logger:   logger,
	}
}

// Open opens a session and registers it.
func (h *Hub) Open(ctx context.Context, cfg Config, surface domain.Surface, channelID, owner string,
	pager *paginator.Paginator, opts ...Option) (*Session, error) {
	s, err := Open(ctx, cfg, surface, channelID, owner, pager, opts...)
	if err != nil {
		h.publish(ctx, domain.EventDisplayFailed, map[string]any{"channel_id": channelID, "error": err.Error()})
		return nil, err
	}
	if err := h.Register(s); err != nil {
		s.Abort()
		return nil, err
	}
	return s, nil
}

// Register tracks s until it closes. A second session on the same message
// is rejected with ErrDuplicate.
func (h *Hub) Register(s *Session) error {
	ref := s.Ref()
	h.mu.Lock()
	if _, ok := h.sessions[ref]; ok {
		h.mu.Unlock()
		return domain.NewSubSystemError("display", "Hub.Register", domain.ErrDuplicate, ref.String())
	}
	h.sessions[ref] = s
	h.mu.Unlock()

	h.publish(context.Background(), domain.EventDisplayOpened, map[string]any{"message": ref.String(), "owner": s.Owner()})
	go func() {
		<-s.Done()
		h.mu.Lock()
		if h.sessions[ref] == s {
			delete(h.sessions, ref)
		}
		h.mu.Unlock()

		t := domain.EventDisplayClosed
		if s.Reason() == ReasonDisplayFailed {
			t = domain.EventDisplayFailed
		}
		h.publish(context.Background(), t, map[string]any{"message": ref.String(), "reason": string(s.Reason())})
	}()
	return nil
}

// Lookup returns the live session for ref.
func (h *Hub) Lookup(ref domain.MessageRef) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[ref]
	return s, ok
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Dispatch hands ev to its session. Activations on unknown messages return
// ErrNotFound and are left for the caller to acknowledge.
func (h *Hub) Dispatch(ctx context.Context, ev domain.ControlEvent) error {
	s, ok := h.Lookup(ev.Ref)
	if !ok {
		h.logger.Debug("control on unknown message", "message", ev.Ref.String(), "control", ev.Control)
		return domain.NewSubSystemError("display", "Hub.Dispatch", domain.ErrNotFound, ev.Ref.String())
	}
	return s.Navigate(ctx, ev)
}

// HandleControl adapts Dispatch to domain.ControlHandler.
func (h *Hub) HandleControl(surface domain.Surface) domain.ControlHandler {
	return func(ctx context.Context, ev domain.ControlEvent) {
		err := h.Dispatch(ctx, ev)
		if err == nil {
			return
		}
		if domain.ErrorCodeOf(err) == domain.CodeNotFound && surface != nil {
			_ = surface.Acknowledge(ctx, ev)
		}
		h.logger.Debug("control not applied", "message", ev.Ref.String(), "error", err)
	}
}

// AbortAll aborts every live session without final renders.
func (h *Hub) AbortAll() {
	h.mu.Lock()
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()
	for _, s := range live {
		s.Abort()
	}
}

func (h *Hub) publish(ctx context.Context, t domain.EventType, payload map[string]any) {
	if h.bus != nil {
		h.bus.Publish(ctx, domain.NewEvent(t, payload))
	}
}
