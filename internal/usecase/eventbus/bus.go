// Package eventbus delivers domain events to in-process subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"robo/internal/domain"
)

// DefaultQueueSize is the per-subscriber backlog before events are dropped.
const DefaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a queue drained by a dedicated goroutine, so one
// subscriber sees events in publish order and a slow one never stalls
// the publisher or its peers.
type subscriber struct {
	id      uint64
	match   func(domain.EventType) bool
	handler domain.EventHandler
	queue   chan delivery
	stop    sync.Once
}

func (s *subscriber) close() { s.stop.Do(func() { close(s.queue) }) }

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    atomic.Uint64
	queueSize int
	dropped   atomic.Uint64
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber backlog.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: DefaultQueueSize,
		logger:    logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish enqueues event for every matching subscriber. It never blocks; a
// subscriber whose backlog is full loses the event.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.match(event.Type) {
			continue
		}
		select {
		case s.queue <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber backlog full",
				"event", string(event.Type), "subscriber", s.id)
		}
	}
}

// Subscribe registers a handler for one event type. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(func(t domain.EventType) bool { return t == eventType }, handler)
}

// SubscribeAll registers a handler that receives every event. Returns an
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(func(domain.EventType) bool { return true }, handler)
}

func (b *Bus) add(match func(domain.EventType) bool, handler domain.EventHandler) func() {
	s := &subscriber{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	return func() {
		b.mu.Lock()
		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			s.close()
		}
		b.mu.Unlock()
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for d := range s.queue {
		b.deliver(s, d)
	}
}

func (b *Bus) deliver(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Dropped returns how many deliveries were lost to full backlogs.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events, lets every subscriber drain its backlog and
// waits for them. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}
