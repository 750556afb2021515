// Package task keeps process-wide bookkeeping of running, cancellable
// invocations.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"robo/internal/domain"
	"robo/internal/infra/tracer"
)

// Metrics receives registry size changes.
type Metrics interface {
	SetLiveTasks(n int)
}

// Entry is one registered task. Its index is unique for the lifetime of
// the registry that issued it.
type Entry struct {
	Index      int
	Invocation domain.Invocation
	Label      string
	StartedAt  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	canceller domain.Canceller
}

// Context is cancelled when the entry is cancelled.
func (e *Entry) Context() context.Context { return e.ctx }

// Done is closed once the entry was cancelled.
func (e *Entry) Done() <-chan struct{} { return e.ctx.Done() }

// Cancel stops the bound work and cancels the entry context. Idempotent.
func (e *Entry) Cancel() {
	e.cancel()
	if e.canceller != nil {
		e.canceller.Cancel()
	}
}

// Registry tracks live entries behind a mutex. Registration, completion
// and cancellation race freely; removal is idempotent.
type Registry struct {
	mu      sync.Mutex
	entries map[int]*Entry
	next    int

	bus     domain.EventBus
	metrics Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. bus and metrics may be nil.
func NewRegistry(bus domain.EventBus, metrics Metrics, logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[int]*Entry),
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Register inserts a new entry bound to canceller and returns it with the
// next free index. The entry context derives from ctx.
func (r *Registry) Register(ctx context.Context, inv domain.Invocation, label string, canceller domain.Canceller) *Entry {
	ectx, cancel := context.WithCancel(ctx)
	e := &Entry{
		Invocation: inv,
		Label:      label,
		StartedAt:  time.Now(),
		ctx:        ectx,
		cancel:     cancel,
		canceller:  canceller,
	}

	r.mu.Lock()
	e.Index = r.next
	r.next++
	r.entries[e.Index] = e
	n := len(r.entries)
	r.mu.Unlock()

	r.observe(n)
	r.logger.Info("task registered", "task_index", e.Index, "label", label, "principal", inv.Principal)
	r.emit(ctx, domain.EventTaskRegistered, e, nil)
	return e
}

// Unregister removes e. It reports whether e was still registered.
func (r *Registry) Unregister(e *Entry) bool {
	r.mu.Lock()
	cur, ok := r.entries[e.Index]
	if ok && cur == e {
		delete(r.entries, e.Index)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if ok && cur == e {
		r.observe(n)
		return true
	}
	return false
}

// Complete unregisters e after its work finished on its own and publishes
// the outcome. Entries already removed by a cancellation are left alone.
func (r *Registry) Complete(ctx context.Context, e *Entry, exitCode int) {
	if !r.Unregister(e) {
		return
	}
	e.cancel()
	r.logger.Info("task completed", "task_index", e.Index, "exit_code", exitCode,
		"duration", time.Since(e.StartedAt))
	r.emit(ctx, domain.EventTaskCompleted, e, map[string]any{"exit_code": exitCode})
}

// List returns a snapshot of live entries ordered by index.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Entry) int { return a.Index - b.Index })
	return out
}

// Find returns the entry with index i.
func (r *Registry) Find(i int) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[i]
	return e, ok
}

// Latest returns the live entry with the highest index.
func (r *Registry) Latest() (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Entry
	for _, e := range r.entries {
		if best == nil || e.Index > best.Index {
			best = e
		}
	}
	return best, best != nil
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cancel cancels and removes the entry with index i. An unknown index
// yields ErrUnknownTask and changes nothing.
func (r *Registry) Cancel(ctx context.Context, i int) (*Entry, error) {
	ctx, span := tracer.StartSpan(ctx, "task.cancel")
	span.SetAttributes(tracer.IntAttr("task_index", i))

	r.mu.Lock()
	e, ok := r.entries[i]
	if ok {
		delete(r.entries, i)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if !ok {
		err := domain.NewSubSystemError("task", "Registry.Cancel", domain.ErrUnknownTask,
			fmt.Sprintf("no task with index %d", i))
		tracer.End(span, err)
		return nil, err
	}

	r.observe(n)
	e.Cancel()
	r.logger.Info("task cancelled", "task_index", i)
	r.emit(ctx, domain.EventTaskCancelled, e, nil)
	tracer.End(span, nil)
	return e, nil
}

// CancelAll cancels and removes every live entry and returns how many it
// cancelled. Entries completing concurrently are simply not counted.
func (r *Registry) CancelAll(ctx context.Context) int {
	ctx, span := tracer.StartSpan(ctx, "task.cancel")

	r.mu.Lock()
	victims := make([]*Entry, 0, len(r.entries))
	for i, e := range r.entries {
		victims = append(victims, e)
		delete(r.entries, i)
	}
	r.mu.Unlock()

	r.observe(0)
	slices.SortFunc(victims, func(a, b *Entry) int { return a.Index - b.Index })
	for _, e := range victims {
		e.Cancel()
		r.emit(ctx, domain.EventTaskCancelled, e, nil)
	}
	span.SetAttributes(tracer.IntAttr("cancelled", len(victims)))
	tracer.End(span, nil)
	r.logger.Info("all tasks cancelled", "count", len(victims))
	return len(victims)
}

func (r *Registry) observe(n int) {
	if r.metrics != nil {
		r.metrics.SetLiveTasks(n)
	}
}

func (r *Registry) emit(ctx context.Context, t domain.EventType, e *Entry, extra map[string]any) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{
		"label":     e.Label,
		"principal": e.Invocation.Principal,
		"channel":   e.Invocation.ChannelName,
	}
	for k, v := range extra {
		payload[k] = v
	}
	evt := domain.NewEvent(t, payload)
	idx := e.Index
	evt.TaskIndex = &idx
	r.bus.Publish(ctx, evt)
}
