// Package events is an in-process publish/subscribe bus for patrol lifecycle
// events.
//
// Emit delivers to a snapshot of the listeners registered when it was called,
// sequentially and in registration order, and returns once every listener has
// finished. EmitSync delivers the same snapshot in the background.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	PatrolStarted   Type = "PATROL_STARTED"
	PatrolCompleted Type = "PATROL_COMPLETED"
	PatrolFailed    Type = "PATROL_FAILED"
	TaskCreated     Type = "TASK_CREATED"
)

// Event is a single lifecycle notification.
type Event struct {
	Type        Type
	Time        time.Time
	TaskID      string
	ExecutionID string
	Data        map[string]any
}

// Listener wraps a handler function. Listeners are compared by pointer, so
// registering the same *Listener twice for a type has no effect.
type Listener struct {
	name string
	fn   func(ctx context.Context, e Event) error
}

// NewListener returns a listener calling fn. The name only appears in logs.
func NewListener(name string, fn func(ctx context.Context, e Event) error) *Listener {
	return &Listener{name: name, fn: fn}
}

func (l *Listener) String() string { return l.name }

type registration struct {
	listener *Listener
	once     bool
}

// Bus is safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	listeners map[Type][]registration
	logger    *slog.Logger
	inflight  sync.WaitGroup
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[Type][]registration),
		logger:    logger,
	}
}

// On registers l for every future emission of t.
func (b *Bus) On(t Type, l *Listener) {
	b.add(t, l, false)
}

// Once registers l for the next emission of t only.
func (b *Bus) Once(t Type, l *Listener) {
	b.add(t, l, true)
}

func (b *Bus) add(t Type, l *Listener, once bool) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.listeners[t] {
		if r.listener == l {
			return
		}
	}
	b.listeners[t] = append(b.listeners[t], registration{listener: l, once: once})
}

// Off removes l from t.
func (b *Bus) Off(t Type, l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[t]
	for i, r := range regs {
		if r.listener == l {
			b.listeners[t] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.listeners[t]) == 0 {
		delete(b.listeners, t)
	}
}

// RemoveAllListeners removes every listener for the given types, or for all
// types when none are given.
func (b *Bus) RemoveAllListeners(types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.listeners = make(map[Type][]registration)
		return
	}
	for _, t := range types {
		delete(b.listeners, t)
	}
}

// ListenerCount reports how many listeners are registered for t.
func (b *Bus) ListenerCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[t])
}

// snapshot copies the current listeners of e.Type and drops once-listeners
// from the registry so that no later emission sees them.
func (b *Bus) snapshot(t Type) []*Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.listeners[t]
	if len(regs) == 0 {
		return nil
	}
	out := make([]*Listener, 0, len(regs))
	kept := regs[:0:0]
	for _, r := range regs {
		out = append(out, r.listener)
		if !r.once {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(b.listeners, t)
	} else {
		b.listeners[t] = kept
	}
	return out
}

// Emit delivers e and waits for every listener. A failing or panicking
// listener is logged and does not stop delivery to the rest.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, l := range b.snapshot(e.Type) {
		if err := b.call(ctx, l, e); err != nil {
			b.logger.Error("event listener failed", "event", e.Type, "listener", l.name, "err", err)
		}
	}
}

// EmitSync delivers e in the background without waiting. Listener errors are
// discarded.
func (b *Bus) EmitSync(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	listeners := b.snapshot(e.Type)
	if len(listeners) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		for _, l := range listeners {
			_ = b.call(ctx, l, e)
		}
	}()
}

// Wait blocks until background deliveries started by EmitSync have finished.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

func (b *Bus) call(ctx context.Context, l *Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.fn(ctx, e)
}
