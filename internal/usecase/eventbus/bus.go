// Package eventbus is an in-process publish/subscribe bus for session events.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentsync/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription queues events for one handler. At most one drain goroutine
// runs per subscription, so a handler sees events in publish order.
type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu      sync.Mutex
	pending []delivery
	running bool
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
// Publish never blocks on handlers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.typed[event.Type])+len(b.allSubs))
	subs = append(subs, b.typed[event.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.enqueue(ctx, event, sub)
	}
}

func (b *Bus) enqueue(ctx context.Context, event domain.Event, sub *subscription) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, delivery{ctx: ctx, event: event})
	if sub.running {
		sub.mu.Unlock()
		return
	}
	sub.running = true
	b.wg.Add(1)
	sub.mu.Unlock()

	go b.drain(sub)
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		if len(sub.pending) == 0 {
			sub.running = false
			sub.mu.Unlock()
			return
		}
		d := sub.pending[0]
		sub.pending[0] = delivery{}
		sub.pending = sub.pending[1:]
		sub.mu.Unlock()

		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{id: b.nextID.Add(1), handler: handler}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[eventType] = remove(b.typed[eventType], sub.id)
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := &subscription{id: b.nextID.Add(1), handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = remove(b.allSubs, sub.id)
	}
}

func remove(subs []*subscription, id uint64) []*subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]*subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Close prevents new publishes and waits for queued events to be handled.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// NewEvent builds an event with payload marshaled to JSON. A payload that
// cannot be marshaled is dropped and logged.
func NewEvent(logger *slog.Logger, typ domain.EventType, sessionID string, payload any) domain.Event {
	ev := domain.Event{Type: typ, Timestamp: time.Now(), SessionID: sessionID}
	if payload == nil {
		return ev
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("drop event payload", "event", string(typ), "error", err)
		return ev
	}
	ev.Payload = data
	return ev
}
