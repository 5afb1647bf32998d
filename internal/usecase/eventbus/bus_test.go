package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentsync/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventMessageAppended {
			got.Add(1)
		}
	})
	bus.Subscribe(domain.EventToolUpdated, func(_ context.Context, _ domain.Event) {
		t.Error("tool handler must not see message events")
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Publish(context.Background(), newEvent(domain.EventUploadState))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsubAll()
	unsub() // second call is harmless

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got.Load())
	}
}

func TestPerSubscriberOrder(t *testing.T) {
	bus := newTestBus()

	var (
		mu   sync.Mutex
		seen []string
	)
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, e.MessageID)
		mu.Unlock()
	})

	var want []string
	for i := range 20 {
		id := string(rune('a' + i))
		want = append(want, id)
		bus.Publish(context.Background(), domain.Event{Type: domain.EventToolUpdated, MessageID: id})
	}
	bus.Close()
	assert.Equal(t, want, seen)
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
		})
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	// First subscriber panics
	bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	// Second subscriber should still fire
	bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 (second handler), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Close() // should block until the handler finishes
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	// After close, new publishes should be no-ops
	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := newTestBus()
	var ts atomic.Value
	bus.SubscribeAll(func(_ context.Context, e domain.Event) { ts.Store(e.Timestamp) })

	bus.Publish(context.Background(), domain.Event{Type: domain.EventUploadState})
	bus.Close()
	assert.False(t, ts.Load().(time.Time).IsZero())
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(slog.Default(), domain.EventUploadState, "s-1", map[string]string{"state": "uploading"})
	assert.Equal(t, "s-1", ev.SessionID)
	require.NotNil(t, ev.Payload)
	assert.JSONEq(t, `{"state":"uploading"}`, string(ev.Payload))

	bad := NewEvent(slog.Default(), domain.EventUploadState, "s-1", func() {})
	assert.Nil(t, bad.Payload)
}
