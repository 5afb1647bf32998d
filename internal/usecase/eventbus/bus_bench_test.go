package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"agentsync/internal/domain"
)

// BenchmarkEventBusPublish benchmarks the hot path: one tool update, one subscriber.
func BenchmarkEventBusPublish(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := domain.Event{
		Type:      domain.EventToolUpdated,
		Timestamp: time.Now(),
		SessionID: "bench-session",
	}
	bus.Subscribe(domain.EventToolUpdated, func(_ context.Context, _ domain.Event) {})

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

// BenchmarkEventBusPublishMultipleSubscribers fans out to a typed and an all-event subscriber set.
func BenchmarkEventBusPublishMultipleSubscribers(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := domain.Event{Type: domain.EventMessageAppended, Timestamp: time.Now()}
	for range 5 {
		bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, _ domain.Event) {})
		bus.SubscribeAll(func(_ context.Context, _ domain.Event) {})
	}

	b.ReportAllocs()
	for b.Loop() {
		bus.Publish(ctx, event)
	}
	bus.Close()
}

// BenchmarkEventBusPublishParallel benchmarks concurrent publishing
func BenchmarkEventBusPublishParallel(b *testing.B) {
	bus := New(slog.Default())
	event := domain.Event{Type: domain.EventUploadState, Timestamp: time.Now()}
	bus.Subscribe(domain.EventUploadState, func(_ context.Context, _ domain.Event) {})

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, event)
		}
	})
	bus.Close()
}
