package watchbus

import (
	"context"
	"errors"
	"testing"
	"time"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func waitClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed")
		}
	}
}

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory[string]()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, 1)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := recv(t, ch); msg != "hello" {
		t.Fatalf("unexpected %s", msg)
	}
	if err := bus.Unwatch(ctx, ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	waitClosed(t, ch)
	if bus.Len() != 0 {
		t.Fatalf("expected no watchers got %d", bus.Len())
	}
}

func TestInMemoryWatchBusOrder(t *testing.T) {
	bus := NewInMemory[int]()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, 2)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	for i := 0; i < 100; i++ {
		if err := bus.Publish(ctx, i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for i := 0; i < 100; i++ {
		if v := recv(t, ch); v != i {
			t.Fatalf("expected %d got %d", i, v)
		}
	}
}

func TestInMemoryWatchBusNoReplay(t *testing.T) {
	bus := NewInMemory[string]()
	ctx := context.Background()
	_ = bus.Publish(ctx, "before")
	ch, _ := bus.Watch(ctx, 4)
	_ = bus.Publish(ctx, "after")
	if v := recv(t, ch); v != "after" {
		t.Fatalf("expected only live values, got %s", v)
	}
}

func TestInMemoryWatchBusSlowWatcherIsolated(t *testing.T) {
	bus := NewInMemory[int]()
	ctx := context.Background()
	slow, _ := bus.Watch(ctx, 0)
	fast, _ := bus.Watch(ctx, 0)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = bus.Publish(ctx, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a watcher that is not draining")
	}
	for i := 0; i < 50; i++ {
		if v := recv(t, fast); v != i {
			t.Fatalf("expected %d got %d", i, v)
		}
	}
	if v := recv(t, slow); v != 0 {
		t.Fatalf("slow watcher should still get its backlog, got %d", v)
	}
}

func TestInMemoryWatchBusContextCancelPrunes(t *testing.T) {
	bus := NewInMemory[string]()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, 1)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	waitClosed(t, ch)
	if bus.Len() != 0 {
		t.Fatalf("expected watcher pruned, got %d", bus.Len())
	}
	if err := bus.Publish(context.Background(), "x"); err != nil {
		t.Fatalf("publish after prune: %v", err)
	}
}

func TestInMemoryWatchBusMaxBacklog(t *testing.T) {
	bus := NewInMemory[int](WithMaxBacklog(3))
	ctx := context.Background()
	ch, _ := bus.Watch(ctx, 0)
	for i := 0; i < 10; i++ {
		_ = bus.Publish(ctx, i)
	}
	waitClosed(t, ch)
	if bus.Len() != 0 {
		t.Fatalf("expected watcher pruned over backlog")
	}
}

func TestInMemoryWatchBusClose(t *testing.T) {
	bus := NewInMemory[string]()
	ctx := context.Background()
	ch, _ := bus.Watch(ctx, 1)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, ch)
	if err := bus.Publish(ctx, "x"); !errors.Is(err, kerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed got %v", err)
	}
	if _, err := bus.Watch(ctx, 1); !errors.Is(err, kerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed got %v", err)
	}
}

func TestInMemoryWatchBusCanceledContext(t *testing.T) {
	bus := NewInMemory[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Watch(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
	if err := bus.Publish(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}
