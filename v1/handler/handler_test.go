package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/lock"
	"github.com/mirkobrombin/go-kustodio/v1/metrics"
	"github.com/mirkobrombin/go-kustodio/v1/storage"
	"github.com/mirkobrombin/go-kustodio/v1/watchbus"
)

func newHandler(t *testing.T) (*Handler, *watchbus.InMemory[Event]) {
	t.Helper()
	bus := watchbus.NewInMemory[Event]()
	t.Cleanup(func() { _ = bus.Close() })
	s := storage.NewMemory[string, lock.Lock](storage.DefaultConfig())
	return New(s, WithPublisher(bus)), bus
}

func mustState(t *testing.T, h *Handler, name string, want bool) {
	t.Helper()
	got, err := h.State(name)
	if err != nil {
		t.Fatalf("state %s: %v", name, err)
	}
	if got != want {
		t.Fatalf("state %s: expected locked=%v got %v", name, want, got)
	}
}

func TestHandlerEndToEnd(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	if err := h.Apply(ctx, Created, "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustState(t, h, "x", false)

	if err := h.Apply(ctx, Locked, "x"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	mustState(t, h, "x", true)

	if err := h.Apply(ctx, Locked, "x"); !errors.Is(err, kerrors.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked got %v", err)
	}
	mustState(t, h, "x", true)

	if err := h.Apply(ctx, Unlocked, "x"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	mustState(t, h, "x", false)

	if err := h.Apply(ctx, Removed, "x"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.State("x"); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestHandlerUnlockUnknownDoesNotCreate(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	if err := h.Apply(ctx, Unlocked, "ghost"); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	h.Unlocked(ctx, "ghost")
	h.Locked(ctx, "ghost")
	h.Removed(ctx, "ghost")
	if len(h.List()) != 0 {
		t.Fatalf("expected no locks got %v", h.List())
	}
}

func TestHandlerCreatedResetsState(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	h.Created(ctx, "a")
	h.Locked(ctx, "a")
	mustState(t, h, "a", true)
	h.Created(ctx, "a")
	mustState(t, h, "a", false)
}

func TestHandlerUnknownAction(t *testing.T) {
	h, _ := newHandler(t)
	if err := h.Apply(context.Background(), Action(9), "a"); !errors.Is(err, kerrors.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction got %v", err)
	}
}

func TestHandlerWatchScenario(t *testing.T) {
	h, bus := newHandler(t)
	ctx := context.Background()
	ch, err := bus.Watch(ctx, 10)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	h.Created(ctx, "a")
	h.Locked(ctx, "a")
	h.Locked(ctx, "a") // no-op, no event
	h.Unlocked(ctx, "b")
	h.Removed(ctx, "a")

	want := []Event{
		{Action: Created, Name: "a"},
		{Action: Locked, Name: "a"},
		{Action: Removed, Name: "a"},
	}
	for i, w := range want {
		select {
		case ev := <-ch:
			if ev != w {
				t.Fatalf("event %d: expected %+v got %+v", i, w, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerEmitsAfterCallerCancels(t *testing.T) {
	h, bus := newHandler(t)
	ch, err := bus.Watch(context.Background(), 10)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Apply(ctx, Created, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustState(t, h, "a", false)

	select {
	case ev := <-ch:
		if ev != (Event{Action: Created, Name: "a"}) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Created event for an applied mutation")
	}
}

func TestHandlerConcurrentCreate(t *testing.T) {
	h, bus := newHandler(t)
	ctx := context.Background()
	ch, _ := bus.Watch(ctx, 64)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.Apply(ctx, Created, "k")
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, kerrors.ErrOccupied):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok == 0 {
		t.Fatal("expected at least one create to succeed")
	}
	mustState(t, h, "k", false)
	if len(h.List()) != 1 {
		t.Fatalf("expected exactly one lock got %d", len(h.List()))
	}
	for i := 0; i < ok; i++ {
		select {
		case ev := <-ch:
			if ev.Action != Created {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("missing created event")
		}
	}
}

func TestHandlerConcurrentLockLastWriteWins(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	h.Created(ctx, "k")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Locked(ctx, "k")
		}()
	}
	wg.Wait()
	mustState(t, h, "k", true)
}

func TestHandlerWithoutPublisher(t *testing.T) {
	s := storage.NewMemory[string, lock.Lock](storage.DefaultConfig())
	h := New(s)
	if err := h.Apply(context.Background(), Created, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	l, err := h.Get("a")
	if err != nil || l.Locked() {
		t.Fatalf("unexpected lock %+v err %v", l, err)
	}
}

func TestHandlerMetrics(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	applied := testutil.ToFloat64(metrics.ActionsApplied.WithLabelValues("Locked"))
	skipped := testutil.ToFloat64(metrics.ActionsSkipped.WithLabelValues("Locked"))

	h.Created(ctx, "m")
	h.Locked(ctx, "m")
	h.Locked(ctx, "m")

	if v := testutil.ToFloat64(metrics.ActionsApplied.WithLabelValues("Locked")); v != applied+1 {
		t.Fatalf("expected applied %v got %v", applied+1, v)
	}
	if v := testutil.ToFloat64(metrics.ActionsSkipped.WithLabelValues("Locked")); v != skipped+1 {
		t.Fatalf("expected skipped %v got %v", skipped+1, v)
	}
	if v := testutil.ToFloat64(metrics.LockGauge); v != 1 {
		t.Fatalf("expected lock gauge 1 got %v", v)
	}
}

func TestActionText(t *testing.T) {
	for _, a := range []Action{Created, Removed, Locked, Unlocked} {
		b, err := a.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", a, err)
		}
		var back Action
		if err := back.UnmarshalText(b); err != nil || back != a {
			t.Fatalf("unmarshal %s: %v %v", b, back, err)
		}
	}
	if _, err := ParseAction("Exploded"); !errors.Is(err, kerrors.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction got %v", err)
	}
	if Action(7).Valid() || Action(7).String() != "Action(7)" {
		t.Fatalf("unexpected invalid action rendering %q", Action(7))
	}
}
