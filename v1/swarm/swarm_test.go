package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/handler"
	"github.com/mirkobrombin/go-kustodio/v1/lock"
	"github.com/mirkobrombin/go-kustodio/v1/metrics"
	"github.com/mirkobrombin/go-kustodio/v1/storage"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
	"github.com/mirkobrombin/go-kustodio/v1/watchbus"
)

type node struct {
	handler *handler.Handler
	events  *watchbus.InMemory[handler.Event]
	swarm   *Swarm
}

func newNode(t *testing.T, network *syncbus.InMemoryNetwork, addr string, opts ...Option) *node {
	t.Helper()
	bus, err := network.Join(addr)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	events := watchbus.NewInMemory[handler.Event]()
	h := handler.New(storage.NewMemory[string, lock.Lock](storage.DefaultConfig()), handler.WithPublisher(events))
	s, err := New(bus, h, opts...)
	if err != nil {
		t.Fatalf("new swarm: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		_ = events.Close()
	})
	return &node{handler: h, events: events, swarm: s}
}

func waitState(t *testing.T, h *handler.Handler, name string, locked bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if got, err := h.State(name); err == nil && got == locked {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := h.State(name)
	t.Fatalf("lock %s: expected locked=%v got %v err %v", name, locked, got, err)
}

func TestSwarmReplicatesActions(t *testing.T) {
	network := syncbus.NewInMemoryNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	ctx := context.Background()

	for _, step := range []struct {
		action handler.Action
		locked bool
	}{
		{handler.Created, false},
		{handler.Locked, true},
		{handler.Unlocked, false},
	} {
		if err := a.handler.Apply(ctx, step.action, "x"); err != nil {
			t.Fatalf("apply %v: %v", step.action, err)
		}
		if err := a.swarm.Submit(ctx, step.action, "x"); err != nil {
			t.Fatalf("submit %v: %v", step.action, err)
		}
		waitState(t, b.handler, "x", step.locked)
	}

	_ = a.handler.Apply(ctx, handler.Removed, "x")
	if err := a.swarm.Submit(ctx, handler.Removed, "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 200; i++ {
		if _, err := b.handler.State("x"); errors.Is(err, kerrors.ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("removal did not replicate")
}

func TestSwarmEmitsRemoteEvents(t *testing.T) {
	network := syncbus.NewInMemoryNetwork()
	a := newNode(t, network, "a")
	b := newNode(t, network, "b")
	ctx := context.Background()
	ch, _ := b.events.Watch(ctx, 10)

	_ = a.swarm.Submit(ctx, handler.Created, "e")
	_ = a.swarm.Submit(ctx, handler.Locked, "e")

	for _, want := range []handler.Event{{Action: handler.Created, Name: "e"}, {Action: handler.Locked, Name: "e"}} {
		select {
		case ev := <-ch:
			if ev != want {
				t.Fatalf("expected %+v got %+v", want, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %+v", want)
		}
	}
}

func TestSwarmDropsBadPayloads(t *testing.T) {
	network := syncbus.NewInMemoryNetwork()
	n := newNode(t, network, "a")
	ctx := context.Background()

	malformed := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues("malformed"))
	unknown := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues("unknown_action"))

	n.swarm.OnUpdate(ctx, []byte{0xff, 0x00})
	n.swarm.OnUpdate(ctx, Message{Name: "a", Action: handler.Action(12)}.Marshal())

	if v := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues("malformed")); v != malformed+1 {
		t.Fatalf("expected malformed drop, got %v", v)
	}
	if v := testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues("unknown_action")); v != unknown+1 {
		t.Fatalf("expected unknown action drop, got %v", v)
	}
	if len(n.handler.List()) != 0 {
		t.Fatal("bad payloads must not touch the registry")
	}
}

func TestSwarmDispatchIsIdempotent(t *testing.T) {
	network := syncbus.NewInMemoryNetwork()
	n := newNode(t, network, "a")
	ctx := context.Background()

	msg := Message{Name: "d", Action: handler.Created, MessageID: "1"}
	_ = n.swarm.Dispatch(ctx, msg)
	_ = n.swarm.Dispatch(ctx, Message{Name: "d", Action: handler.Locked, MessageID: "2"})
	_ = n.swarm.Dispatch(ctx, Message{Name: "d", Action: handler.Locked, MessageID: "3"})
	_ = n.swarm.Dispatch(ctx, Message{Name: "ghost", Action: handler.Unlocked, MessageID: "4"})

	if locked, err := n.handler.State("d"); err != nil || !locked {
		t.Fatalf("expected d locked, got %v err %v", locked, err)
	}
	if _, err := n.handler.State("ghost"); !errors.Is(err, kerrors.ErrNotFound) {
		t.Fatalf("expected ghost absent, got %v", err)
	}
}

func TestSwarmDedup(t *testing.T) {
	network := syncbus.NewInMemoryNetwork()
	n := newNode(t, network, "a", WithDedup(100, time.Minute))
	ctx := context.Background()
	ch, _ := n.events.Watch(ctx, 10)

	msg := Message{Name: "k", Action: handler.Created, MessageID: "same"}
	if err := n.swarm.Dispatch(ctx, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := n.swarm.Dispatch(ctx, msg); !errors.Is(err, errDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("missing first event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("duplicate produced event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSwarmSubmitErrors(t *testing.T) {
	network := syncbus.NewInMemoryNetwork()
	bus, _ := network.Join("a")
	h := handler.New(storage.NewMemory[string, lock.Lock](storage.DefaultConfig()))
	s, err := New(bus, h)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := s.Submit(ctx, handler.Action(7), "a"); !errors.Is(err, kerrors.ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction got %v", err)
	}
	_ = s.Close()
	err = s.Submit(ctx, handler.Created, "a")
	if !errors.Is(err, kerrors.ErrSubmit) || !errors.Is(err, kerrors.ErrClosed) {
		t.Fatalf("expected ErrSubmit wrapping ErrClosed got %v", err)
	}
}

func TestSwarmMessageIDsAreFresh(t *testing.T) {
	network := syncbus.NewInMemoryNetwork()
	a := newNode(t, network, "a")
	b, _ := network.Join("b")
	defer b.Close()
	ids := make(chan string, 2)
	b.OnUpdate(func(_ context.Context, p []byte) {
		m, err := Unmarshal(p)
		if err == nil {
			ids <- m.MessageID
		}
	})
	ctx := context.Background()
	_ = a.swarm.Submit(ctx, handler.Created, "x")
	_ = a.swarm.Submit(ctx, handler.Created, "x")
	first, second := <-ids, <-ids
	if first == "" || first == second {
		t.Fatalf("expected distinct ids, got %q and %q", first, second)
	}
}
