// Package gateway exposes the lock registry of a node to clients. Mutating
// verbs are applied locally first and then disseminated to the cluster.
package gateway

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-kustodio/v1/handler"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
	"github.com/mirkobrombin/go-kustodio/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-kustodio/v1/gateway")

// Disseminator sends actions to the rest of the cluster. *swarm.Swarm
// implements it.
type Disseminator interface {
	Submit(ctx context.Context, action handler.Action, name string) error
	Peers() []syncbus.Peer
}

// Service implements the gateway verbs on top of a Handler.
type Service struct {
	handler *handler.Handler
	swarm   Disseminator
	events  watchbus.WatchBus[handler.Event]
}

// NewService returns a Service. events may be nil when watching is not
// offered.
func NewService(h *handler.Handler, d Disseminator, events watchbus.WatchBus[handler.Event]) *Service {
	return &Service{handler: h, swarm: d, events: events}
}

func startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "Gateway."+op)
	if name != "" {
		span.SetAttributes(attribute.String("kustodio.lock", name))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// mutate applies action locally and, when that succeeds, submits it. A
// submission failure leaves the local change in place.
func (s *Service) mutate(ctx context.Context, action handler.Action, name string) (err error) {
	ctx, span := startSpan(ctx, action.String(), name)
	span.SetAttributes(attribute.String("kustodio.action", action.String()))
	defer func() { endSpan(span, err) }()

	if err = s.handler.Apply(ctx, action, name); err != nil {
		return err
	}
	return s.swarm.Submit(ctx, action, name)
}

// Create registers name as an unlocked lock, resetting it if it exists.
func (s *Service) Create(ctx context.Context, name string) error {
	return s.mutate(ctx, handler.Created, name)
}

// Remove deletes name.
func (s *Service) Remove(ctx context.Context, name string) error {
	return s.mutate(ctx, handler.Removed, name)
}

// Lock acquires name.
func (s *Service) Lock(ctx context.Context, name string) error {
	return s.mutate(ctx, handler.Locked, name)
}

// Unlock releases name.
func (s *Service) Unlock(ctx context.Context, name string) error {
	return s.mutate(ctx, handler.Unlocked, name)
}

// State returns the state of name.
func (s *Service) State(ctx context.Context, name string) (LockState, error) {
	_, span := startSpan(ctx, "State", name)
	locked, err := s.handler.State(name)
	endSpan(span, err)
	if err != nil {
		return LockState{}, err
	}
	return newLockState(name, locked), nil
}

// List returns every lock sorted by name.
func (s *Service) List(ctx context.Context) []LockState {
	_, span := startSpan(ctx, "List", "")
	defer span.End()
	entries := s.handler.List()
	out := make([]LockState, 0, len(entries))
	for _, e := range entries {
		out = append(out, newLockState(e.Key, e.Value.Locked()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	span.SetAttributes(attribute.Int("kustodio.locks", len(out)))
	return out
}

// Peers returns the current cluster membership view.
func (s *Service) Peers(ctx context.Context) []PeerInfo {
	_, span := startSpan(ctx, "Peers", "")
	defer span.End()
	now := time.Now()
	peers := s.swarm.Peers()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerInfo{
			Address:    p.Address,
			LastSeen:   p.LastSeen,
			AgeSeconds: now.Sub(p.LastSeen).Seconds(),
		})
	}
	return out
}

// Watch subscribes to registry events until ctx is done.
func (s *Service) Watch(ctx context.Context, capacity int) (<-chan handler.Event, error) {
	if s.events == nil {
		return nil, errWatchDisabled
	}
	return s.events.Watch(ctx, capacity)
}
