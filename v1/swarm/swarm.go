package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-kustodio/v1/dedup"
	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/handler"
	"github.com/mirkobrombin/go-kustodio/v1/metrics"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
)

// Option configures a Swarm.
type Option func(*Swarm) error

// WithLogger sets the logger used for dropped messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Swarm) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithDedup suppresses received messages whose id was seen within ttl.
// Roughly size ids are remembered. A size of zero disables suppression.
func WithDedup(size int, ttl time.Duration) Option {
	return func(s *Swarm) error {
		if size <= 0 {
			return nil
		}
		seen, err := dedup.New(size, ttl)
		if err != nil {
			return fmt.Errorf("swarm: dedup: %w", err)
		}
		s.seen = seen
		return nil
	}
}

// Swarm bridges a Handler and a cluster bus. Local actions are encoded and
// submitted; received payloads are decoded and applied.
type Swarm struct {
	bus     syncbus.Bus
	handler *handler.Handler
	logger  *slog.Logger
	seen    *dedup.Seen
	newID   func() (string, error)
}

// New returns a Swarm and registers it as the bus update handler.
func New(bus syncbus.Bus, h *handler.Handler, opts ...Option) (*Swarm, error) {
	s := &Swarm{
		bus:     bus,
		handler: h,
		logger:  slog.Default(),
		newID:   uuid.GenerateUUID,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	bus.OnUpdate(s.OnUpdate)
	return s, nil
}

// Submit disseminates action on name to the cluster. The local registry is
// not touched. Failures wrap ErrSubmit.
func (s *Swarm) Submit(ctx context.Context, action handler.Action, name string) error {
	if !action.Valid() {
		return kerrors.ErrUnknownAction
	}
	id, err := s.newID()
	if err != nil {
		return fmt.Errorf("%w: message id: %v", kerrors.ErrSubmit, err)
	}
	if s.seen != nil {
		s.seen.Mark(id)
	}
	msg := Message{Name: name, Action: action, MessageID: id}
	if err := s.bus.Submit(ctx, msg.Marshal()); err != nil {
		return fmt.Errorf("%w: %w", kerrors.ErrSubmit, err)
	}
	metrics.MessagesSubmitted.Inc()
	return nil
}

// OnUpdate decodes payload and applies it. It is registered with the bus and
// never fails: undecodable, unknown and duplicate messages are logged and
// dropped.
func (s *Swarm) OnUpdate(ctx context.Context, payload []byte) {
	metrics.MessagesReceived.Inc()
	msg, err := Unmarshal(payload)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		s.logger.Warn("swarm: dropping undecodable message", "size", len(payload), "error", err)
		return
	}
	if err := s.Dispatch(ctx, msg); err != nil {
		switch {
		case errors.Is(err, kerrors.ErrUnknownAction):
			metrics.MessagesDropped.WithLabelValues("unknown_action").Inc()
			s.logger.Warn("swarm: dropping message with unknown action", "action", int32(msg.Action), "lock", msg.Name)
		case errors.Is(err, errDuplicate):
			metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
			s.logger.Debug("swarm: dropping duplicate message", "id", msg.MessageID, "lock", msg.Name)
		}
	}
}

var errDuplicate = errors.New("swarm: duplicate message")

// Dispatch applies msg to the handler using the fire and forget handler
// operations. It only reports why a message was not dispatched.
func (s *Swarm) Dispatch(ctx context.Context, msg Message) error {
	if !msg.Action.Valid() {
		return kerrors.ErrUnknownAction
	}
	if s.seen != nil && msg.MessageID != "" && s.seen.Mark(msg.MessageID) {
		return errDuplicate
	}
	switch msg.Action {
	case handler.Created:
		s.handler.Created(ctx, msg.Name)
	case handler.Removed:
		s.handler.Removed(ctx, msg.Name)
	case handler.Locked:
		s.handler.Locked(ctx, msg.Name)
	case handler.Unlocked:
		s.handler.Unlocked(ctx, msg.Name)
	}
	return nil
}

// Peers returns the bus membership view.
func (s *Swarm) Peers() []syncbus.Peer {
	return s.bus.Peers()
}

// Close leaves the cluster.
func (s *Swarm) Close() error {
	err := s.bus.Close()
	if s.seen != nil {
		s.seen.Close()
	}
	return err
}
