package handler

import (
	"context"
	"errors"
	"log/slog"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/lock"
	"github.com/mirkobrombin/go-kustodio/v1/metrics"
	"github.com/mirkobrombin/go-kustodio/v1/storage"
)

// Publisher receives the events produced by a Handler.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithPublisher sets the destination of emitted events.
func WithPublisher(p Publisher) Option {
	return func(h *Handler) { h.publisher = p }
}

// WithLogger sets the logger used for skipped actions and storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// Handler applies actions to the lock registry. It is the only writer of its
// Storage and the only producer of events.
type Handler struct {
	storage   storage.Storage[string, lock.Lock]
	publisher Publisher
	logger    *slog.Logger
}

// New returns a Handler writing to s.
func New(s storage.Storage[string, lock.Lock], opts ...Option) *Handler {
	h := &Handler{storage: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Created registers name as a fresh unlocked lock, replacing any previous
// state. Failures are logged.
func (h *Handler) Created(ctx context.Context, name string) {
	h.report(Created, name, h.Apply(ctx, Created, name))
}

// Removed deletes name. Absent locks are logged and skipped.
func (h *Handler) Removed(ctx context.Context, name string) {
	h.report(Removed, name, h.Apply(ctx, Removed, name))
}

// Locked acquires name. Absent or already held locks are logged and skipped.
func (h *Handler) Locked(ctx context.Context, name string) {
	h.report(Locked, name, h.Apply(ctx, Locked, name))
}

// Unlocked releases name. Absent or free locks are logged and skipped.
func (h *Handler) Unlocked(ctx context.Context, name string) {
	h.report(Unlocked, name, h.Apply(ctx, Unlocked, name))
}

func (h *Handler) report(action Action, name string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, kerrors.ErrNotFound),
		errors.Is(err, kerrors.ErrAlreadyLocked),
		errors.Is(err, kerrors.ErrAlreadyUnlocked):
		h.logger.Debug("handler: action skipped", "action", action, "lock", name, "error", err)
	default:
		h.logger.Warn("handler: action failed", "action", action, "lock", name, "error", err)
	}
}

// Apply performs action on name and emits the matching event when the
// registry changed. Unlike the per-action methods it returns the reason an
// action was skipped.
func (h *Handler) Apply(ctx context.Context, action Action, name string) error {
	var err error
	switch action {
	case Created:
		err = h.create(name)
	case Removed:
		_, err = h.storage.Remove(name)
	case Locked:
		err = h.transition(name, (*lock.Lock).Lock)
	case Unlocked:
		err = h.transition(name, (*lock.Lock).Unlock)
	default:
		return kerrors.ErrUnknownAction
	}
	if err != nil {
		metrics.ActionsSkipped.WithLabelValues(action.String()).Inc()
		return err
	}
	metrics.ActionsApplied.WithLabelValues(action.String()).Inc()
	if action == Created || action == Removed {
		metrics.LockGauge.Set(float64(h.storage.Len()))
	}
	h.emit(ctx, Event{Action: action, Name: name})
	return nil
}

func (h *Handler) create(name string) error {
	if h.storage.Probe(name) {
		h.logger.Debug("handler: lock exists, resetting", "lock", name)
	}
	_, _, err := h.storage.Set(name, lock.New())
	return err
}

// transition reads name, applies fn to a working copy and writes it back.
// A failed write is logged but the transition still counts: concurrent
// writers resolve by last write wins.
func (h *Handler) transition(name string, fn func(*lock.Lock) error) error {
	current, err := h.storage.Get(name)
	if err != nil {
		return err
	}
	working := current
	if err := fn(&working); err != nil {
		return err
	}
	if _, _, err := h.storage.Set(name, working); err != nil {
		h.logger.Warn("handler: write back raced", "lock", name, "error", err)
	}
	return nil
}

func (h *Handler) emit(ctx context.Context, ev Event) {
	if h.publisher == nil {
		return
	}
	// The mutation is already stored; watchers see it even if ctx is done.
	if err := h.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		h.logger.Warn("handler: event not published", "action", ev.Action, "lock", ev.Name, "error", err)
		return
	}
	metrics.EventsEmitted.WithLabelValues(ev.Action.String()).Inc()
}

// Get returns the lock stored under name.
func (h *Handler) Get(name string) (lock.Lock, error) {
	return h.storage.Get(name)
}

// State reports whether name is held. It fails with ErrNotFound for an
// unknown lock.
func (h *Handler) State(name string) (bool, error) {
	l, err := h.storage.Get(name)
	if err != nil {
		return false, err
	}
	return l.Locked(), nil
}

// List returns a snapshot of every lock.
func (h *Handler) List() []storage.Entry[string, lock.Lock] {
	return h.storage.List()
}
