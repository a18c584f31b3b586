package watchbus

import (
	"context"
	"log/slog"
	"sync"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/metrics"
)

// InMemory is an in-process WatchBus. Every watcher owns a queue and a
// delivery goroutine, so a watcher that stops draining only grows its own
// backlog and never delays publishers or other watchers.
type InMemory[T any] struct {
	mu         sync.Mutex
	subs       map[<-chan T]*subscriber[T]
	closed     bool
	maxBacklog int
	logger     *slog.Logger
}

// Option configures an InMemory bus.
type Option func(*options)

type options struct {
	maxBacklog int
	logger     *slog.Logger
}

// WithLogger sets the logger used to report pruned watchers.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxBacklog prunes a watcher once more than n values are queued for it.
// Zero keeps backlogs unbounded.
func WithMaxBacklog(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBacklog = n
		}
	}
}

// NewInMemory creates a new InMemory bus.
func NewInMemory[T any](opts ...Option) *InMemory[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &InMemory[T]{
		subs:       make(map[<-chan T]*subscriber[T]),
		maxBacklog: o.maxBacklog,
		logger:     o.logger,
	}
}

type subscriber[T any] struct {
	out  chan T
	wake chan struct{}
	done chan struct{}

	mu    sync.Mutex
	queue []T
}

func (s *subscriber[T]) enqueue(v T) int {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	n := len(s.queue)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return n
}

func (s *subscriber[T]) drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// run delivers queued values in order until done is closed. It owns out and
// closes it on exit.
func (s *subscriber[T]) run() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for _, v := range s.drain() {
			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}
	}
}

// Publish enqueues v for every watcher. Queues are filled under the bus lock
// so all watchers observe values in publish order.
func (b *InMemory[T]) Publish(ctx context.Context, v T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return kerrors.ErrClosed
	}
	for ch, s := range b.subs {
		if n := s.enqueue(v); b.maxBacklog > 0 && n > b.maxBacklog {
			b.logger.Debug("watchbus: pruning watcher over backlog", "backlog", n)
			b.removeLocked(ch)
		}
	}
	return nil
}

// Watch registers a new watcher. A negative capacity is treated as zero.
func (b *InMemory[T]) Watch(ctx context.Context, capacity int) (<-chan T, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if capacity < 0 {
		capacity = 0
	}

	s := &subscriber[T]{
		out:  make(chan T, capacity),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	var ch <-chan T = s.out

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, kerrors.ErrClosed
	}
	b.subs[ch] = s
	b.mu.Unlock()
	metrics.WatcherGauge.Inc()

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unwatch(context.Background(), ch)
		case <-s.done:
		}
	}()
	return ch, nil
}

// Unwatch removes ch from the watchers. Unknown channels are ignored.
func (b *InMemory[T]) Unwatch(ctx context.Context, ch <-chan T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	b.removeLocked(ch)
	b.mu.Unlock()
	return nil
}

// removeLocked must be called with mu held.
func (b *InMemory[T]) removeLocked(ch <-chan T) {
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.done)
	metrics.WatcherGauge.Dec()
	metrics.WatchersPruned.Inc()
	b.logger.Debug("watchbus: watcher removed", "watchers", len(b.subs))
}

// Len returns the number of registered watchers.
func (b *InMemory[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes every watcher. Later calls to Publish and Watch fail with
// ErrClosed.
func (b *InMemory[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		b.removeLocked(ch)
	}
	return nil
}
