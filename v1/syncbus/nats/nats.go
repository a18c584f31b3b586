package nats

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
)

// DefaultSubject carries every frame of a cluster.
const DefaultSubject = "kustodio.swarm"

// Options configures a NATSBus.
type Options struct {
	Subject   string
	Advertise string
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// NATSBus is a syncbus.Bus over a single NATS subject. Every member
// publishes and subscribes to the same subject and filters its own frames.
type NATSBus struct {
	mu      sync.Mutex
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	relay   *syncbus.Relay
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNATSBus subscribes to the cluster subject on conn and starts the
// heartbeat loop.
func NewNATSBus(conn *nats.Conn, opts Options) (*NATSBus, error) {
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &NATSBus{
		conn:    conn,
		subject: opts.Subject,
		relay:   syncbus.NewRelay(opts.Advertise, opts.Heartbeat, opts.Logger),
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sub, err := conn.Subscribe(b.subject, b.natsHandler)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nats: subscribe %s: %w", b.subject, err)
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("nats: flush: %w", err)
	}
	b.sub = sub
	go func() {
		defer close(b.done)
		b.relay.Run(ctx, b.publish)
	}()
	return b, nil
}

func (b *NATSBus) natsHandler(m *nats.Msg) {
	b.relay.Receive(b.ctx, m.Data)
}

// publish writes frame, reconnecting with jittered backoff on failure.
func (b *NATSBus) publish(ctx context.Context, frame []byte) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if err = conn.Publish(b.subject, frame); err == nil {
			b.relay.Published()
			return nil
		}
		_ = b.reconnect()
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	return err
}

// Submit implements syncbus.Bus.
func (b *NATSBus) Submit(ctx context.Context, payload []byte) error {
	if b.ctx.Err() != nil {
		return kerrors.ErrClosed
	}
	frame, err := b.relay.UpdateFrame(payload)
	if err != nil {
		return err
	}
	return b.publish(ctx, frame)
}

// OnUpdate implements syncbus.Bus.
func (b *NATSBus) OnUpdate(h syncbus.UpdateHandler) { b.relay.OnUpdate(h) }

// Peers implements syncbus.Bus.
func (b *NATSBus) Peers() []syncbus.Peer { return b.relay.Peers() }

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() syncbus.Metrics { return b.relay.Metrics() }

// IsHealthy reports whether the connection is up.
func (b *NATSBus) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && b.conn.IsConnected()
}

func (b *NATSBus) reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	newConn, err := b.conn.Opts.Connect()
	if err != nil {
		return err
	}
	sub, err := newConn.Subscribe(b.subject, b.natsHandler)
	if err != nil {
		newConn.Close()
		return err
	}
	b.conn = newConn
	b.sub = sub
	return nil
}

// Close unsubscribes and stops heartbeats. The connection is left to the
// caller.
func (b *NATSBus) Close() error {
	if b.ctx.Err() != nil {
		return nil
	}
	b.cancel()
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil && b.conn.IsConnected() {
		return b.sub.Unsubscribe()
	}
	return nil
}
