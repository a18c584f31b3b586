package redis

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
)

const (
	// DefaultChannel carries every frame of a cluster.
	DefaultChannel = "kustodio:swarm"
	batchThreshold = 10
	batchTicker    = 10 * time.Millisecond
)

// Options configures a RedisBus.
type Options struct {
	Client    *redis.Client
	Channel   string
	Advertise string
	Heartbeat time.Duration
	Logger    *slog.Logger
}

type publishReq struct {
	payload []byte
	resp    chan error
}

// RedisBus is a syncbus.Bus over a Redis pub/sub channel. Submissions are
// coalesced into batch frames.
type RedisBus struct {
	mu      sync.Mutex
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	relay   *syncbus.Relay
	logger  *slog.Logger

	publishCh chan publishReq
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisBus subscribes to the cluster channel and starts the batcher and
// heartbeat loops.
func NewRedisBus(ctx context.Context, opts Options) (*RedisBus, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ps := opts.Client.Subscribe(ctx, opts.Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", opts.Channel, err)
	}
	b := &RedisBus{
		client:    opts.Client,
		pubsub:    ps,
		channel:   opts.Channel,
		relay:     syncbus.NewRelay(opts.Advertise, opts.Heartbeat, opts.Logger),
		logger:    opts.Logger,
		publishCh: make(chan publishReq, 1000),
		closeCh:   make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.wg.Add(3)
	go b.runBatcher()
	go b.dispatch()
	go func() {
		defer b.wg.Done()
		go func() {
			<-b.closeCh
			cancel()
		}()
		b.relay.Run(runCtx, b.publish)
	}()
	return b, nil
}

func (b *RedisBus) publish(ctx context.Context, frame []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	err := client.Publish(ctx, b.channel, frame).Err()
	if err != nil {
		// Retry once on a fresh client; jitter spreads reconnect storms.
		_ = b.reconnect()
		if j := rand.Int63n(int64(20 * time.Millisecond)); j > 0 {
			select {
			case <-b.closeCh:
				return kerrors.ErrClosed
			case <-time.After(time.Duration(j)):
			}
		}
		b.mu.Lock()
		client = b.client
		b.mu.Unlock()
		err = client.Publish(ctx, b.channel, frame).Err()
	}
	if err == nil {
		b.relay.Published()
	}
	return err
}

// Submit implements syncbus.Bus. It waits until the batch carrying payload
// has been published.
func (b *RedisBus) Submit(ctx context.Context, payload []byte) error {
	resp := make(chan error, 1)
	req := publishReq{payload: append([]byte(nil), payload...), resp: resp}
	select {
	case <-b.closeCh:
		return kerrors.ErrClosed
	default:
	}
	select {
	case b.publishCh <- req:
	case <-b.closeCh:
		return kerrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *RedisBus) runBatcher() {
	defer b.wg.Done()
	ticker := time.NewTicker(batchTicker)
	defer ticker.Stop()

	var batch []publishReq
	flush := func() {
		if len(batch) == 0 {
			return
		}
		payloads := make([][]byte, len(batch))
		for i, req := range batch {
			payloads[i] = req.payload
		}
		frame, err := b.relay.BatchFrame(payloads)
		if err == nil {
			err = b.publish(context.Background(), frame)
		}
		for _, req := range batch {
			req.resp <- err
		}
		batch = nil
	}

	for {
		select {
		case req := <-b.publishCh:
			batch = append(batch, req)
			if len(batch) >= batchThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.closeCh:
			flush()
			return
		}
	}
}

func (b *RedisBus) dispatch() {
	defer b.wg.Done()
	ctx := context.Background()
	for {
		b.mu.Lock()
		ch := b.pubsub.Channel()
		b.mu.Unlock()

	loop:
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				if msg == nil {
					continue
				}
				b.relay.Receive(ctx, []byte(msg.Payload))
			case <-b.closeCh:
				return
			}
		}

		// Channel closed, connection lost.
		select {
		case <-b.closeCh:
			return
		case <-time.After(10 * time.Millisecond):
			_ = b.reconnect()
		}
	}
}

// reconnect replaces the client and resubscribes.
func (b *RedisBus) reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.closeCh:
		return kerrors.ErrClosed
	default:
	}
	if err := b.client.Ping(context.Background()).Err(); err == nil {
		return nil
	}
	b.client = redis.NewClient(b.client.Options())
	_ = b.pubsub.Close()
	ps := b.client.Subscribe(context.Background(), b.channel)
	if _, err := ps.Receive(context.Background()); err != nil {
		b.pubsub = ps
		return err
	}
	b.pubsub = ps
	return nil
}

// OnUpdate implements syncbus.Bus.
func (b *RedisBus) OnUpdate(h syncbus.UpdateHandler) { b.relay.OnUpdate(h) }

// Peers implements syncbus.Bus.
func (b *RedisBus) Peers() []syncbus.Peer { return b.relay.Peers() }

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() syncbus.Metrics { return b.relay.Metrics() }

// IsHealthy pings the server.
func (b *RedisBus) IsHealthy() bool {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	return client.Ping(context.Background()).Err() == nil
}

// Close flushes pending submissions and unsubscribes. The client is left to
// the caller.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closeCh)
		b.wg.Wait()
		b.mu.Lock()
		err = b.pubsub.Close()
		b.mu.Unlock()
	})
	return err
}
