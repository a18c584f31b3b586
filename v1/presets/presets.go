// Package presets assembles a complete kustodio node from a config.Config.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-kustodio/v1/config"
	"github.com/mirkobrombin/go-kustodio/v1/gateway"
	"github.com/mirkobrombin/go-kustodio/v1/handler"
	"github.com/mirkobrombin/go-kustodio/v1/lock"
	"github.com/mirkobrombin/go-kustodio/v1/metrics"
	"github.com/mirkobrombin/go-kustodio/v1/storage"
	"github.com/mirkobrombin/go-kustodio/v1/swarm"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus/kafka"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus/mesh"
	busnats "github.com/mirkobrombin/go-kustodio/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-kustodio/v1/syncbus/redis"
	"github.com/mirkobrombin/go-kustodio/v1/watchbus"
)

type options struct {
	logger  *slog.Logger
	network *syncbus.InMemoryNetwork
}

// Option configures NewBus and NewNode.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNetwork joins memory transport nodes to network instead of a private
// one, so several nodes in one process can see each other.
func WithNetwork(n *syncbus.InMemoryNetwork) Option {
	return func(o *options) { o.network = n }
}

func collect(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Bus is a membership service together with the connections it was built
// on. Closing it closes both.
type Bus struct {
	syncbus.Bus
	closers []func() error
}

// Close closes the bus and then its connections.
func (b *Bus) Close() error {
	errs := []error{b.Bus.Close()}
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// IsHealthy reports the health of the underlying bus when it exposes one.
func (b *Bus) IsHealthy() bool {
	if h, ok := b.Bus.(interface{ IsHealthy() bool }); ok {
		return h.IsHealthy()
	}
	return true
}

// NewBus connects to the transport selected by cfg.Transport and, when
// cfg.Breaker.Threshold is positive, guards submissions with a circuit
// breaker.
func NewBus(ctx context.Context, cfg config.Cluster, opts ...Option) (*Bus, error) {
	o := collect(opts)
	b, err := newTransport(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Threshold > 0 {
		b.Bus = syncbus.NewCircuitBreaker(b.Bus, cfg.Breaker.Threshold, cfg.Breaker.Timeout)
	}
	return b, nil
}

func newTransport(ctx context.Context, cfg config.Cluster, o options) (*Bus, error) {
	logger := o.logger.With("transport", cfg.Transport)
	switch cfg.Transport {
	case config.TransportMemory:
		network := o.network
		if network == nil {
			network = syncbus.NewInMemoryNetwork()
		}
		addr := cfg.Advertise
		if addr == "" {
			addr = cfg.Address
		}
		mb, err := network.Join(addr)
		if err != nil {
			return nil, err
		}
		return &Bus{Bus: mb}, nil

	case config.TransportMesh:
		_, portStr, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("presets: cluster address: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("presets: cluster port: %w", err)
		}
		mb, err := mesh.NewMeshBus(mesh.MeshOptions{
			Port:             port,
			Interface:        cfg.Interface,
			Group:            cfg.Group,
			Peers:            cfg.Peers,
			AdvertiseAddr:    cfg.Advertise,
			BindAddr:         cfg.Address,
			Heartbeat:        cfg.Heartbeat,
			DisableMulticast: !cfg.Multicast,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		return &Bus{Bus: mb}, nil

	case config.TransportNATS:
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("kustodio"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("presets: nats connect: %w", err)
		}
		nb, err := busnats.NewNATSBus(conn, busnats.Options{
			Subject:   cfg.NATS.Subject,
			Advertise: cfg.Advertise,
			Heartbeat: cfg.Heartbeat,
			Logger:    logger,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &Bus{Bus: nb, closers: []func() error{func() error { conn.Close(); return nil }}}, nil

	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		rb, err := busredis.NewRedisBus(ctx, busredis.Options{
			Client:    client,
			Channel:   cfg.Redis.Channel,
			Advertise: cfg.Advertise,
			Heartbeat: cfg.Heartbeat,
			Logger:    logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &Bus{Bus: rb, closers: []func() error{client.Close}}, nil

	case config.TransportKafka:
		sc := sarama.NewConfig()
		sc.ClientID = "kustodio"
		kb, err := kafka.NewKafkaBus(cfg.Kafka.Brokers, sc, kafka.Options{
			Topic:     cfg.Kafka.Topic,
			Advertise: cfg.Advertise,
			Heartbeat: cfg.Heartbeat,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return &Bus{Bus: kb}, nil
	}
	return nil, fmt.Errorf("presets: unknown transport %q", cfg.Transport)
}

// Node is a running kustodio node.
type Node struct {
	Config   config.Config
	Storage  *storage.Memory[string, lock.Lock]
	Events   *watchbus.InMemory[handler.Event]
	Handler  *handler.Handler
	Bus      *Bus
	Swarm    *swarm.Swarm
	Service  *gateway.Service
	Registry *prometheus.Registry
	Router   http.Handler
}

// NewNode wires storage, handler, watch registry, cluster bus, swarm bridge
// and HTTP gateway according to cfg.
func NewNode(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := collect(opts)

	n := &Node{Config: cfg}
	n.Storage = storage.NewMemory[string, lock.Lock](cfg.Storage.Memory)
	n.Events = watchbus.NewInMemory[handler.Event](
		watchbus.WithLogger(o.logger),
		watchbus.WithMaxBacklog(cfg.API.WatchMaxBacklog),
	)
	n.Handler = handler.New(n.Storage, handler.WithPublisher(n.Events), handler.WithLogger(o.logger))

	bus, err := NewBus(ctx, cfg.Cluster, opts...)
	if err != nil {
		_ = n.Events.Close()
		return nil, err
	}
	n.Bus = bus

	n.Swarm, err = swarm.New(bus, n.Handler,
		swarm.WithLogger(o.logger),
		swarm.WithDedup(cfg.Cluster.Dedup.Size, cfg.Cluster.Dedup.TTL),
	)
	if err != nil {
		_ = bus.Close()
		_ = n.Events.Close()
		return nil, err
	}

	n.Service = gateway.NewService(n.Handler, n.Swarm, n.Events)
	ropts := []gateway.RouterOption{
		gateway.WithLogger(o.logger),
		gateway.WithWatchCapacity(cfg.API.WatchCapacity),
		gateway.WithHealthCheck(bus.IsHealthy),
	}
	if cfg.Metrics.Enabled {
		n.Registry = metrics.NewRegistry()
		metrics.RegisterCoreMetrics(n.Registry)
		ropts = append(ropts, gateway.WithMetrics(n.Registry))
	}
	n.Router = gateway.NewRouter(n.Service, ropts...)
	return n, nil
}

// Close leaves the cluster and ends every watch.
func (n *Node) Close() error {
	return errors.Join(n.Swarm.Close(), n.Events.Close())
}
