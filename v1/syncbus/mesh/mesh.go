package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/syncbus"
)

const (
	defaultPort  = 7946
	defaultGroup = "239.0.0.1"
	// maxFrame keeps frames below a typical Ethernet MTU.
	maxFrame = 1400
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 0, maxFrame)
	},
}

// MeshOptions configures the mesh bus.
type MeshOptions struct {
	Port          int
	Interface     string
	Group         string
	Peers         []string      // Static seeds for unicast gossip
	AdvertiseAddr string        // Address to advertise to other peers (e.g. "10.0.0.1:7946")
	BindAddr      string        // Listen address; overrides Port when set
	Heartbeat     time.Duration // Interval for heartbeat gossip (default 5s)
	BatchInterval time.Duration // Max time to wait before flushing a batch (default 100ms)
	BatchSize     int           // Max number of payloads in a batch (default 20)
	// DisableMulticast restricts delivery to seeds and discovered peers.
	DisableMulticast bool
	Logger           *slog.Logger
}

// MeshBus is a syncbus.Bus over UDP multicast and unicast gossip. Payloads
// are batched and sent to the multicast group and to every known peer.
type MeshBus struct {
	opts      MeshOptions
	relay     *syncbus.Relay
	conn      net.PacketConn
	groupAddr *net.UDPAddr
	logger    *slog.Logger

	resolvedMu sync.Mutex
	resolved   map[string]*net.UDPAddr

	publishCh chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMeshBus creates a mesh bus and starts gossiping.
func NewMeshBus(opts MeshOptions) (*MeshBus, error) {
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	if opts.Group == "" {
		opts.Group = defaultGroup
	}
	if opts.BatchInterval == 0 {
		opts.BatchInterval = 100 * time.Millisecond
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	bind := opts.BindAddr
	if bind == "" {
		bind = fmt.Sprintf("0.0.0.0:%d", opts.Port)
	}

	var (
		c         net.PacketConn
		groupAddr *net.UDPAddr
		err       error
	)
	if opts.DisableMulticast {
		c, err = net.ListenPacket("udp4", bind)
		if err != nil {
			return nil, fmt.Errorf("mesh: failed to listen on %s: %w", bind, err)
		}
	} else {
		c, groupAddr, err = listenMulticast(bind, opts)
		if err != nil {
			return nil, err
		}
	}

	advertise := opts.AdvertiseAddr
	if advertise == "" {
		advertise = c.LocalAddr().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MeshBus{
		opts:      opts,
		relay:     syncbus.NewRelay(advertise, opts.Heartbeat, opts.Logger),
		conn:      c,
		groupAddr: groupAddr,
		logger:    opts.Logger,
		resolved:  make(map[string]*net.UDPAddr),
		publishCh: make(chan []byte, 1000),
		ctx:       ctx,
		cancel:    cancel,
	}

	b.wg.Add(3)
	go b.listen()
	go b.runBatcher()
	go func() {
		defer b.wg.Done()
		b.relay.Run(ctx, func(_ context.Context, frame []byte) error {
			return b.broadcast(frame)
		})
	}()
	return b, nil
}

func listenMulticast(bind string, opts MeshOptions) (net.PacketConn, *net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("mesh: failed to resolve multicast address: %w", err)
	}

	// Several nodes on one host share the port.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 15, 1) // SO_REUSEPORT
			})
		},
	}
	c, err := lc.ListenPacket(context.Background(), "udp4", bind)
	if err != nil {
		return nil, nil, fmt.Errorf("mesh: failed to listen on %s: %w", bind, err)
	}

	pconn := ipv4.NewPacketConn(c)
	var iface *net.Interface
	if opts.Interface != "" {
		iface, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			_ = c.Close()
			return nil, nil, fmt.Errorf("mesh: failed to find interface %s: %w", opts.Interface, err)
		}
	}
	if err := pconn.JoinGroup(iface, addr); err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("mesh: failed to join group %s: %w", opts.Group, err)
	}
	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			_ = c.Close()
			return nil, nil, fmt.Errorf("mesh: failed to set multicast interface: %w", err)
		}
	}
	// Nodes on the same host must hear each other.
	_ = pconn.SetMulticastLoopback(true)
	return c, addr, nil
}

// Submit implements syncbus.Bus. The payload is queued for the next batch.
func (b *MeshBus) Submit(ctx context.Context, payload []byte) error {
	if 18+2+2+len(payload) > maxFrame {
		return syncbus.ErrPayloadTooLarge
	}
	select {
	case <-b.ctx.Done():
		return kerrors.ErrClosed
	default:
	}
	select {
	case b.publishCh <- append([]byte(nil), payload...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return kerrors.ErrClosed
	}
}

// OnUpdate implements syncbus.Bus.
func (b *MeshBus) OnUpdate(h syncbus.UpdateHandler) { b.relay.OnUpdate(h) }

// Peers implements syncbus.Bus.
func (b *MeshBus) Peers() []syncbus.Peer { return b.relay.Peers() }

// Metrics returns the published and received counts.
func (b *MeshBus) Metrics() syncbus.Metrics { return b.relay.Metrics() }

// LocalAddr returns the bound UDP address.
func (b *MeshBus) LocalAddr() net.Addr { return b.conn.LocalAddr() }

// IsHealthy returns true while the bus is open.
func (b *MeshBus) IsHealthy() bool {
	return b.ctx.Err() == nil
}

func (b *MeshBus) resolve(addr string) *net.UDPAddr {
	b.resolvedMu.Lock()
	defer b.resolvedMu.Unlock()
	if a, ok := b.resolved[addr]; ok {
		return a
	}
	a, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil
	}
	b.resolved[addr] = a
	return a
}

// broadcast sends frame to the multicast group, known peers and seeds.
func (b *MeshBus) broadcast(frame []byte) error {
	var err error
	if b.groupAddr != nil {
		_, err = b.conn.WriteTo(frame, b.groupAddr)
	}

	targets := make(map[string]struct{}, len(b.opts.Peers))
	for _, p := range b.relay.PeerTable().Addresses() {
		targets[p] = struct{}{}
	}
	for _, p := range b.opts.Peers {
		targets[p] = struct{}{}
	}
	for addr := range targets {
		if a := b.resolve(addr); a != nil {
			_, _ = b.conn.WriteTo(frame, a)
		}
	}
	if err == nil {
		b.relay.Published()
	}
	return err
}

func (b *MeshBus) listen() {
	defer b.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			continue
		}
		if addr := b.relay.Receive(b.ctx, buf[:n]); addr != "" {
			b.resolve(addr)
		}
	}
}

func (b *MeshBus) runBatcher() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.BatchInterval)
	defer ticker.Stop()

	var (
		batch [][]byte
		size  = 18 + 2
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		f := syncbus.Frame{Type: syncbus.FrameBatch, NodeID: b.relay.ID(), Payloads: batch}
		buf := bufferPool.Get().([]byte)
		if out, err := f.AppendBinary(buf[:0]); err == nil {
			if err := b.broadcast(out); err != nil {
				b.logger.Debug("mesh: multicast write failed", "error", err)
			}
			buf = out
		}
		bufferPool.Put(buf[:0])
		batch = nil
		size = 18 + 2
	}

	for {
		select {
		case <-b.ctx.Done():
			return
		case p := <-b.publishCh:
			if size+2+len(p) > maxFrame {
				flush()
			}
			batch = append(batch, p)
			size += 2 + len(p)
			if len(batch) >= b.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close gracefully shuts down the mesh bus.
func (b *MeshBus) Close() error {
	if b.ctx.Err() != nil {
		return nil
	}
	b.cancel()
	err := b.conn.Close()
	b.wg.Wait()
	return err
}
