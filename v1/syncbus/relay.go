package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Relay is the transport independent half of a frame based Bus. It owns the
// node identity, the peer table and the registered UpdateHandler; transports
// only move encoded frames.
type Relay struct {
	id        [16]byte
	advertise string
	heartbeat time.Duration
	peers     *PeerTable
	logger    *slog.Logger

	mu      sync.RWMutex
	handler UpdateHandler

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRelay returns a Relay with a fresh node id. An empty advertise address
// is replaced by the node id.
func NewRelay(advertise string, heartbeat time.Duration, logger *slog.Logger) *Relay {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	if advertise == "" {
		advertise = id.String()
	}
	return &Relay{
		id:        id,
		advertise: advertise,
		heartbeat: heartbeat,
		peers:     NewPeerTable(PeerExpiry(heartbeat)),
		logger:    logger,
	}
}

// ID returns the node id stamped on outgoing frames.
func (r *Relay) ID() [16]byte { return r.id }

// Advertise returns the address announced in heartbeats.
func (r *Relay) Advertise() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.advertise
}

// SetAdvertise replaces the announced address. Transports call it once the
// listening address is known.
func (r *Relay) SetAdvertise(addr string) {
	r.mu.Lock()
	r.advertise = addr
	r.mu.Unlock()
}

// OnUpdate implements Bus.OnUpdate.
func (r *Relay) OnUpdate(h UpdateHandler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Peers implements Bus.Peers.
func (r *Relay) Peers() []Peer {
	return r.peers.Peers()
}

// PeerTable exposes the underlying table.
func (r *Relay) PeerTable() *PeerTable { return r.peers }

// Metrics returns the published and delivered counts.
func (r *Relay) Metrics() Metrics {
	return Metrics{Published: r.published.Load(), Delivered: r.delivered.Load()}
}

// UpdateFrame encodes payload for a single-payload transport write.
func (r *Relay) UpdateFrame(payload []byte) ([]byte, error) {
	f := Frame{Type: FrameUpdate, NodeID: r.id, Payloads: [][]byte{payload}}
	return f.MarshalBinary()
}

// BatchFrame encodes several payloads into one frame.
func (r *Relay) BatchFrame(payloads [][]byte) ([]byte, error) {
	f := Frame{Type: FrameBatch, NodeID: r.id, Payloads: payloads}
	return f.MarshalBinary()
}

// HeartbeatFrame encodes an announcement of this node's address.
func (r *Relay) HeartbeatFrame() ([]byte, error) {
	r.mu.RLock()
	addr := r.advertise
	r.mu.RUnlock()
	f := Frame{Type: FrameHeartbeat, NodeID: r.id, Address: addr}
	return f.MarshalBinary()
}

// Published records a successful transport write.
func (r *Relay) Published() { r.published.Add(1) }

// Receive decodes data and acts on it. Frames from this node are ignored,
// heartbeats refresh the peer table and every carried payload is handed to
// the registered handler in order. It returns the address announced by a
// heartbeat, if any.
func (r *Relay) Receive(ctx context.Context, data []byte) string {
	var f Frame
	if err := f.UnmarshalBinary(data); err != nil {
		r.logger.Debug("syncbus: dropping undecodable frame", "error", err)
		return ""
	}
	if f.NodeID == r.id {
		return ""
	}
	if f.Type == FrameHeartbeat {
		if f.Address == "" {
			return ""
		}
		if r.peers.Seen(f.Address) {
			r.logger.Info("syncbus: peer joined", "peer", f.Address)
		}
		return f.Address
	}

	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	for _, p := range f.Payloads {
		r.delivered.Add(1)
		if h != nil {
			h(ctx, p)
		}
	}
	return ""
}

// Run sends a heartbeat immediately and then every heartbeat interval, and
// expires silent peers, until ctx is done.
func (r *Relay) Run(ctx context.Context, send func(context.Context, []byte) error) {
	beat := func() {
		frame, err := r.HeartbeatFrame()
		if err != nil {
			return
		}
		if err := send(ctx, frame); err != nil && ctx.Err() == nil {
			r.logger.Debug("syncbus: heartbeat failed", "error", err)
		}
	}
	beat()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
			for _, addr := range r.peers.Expire() {
				r.logger.Info("syncbus: peer expired", "peer", addr)
			}
		}
	}
}
