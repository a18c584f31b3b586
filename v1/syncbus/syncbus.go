package syncbus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCircuitOpen is returned by CircuitBreakerBus while submissions are
	// being rejected.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrPayloadTooLarge is returned when a payload does not fit a transport
	// frame.
	ErrPayloadTooLarge = errors.New("syncbus: payload too large")
)

// Peer is a cluster member as last observed by this node.
type Peer struct {
	Address  string
	LastSeen time.Time
}

// Age returns the time elapsed since the peer was last heard from.
func (p Peer) Age() time.Duration {
	return time.Since(p.LastSeen)
}

// UpdateHandler is invoked once for every payload received from the cluster.
type UpdateHandler func(ctx context.Context, payload []byte)

// Bus is a cluster membership and dissemination service. Delivery is best
// effort: payloads may be lost, duplicated or reordered across peers, and a
// node never receives its own submissions.
type Bus interface {
	// Submit hands payload over for delivery to every other member.
	Submit(ctx context.Context, payload []byte) error
	// OnUpdate registers the callback for received payloads, replacing any
	// previous one.
	OnUpdate(h UpdateHandler)
	// Peers returns the current membership view.
	Peers() []Peer
	// Close leaves the cluster and releases resources.
	Close() error
}

// Metrics counts frames handed to and received from a transport.
type Metrics struct {
	Published uint64
	Delivered uint64
}
