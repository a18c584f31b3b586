package syncbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
)

// InMemoryNetwork connects in-process buses. Each member receives payloads
// from every other member in submission order.
type InMemoryNetwork struct {
	mu      sync.RWMutex
	members map[string]*InMemoryBus
}

// NewInMemoryNetwork returns an empty network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{members: make(map[string]*InMemoryBus)}
}

// Join adds a member announcing addr.
func (n *InMemoryNetwork) Join(addr string) (*InMemoryBus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.members[addr]; ok {
		return nil, fmt.Errorf("syncbus: address %s already joined", addr)
	}
	b := &InMemoryBus{
		net:      n,
		addr:     addr,
		lastSeen: time.Now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	n.members[addr] = b
	go b.run()
	return b, nil
}

func (n *InMemoryNetwork) leave(addr string) {
	n.mu.Lock()
	delete(n.members, addr)
	n.mu.Unlock()
}

// InMemoryBus is a Bus member of an InMemoryNetwork, mainly for testing.
type InMemoryBus struct {
	net  *InMemoryNetwork
	addr string

	mu       sync.Mutex
	handler  UpdateHandler
	inbox    [][]byte
	lastSeen time.Time
	closed   bool

	wake chan struct{}
	done chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
}

// Address returns the address this member joined with.
func (b *InMemoryBus) Address() string { return b.addr }

// Submit implements Bus.Submit.
func (b *InMemoryBus) Submit(ctx context.Context, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return kerrors.ErrClosed
	}
	b.lastSeen = time.Now()
	b.mu.Unlock()

	b.net.mu.RLock()
	defer b.net.mu.RUnlock()
	for addr, m := range b.net.members {
		if addr == b.addr {
			continue
		}
		m.enqueue(append([]byte(nil), payload...))
	}
	b.published.Add(1)
	return nil
}

func (b *InMemoryBus) enqueue(payload []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.inbox = append(b.inbox, payload)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *InMemoryBus) run() {
	ctx := context.Background()
	for {
		select {
		case <-b.wake:
		case <-b.done:
			return
		}
		b.mu.Lock()
		batch := b.inbox
		b.inbox = nil
		h := b.handler
		b.mu.Unlock()
		for _, p := range batch {
			b.delivered.Add(1)
			if h != nil {
				h(ctx, p)
			}
		}
	}
}

// OnUpdate implements Bus.OnUpdate.
func (b *InMemoryBus) OnUpdate(h UpdateHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Peers implements Bus.Peers. Every other member is a peer, last seen when it
// joined or last submitted.
func (b *InMemoryBus) Peers() []Peer {
	b.net.mu.RLock()
	others := make([]*InMemoryBus, 0, len(b.net.members))
	for addr, m := range b.net.members {
		if addr != b.addr {
			others = append(others, m)
		}
	}
	b.net.mu.RUnlock()

	peers := make([]Peer, 0, len(others))
	for _, m := range others {
		m.mu.Lock()
		peers = append(peers, Peer{Address: m.addr, LastSeen: m.lastSeen})
		m.mu.Unlock()
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address < peers[j].Address })
	return peers
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close implements Bus.Close. Queued payloads are discarded.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.inbox = nil
	b.mu.Unlock()
	b.net.leave(b.addr)
	close(b.done)
	return nil
}
