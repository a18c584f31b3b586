package syncbus

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-kustodio/v1/metrics"
)

const (
	// DefaultHeartbeat is the interval between membership heartbeats.
	DefaultHeartbeat = 5 * time.Second
	// peerExpiryBeats is how many heartbeats a peer may miss before it is
	// dropped from the view.
	peerExpiryBeats = 12
	minPeerExpiry   = 60 * time.Second
)

// PeerExpiry returns how long a peer stays in the view without heartbeats.
func PeerExpiry(heartbeat time.Duration) time.Duration {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if d := peerExpiryBeats * heartbeat; d > minPeerExpiry {
		return d
	}
	return minPeerExpiry
}

// PeerTable records when each advertised address was last heard from.
type PeerTable struct {
	mu    sync.RWMutex
	seen  map[string]time.Time
	ttl   time.Duration
	nowFn func() time.Time
	gauge prometheus.Gauge
}

// NewPeerTable returns a table expiring peers unseen for ttl.
func NewPeerTable(ttl time.Duration) *PeerTable {
	return &PeerTable{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		nowFn: time.Now,
		gauge: metrics.PeerGauge,
	}
}

// Seen marks addr as alive now. It reports whether addr was new.
func (t *PeerTable) Seen(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.seen[addr]
	t.seen[addr] = t.nowFn()
	if !known {
		t.gauge.Inc()
	}
	return !known
}

// Expire drops peers unseen for longer than the table ttl and returns them.
func (t *PeerTable) Expire() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFn()
	var gone []string
	for addr, last := range t.seen {
		if now.Sub(last) > t.ttl {
			delete(t.seen, addr)
			gone = append(gone, addr)
			t.gauge.Dec()
		}
	}
	return gone
}

// Peers returns the view sorted by address.
func (t *PeerTable) Peers() []Peer {
	t.mu.RLock()
	out := make([]Peer, 0, len(t.seen))
	for addr, last := range t.seen {
		out = append(out, Peer{Address: addr, LastSeen: last})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Addresses returns the known addresses in no particular order.
func (t *PeerTable) Addresses() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.seen))
	for addr := range t.seen {
		out = append(out, addr)
	}
	return out
}
