// Package dedup remembers recently seen message ids so that replayed or
// echoed dissemination messages can be recognised.
package dedup

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultTTL is how long an id is remembered when no ttl is given.
const DefaultTTL = 5 * time.Minute

// Seen is a bounded set of message ids backed by ristretto. Admission is
// probabilistic: under pressure an id may be forgotten early, which only
// lets a duplicate through.
type Seen struct {
	mu  sync.Mutex
	c   *ristretto.Cache
	ttl time.Duration
}

// New returns a Seen holding roughly size ids for ttl each.
func New(size int, ttl time.Duration) (*Seen, error) {
	if size <= 0 {
		size = 1
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(size) * 10, // ristretto recommends 10x the item count
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Seen{c: c, ttl: ttl}, nil
}

// Mark records id and reports whether it had already been recorded.
func (s *Seen) Mark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.c.Get(id); ok {
		return true
	}
	s.c.SetWithTTL(id, struct{}{}, 1, s.ttl)
	s.c.Wait()
	return false
}

// Close releases resources held by the set.
func (s *Seen) Close() {
	s.c.Close()
}
