package storage

import (
	"math"
	"sync"

	"github.com/dgraph-io/ristretto/z"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
)

const (
	// DefaultBitmapSize is the default filter bitmap width in bytes.
	DefaultBitmapSize = 6000
	// DefaultItemsCount is the default number of keys the filter is sized for.
	DefaultItemsCount = 6000
)

// Config sizes the membership filter of a Memory registry.
type Config struct {
	// BitmapSize is the width of the filter bitmap in bytes.
	BitmapSize int `mapstructure:"bitmap-size" yaml:"bitmap-size"`
	// ItemsCount is the expected number of distinct keys.
	ItemsCount int `mapstructure:"items-count" yaml:"items-count"`
}

// DefaultConfig returns the default filter sizing.
func DefaultConfig() Config {
	return Config{BitmapSize: DefaultBitmapSize, ItemsCount: DefaultItemsCount}
}

// Key lists the key types the membership filter knows how to hash.
type Key interface {
	string | uint64 | int64 | int32 | uint32 | int | byte
}

// Memory is an in-memory Storage. A bloom filter answers negative lookups
// without touching the map; positive filter answers are always confirmed
// against the map. Filter bits are never cleared, so after a removal the
// map is the only source of truth for that key.
type Memory[K Key, V any] struct {
	mu     sync.RWMutex
	filter *z.Bloom
	items  map[K]V
}

// NewMemory returns an empty Memory sized by cfg. Non-positive sizes fall
// back to the defaults.
func NewMemory[K Key, V any](cfg Config) *Memory[K, V] {
	if cfg.BitmapSize <= 0 {
		cfg.BitmapSize = DefaultBitmapSize
	}
	if cfg.ItemsCount <= 0 {
		cfg.ItemsCount = DefaultItemsCount
	}
	bits := float64(cfg.BitmapSize) * 8
	return &Memory[K, V]{
		filter: z.NewBloomFilter(bits, hashLocations(bits, float64(cfg.ItemsCount))),
		items:  make(map[K]V),
	}
}

// hashLocations returns the optimal number of hash functions for a filter
// of m bits holding n items, k = m/n * ln 2.
func hashLocations(m, n float64) float64 {
	k := math.Ceil(m / n * math.Ln2)
	if k < 1 {
		k = 1
	}
	return k
}

func hashKey[K Key](key K) uint64 {
	h, _ := z.KeyToHash(key)
	return h
}

// MayContain reports whether the filter has ever seen key. It never returns
// false for a present key but may return true for an absent one.
func (m *Memory[K, V]) MayContain(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter.Has(hashKey(key))
}

// probe must be called with mu held.
func (m *Memory[K, V]) probe(key K) bool {
	if !m.filter.Has(hashKey(key)) {
		return false
	}
	_, ok := m.items[key]
	return ok
}

// Probe implements Storage.Probe.
func (m *Memory[K, V]) Probe(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.probe(key)
}

// Get implements Storage.Get.
func (m *Memory[K, V]) Get(key K) (V, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.probe(key) {
		var zero V
		return zero, kerrors.ErrNotFound
	}
	return m.items[key], nil
}

// insert fails with ErrOccupied when key is already present. mu must be held.
func (m *Memory[K, V]) insert(key K, value V) error {
	if _, ok := m.items[key]; ok {
		return kerrors.ErrOccupied
	}
	m.items[key] = value
	return nil
}

// Set implements Storage.Set.
//
// Whether key exists is decided in a read section before the write section
// runs. A novel key that another writer inserted in between is rejected with
// ErrOccupied instead of being silently overwritten; callers that retry
// converge on the update path.
func (m *Memory[K, V]) Set(key K, value V) (V, bool, error) {
	existed := m.Probe(key)
	h := hashKey(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	if !existed {
		m.filter.Add(h)
		if err := m.insert(key, value); err != nil {
			return zero, false, err
		}
		return zero, false, nil
	}

	prev, present := m.items[key]
	delete(m.items, key)
	m.filter.Add(h)
	if err := m.insert(key, value); err != nil {
		return zero, false, err
	}
	if !present {
		// removed between the read and write sections: last write wins
		return zero, false, nil
	}
	return prev, true, nil
}

// Remove implements Storage.Remove. The filter keeps the key's bits.
func (m *Memory[K, V]) Remove(key K) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.probe(key) {
		var zero V
		return zero, kerrors.ErrNotFound
	}
	v := m.items[key]
	delete(m.items, key)
	return v, nil
}

// Swap implements Storage.Swap.
func (m *Memory[K, V]) Swap(key K, value *V) error {
	prev, replaced, err := m.Set(key, *value)
	if err != nil {
		return err
	}
	if replaced {
		*value = prev
	}
	return nil
}

// List implements Storage.List.
func (m *Memory[K, V]) List() []Entry[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry[K, V], 0, len(m.items))
	for k, v := range m.items {
		out = append(out, Entry[K, V]{Key: k, Value: v})
	}
	return out
}

// Len implements Storage.Len.
func (m *Memory[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
