package storage

// Storage is a concurrent registry of values by key.
//
// Implementations must be safe for concurrent use. Errors are the sentinel
// values from the kustodio errors package and are compared with errors.Is.
type Storage[K comparable, V any] interface {
	// Probe reports whether key is present.
	Probe(key K) bool
	// Get returns the value stored under key or ErrNotFound.
	Get(key K) (V, error)
	// Set stores value under key. When a previous value existed it is
	// returned together with replaced=true. A first insertion that loses a
	// race against a concurrent insertion of the same key fails with
	// ErrOccupied.
	Set(key K, value V) (previous V, replaced bool, err error)
	// Remove deletes key and returns the removed value or ErrNotFound.
	Remove(key K) (V, error)
	// Swap stores *value under key and, when a previous value existed,
	// writes it back into *value.
	Swap(key K, value *V) error
	// List returns a snapshot of all entries in no particular order.
	List() []Entry[K, V]
	// Len returns the number of stored entries.
	Len() int
}

// Entry is a key/value pair returned by List.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}
