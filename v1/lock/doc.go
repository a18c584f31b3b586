// Package lock implements the per-name lock state machine replicated by
// kustodio. A Lock is a small value: it is copied out of storage, transitioned
// and written back, so two Locks compare equal when their states match.
package lock
