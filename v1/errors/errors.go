package errors

import "errors"

var (
	// ErrNotFound is returned when a lock name is absent from storage.
	ErrNotFound = errors.New("kustodio: lock not found")
	// ErrAlreadyLocked is returned when locking a lock that is already held.
	ErrAlreadyLocked = errors.New("kustodio: already locked")
	// ErrAlreadyUnlocked is returned when unlocking a lock that is not held.
	ErrAlreadyUnlocked = errors.New("kustodio: already unlocked")
	// ErrOccupied is returned when a first insertion loses a race against a
	// concurrent insertion of the same key.
	ErrOccupied = errors.New("kustodio: storage occupied")
	// ErrUnknownAction is returned when a dissemination message carries an
	// action this node does not recognise.
	ErrUnknownAction = errors.New("kustodio: unknown action")
	// ErrMalformed is returned when a payload or request cannot be decoded.
	ErrMalformed = errors.New("kustodio: malformed message")
	// ErrSubmit wraps failures of the membership service to accept a payload.
	ErrSubmit = errors.New("kustodio: submission failed")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("kustodio: closed")
)
