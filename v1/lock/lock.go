package lock

import (
	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
)

// State is the state of a Lock.
type State int

const (
	// Unlocked is the initial state of every Lock.
	Unlocked State = iota
	// Locked marks a held lock.
	Locked
)

// String returns the human readable state name.
func (s State) String() string {
	switch s {
	case Locked:
		return "Locked"
	case Unlocked:
		return "Unlocked"
	default:
		return "Unknown"
	}
}

// Lock is a named lock's state. The zero value is an unlocked Lock.
type Lock struct {
	state State
}

// New returns an unlocked Lock.
func New() Lock {
	return Lock{state: Unlocked}
}

// State returns the current state.
func (l Lock) State() State {
	return l.state
}

// Locked reports whether the lock is held.
func (l Lock) Locked() bool {
	return l.state == Locked
}

// Lock transitions to Locked. It fails with ErrAlreadyLocked, leaving the
// state untouched, when the lock is already held.
func (l *Lock) Lock() error {
	if l.Locked() {
		return kerrors.ErrAlreadyLocked
	}
	l.state = Locked
	return nil
}

// Unlock transitions to Unlocked. It fails with ErrAlreadyUnlocked when the
// lock is not held.
func (l *Lock) Unlock() error {
	if !l.Locked() {
		return kerrors.ErrAlreadyUnlocked
	}
	l.state = Unlocked
	return nil
}
