package lock

import (
	"errors"
	"testing"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
)

func TestNewLockIsUnlocked(t *testing.T) {
	l := New()
	if l.Locked() {
		t.Fatal("new lock should be unlocked")
	}
	if l.State() != Unlocked {
		t.Fatalf("expected Unlocked got %v", l.State())
	}
	var zero Lock
	if zero != l {
		t.Fatal("zero value should equal a new lock")
	}
}

func TestLockUnlockTransitions(t *testing.T) {
	l := New()
	if err := l.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !l.Locked() {
		t.Fatal("expected locked")
	}
	if err := l.Lock(); !errors.Is(err, kerrors.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked got %v", err)
	}
	if !l.Locked() {
		t.Fatal("failed lock must not change state")
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := l.Unlock(); !errors.Is(err, kerrors.ErrAlreadyUnlocked) {
		t.Fatalf("expected ErrAlreadyUnlocked got %v", err)
	}
	if l.Locked() {
		t.Fatal("failed unlock must not change state")
	}
}

func TestLockCopiesAreIndependent(t *testing.T) {
	orig := New()
	working := orig
	if err := working.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if orig.Locked() {
		t.Fatal("locking a copy must not affect the original")
	}
	if orig == working {
		t.Fatal("locks with different states must not compare equal")
	}
}

func TestStateString(t *testing.T) {
	if Locked.String() != "Locked" || Unlocked.String() != "Unlocked" {
		t.Fatalf("unexpected names %q %q", Locked, Unlocked)
	}
	if State(7).String() != "Unknown" {
		t.Fatalf("unexpected name for invalid state")
	}
}
