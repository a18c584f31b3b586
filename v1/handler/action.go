package handler

import (
	"fmt"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
)

// Action is a replicated lock intent. The numeric values are part of the
// wire format.
type Action int32

const (
	Created Action = iota
	Removed
	Locked
	Unlocked
)

var actionNames = [...]string{"Created", "Removed", "Locked", "Unlocked"}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return a >= Created && a <= Unlocked
}

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Action(%d)", int32(a))
	}
	return actionNames[a]
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, kerrors.ErrUnknownAction
	}
	return []byte(actionNames[a]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAction returns the action named s.
func ParseAction(s string) (Action, error) {
	for i, name := range actionNames {
		if name == s {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", kerrors.ErrUnknownAction, s)
}

// Event is emitted once for every mutation that changed the registry.
type Event struct {
	Action Action `json:"action"`
	Name   string `json:"name"`
}
