package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/lock"
)

// LockState is the wire form of a single lock.
type LockState struct {
	Name   string `json:"name"`
	Locked bool   `json:"locked"`
	State  string `json:"state"`
}

func newLockState(name string, locked bool) LockState {
	st := lock.Unlocked
	if locked {
		st = lock.Locked
	}
	return LockState{Name: name, Locked: locked, State: st.String()}
}

// LockList is the response of the list verb.
type LockList struct {
	Locks []LockState `json:"locks"`
}

// PeerInfo is the wire form of a cluster member.
type PeerInfo struct {
	Address    string    `json:"address"`
	LastSeen   time.Time `json:"last_seen"`
	AgeSeconds float64   `json:"age_seconds"`
}

// PeerList is the response of the peers verb.
type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// Status is the body of successful mutations and of /healthz.
type Status struct {
	Status string `json:"status"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound        = "not_found"
	CodeAlreadyLocked   = "already_locked"
	CodeAlreadyUnlocked = "already_unlocked"
	CodeOccupied        = "occupied"
	CodeSubmitFailed    = "submit_failed"
	CodeBadRequest      = "bad_request"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errWatchDisabled = errors.New("gateway: watching is disabled")

// classify maps err to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, kerrors.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, kerrors.ErrAlreadyLocked):
		return http.StatusConflict, CodeAlreadyLocked
	case errors.Is(err, kerrors.ErrAlreadyUnlocked):
		return http.StatusConflict, CodeAlreadyUnlocked
	case errors.Is(err, kerrors.ErrOccupied):
		return http.StatusConflict, CodeOccupied
	case errors.Is(err, kerrors.ErrSubmit):
		return http.StatusBadGateway, CodeSubmitFailed
	case errors.Is(err, kerrors.ErrMalformed):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, errWatchDisabled), errors.Is(err, kerrors.ErrClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// ErrorFromCode returns the sentinel error matching a response code, or nil
// when the code has none.
func ErrorFromCode(code string) error {
	switch code {
	case CodeNotFound:
		return kerrors.ErrNotFound
	case CodeAlreadyLocked:
		return kerrors.ErrAlreadyLocked
	case CodeAlreadyUnlocked:
		return kerrors.ErrAlreadyUnlocked
	case CodeOccupied:
		return kerrors.ErrOccupied
	case CodeSubmitFailed:
		return kerrors.ErrSubmit
	case CodeBadRequest:
		return kerrors.ErrMalformed
	case CodeUnavailable:
		return kerrors.ErrClosed
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}
