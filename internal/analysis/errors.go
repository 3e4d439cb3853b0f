package analysis

import (
	"errors"
	"fmt"

	"github.com/cochaviz/petri/internal/sandbox"
)

var (
	// ErrCapacityExceeded is returned by a rejecting bulkhead when the host has
	// no room for another session.
	ErrCapacityExceeded = errors.New("host capacity exceeded")
	ErrSessionNotFound  = errors.New("session not found")
	ErrServiceClosed    = errors.New("analysis service closed")
)

// InvalidTransitionError reports a lifecycle transition the state machine does
// not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// CleanupError reports a sandbox handle whose teardown failed. It is logged and
// handed to the reaper, never returned to the caller of a run.
type CleanupError struct {
	SessionID string
	Handle    sandbox.Handle
	Err       error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("release sandbox %s of session %s: %v", e.Handle.Name, e.SessionID, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
