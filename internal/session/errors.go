package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidIndex    = errors.New("message index out of range")
	ErrNotRunning      = errors.New("no active run")
	ErrNotPaused       = errors.New("session is not paused")
	ErrEmptyMessage    = errors.New("message is empty")

	// ErrPauseBlocked is returned when a pause is requested while tool calls
	// are still waiting for results. The session is left untouched.
	ErrPauseBlocked = errors.New("pause blocked: tool calls pending")
)

// RunErrorKind classifies a run failure.
type RunErrorKind string

const (
	// KindInit covers failures creating the remote assistant or thread.
	KindInit RunErrorKind = "init"
	// KindStream covers failures starting or reading a run stream.
	KindStream RunErrorKind = "stream"
)

// RunError is a run failure recorded on a session.
type RunError struct {
	Kind      RunErrorKind
	SessionID string
	Err       error
}

func (e *RunError) Error() string {
	switch e.Kind {
	case KindInit:
		return fmt.Sprintf("session %s: initialization failed: %v", e.SessionID, e.Err)
	default:
		return fmt.Sprintf("session %s: run failed: %v", e.SessionID, e.Err)
	}
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsInitError reports whether err is a run initialization failure.
func IsInitError(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Kind == KindInit
}

// RemoteCleanupError describes a failed best-effort deletion of a remote resource.
// It is logged, never returned.
type RemoteCleanupError struct {
	Resource string
	ID       string
	Err      error
}

func (e *RemoteCleanupError) Error() string {
	return fmt.Sprintf("cleanup %s %s: %v", e.Resource, e.ID, e.Err)
}

func (e *RemoteCleanupError) Unwrap() error {
	return e.Err
}
