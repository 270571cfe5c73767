package call

import (
	"errors"
	"fmt"
)

// Lifecycle errors.
var (
	// ErrInvalidTransition is returned when an operation's status precondition fails.
	ErrInvalidTransition = errors.New("invalid call state transition")

	// ErrNotConnected is returned by Leave when no call is connected.
	ErrNotConnected = errors.New("call is not connected")

	// ErrUnknownParticipant is returned for a participant id not in the call.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session closed")
)

// ConnectionError reports a failed provider join or publish.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ResourceError reports an unavailable capture device.
type ResourceError struct {
	Kind string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s capture unavailable: %v", e.Kind, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// CleanupError collects the failed steps of a leave sequence. Local state
// has already been reset when it is returned.
type CleanupError struct {
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("call cleanup: %v", e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

func cleanupStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}
