package worker

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the lifecycle manager and its ports.
var (
	// ErrWorkerNotFound is returned when no record exists for a session.
	ErrWorkerNotFound = errors.New("session worker not found")

	// ErrWorkerDeleted is returned for any operation on a deleted worker.
	// Deleted is terminal; there is no recovery.
	ErrWorkerDeleted = errors.New("session worker is deleted")

	// ErrSessionBusy is returned by fast-fail entry points when another
	// transition holds the session's critical section.
	ErrSessionBusy = errors.New("session has a transition in flight")

	// ErrContainerNotFound is returned by the container driver for
	// operations on an unknown container id.
	ErrContainerNotFound = errors.New("container not found")
)

// TransientError marks a container driver failure as retryable.
// The lifecycle manager retries these with backoff before giving up.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable driver failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RestoreError is returned when workspace restoration fails. The partial
// container is discarded and the worker is left in the stopped state.
type RestoreError struct {
	Reason string
	Err    error
}

func (e *RestoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("workspace restore failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("workspace restore failed: %s", e.Reason)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

// WorkspaceInvalidError is returned when post-restore validation finds
// required paths missing. Treated identically to a restore failure.
type WorkspaceInvalidError struct {
	MissingPaths []string
}

func (e *WorkspaceInvalidError) Error() string {
	return fmt.Sprintf("workspace invalid: missing required paths: %s", strings.Join(e.MissingPaths, ", "))
}
