package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
)

// InvalidTransitionError reports a stage change the lifecycle does not allow.
// Stores return it without modifying the record.
type InvalidTransitionError struct {
	ID   string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.ID, e.From, e.To)
}

// TransientError wraps a failure worth retrying: connection resets, temporary
// upstream errors, 5xx responses. Anything not wrapped in it is fatal for the
// current run.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient reports whether err is retryable.
func Transient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RemoteRejectedError means the remote understood the request and refused it.
// The refusal is authoritative; retrying the same request will not help.
type RemoteRejectedError struct {
	Op     string
	ID     string
	Reason string
}

func (e *RemoteRejectedError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: rejected by remote: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s rejected by remote: %s", e.Op, e.ID, e.Reason)
}

// GatewayTimeoutError means a gateway call exceeded its deadline. The
// operation may or may not have taken effect remotely, so callers must not
// assume either outcome.
type GatewayTimeoutError struct {
	Gateway string
	Op      string
}

func (e *GatewayTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out", e.Gateway, e.Op)
}
