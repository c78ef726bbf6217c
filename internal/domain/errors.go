package domain

import (
	"errors"
	"fmt"
)

// ErrRemoteRejected marks a non-retryable rejection by the remote executor
// (a 4xx-equivalent answer). It becomes a terminal failed outcome for the
// item that triggered it, never a run-level failure.
var ErrRemoteRejected = errors.New("remote executor rejected request")

// TransportError wraps a network-level failure talking to the remote
// executor. Transport errors are retryable under the caller's backoff
// policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
