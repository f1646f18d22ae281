package recovery

import (
	"errors"
	"fmt"
)

// RemoteError wraps a failure reported by the target node, as opposed to a
// local delivery failure. Only remote failures are candidates for retry.
type RemoteError struct {
	NodeID string
	Action string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote failure on %s for %s: %v", e.NodeID, e.Action, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// CircuitBreakerError signals resource exhaustion on the target. The target
// is expected to recover once pressure subsides, so callers retry.
type CircuitBreakerError struct {
	Breaker     string
	BytesWanted int64
	ByteLimit   int64
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker [%s] tripped: wanted %d, limit %d", e.Breaker, e.BytesWanted, e.ByteLimit)
}

// RejectedError signals the target's executor refused the task under load.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("task rejected: %s", e.Reason)
}

// SecurityError signals an authentication or authorization failure. It is
// never retryable.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security failure: %s", e.Reason)
}

// retryableError reports whether err may be retried: it must be wrapped as
// a remote failure and its cause must be a circuit breaker or a rejected
// task. Everything else, security failures in particular, propagates.
func retryableError(err error) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return false
	}

	var security *SecurityError
	if errors.As(remote.Err, &security) {
		return false
	}

	var breaker *CircuitBreakerError
	var rejected *RejectedError
	if errors.As(remote.Err, &breaker) || errors.As(remote.Err, &rejected) {
		// Invariant: a cause chain containing a security failure must never
		// have been classified retryable above.
		return true
	}
	return false
}
