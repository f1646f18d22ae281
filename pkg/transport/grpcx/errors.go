package grpcx

import (
	"errors"

	"github.com/shoal-db/shoal/pkg/recovery"
)

// encodeError maps a service failure onto the wire representation,
// preserving the cause kinds the retry classifier cares about.
func encodeError(err error) *wireError {
	var remote *recovery.RemoteError
	cause := err
	if errors.As(err, &remote) {
		cause = remote.Err
	}

	var breaker *recovery.CircuitBreakerError
	if errors.As(cause, &breaker) {
		return &wireError{
			Kind:        errKindCircuitBreaker,
			Message:     breaker.Error(),
			Breaker:     breaker.Breaker,
			BytesWanted: breaker.BytesWanted,
			ByteLimit:   breaker.ByteLimit,
		}
	}
	var rejected *recovery.RejectedError
	if errors.As(cause, &rejected) {
		return &wireError{Kind: errKindRejected, Message: rejected.Reason}
	}
	var security *recovery.SecurityError
	if errors.As(cause, &security) {
		return &wireError{Kind: errKindSecurity, Message: security.Reason}
	}
	return &wireError{Kind: errKindInternal, Message: err.Error()}
}

// decodeError rebuilds the typed remote failure on the calling side.
func decodeError(nodeID, action string, we *wireError) error {
	var cause error
	switch we.Kind {
	case errKindCircuitBreaker:
		cause = &recovery.CircuitBreakerError{
			Breaker:     we.Breaker,
			BytesWanted: we.BytesWanted,
			ByteLimit:   we.ByteLimit,
		}
	case errKindRejected:
		cause = &recovery.RejectedError{Reason: we.Message}
	case errKindSecurity:
		cause = &recovery.SecurityError{Reason: we.Message}
	default:
		cause = errors.New(we.Message)
	}
	return &recovery.RemoteError{NodeID: nodeID, Action: action, Err: cause}
}
