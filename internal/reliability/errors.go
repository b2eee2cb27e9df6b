// Package reliability implements the failure-handling policy of the
// pipeline: retry decisions, per-message error tracking and dead-letter
// reconciliation.
package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ProcessingError classifies a message processing failure. Transient
// failures (downstream timeouts and the like) are retryable; structural ones
// are not.
type ProcessingError struct {
	MessageID string
	Err       error
	Transient bool
	Timestamp time.Time
}

// NewTransientError wraps a retryable processing failure.
func NewTransientError(messageID string, err error) *ProcessingError {
	return &ProcessingError{MessageID: messageID, Err: err, Transient: true, Timestamp: time.Now()}
}

// NewPermanentError wraps a non-retryable processing failure.
func NewPermanentError(messageID string, err error) *ProcessingError {
	return &ProcessingError{MessageID: messageID, Err: err, Timestamp: time.Now()}
}

func (e *ProcessingError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("processing error (%s) for message %s: %v", kind, e.MessageID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure may be retried.
func (e *ProcessingError) IsRetryable() bool { return e.Transient }

// IsRetryableError classifies an arbitrary error. Errors exposing an
// IsRetryable method decide for themselves; unknown errors default to
// retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable interface{ IsRetryable() bool }
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return true
}
