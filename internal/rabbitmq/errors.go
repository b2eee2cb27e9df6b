package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Registry errors
	ErrConnectionUnavailable = errors.New("rabbitmq: connection registry is shut down")
	ErrConnectionClosed      = errors.New("rabbitmq: connection is closed")

	// Publisher errors
	ErrPublishTimeout     = errors.New("rabbitmq: publish confirmation timed out")
	ErrPublishInterrupted = errors.New("rabbitmq: publish interrupted")
	ErrInvalidPriority    = errors.New("rabbitmq: priority must be between 1 and 10")
	ErrPublisherClosed    = errors.New("rabbitmq: publisher is closed")
)

// PublishErrorCategory classifies a publish failure.
type PublishErrorCategory string

const (
	CategoryConnection PublishErrorCategory = "CONNECTION_ERROR"
	CategoryTimeout    PublishErrorCategory = "TIMEOUT_ERROR"
	CategoryValidation PublishErrorCategory = "VALIDATION_ERROR"
	CategoryRouting    PublishErrorCategory = "ROUTING_ERROR"
	CategoryInternal   PublishErrorCategory = "INTERNAL_ERROR"
)

// PublishError represents a failed publish attempt. Only validation failures
// are non-retryable.
type PublishError struct {
	Category      PublishErrorCategory
	CorrelationID string
	Exchange      string
	RoutingKey    string
	Err           error
	Timestamp     time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error [%s]: %s/%s correlation=%s: %v",
		e.Category, e.Exchange, e.RoutingKey, e.CorrelationID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure may be retried. Validation errors
// indicate structurally invalid input and never resolve on retry.
func (e *PublishError) IsRetryable() bool {
	return e.Category != CategoryValidation
}

// ConnectionError represents a connection-level failure in the registry.
type ConnectionError struct {
	Op           string
	ConnectionID string
	Err          error
	Timestamp    time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s failed for %q: %v", e.Op, e.ConnectionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TopologyError represents an exchange, queue or binding declaration failure.
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }
