// Package errors defines the error taxonomy of the bus: sentinel values for
// programming mistakes and typed errors for broker, delivery, and parse
// failures so callers can branch with errors.As.
package errors

import (
	"fmt"
	"time"

	sterrors "errors"
)

var (
	ErrEventRequired         = sterrors.New("agentbus: event is required")
	ErrCorrelationIDRequired = sterrors.New("agentbus: correlation id is required")
	ErrSourceAgentRequired   = sterrors.New("agentbus: source agent is required")
	ErrTimestampRequired     = sterrors.New("agentbus: event timestamp is required")
	ErrEventExpired          = sterrors.New("agentbus: event is already expired")
	ErrTopicRequired         = sterrors.New("agentbus: topic is required")
	ErrPublisherRequired     = sterrors.New("agentbus: publisher is required")
	ErrHandlerRequired       = sterrors.New("agentbus: handler is required")
	ErrProducerClosed        = sterrors.New("agentbus: producer is closed")
	ErrProducerNotConnected  = sterrors.New("agentbus: producer is not connected")
	ErrConsumerNotConnected  = sterrors.New("agentbus: consumer is not connected")
	ErrConsumerRunning       = sterrors.New("agentbus: consumer is already running")
	ErrDLQMessageNotFound    = sterrors.New("agentbus: dlq message not found")
	ErrFlushTimeout          = sterrors.New("agentbus: flush timed out")
)

// ConnectionError reports that the broker could not be reached or refused the
// session after transport-level retries were exhausted. It is fatal to the
// component that raised it.
type ConnectionError struct {
	Brokers []string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("agentbus: broker connection failed (brokers %v): %v", e.Brokers, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeliveryError reports a publish that failed after the transport's own
// retries. The event has been escalated to its DLQ topic; callers must not
// assume silent success.
type DeliveryError struct {
	Topic    string
	EventID  string
	FailedAt time.Time
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("agentbus: delivery to %s failed for event %s: %v", e.Topic, e.EventID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ParseError reports a payload that could not be deserialised into an event
// envelope. The consumer treats such messages as consumed.
type ParseError struct {
	Topic string
	UUID  string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("agentbus: unparsable payload on %s (message %s): %v", e.Topic, e.UUID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
