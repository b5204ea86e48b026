package relay

import (
	"context"
	"errors"
	"fmt"
)

// Message is one publish request handed to a Broker.
type Message struct {
	Topic            string
	Key              string
	Payload          []byte
	IdempotencyToken string
}

func messageFor(ev *Event) Message {
	return Message{
		Topic:            ev.EventType,
		Key:              ev.AggregateID,
		Payload:          ev.Payload,
		IdempotencyToken: ev.ID,
	}
}

// Broker publishes a single message. A nil error means the broker accepted
// it. Errors wrapped with Fatal are never retried; any other error is treated
// as transient. Implementations must be safe for concurrent use.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
}

type BrokerFunc func(ctx context.Context, msg Message) error

func (fn BrokerFunc) Publish(ctx context.Context, msg Message) error {
	return fn(ctx, msg)
}

type Outcome int

const (
	Delivered Outcome = iota
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() []error {
	return []error{ErrFatalDelivery, e.err}
}

// Fatal marks err as a permanent rejection: the broker will never accept the
// message no matter how often it is retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Classify maps a Publish result to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, ErrFatalDelivery):
		return FatalFailure
	default:
		return RetryableFailure
	}
}

// RetryClassifier lets callers flag adapter errors that must not be retried
// even though the adapter did not wrap them with Fatal.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}
	return fn(err)
}
