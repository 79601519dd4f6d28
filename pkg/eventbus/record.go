package eventbus

import (
	"context"
	"errors"

	"github.com/veggieshop/platform/pkg/header"
)

// Record is one message bound for (or read from) the bus.
type Record struct {
	Topic   string
	Key     string
	Value   []byte
	Headers header.Headers
}

// Bus is the transport SPI. The concrete broker client lives outside the
// core; partition ordering by Key is the transport's contract.
type Bus interface {
	Send(ctx context.Context, rec Record) error
}

// RetriableError marks transport failures that are worth retrying.
type RetriableError struct {
	Err error
}

func (e *RetriableError) Error() string { return "retriable: " + e.Err.Error() }
func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err as transient.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return &RetriableError{Err: err}
}

// IsRetriable walks the cause chain for a transient marker. Context
// cancellation is never retriable: the caller gave up.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RetriableError
	return errors.As(err, &re)
}

// Non-retryable consumer failure classes; each routes straight to the DLQ.

// DeserializationError marks payloads that cannot be decoded.
type DeserializationError struct{ Err error }

func (e *DeserializationError) Error() string { return "deserialization: " + e.Err.Error() }
func (e *DeserializationError) Unwrap() error { return e.Err }

// AuthorizationError marks records the consumer is not allowed to process.
type AuthorizationError struct{ Err error }

func (e *AuthorizationError) Error() string { return "authorization: " + e.Err.Error() }
func (e *AuthorizationError) Unwrap() error { return e.Err }

// UnsupportedVersionError marks event versions the consumer cannot handle.
type UnsupportedVersionError struct{ Err error }

func (e *UnsupportedVersionError) Error() string { return "unsupported version: " + e.Err.Error() }
func (e *UnsupportedVersionError) Unwrap() error { return e.Err }

// InvalidTopicError marks records delivered on an unexpected topic.
type InvalidTopicError struct{ Err error }

func (e *InvalidTopicError) Error() string { return "invalid topic: " + e.Err.Error() }
func (e *InvalidTopicError) Unwrap() error { return e.Err }

// SchemaError marks contract violations in the payload.
type SchemaError struct{ Err error }

func (e *SchemaError) Error() string { return "schema: " + e.Err.Error() }
func (e *SchemaError) Unwrap() error { return e.Err }

// errorClass names the failure class for DLQ diagnostics.
func errorClass(err error) string {
	var (
		de *DeserializationError
		ae *AuthorizationError
		ve *UnsupportedVersionError
		te *InvalidTopicError
		se *SchemaError
		re *RetriableError
	)
	switch {
	case errors.As(err, &de):
		return "deserialization"
	case errors.As(err, &ae):
		return "authorization"
	case errors.As(err, &ve):
		return "unsupported-version"
	case errors.As(err, &te):
		return "invalid-topic"
	case errors.As(err, &se):
		return "schema"
	case errors.As(err, &re):
		return "retriable"
	default:
		return "unclassified"
	}
}

// isNonRetryable reports whether the failure must skip the retry schedule.
func isNonRetryable(err error) bool {
	switch errorClass(err) {
	case "deserialization", "authorization", "unsupported-version", "invalid-topic", "schema":
		return true
	default:
		return false
	}
}
