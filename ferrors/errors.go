// Package ferrors provides the categorized error type shared by every fleet
// component, so callers can branch on what went wrong without depending on
// concrete error values from router, registry, or broker internals.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a fleet error by how the caller should react to it.
type Kind string

const (
	// NotFound means no such worker, no broker in the cluster, or the
	// owning broker could not be determined after retries.
	NotFound Kind = "NotFound"
	// Unreachable means the target broker was invalidated or a connection
	// failed; a health/salvage cycle is typically already in motion.
	Unreachable Kind = "Unreachable"
	// Retry is a transient condition surfaced only inside the backoff
	// driver; it should never reach an external caller.
	Retry Kind = "Retry"
	// Timeout means an ask exceeded its deadline or retries exhausted
	// within the configured duration.
	Timeout Kind = "Timeout"
	// InvalidState means the operation is not permitted in the current
	// broker or worker state.
	InvalidState Kind = "InvalidState"
	// RegistryFault means a malformed script response or a lost registry
	// connection; it surfaces as an internal error to the caller.
	RegistryFault Kind = "RegistryFault"
	// Protocol means frame or payload decode failure on a peer socket.
	Protocol Kind = "Protocol"
	// ApplicationError was raised by user code in onAsk.
	ApplicationError Kind = "ApplicationError"
)

// Error is the structured error type returned by fleet components.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fleet %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("fleet %s: %s", e.Kind, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Kind, or matches the
// wrapped cause.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if fe, ok := target.(*Error); ok {
		return e.Kind == fe.Kind
	}

	return errors.Is(e.Cause, target)
}

// WithContext attaches a key/value pair of diagnostic context and returns
// the same error for chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New constructs a categorized error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewNotFound builds a NotFound error for the given worker or broker id.
func NewNotFound(id string, cause error) *Error {
	return New(NotFound, fmt.Sprintf("%q not found", id), cause).WithContext("id", id)
}

// NewUnreachable builds an Unreachable error for a broker address.
func NewUnreachable(brokerID, addr string, cause error) *Error {
	return New(Unreachable, fmt.Sprintf("broker %q at %q is unreachable", brokerID, addr), cause).
		WithContext("brokerId", brokerID).WithContext("addr", addr)
}

// NewTimeout builds a Timeout error.
func NewTimeout(message string, cause error) *Error {
	return New(Timeout, message, cause)
}

// NewInvalidState builds an InvalidState error describing the attempted
// operation and the state it was rejected in.
func NewInvalidState(op, state string) *Error {
	return New(InvalidState, fmt.Sprintf("cannot %s while %s", op, state), nil).
		WithContext("op", op).WithContext("state", state)
}

// NewRegistryFault builds a RegistryFault error.
func NewRegistryFault(message string, cause error) *Error {
	return New(RegistryFault, message, cause)
}

// NewProtocol builds a Protocol error for a framing or decode failure.
func NewProtocol(message string, cause error) *Error {
	return New(Protocol, message, cause)
}

// NewApplicationError wraps an error raised by user onAsk code, preserving
// its name and message for the requesting Agent.
func NewApplicationError(name, message string) *Error {
	return New(ApplicationError, message, nil).WithContext("name", name)
}

// IsRetryable reports whether the operation that produced err is safe to
// retry: Retry marks a transient condition, and Unreachable, Timeout, and
// RegistryFault are all conditions where a health/salvage cycle or a
// registry reconnect may resolve the problem.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case Unreachable, Timeout, RegistryFault, Retry:
			return true
		default:
			return false
		}
	}

	return false
}

// IsPermanent reports whether err represents a condition retrying cannot
// fix: the caller asked for an operation the current state disallows, the
// target genuinely does not exist, the wire protocol broke, or application
// code itself rejected the request.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case InvalidState, NotFound, Protocol, ApplicationError:
			return true
		default:
			return false
		}
	}

	return false
}
