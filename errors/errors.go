// Package errors provides standardized error handling for the card streaming
// engine. It includes error classification, a streaming error taxonomy,
// standard error variables, and helper functions for consistent error wrapping
// across the transport, parser, session, and orchestrator layers.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind identifies the streaming error taxonomy so that callers can
// distinguish, for example, "gave up after retrying" from "never connected".
type Kind string

const (
	// KindConnectionFailed indicates the initial connection attempt failed
	KindConnectionFailed Kind = "connection_failed"
	// KindConnectionTimeout indicates a connection or read deadline expired
	KindConnectionTimeout Kind = "connection_timeout"
	// KindConnectionLost indicates an established connection dropped
	KindConnectionLost Kind = "connection_lost"
	// KindProtocolUnsupported indicates the protocol is unavailable on this platform
	KindProtocolUnsupported Kind = "protocol_unsupported"
	// KindParse indicates a structural parse failure on received data
	KindParse Kind = "parse"
	// KindAborted indicates the session was cancelled by user or system
	KindAborted Kind = "aborted"
	// KindInvalidState indicates a caller sequencing bug
	KindInvalidState Kind = "invalid_state"
	// KindMaxRetries indicates the reconnect attempt budget was exhausted
	KindMaxRetries Kind = "max_retries_exceeded"
	// KindBufferOverflow indicates the chunk buffer overflowed
	KindBufferOverflow Kind = "buffer_overflow"
	// KindSendUnsupported indicates a send on a receive-only transport
	KindSendUnsupported Kind = "send_unsupported"
	// KindUnknown is the zero taxonomy value for unclassified errors
	KindUnknown Kind = "unknown"
)

// Recoverable reports whether errors of this kind may be retried or recovered
// from without abandoning the session.
func (k Kind) Recoverable() bool {
	switch k {
	case KindConnectionFailed, KindConnectionTimeout, KindConnectionLost,
		KindProtocolUnsupported, KindParse:
		return true
	default:
		return false
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrDestroyed      = errors.New("transport destroyed")

	// Connection and networking errors
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrNotConnected      = errors.New("not connected")

	// Protocol capability errors
	ErrSendUnsupported     = errors.New("send not supported by this transport")
	ErrProtocolUnsupported = errors.New("protocol not supported on this platform")

	// Data processing errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	// Session errors
	ErrAborted      = errors.New("session aborted")
	ErrInvalidState = errors.New("invalid session state")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Retry and buffering errors
	ErrMaxRetriesExceeded = errors.New("maximum reconnect attempts exceeded")
	ErrBufferOverflow     = errors.New("buffer overflow")
)

// ClassifiedError wraps an error with its classification and taxonomy kind
type ClassifiedError struct {
	Class     ErrorClass
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// KindOf returns the taxonomy kind of an error, deriving one from known
// sentinel errors when the error was not explicitly classified.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}

	switch {
	case errors.Is(err, ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindConnectionTimeout
	case errors.Is(err, ErrConnectionFailed):
		return KindConnectionFailed
	case errors.Is(err, ErrConnectionLost):
		return KindConnectionLost
	case errors.Is(err, ErrSendUnsupported):
		return KindSendUnsupported
	case errors.Is(err, ErrProtocolUnsupported):
		return KindProtocolUnsupported
	case errors.Is(err, ErrParsingFailed), errors.Is(err, ErrInvalidData):
		return KindParse
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAborted
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrMaxRetriesExceeded):
		return KindMaxRetries
	case errors.Is(err, ErrBufferOverflow):
		return KindBufferOverflow
	default:
		return KindUnknown
	}
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check error message for common transient patterns
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection reset",
		"connection refused",
		"network",
		"temporary",
		"unavailable",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrMaxRetriesExceeded) ||
		errors.Is(err, ErrBufferOverflow) ||
		errors.Is(err, ErrAborted) ||
		errors.Is(err, ErrDestroyed)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrSendUnsupported)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, kind Kind, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Kind:      kind,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, KindOf(err), wrappedErr, component, method, wrappedErr.Error())
}

// WithKind wraps an error with an explicit taxonomy kind, deriving the class
// from the kind's recoverability.
func WithKind(err error, kind Kind, component, method, action string) error {
	if err == nil {
		return nil
	}
	class := ErrorFatal
	if kind.Recoverable() {
		class = ErrorTransient
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, kind, wrappedErr, component, method, wrappedErr.Error())
}
