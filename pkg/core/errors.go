package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of a connection error.
type ErrorType int

// Error type constants categorize errors for propagation and retry decisions.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeMissingCredential indicates no bearer token was available for an attempt.
	ErrorTypeMissingCredential
	// ErrorTypeConnectionFailed indicates the transport handshake failed.
	ErrorTypeConnectionFailed
	// ErrorTypeConnectionTimeout indicates a wait on an in-flight attempt expired.
	ErrorTypeConnectionTimeout
	// ErrorTypeNotConnected indicates an operation needed a live connection and none could be made.
	ErrorTypeNotConnected
	// ErrorTypeInvalidConfig indicates the configuration failed validation.
	ErrorTypeInvalidConfig
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeMissingCredential:
		return "MISSING_CREDENTIAL"
	case ErrorTypeConnectionFailed:
		return "CONNECTION_FAILED"
	case ErrorTypeConnectionTimeout:
		return "CONNECTION_TIMEOUT"
	case ErrorTypeNotConnected:
		return "NOT_CONNECTED"
	case ErrorTypeInvalidConfig:
		return "INVALID_CONFIG"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors matched by errors.Is against any ConnectionError of the same type.
var (
	// ErrMissingCredential is returned when the credential source has no token.
	ErrMissingCredential = errors.New("missing credential")
	// ErrConnectionFailed is returned when the transport handshake fails.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrConnectionTimeout is returned to a caller whose wait on an in-flight attempt expired.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrNotConnected is returned when an invocation cannot get a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrTransportClosed is returned by a transport that has already been stopped or dropped.
	ErrTransportClosed = errors.New("transport closed")
)

func (t ErrorType) sentinel() error {
	switch t {
	case ErrorTypeMissingCredential:
		return ErrMissingCredential
	case ErrorTypeConnectionFailed:
		return ErrConnectionFailed
	case ErrorTypeConnectionTimeout:
		return ErrConnectionTimeout
	case ErrorTypeNotConnected:
		return ErrNotConnected
	case ErrorTypeInvalidConfig:
		return ErrInvalidConfig
	}
	return nil
}

// ConnectionError is the structured error surfaced by the connection manager.
type ConnectionError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// Op is the operation that failed, such as "connect" or "invoke".
	Op string `json:"op"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
}

// NewConnectionError creates a ConnectionError. The timestamp is set to the current time.
func NewConnectionError(errorType ErrorType, op, message string, cause error) *ConnectionError {
	return &ConnectionError{
		Type:      errorType,
		Op:        op,
		Message:   message,
		Err:       cause,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's type.
func (e *ConnectionError) Is(target error) bool {
	s := e.Type.sentinel()
	return s != nil && s == target
}

// InvocationError is a failure reported by the remote hub for a single invocation.
type InvocationError struct {
	Method  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Method, e.Message)
}

// IsMissingCredential returns true if the error chain contains a missing-credential failure.
// The caller must supply a credential and connect again; it is never retried.
func IsMissingCredential(err error) bool {
	return errors.Is(err, ErrMissingCredential)
}

// IsConnectionTimeout returns true if the error is a dedup wait timeout.
func IsConnectionTimeout(err error) bool {
	return errors.Is(err, ErrConnectionTimeout)
}

// IsNotConnected returns true if the error is a not-connected failure.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsRetryable returns true if the connection manager retries this error on its own.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Type == ErrorTypeConnectionFailed
	}
	return false
}
