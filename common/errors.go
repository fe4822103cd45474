// Package common provides shared constants, types, and utilities
// used across the VeilVPN session core.
package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Sentinel errors for session operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Session errors.
	ErrInvalidState     = errors.New("operation not valid in current session state")
	ErrInvalidServer    = errors.New("server is not usable")
	ErrServerLocked     = errors.New("server selection locked while a session is active")
	ErrNoServerSelected = errors.New("no server selected")
	ErrServerNotFound   = errors.New("server not found")
	ErrTeardownTimeout  = errors.New("driver teardown timed out")
	ErrCancelled        = errors.New("operation cancelled")

	// Catalog errors.
	ErrDuplicateServer = errors.New("duplicate server id")
	ErrInvalidCatalog  = errors.New("invalid server catalog")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Permission errors.
	ErrPermissionDenied = errors.New("permission denied")
)

// ErrorKind classifies a tunnel driver failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindAuthFailed
	KindNetworkUnreachable
	KindProtocolError
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAuthFailed:
		return "auth_failed"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be retried with backoff.
// Authentication and protocol failures never recover on their own.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindNetworkUnreachable
}

// DriverError is a classified failure reported by a tunnel driver.
type DriverError struct {
	Kind ErrorKind
	Err  error
}

// NewDriverError wraps err with the given classification.
func NewDriverError(kind ErrorKind, err error) *DriverError {
	return &DriverError{Kind: kind, Err: err}
}

func (e *DriverError) Error() string {
	if e.Err == nil {
		return "driver error: " + e.Kind.String()
	}
	return fmt.Sprintf("driver error (%s): %v", e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// Classify maps an arbitrary driver error onto the error taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var de *DriverError
	if errors.As(err, &de) {
		return de.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ECONNRESET):
		return KindNetworkUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetworkUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkUnreachable
	}

	return KindUnknown
}

// AsDriverError returns err classified as a *DriverError.
func AsDriverError(err error) *DriverError {
	if err == nil {
		return nil
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de
	}
	return NewDriverError(Classify(err), err)
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
