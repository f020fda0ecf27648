package nexasync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Error taxonomy
// ============================================================================

// ErrorKind classifies a failure for retry and rollback decisions.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNetwork           ErrorKind = "network"
	KindAuth              ErrorKind = "auth"
	KindPermission        ErrorKind = "permission"
	KindPayloadTooLarge   ErrorKind = "payload_too_large"
	KindUnsupportedFormat ErrorKind = "unsupported_format"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrNetwork           = &Error{Kind: KindNetwork, Message: "network failure"}
	ErrAuth              = &Error{Kind: KindAuth, Message: "authentication failed"}
	ErrPermission        = &Error{Kind: KindPermission, Message: "permission denied"}
	ErrPayloadTooLarge   = &Error{Kind: KindPayloadTooLarge, Message: "payload too large"}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat, Message: "unsupported format"}

	ErrCircuitOpen = errors.New("circuit open")
)

// Error is the error type returned by stores, uploaders and the
// managers. Code and Message come from the remote side when present.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuth)
// works for every auth failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func validationError(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// CircuitOpenError is returned without invoking the guarded operation
// while its breaker is open.
type CircuitOpenError struct {
	Class      string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Class, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// SyncError aggregates the per-message failures of one sync pass.
type SyncError struct {
	Failures map[string]string // local id -> error text
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %d message(s) failed", len(e.Failures))
}

// ClassifyStatus maps an HTTP status code onto an error kind. It
// returns "" for success codes.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code < 400:
		return ""
	case code == http.StatusUnauthorized:
		return KindAuth
	case code == http.StatusForbidden:
		return KindPermission
	case code == http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case code == http.StatusUnsupportedMediaType:
		return KindUnsupportedFormat
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return KindNetwork
	default:
		return KindValidation
	}
}

// IsRetryable is the default retry classifier. Timeouts, connection
// resets, rate limits and 5xx are retryable; auth, permission,
// oversized or malformed input and open circuits are terminal.
// Transport errors that never reached the server (net.Error, EOF,
// resets) carry no kind and are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNetwork
	}
	return true
}

// networkError wraps a transport failure so callers see ErrNetwork.
func networkError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}
