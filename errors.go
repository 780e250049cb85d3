package aegis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ValidationError reports unusable user input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Message
}

// NotFoundError reports a missing tool or session.
type NotFoundError struct {
	Kind string // "tool", "session"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// CancelledError reports an operation cut short by context cancellation.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return e.Op + " cancelled"
}

// ToolFailedError reports an external call that failed after retries.
type ToolFailedError struct {
	Tool  string
	Class string
	Err   error
}

func (e *ToolFailedError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolFailedError) Unwrap() error { return e.Err }

// UnavailableError reports a tool class gated off by error recovery.
type UnavailableError struct {
	Class string
}

func (e *UnavailableError) Error() string {
	return "tool class unavailable: " + e.Class
}

// InternalError wraps an unexpected failure that must not reach users raw.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// ErrHTTP is a non-2xx response from an upstream HTTP API.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // from the Retry-After header, when present
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: either delta-seconds
// or an HTTP-date. Returns 0 for empty, malformed, or past values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrorKind names the error category for logs and tool results.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCancelled(err):
		return "cancelled"
	case IsTimeout(err):
		return "timeout"
	case errors.As(err, new(*ValidationError)):
		return "validation"
	case errors.As(err, new(*NotFoundError)):
		return "not_found"
	case errors.As(err, new(*UnavailableError)):
		return "unavailable"
	case errors.As(err, new(*ToolFailedError)):
		return "tool_failed"
	default:
		return "internal"
	}
}

// IsTimeout reports whether err is a deadline failure at any wrap depth.
func IsTimeout(err error) bool {
	return errors.As(err, new(*TimeoutError)) || errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	return errors.As(err, new(*CancelledError)) || errors.Is(err, context.Canceled)
}
