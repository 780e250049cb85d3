package aegis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrorStrings(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&ValidationError{Message: "empty message"}, "invalid input: empty message"},
		{&NotFoundError{Kind: "tool", Name: "ghost"}, "tool not found: ghost"},
		{&TimeoutError{Op: "llm invoke", After: 30 * time.Second}, "llm invoke timed out after 30s"},
		{&CancelledError{Op: "tool call"}, "tool call cancelled"},
		{&ToolFailedError{Tool: "virustotal", Err: errors.New("503")}, "tool virustotal failed: 503"},
		{&UnavailableError{Class: "edr"}, "tool class unavailable: edr"},
		{&InternalError{Err: errors.New("nil map write")}, "internal error: nil map write"},
		{&ErrHTTP{Status: 429, Body: "rate limited"}, "http 429: rate limited"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&CancelledError{Op: "x"}, "cancelled"},
		{context.Canceled, "cancelled"},
		{&TimeoutError{Op: "x"}, "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{&ValidationError{Message: "x"}, "validation"},
		{&NotFoundError{Kind: "tool", Name: "x"}, "not_found"},
		{&UnavailableError{Class: "edr"}, "unavailable"},
		{&ToolFailedError{Tool: "x", Err: errors.New("y")}, "tool_failed"},
		{errors.New("anything else"), "internal"},
		{&ErrHTTP{Status: 500}, "internal"},
		// Wrapped errors classify by their innermost known kind.
		{fmt.Errorf("dispatch: %w", &ValidationError{Message: "x"}), "validation"},
		{&InternalError{Err: context.Canceled}, "cancelled"},
		{&ToolFailedError{Tool: "x", Err: context.DeadlineExceeded}, "timeout"},
	}
	for _, tc := range cases {
		if got := ErrorKind(tc.err); got != tc.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(&TimeoutError{Op: "x"}) {
		t.Error("TimeoutError not recognised")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Error("DeadlineExceeded not recognised")
	}
	if !IsTimeout(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) {
		t.Error("wrapped DeadlineExceeded not recognised")
	}
	if IsTimeout(context.Canceled) || IsTimeout(errors.New("no")) {
		t.Error("false positive")
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(&CancelledError{Op: "x"}) {
		t.Error("CancelledError not recognised")
	}
	if !IsCancelled(context.Canceled) {
		t.Error("context.Canceled not recognised")
	}
	if !IsCancelled(fmt.Errorf("wrap: %w", &CancelledError{Op: "x"})) {
		t.Error("wrapped CancelledError not recognised")
	}
	if IsCancelled(context.DeadlineExceeded) {
		t.Error("false positive")
	}
}

func TestUnwrapChains(t *testing.T) {
	inner := &ErrHTTP{Status: 503, Body: "downstream"}
	wrapped := &ToolFailedError{Tool: "qradar_search", Class: "siem", Err: inner}
	var httpErr *ErrHTTP
	if !errors.As(wrapped, &httpErr) || httpErr.Status != 503 {
		t.Errorf("ToolFailedError does not unwrap to ErrHTTP: %v", wrapped)
	}
	internal := &InternalError{Err: wrapped}
	var tferr *ToolFailedError
	if !errors.As(internal, &tferr) || tferr.Tool != "qradar_search" {
		t.Errorf("InternalError does not unwrap to ToolFailedError: %v", internal)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"120", 2 * time.Minute},
		{"7", 7 * time.Second},
		{"-30", 0},
		{"soon", 0},
		{"12.5", 0},
	}
	for _, tc := range cases {
		if got := ParseRetryAfter(tc.in); got != tc.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := ParseRetryAfter(future)
	if got < 80*time.Second || got > 90*time.Second {
		t.Errorf("ParseRetryAfter(future date) = %v, want ~90s", got)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}
