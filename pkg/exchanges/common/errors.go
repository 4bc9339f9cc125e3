package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an exchange failure so every call site retries, drops, or
// escalates consistently.
type Kind string

const (
	// KindRetryable: network trouble, timeouts, 5xx, rate limiting.
	KindRetryable Kind = "RETRYABLE"
	// KindFatalCredential: authentication/signature rejection; the
	// credential must be invalidated, not retried.
	KindFatalCredential Kind = "FATAL_CREDENTIAL"
	// KindFatalOrder: business-rule rejection (insufficient balance,
	// bad symbol); surface to the caller, never retry.
	KindFatalOrder Kind = "FATAL_ORDER"
)

// Error is a classified exchange failure.
type Error struct {
	Kind Kind
	Code int // venue error code or HTTP status
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// NewError builds a classified error.
func NewError(kind Kind, code int, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, err: wrapped}
}

// KindOf extracts the classification; unclassified errors (transport-level)
// are treated as retryable so a flaky network never poisons a credential.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindRetryable
}

// ClassifyTransport wraps a client-side transport failure.
func ClassifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindRetryable, 0, "request timeout", err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return NewError(KindRetryable, 0, "network timeout", err)
	}
	return NewError(KindRetryable, 0, "network error", err)
}

// ClassifyHTTP maps an HTTP status with no recognized venue code.
func ClassifyHTTP(status int, body string) *Error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		// 418 is Binance's auto-ban status; still transient from our side.
		return NewError(KindRetryable, status, "rate limited: "+body, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindFatalCredential, status, "authentication rejected: "+body, nil)
	case status >= 500:
		return NewError(KindRetryable, status, "exchange unavailable: "+body, nil)
	default:
		return NewError(KindFatalOrder, status, "exchange rejected request: "+body, nil)
	}
}
