package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/hearth/internal/httpkit"
)

// ErrorKind classifies a provider failure. The kind alone decides
// whether the chain falls back to the next provider.
type ErrorKind int

const (
	// ErrorNetwork covers connection failures, timeouts, and 5xx responses.
	ErrorNetwork ErrorKind = iota + 1
	// ErrorAuth means the credential was rejected (401/403).
	ErrorAuth
	// ErrorRateLimit means the backend throttled or shed the request.
	ErrorRateLimit
	// ErrorMalformed means the backend answered with something that
	// could not be parsed, or a stream ended without its terminator.
	ErrorMalformed
	// ErrorOther is everything else, including caller cancellation.
	ErrorOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNetwork:
		return "network"
	case ErrorAuth:
		return "auth"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorMalformed:
		return "malformed_response"
	case ErrorOther:
		return "other"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ProviderError is the only error type a [Client] stream yields.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int // zero when no HTTP response was received
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s error", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
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

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the chain should try the next provider.
// Only transient conditions qualify; auth and malformed responses point
// at misconfiguration and fail fast.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ErrorNetwork || e.Kind == ErrorRateLimit
}

// KindOf returns the ProviderError kind of err, or ErrorOther.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorOther
}

// statusError classifies a non-2xx HTTP response.
func statusError(provider string, status int, body string) *ProviderError {
	kind := ErrorOther
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrorAuth
	case status == http.StatusTooManyRequests:
		kind = ErrorRateLimit
	case status >= 500:
		kind = ErrorNetwork
	}
	return &ProviderError{Kind: kind, Provider: provider, StatusCode: status, Message: strings.TrimSpace(body)}
}

// transportError classifies a failure to send a request or read its
// response. Cancellation by the caller is never retryable.
func transportError(ctx context.Context, provider string, err error) *ProviderError {
	if ctx.Err() != nil {
		return &ProviderError{Kind: ErrorOther, Provider: provider, Message: "request cancelled", Err: ctx.Err()}
	}
	msg := "transport failure"
	if httpkit.IsConnectError(err) {
		msg = "connection failed"
	} else if httpkit.IsTimeout(err) {
		msg = "timed out"
	}
	return &ProviderError{Kind: ErrorNetwork, Provider: provider, Message: msg, Err: err}
}

// malformed reports an unparseable response.
func malformed(provider string, err error, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: ErrorMalformed, Provider: provider, Message: fmt.Sprintf(format, args...), Err: err}
}
