package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed send for retry policy and breaker accounting.
type ErrorKind string

const (
	KindRateLimit    ErrorKind = "rate_limit"    // 429: retryable, long backoff
	KindServiceError ErrorKind = "service_error" // 5xx: retryable
	KindNetworkError ErrorKind = "network_error" // timeout/connection: retryable
	KindClientError  ErrorKind = "client_error"  // 4xx other than 429: fatal
	KindInvalidEmail ErrorKind = "invalid_email" // provider rejected the recipient: fatal
	KindCircuitOpen  ErrorKind = "circuit_open"  // breaker fail-fast, provider not called
	KindUnknown      ErrorKind = "unknown"
)

// Retryable reports whether the dispatcher should release the work record
// for a later attempt rather than marking it failed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServiceError, KindNetworkError:
		return true
	}
	return false
}

// ServiceFailure reports whether the kind counts toward tripping the
// circuit breaker.
func (k ErrorKind) ServiceFailure() bool {
	switch k {
	case KindRateLimit, KindServiceError, KindNetworkError:
		return true
	}
	return false
}

// SendError is a classified provider failure.
type SendError struct {
	Kind       ErrorKind
	StatusCode int    // 0 for network errors
	Message    string // provider response body or transport error text
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// KindOf extracts the classification from any error returned by Send.
// Non-SendError values classify as unknown.
func KindOf(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	return KindUnknown
}

// classifyStatus maps an HTTP response to an error kind. Invalid-recipient
// rejections arrive as 400/422 with a recognizable message.
func classifyStatus(status int, body string) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServiceError
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if invalidRecipientMessage(body) {
			return KindInvalidEmail
		}
		return KindClientError
	case status >= 400:
		return KindClientError
	}
	return KindUnknown
}

func invalidRecipientMessage(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "invalid email") ||
		strings.Contains(b, "invalid recipient") ||
		strings.Contains(b, "recipient address")
}

// classifyTransport maps a transport-level error to an error kind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkError
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") {
		return KindNetworkError
	}
	return KindUnknown
}
