// Package errors provides the error taxonomy shared by the request, cache and
// session layers.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Sentinel errors for the failure modes callers are expected to branch on.
var (
	ErrNetworkUnreachable = errors.New("service unreachable")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrSessionExpired     = errors.New("session expired")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTimeout            = errors.New("operation timed out")
	ErrRateLimit          = errors.New("rate limit exceeded")
	ErrUnavailable        = errors.New("service unavailable")
	ErrNotFound           = errors.New("resource not found")
	ErrConflict           = errors.New("conflicting update")
)

// APIError is an application error reported by the backend: a non-2xx status,
// or a 2xx envelope with success=false. Message is the server-supplied text,
// passed through unmodified.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Errors     []string
	Err        error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s API error (status %d)", e.Service, e.StatusCode)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// Is lets errors.Is match an APIError against the status-derived sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrRateLimit:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// Unreachable wraps a transport failure with the configured base URL.
func Unreachable(baseURL string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w at %s", ErrNetworkUnreachable, baseURL)
	}
	return fmt.Errorf("%w at %s: %w", ErrNetworkUnreachable, baseURL, cause)
}

// Malformed wraps a body decoding failure with the URL that produced it.
func Malformed(url string, cause error) error {
	return fmt.Errorf("%w from %s: %w", ErrMalformedResponse, url, cause)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// An ended session is never retryable, whatever transient failure ended it.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrSessionExpired) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNetworkUnreachable)
}

// IsConnectivity reports whether err is a plain connectivity failure (backend
// down, connection refused, DNS, dial timeout). Such failures are expected
// during transient disconnects and should not surface as hard errors.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
