package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrNotFound      = errors.New("transfer target not found")
	ErrAccessDenied  = errors.New("transfer access denied")
	ErrInvalidTarget = errors.New("invalid transfer target")
	ErrSizeMismatch  = errors.New("transferred size does not match expected size")
)

// StatusError represents a non-2xx HTTP response from a transfer endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transfer failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable returns true for server errors (5xx), request timeouts and rate
// limiting. Other client errors (4xx) are considered permanent.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// Is lets callers match a status error against the permanent-error sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
	case ErrAccessDenied:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrInvalidTarget:
		return e.StatusCode == http.StatusBadRequest ||
			e.StatusCode == http.StatusMethodNotAllowed ||
			e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// SizeError reports a completed transfer whose byte count disagrees with the
// expected size. It is retried like any transient failure.
type SizeError struct {
	Expected int64
	Got      int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("transfer size mismatch: expected %d bytes, got %d", e.Expected, e.Got)
}

func (e *SizeError) Unwrap() error { return ErrSizeMismatch }

func (e *SizeError) Retryable() bool { return true }

// ValidationError wraps a failed content check on downloaded bytes.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "transfer validation failed: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Retryable() bool { return true }

type retryable interface {
	Retryable() bool
}

// IsRetryable classifies err. Network and timeout errors, 5xx responses and
// size/content mismatches are retryable; not-found, access-denied,
// invalid-target errors and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidTarget) {
		return false
	}
	return true
}

// CheckResponse returns nil for a 2xx response and a *StatusError carrying
// the first 4 KB of the body otherwise.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
