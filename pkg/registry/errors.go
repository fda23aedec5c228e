package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ErrRegistryUnavailable matches every error returned after the retry
// budget is exhausted.
var ErrRegistryUnavailable = errors.New("registry unavailable")

// ValidationError reports input the caller must fix. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "registry validation: " + e.Message
	}
	return fmt.Sprintf("registry validation: %s: %s", e.Field, e.Message)
}

// StatusError is a non-2xx response from the registry.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry returned status %d", e.Status)
	}
	return fmt.Sprintf("registry returned status %d: %s", e.Status, e.Body)
}

// UnavailableError is returned when every attempt failed.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("registry unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRegistryUnavailable) match.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrRegistryUnavailable
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRateLimited reports a 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusTooManyRequests
}

// IsRetryable reports whether another attempt may succeed: rate limiting,
// 5xx responses, timeouts and transport failures. Caller cancellation is
// never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsValidation(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || (se.Status >= 500 && se.Status <= 599)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
