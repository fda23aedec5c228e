package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Adapter   string
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		if e.Adapter != "" {
			return fmt.Sprintf("%s: %v", e.Adapter, e.Err)
		}
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return true
		}
		if retryableStatus(adapterErr.Status) {
			return true
		}
	}
	return false
}

func retryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}

// wrapSDKError attaches the HTTP status reported by a provider SDK so
// IsTransient can classify it.
func wrapSDKError(name string, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	var googleErr genai.APIError
	var googleErrPtr *genai.APIError
	switch {
	case errors.As(err, &anthropicErr):
		status = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		status = openaiErr.StatusCode
	case errors.As(err, &googleErrPtr):
		status = googleErrPtr.Code
	case errors.As(err, &googleErr):
		status = googleErr.Code
	}
	return &AdapterError{Adapter: name, Status: status, Err: err}
}
