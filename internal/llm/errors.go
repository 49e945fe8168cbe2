// Package llm implements the multi-provider endpoint pool: capability-aware
// routing, per-endpoint health with progressive cooldown, tool-context-aware
// failover, and request/response normalization.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCategory classifies an endpoint failure for cooldown purposes.
type ErrorCategory string

const (
	CategoryAuth       ErrorCategory = "auth"
	CategoryQuota      ErrorCategory = "quota"
	CategoryStructural ErrorCategory = "structural"
	CategoryTransient  ErrorCategory = "transient"
	CategoryUnknown    ErrorCategory = "unknown"
)

// ErrUnsupportedMedia is returned when a required capability (notably
// video) has no capable endpoint at all.
var ErrUnsupportedMedia = errors.New("llm: no endpoint supports the required media")

// EndpointError wraps a single endpoint failure with its classification.
type EndpointError struct {
	Endpoint string
	Category ErrorCategory
	Err      error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %s (%s): %v", e.Endpoint, e.Category, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// AllEndpointsFailedError is the only pool-level failure besides
// ErrUnsupportedMedia that crosses the Chat boundary.
type AllEndpointsFailedError struct {
	// Structural is set when the final failure was a structural error;
	// retrying the same request will not help.
	Structural bool
	Attempts   int
	Last       error
}

func (e *AllEndpointsFailedError) Error() string {
	return fmt.Sprintf("all endpoints failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AllEndpointsFailedError) Unwrap() error { return e.Last }

// statusCoder is implemented by SDK errors that carry an HTTP status.
type statusCoder interface{ HTTPStatusCode() int }

// Classify maps a provider error to a cooldown category.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}
	if sc, ok := err.(statusCoder); ok {
		return classifyStatus(sc.HTTPStatusCode())
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return CategoryAuth
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota"):
		return CategoryQuota
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "must be followed by") || strings.Contains(msg, "unexpected role") ||
		strings.Contains(msg, "malformed"):
		return CategoryStructural
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "eof"):
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

func classifyStatus(code int) ErrorCategory {
	switch {
	case code == 401 || code == 403:
		return CategoryAuth
	case code == 429:
		return CategoryQuota
	case code == 400 || code == 422:
		return CategoryStructural
	case code >= 500:
		return CategoryTransient
	default:
		return CategoryUnknown
	}
}

// retryable reports whether a category is worth retrying within one call.
func retryable(cat ErrorCategory) bool {
	switch cat {
	case CategoryStructural, CategoryAuth:
		return false
	default:
		return true
	}
}
