package gateway

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when a model's circuit breaker shorts the call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// FailureCategory classifies upstream failures for retry decisions.
type FailureCategory string

const (
	FailureNetwork       FailureCategory = "network"
	FailureServer        FailureCategory = "server" // 5xx
	FailureRateLimit     FailureCategory = "rate-limit"
	FailureAuth          FailureCategory = "auth"
	FailureContentPolicy FailureCategory = "content-policy"
	FailureTimeout       FailureCategory = "timeout"
	FailureInvalid       FailureCategory = "invalid" // malformed request or response
)

// Retryable reports whether a failure category is safe to retry. Only
// idempotent transient categories qualify; auth and content-policy
// rejections never retry.
func (c FailureCategory) Retryable() bool {
	switch c {
	case FailureNetwork, FailureServer, FailureRateLimit:
		return true
	default:
		return false
	}
}

// CallError wraps an upstream failure with its category.
type CallError struct {
	Category FailureCategory
	Model    string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("gateway call to %s failed (%s): %v", e.Model, e.Category, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Categorize extracts the failure category from an error, defaulting to
// network for plain transport errors.
func Categorize(err error) FailureCategory {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return FailureNetwork
}

// categoryForStatus maps an HTTP status code to a failure category.
func categoryForStatus(status int) FailureCategory {
	switch {
	case status == 401 || status == 403:
		return FailureAuth
	case status == 429:
		return FailureRateLimit
	case status >= 500:
		return FailureServer
	default:
		return FailureInvalid
	}
}
