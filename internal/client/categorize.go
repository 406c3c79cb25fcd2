package client

import (
	"context"
	"errors"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as the weatherApiErrorsTotal label.
const (
	ErrorCategoryTimeout            ErrorCategory = "timeout"
	ErrorCategoryTransport          ErrorCategory = "transport"
	ErrorCategoryInvalidCredentials ErrorCategory = "invalid_credentials"
	ErrorCategoryRateLimited        ErrorCategory = "rate_limited"
	ErrorCategoryProvider           ErrorCategory = "provider_error"
	ErrorCategoryMalformedPayload   ErrorCategory = "malformed_payload"
	ErrorCategoryCircuitOpen        ErrorCategory = "circuit_open"
	ErrorCategoryUnknown            ErrorCategory = "unknown"
)

// CategorizeError maps an error returned by Fetch to a stable ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrInvalidAPIKey):
		return ErrorCategoryInvalidCredentials
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrProviderStatus):
		return ErrorCategoryProvider
	case errors.Is(err, ErrMalformedPayload):
		return ErrorCategoryMalformedPayload
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrTransport):
		return ErrorCategoryTransport
	}
	return ErrorCategoryUnknown
}
