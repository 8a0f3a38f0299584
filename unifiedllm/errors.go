package unifiedllm

import (
	"errors"
	"fmt"
	"time"
)

// SDKError is the base error type for all unified LLM errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter *float64 // seconds suggested by the provider, if any
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContentFilterError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type NetworkError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRateLimited reports whether err, or anything it wraps, is a rate-limit
// signal from the provider.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// RetryAfterHint returns the provider's suggested backoff for a rate-limit
// error, or zero when none was given.
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter == nil {
		return 0
	}
	return time.Duration(*rl.RetryAfter * float64(time.Second))
}

// IsRetryable returns true if the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		auth    *AuthenticationError
		denied  *AccessDeniedError
		missing *NotFoundError
		invalid *InvalidRequestError
		length  *ContextLengthError
		quota   *QuotaExceededError
		filter  *ContentFilterError
		cfg     *ConfigurationError
		rl      *RateLimitError
		server  *ServerError
		network *NetworkError
		timeout *RequestTimeoutError
		pe      *ProviderError
	)
	switch {
	case errors.As(err, &auth), errors.As(err, &denied), errors.As(err, &missing),
		errors.As(err, &invalid), errors.As(err, &length), errors.As(err, &quota),
		errors.As(err, &filter), errors.As(err, &cfg):
		return false
	case errors.As(err, &rl), errors.As(err, &server), errors.As(err, &network), errors.As(err, &timeout):
		return true
	case errors.As(err, &pe):
		return pe.Retryable
	default:
		// Unknown errors default to retryable.
		return true
	}
}
