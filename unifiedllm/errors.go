package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
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
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
	Raw        map[string]interface{}
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

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type StreamErrorType struct{ SDKError }
type ConfigurationError struct{ SDKError }

// CircuitOpenError is returned when a provider's circuit breaker rejects a call
// without reaching the provider.
type CircuitOpenError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, raw map[string]interface{}, retryAfter *float64) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
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
		pe.Retryable = true
		return &pe
	}
}

// classifyError maps an opaque transport error onto the taxonomy by
// inspecting its message. Adapters whose client library does not expose a
// status code use it.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	base := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: provider}

	switch {
	case containsAny(lower, "401", "unauthorized", "invalid key", "invalid api key"):
		base.StatusCode = 401
		return &AuthenticationError{ProviderError: base}
	case containsAny(lower, "403", "forbidden"):
		base.StatusCode = 403
		return &AccessDeniedError{ProviderError: base}
	case containsAny(lower, "404", "not found"):
		base.StatusCode = 404
		return &NotFoundError{ProviderError: base}
	case containsAny(lower, "429", "rate limit"):
		base.StatusCode = 429
		base.Retryable = true
		return &RateLimitError{ProviderError: base}
	case containsAny(lower, "context length", "too many tokens"):
		base.StatusCode = 413
		return &ContextLengthError{ProviderError: base}
	case containsAny(lower, "500", "502", "503", "internal server"):
		base.StatusCode = 500
		base.Retryable = true
		return &ServerError{ProviderError: base}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny(lower, "content filter", "safety", "sensitive"):
		return &ContentFilterError{ProviderError: base}
	case containsAny(lower, "connection refused", "no such host", "connection reset", "eof"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		base.Retryable = true
		return &base
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err, or any error it wraps, is safe to retry.
// Unknown errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		auth      *AuthenticationError
		denied    *AccessDeniedError
		notFound  *NotFoundError
		invalid   *InvalidRequestError
		ctxLen    *ContextLengthError
		filtered  *ContentFilterError
		cfg       *ConfigurationError
		abort     *AbortError
		open      *CircuitOpenError
		rateLimit *RateLimitError
		server    *ServerError
		network   *NetworkError
		stream    *StreamErrorType
		timeout   *RequestTimeoutError
		provider  *ProviderError
	)
	switch {
	case errors.As(err, &auth), errors.As(err, &denied), errors.As(err, &notFound),
		errors.As(err, &invalid), errors.As(err, &ctxLen), errors.As(err, &filtered),
		errors.As(err, &cfg), errors.As(err, &abort), errors.As(err, &open):
		return false
	case errors.As(err, &rateLimit), errors.As(err, &server), errors.As(err, &network),
		errors.As(err, &stream), errors.As(err, &timeout):
		return true
	case errors.As(err, &provider):
		return provider.Retryable
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
