// ABOUTME: Error hierarchy for AI-service calls: provider errors by status, timeouts, and configuration errors.
// ABOUTME: Wrap converts raw SDK errors (openai-go, mux providers) into this taxonomy with retryability.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"strconv"

	"github.com/openai/openai-go"
)

// SDKError is the base error type. All other error types embed it directly or transitively.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

// IsRetryable returns false for the base SDKError. Subtypes override this.
func (e *SDKError) IsRetryable() bool { return false }

// ProviderError is an error returned by a provider's API.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter *float64
	Raw        json.RawMessage
}

func (e *ProviderError) Error() string     { return e.SDKError.Error() }
func (e *ProviderError) Unwrap() error     { return e.SDKError.Unwrap() }
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// AuthenticationError is a 401 response. Not retryable.
type AuthenticationError struct{ ProviderError }

func (e *AuthenticationError) IsRetryable() bool { return false }

// AccessDeniedError is a 403 response. Not retryable.
type AccessDeniedError struct{ ProviderError }

func (e *AccessDeniedError) IsRetryable() bool { return false }

// InvalidRequestError is a 400/404/422 response. Not retryable.
type InvalidRequestError struct{ ProviderError }

func (e *InvalidRequestError) IsRetryable() bool { return false }

// RateLimitError is a 429 response. Retryable.
type RateLimitError struct{ ProviderError }

func (e *RateLimitError) IsRetryable() bool { return true }

// QuotaExceededError means the account is out of quota. Waiting will not help.
type QuotaExceededError struct{ ProviderError }

func (e *QuotaExceededError) IsRetryable() bool { return false }

// ServerError is a 5xx response. Retryable.
type ServerError struct{ ProviderError }

func (e *ServerError) IsRetryable() bool { return true }

// ContentFilterError means the provider refused the request or response on
// safety grounds. Not retryable without changing the content.
type ContentFilterError struct{ ProviderError }

func (e *ContentFilterError) IsRetryable() bool { return false }

// RequestTimeoutError means the call did not finish in time.
type RequestTimeoutError struct{ SDKError }

func (e *RequestTimeoutError) IsRetryable() bool { return false }

// Timeout lets the pipeline classify this error as a stage timeout.
func (e *RequestTimeoutError) Timeout() bool { return true }

// NetworkError means the request never got a response (DNS, refused, reset).
type NetworkError struct{ SDKError }

func (e *NetworkError) IsRetryable() bool { return true }

// ConfigurationError reports a missing key, unknown provider, or similar setup problem.
type ConfigurationError struct{ SDKError }

// ErrorFromStatusCode builds the error type that matches an HTTP status code.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, raw json.RawMessage, retryAfter *float64) error {
	base := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch {
	case statusCode == 400 || statusCode == 404 || statusCode == 422:
		if contentFilterPattern.MatchString(message) || contentFilterPattern.MatchString(errorCode) {
			return &ContentFilterError{ProviderError: base}
		}
		return &InvalidRequestError{ProviderError: base}
	case statusCode == 401:
		return &AuthenticationError{ProviderError: base}
	case statusCode == 403:
		return &AccessDeniedError{ProviderError: base}
	case statusCode == 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case statusCode == 429:
		if quotaPattern.MatchString(message) || quotaPattern.MatchString(errorCode) {
			return &QuotaExceededError{ProviderError: base}
		}
		base.Retryable = true
		return &RateLimitError{ProviderError: base}
	case statusCode >= 500 && statusCode <= 599:
		base.Retryable = true
		return &ServerError{ProviderError: base}
	default:
		return &base
	}
}

var (
	statusPattern        = regexp.MustCompile(`\b([45]\d\d)\b`)
	rateLimitPattern     = regexp.MustCompile(`(?i)rate.?limit|too many requests|resource.?exhausted`)
	quotaPattern         = regexp.MustCompile(`(?i)insufficient_quota|quota exceeded|exceeded your current quota|billing`)
	contentFilterPattern = regexp.MustCompile(`(?i)content.?filter|content_policy|safety|blocked`)
	networkPattern       = regexp.MustCompile(`(?i)connection (refused|reset)|no such host|broken pipe|EOF$`)
)

// Wrap converts an error from an SDK call into this package's taxonomy.
// Errors already in the taxonomy pass through unchanged.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}

	var sdk *SDKError
	if errors.As(err, &sdk) || isTaxonomy(err) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || networkPattern.MatchString(err.Error()) {
		return &NetworkError{SDKError: SDKError{Message: provider + " unreachable", Cause: err}}
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return ErrorFromStatusCode(apiErr.StatusCode, msg, provider, apiErr.Code, json.RawMessage(apiErr.RawJSON()), nil)
	}

	// The anthropic and genai SDKs behind mux surface the status only in the message.
	msg := err.Error()
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return ErrorFromStatusCode(code, msg, provider, "", nil, nil)
	}
	if rateLimitPattern.MatchString(msg) {
		return ErrorFromStatusCode(429, msg, provider, "", nil, nil)
	}
	return &ProviderError{SDKError: SDKError{Message: provider + " request failed", Cause: err}, Provider: provider}
}

// isTaxonomy reports whether err is already one of the typed errors above.
func isTaxonomy(err error) bool {
	switch err.(type) {
	case *ProviderError, *AuthenticationError, *AccessDeniedError, *InvalidRequestError,
		*RateLimitError, *QuotaExceededError, *ServerError, *ContentFilterError,
		*RequestTimeoutError, *NetworkError, *ConfigurationError:
		return true
	}
	return false
}

// extractProviderError returns the ProviderError embedded in err, if any.
func extractProviderError(err error) (*ProviderError, bool) {
	switch e := err.(type) {
	case *RateLimitError:
		return &e.ProviderError, true
	case *ServerError:
		return &e.ProviderError, true
	case *AuthenticationError:
		return &e.ProviderError, true
	case *AccessDeniedError:
		return &e.ProviderError, true
	case *InvalidRequestError:
		return &e.ProviderError, true
	case *ContentFilterError:
		return &e.ProviderError, true
	case *QuotaExceededError:
		return &e.ProviderError, true
	case *ProviderError:
		return e, true
	default:
		return nil, false
	}
}
