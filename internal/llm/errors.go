// Package llm talks to the remote completion provider: per-attempt error
// classification, credential and model fallback, and the shared rotation
// cursor.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorType categorizes provider errors for fallback decisions.
type ErrorType string

const (
	ErrorTypeUnknown    ErrorType = "unknown"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeOverloaded ErrorType = "overloaded"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeBilling    ErrorType = "billing"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeFormat     ErrorType = "format"
)

var (
	// ErrProviderAuth matches a rejected credential (HTTP 401/403).
	ErrProviderAuth = errors.New("provider rejected credential")
	// ErrProviderRateLimited matches HTTP 429.
	ErrProviderRateLimited = errors.New("provider rate limited")
	// ErrProviderTimeout matches an attempt that hit its deadline.
	ErrProviderTimeout = errors.New("provider request timed out")
	// ErrAllProvidersExhausted is terminal for a request: every credential
	// and the fallback model failed.
	ErrAllProvidersExhausted = errors.New("all provider credentials and models failed")
	// ErrEmptyCompletion is returned when the provider answers without text.
	ErrEmptyCompletion = errors.New("provider returned no completion choices")
)

// ProviderError describes one failed attempt.
type ProviderError struct {
	Type       ErrorType
	StatusCode int // 0 when no HTTP response was received
	Model      string
	KeyHint    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s (status %d, model %s, key %s): %v", e.Type, e.StatusCode, e.Model, e.KeyHint, e.Err)
	}
	return fmt.Sprintf("provider %s (model %s, key %s): %v", e.Type, e.Model, e.KeyHint, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is maps the error type onto the package sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderAuth:
		return e.Type == ErrorTypeAuth
	case ErrProviderRateLimited:
		return e.Type == ErrorTypeRateLimit
	case ErrProviderTimeout:
		return e.Type == ErrorTypeTimeout
	}
	return false
}

// StatusCode extracts the HTTP status from a go-openai error, or 0.
func StatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// Classify determines the error type of a failed provider call: HTTP status
// first, then deadline and network timeouts, then message patterns.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if t := classifyStatus(StatusCode(err)); t != ErrorTypeUnknown {
		return t
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	if errors.Is(err, ErrEmptyCompletion) {
		return ErrorTypeFormat
	}
	return ClassifyMessage(err.Error())
}

func classifyStatus(status int) ErrorType {
	switch {
	case status == 0:
		return ErrorTypeUnknown
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorTypeAuth
	case status == http.StatusPaymentRequired:
		return ErrorTypeBilling
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeOverloaded
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrorTypeFormat
	}
	return ErrorTypeUnknown
}

// ClassifyMessage is the fallback for errors without a status code, such as
// proxies that flatten provider errors into text.
func ClassifyMessage(msg string) ErrorType {
	lower := strings.ToLower(msg)
	switch {
	case lower == "":
		return ErrorTypeUnknown
	case containsAny(lower, "429", "rate limit", "rate_limit", "too many requests", "quota exceeded", "resource_exhausted"):
		return ErrorTypeRateLimit
	case containsAny(lower, "402", "payment required", "insufficient credits", "insufficient_quota"):
		return ErrorTypeBilling
	case containsAny(lower, "401", "403", "unauthorized", "invalid api key", "invalid_api_key", "no auth credentials"):
		return ErrorTypeAuth
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return ErrorTypeTimeout
	case containsAny(lower, "overloaded", "temporarily unavailable", "server is busy", "503", "502"):
		return ErrorTypeOverloaded
	}
	return ErrorTypeUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
