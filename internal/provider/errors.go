package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode classifies provider failures. Codes are stable strings so they
// can cross the API boundary unchanged.
type ErrorCode string

const (
	ErrCodeAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeContextWindow      ErrorCode = "CONTEXT_WINDOW_EXCEEDED"
	ErrCodeAborted            ErrorCode = "ABORTED"
	ErrCodeUnknown            ErrorCode = "UNKNOWN"
)

// ProviderError is a classified backend failure.
type ProviderError struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Provider   string        `json:"provider"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewProviderError builds an error with Retryable derived from the code.
func NewProviderError(code ErrorCode, providerName, message string) *ProviderError {
	return &ProviderError{
		Code:      code,
		Message:   message,
		Provider:  providerName,
		Retryable: retryableCode(code),
	}
}

func retryableCode(code ErrorCode) bool {
	switch code {
	case ErrCodeRateLimited, ErrCodeServiceUnavailable, ErrCodeNetworkError, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// AsProviderError unwraps err to a ProviderError if one is in the chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsContextOverflow reports whether err is a context window excess rejection.
func IsContextOverflow(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Code == ErrCodeContextWindow
	}
	return false
}

// IsAuthError reports whether err is an authentication or token failure.
func IsAuthError(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Code == ErrCodeAuthFailed || pe.Code == ErrCodeTokenExpired
	}
	return false
}

// IsRetryable reports whether a single in-place retry is worthwhile.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	return false
}

// overflowMarkers are backend message fragments that identify a context
// window rejection regardless of HTTP status phrasing.
var overflowMarkers = []string{
	"context length",
	"context window",
	"maximum context",
	"prompt is too long",
	"too many tokens",
	"input length and `max_tokens` exceed",
}

// looksLikeOverflow scans an error body for context window markers.
func looksLikeOverflow(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range overflowMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ClassifyMessage maps an error reported inside a 200 response body, where
// no HTTP status is available to classify by.
func ClassifyMessage(providerName, message string) *ProviderError {
	if looksLikeOverflow(message) {
		return NewProviderError(ErrCodeContextWindow, providerName, message)
	}
	return NewProviderError(ErrCodeUnknown, providerName, message)
}

// ClassifyHTTPStatus maps an HTTP error response to a ProviderError. The
// body is scanned for context window markers because several backends
// report overflow as a generic 400.
func ClassifyHTTPStatus(status int, providerName, body string) *ProviderError {
	var code ErrorCode
	switch {
	case status == 400 && looksLikeOverflow(body):
		code = ErrCodeContextWindow
	case status == 400 || status == 422:
		code = ErrCodeInvalidRequest
	case status == 401:
		code = ErrCodeAuthFailed
	case status == 403:
		code = ErrCodeQuotaExceeded
	case status == 404:
		code = ErrCodeModelNotFound
	case status == 408:
		code = ErrCodeTimeout
	case status == 429:
		code = ErrCodeRateLimited
	case status >= 500:
		code = ErrCodeServiceUnavailable
	default:
		code = ErrCodeUnknown
	}

	message := strings.TrimSpace(body)
	if message == "" {
		message = fmt.Sprintf("HTTP %d", status)
	}
	if len(message) > 500 {
		message = message[:500]
	}

	return NewProviderError(code, providerName, message)
}
