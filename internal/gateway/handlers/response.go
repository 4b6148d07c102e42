// Package handlers provides small HTTP helpers shared by the gateway
// middleware and the versioned API.
package handlers

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON envelope for every error the gateway emits.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code next to the message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes shared across handlers.
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeContextOverflow    = "CONTEXT_OVERFLOW"
	ErrCodeUpgradeRequired    = "UPGRADE_REQUIRED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// SendJSON writes v as a JSON response with the given status code.
func SendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// SendError writes the standard error envelope.
func SendError(w http.ResponseWriter, status int, code, message string) {
	SendJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound replaces the router's plain-text 404 with the JSON envelope.
func NotFound(w http.ResponseWriter, r *http.Request) {
	SendError(w, http.StatusNotFound, ErrCodeNotFound, "no such route: "+r.URL.Path)
}

// MethodNotAllowed replaces the router's plain-text 405 with the JSON envelope.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	SendError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, r.Method+" not allowed for "+r.URL.Path)
}
