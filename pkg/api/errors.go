// Package api defines the error envelope and transport-advisory surface of
// Vorion. Route wiring lives outside this module; the envelope shape, the
// closed error-code set, and the header names are part of the core contract
// so every transport renders failures identically.
package api

import (
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// ErrorCode is drawn from a closed set and maps 1-1 to an HTTP-like status.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeRateLimited        ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodePayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeTenantMismatch     ErrorCode = "TENANT_MISMATCH"
	CodeInternal           ErrorCode = "INTERNAL"
	CodeExternalService    ErrorCode = "EXTERNAL_SERVICE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

var codeStatus = map[ErrorCode]int{
	CodeValidation:         http.StatusBadRequest,
	CodeInvalidInput:       http.StatusUnprocessableEntity,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodeInvalidState:       http.StatusUnprocessableEntity,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodePayloadTooLarge:    http.StatusRequestEntityTooLarge,
	CodeTenantMismatch:     http.StatusForbidden,
	CodeInternal:           http.StatusInternalServerError,
	CodeExternalService:    http.StatusBadGateway,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// Status returns the HTTP-equivalent status for c. Unknown codes map to 500.
func (c ErrorCode) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ClientSurfaced reports whether errors with this code propagate unchanged
// to the caller (4xx family). Everything else is locally recovered or
// rendered as a 5xx-equivalent with correlation ids.
func (c ErrorCode) ClientSurfaced() bool {
	return c.Status() < 500
}

// Error is the structured failure payload inside an envelope.
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retry_after,omitempty"` // seconds
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Meta carries correlation fields on every envelope.
type Meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Trace links the envelope to the distributed trace.
type Trace struct {
	TraceID string `json:"trace_id"`
}

// Envelope is the uniform failure response shape.
type Envelope struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error"`
	Meta    Meta   `json:"meta"`
	Trace   *Trace `json:"trace,omitempty"`
}

// NewEnvelope builds a failure envelope stamped with correlation ids.
func NewEnvelope(err *Error, requestID, traceID string, now time.Time) Envelope {
	env := Envelope{
		Success: false,
		Error:   err,
		Meta:    Meta{RequestID: requestID, Timestamp: now.UTC()},
	}
	if traceID != "" {
		env.Trace = &Trace{TraceID: traceID}
	}
	return env
}

var sensitivePattern = regexp.MustCompile(`(?i)(password|secret|token|key|credential)\S*`)

// Scrub redacts credential-shaped fragments from a message. Applied to any
// 5xx-equivalent message in production; non-production keeps full detail.
func Scrub(message string) string {
	return sensitivePattern.ReplaceAllString(message, "[REDACTED]")
}

// ScrubError returns a copy of e safe for production responses: message
// scrubbed and details dropped.
func ScrubError(e *Error) *Error {
	if e == nil {
		return nil
	}
	return &Error{
		Code:       e.Code,
		Message:    Scrub(e.Message),
		RetryAfter: e.RetryAfter,
	}
}
