// Package errors provides standardized error handling for the gateway.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the gateway.
type ErrorCode string

const (
	// Validation errors
	MMG_VALIDATION  ErrorCode = "MMG_VALIDATION"  // Payload failed schema validation
	MMG_BAD_REQUEST ErrorCode = "MMG_BAD_REQUEST" // Malformed request (bad JSON, bad query)

	// Authentication/Authorization errors
	MMG_AUTHN          ErrorCode = "MMG_AUTHN"          // Authentication failed
	MMG_JWT_INVALID    ErrorCode = "MMG_JWT_INVALID"    // Invalid JWT
	MMG_JWT_EXPIRED    ErrorCode = "MMG_JWT_EXPIRED"    // Expired JWT
	MMG_AUTHZ          ErrorCode = "MMG_AUTHZ"          // Authenticated but not allowed
	MMG_ADMIN_REQUIRED ErrorCode = "MMG_ADMIN_REQUIRED" // Admin-gated operation

	// Resource errors
	MMG_NOT_FOUND          ErrorCode = "MMG_NOT_FOUND"
	MMG_METHOD_NOT_ALLOWED ErrorCode = "MMG_METHOD_NOT_ALLOWED"
	MMG_CONFLICT           ErrorCode = "MMG_CONFLICT"

	// Rate limiting
	MMG_RATE_LIMIT ErrorCode = "MMG_RATE_LIMIT"

	// Provider errors
	MMG_PROVIDER         ErrorCode = "MMG_PROVIDER"         // Every attempted provider failed
	MMG_PROVIDER_TIMEOUT ErrorCode = "MMG_PROVIDER_TIMEOUT" // Last provider attempt timed out

	// Server errors
	MMG_INTERNAL    ErrorCode = "MMG_INTERNAL"
	MMG_UNAVAILABLE ErrorCode = "MMG_UNAVAILABLE"
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	// cause is kept for logging and errors.Is; it never reaches the client.
	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error that carries cause for server-side logging.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithCorrelation returns a copy of e stamped with correlationID.
func (e *Error) WithCorrelation(correlationID string) *Error {
	c := *e
	c.CorrelationID = correlationID
	return &c
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MMG_VALIDATION, MMG_BAD_REQUEST:
		return http.StatusBadRequest
	case MMG_AUTHZ, MMG_ADMIN_REQUIRED:
		return http.StatusForbidden
	case MMG_AUTHN, MMG_JWT_INVALID, MMG_JWT_EXPIRED:
		return http.StatusUnauthorized
	case MMG_NOT_FOUND:
		return http.StatusNotFound
	case MMG_METHOD_NOT_ALLOWED:
		return http.StatusMethodNotAllowed
	case MMG_CONFLICT:
		return http.StatusConflict
	case MMG_RATE_LIMIT:
		return http.StatusTooManyRequests
	case MMG_PROVIDER:
		return http.StatusBadGateway
	case MMG_PROVIDER_TIMEOUT:
		return http.StatusGatewayTimeout
	case MMG_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
