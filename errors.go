package broker

import (
	"fmt"
	"net/http"
)

// Broker error codes as constants
const (
	ErrorCodeUserNotFound    = "user_not_found"
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeUpstreamError   = "upstream_error"
	ErrorCodeDecryptionError = "decryption_error"
	ErrorCodeStoreError      = "store_error"
	ErrorCodeRateLimited     = "rate_limit_exceeded"
)

// Error represents a broker error response. Code is a stable machine
// identifier, Message is human-readable, Status is the HTTP status the
// handler maps it to.
type Error struct {
	Code    string // stable error code (e.g. "user_not_found")
	Message string // human-readable description
	Status  int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new broker error
func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

// Common broker errors as reusable constructors
var (
	// ErrUserNotFound indicates no credential exists for the user
	ErrUserNotFound = func(userID string) *Error {
		return NewError(ErrorCodeUserNotFound, fmt.Sprintf("no credential registered for user %q", userID), http.StatusNotFound)
	}

	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(msg string) *Error {
		return NewError(ErrorCodeInvalidRequest, msg, http.StatusBadRequest)
	}

	// ErrUpstream wraps a failure reported by the authorization server.
	// The upstream status is passed through when the server responded;
	// transport failures map to 502.
	ErrUpstream = func(status int, msg string) *Error {
		if status == 0 {
			status = http.StatusBadGateway
		}
		return NewError(ErrorCodeUpstreamError, msg, status)
	}

	// ErrDecryption indicates a stored token could not be decrypted
	ErrDecryption = func(msg string) *Error {
		return NewError(ErrorCodeDecryptionError, msg, http.StatusInternalServerError)
	}

	// ErrStore indicates the credential store failed
	ErrStore = func(msg string) *Error {
		return NewError(ErrorCodeStoreError, msg, http.StatusInternalServerError)
	}
)
