// Package apperr defines the error codes shared by the OAuth flow, the canvas
// service and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	ConfigMissing             Code = "CONFIG_MISSING"
	BadRequest                Code = "BAD_REQUEST"
	ProviderDenied            Code = "PROVIDER_DENIED"
	MissingParams             Code = "MISSING_PARAMS"
	InvalidState              Code = "INVALID_STATE"
	TokenExchangeFailed       Code = "TOKEN_EXCHANGE_FAILED"
	PersistenceFailed         Code = "PERSISTENCE_FAILED"
	PersistencePartialFailure Code = "PERSISTENCE_PARTIAL_FAILURE"
	NotFound                  Code = "NOT_FOUND"
	Forbidden                 Code = "FORBIDDEN"
	ValidationError           Code = "VALIDATION_ERROR"
	AlreadyExists             Code = "ALREADY_EXISTS"
	Expired                   Code = "EXPIRED"
	EmailMismatch             Code = "EMAIL_MISMATCH"
	Unauthorized              Code = "UNAUTHORIZED"
	RateLimitExceeded         Code = "RATE_LIMIT_EXCEEDED"
	Internal                  Code = "INTERNAL_ERROR"
)

// Error carries a taxonomy code, a user-facing message and an optional cause.
// The message must never contain tokens or secrets.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// HTTPStatus maps a code to the response status used at the HTTP boundary.
func HTTPStatus(code Code) int {
	switch code {
	case BadRequest, MissingParams, ProviderDenied:
		return http.StatusBadRequest
	case InvalidState:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, EmailMismatch:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case Expired:
		return http.StatusGone
	case ValidationError:
		return http.StatusUnprocessableEntity
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case TokenExchangeFailed:
		return http.StatusBadGateway
	case ConfigMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
