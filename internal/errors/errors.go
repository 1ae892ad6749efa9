// Package errors defines the API error type returned by the hashstore HTTP
// gateway and the mapping from store errors to it.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/bleepstore/hashstore/internal/cas"
	"github.com/bleepstore/hashstore/internal/hashing"
	"github.com/bleepstore/hashstore/internal/storage"
)

// APIError is an error with a machine-readable code, a human-readable
// message and the HTTP status code to respond with.
type APIError struct {
	// Code is the error code (e.g., "NoSuchKey", "InvalidKey").
	Code string `json:"code"`
	// Message is a human-readable description of the error.
	Message string `json:"message"`
	// HTTPStatus is the HTTP status code to return (e.g., 404, 400).
	HTTPStatus int `json:"-"`
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("APIError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the APIError with a different message.
func (e *APIError) WithMessage(msg string) *APIError {
	cp := *e
	cp.Message = msg
	return &cp
}

// Pre-defined errors for common conditions.
var (
	// ErrNoSuchKey is returned when no blob is stored under the key.
	ErrNoSuchKey = &APIError{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist",
		HTTPStatus: 404,
	}

	// ErrInvalidKey is returned when the key is not a hex digest.
	ErrInvalidKey = &APIError{
		Code:       "InvalidKey",
		Message:    "The key must be a lowercase hex digest of at least 4 bytes",
		HTTPStatus: 400,
	}

	// ErrInvalidArgument is returned for malformed request parameters.
	ErrInvalidArgument = &APIError{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: 400,
	}

	// ErrBadDigest is returned when stored content does not match its key.
	ErrBadDigest = &APIError{
		Code:       "BadDigest",
		Message:    "The stored content does not match its key",
		HTTPStatus: 500,
	}

	// ErrEntityTooLarge is returned when the body exceeds the configured limit.
	ErrEntityTooLarge = &APIError{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed size",
		HTTPStatus: 413,
	}

	// ErrMethodNotAllowed is returned for unsupported methods on a route.
	ErrMethodNotAllowed = &APIError{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource",
		HTTPStatus: 405,
	}

	// ErrInternalError is returned on unexpected server errors.
	ErrInternalError = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}

	// ErrServiceUnavailable is returned when the store is closed or corrupt.
	ErrServiceUnavailable = &APIError{
		Code:       "ServiceUnavailable",
		Message:    "The store is unavailable",
		HTTPStatus: 503,
	}
)

// FromError maps err to an APIError. An APIError anywhere in the chain is
// returned as is; store sentinels get their fixed mapping; anything else is
// an internal error.
func FromError(err error) *APIError {
	var apiErr *APIError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &apiErr):
		return apiErr
	case stderrors.Is(err, storage.ErrNotFound):
		return ErrNoSuchKey
	case stderrors.Is(err, storage.ErrInvalidKey), stderrors.Is(err, hashing.ErrInvalidKey):
		return ErrInvalidKey
	case stderrors.Is(err, cas.ErrHashMismatch):
		return ErrBadDigest
	case stderrors.Is(err, storage.ErrClosed), stderrors.Is(err, storage.ErrCorrupt):
		return ErrServiceUnavailable
	default:
		return ErrInternalError
	}
}
