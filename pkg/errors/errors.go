// Package errors carries HTTP-facing failures. Domain errors stay plain Go
// errors and are mapped to an AppError at the edge.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a class of failure: the code clients match on and its HTTP status.
type Kind struct {
	Code   string
	Status int
}

var (
	KindBadRequest  = Kind{Code: "BAD_REQUEST", Status: http.StatusBadRequest}
	KindAuth        = Kind{Code: "UNAUTHORIZED", Status: http.StatusUnauthorized}
	KindForbidden   = Kind{Code: "FORBIDDEN", Status: http.StatusForbidden}
	KindNotFound    = Kind{Code: "NOT_FOUND", Status: http.StatusNotFound}
	KindConflict    = Kind{Code: "CONFLICT", Status: http.StatusConflict}
	KindInternal    = Kind{Code: "INTERNAL_ERROR", Status: http.StatusInternalServerError}
	KindUnavailable = Kind{Code: "SERVICE_UNAVAILABLE", Status: http.StatusServiceUnavailable}
)

// New builds an AppError of this kind. err is the cause and is never shown
// to clients.
func (k Kind) New(message string, err error) *AppError {
	return &AppError{Code: k.Code, Message: message, Status: k.Status, Err: err}
}

// AppError represents an application error with HTTP status code
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError of the same code and message, so the
// sentinels below work with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code && t.Message == e.Message
}

func BadRequest(message string, err error) *AppError {
	return KindBadRequest.New(message, err)
}

func Unauthorized(message string, err error) *AppError {
	return KindAuth.New(message, err)
}

func Forbidden(message string, err error) *AppError {
	return KindForbidden.New(message, err)
}

func NotFound(message string, err error) *AppError {
	return KindNotFound.New(message, err)
}

func Conflict(message string, err error) *AppError {
	return KindConflict.New(message, err)
}

func Internal(message string, err error) *AppError {
	return KindInternal.New(message, err)
}

// ServiceUnavailable is a dependency failure the client may retry.
func ServiceUnavailable(message string, err error) *AppError {
	return KindUnavailable.New(message, err)
}

var (
	ErrMissingPrincipal = Unauthorized("Authentication required", nil)
	ErrDriverRequired   = Forbidden("Driver profile required", nil)
	ErrRiderRequired    = Forbidden("Rider account required", nil)
)

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError returns the AppError in err's chain, or a generic internal
// error when there is none.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("An unexpected error occurred", err)
}
