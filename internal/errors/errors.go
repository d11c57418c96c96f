// Package errors provides unified error handling with a closed set of error codes.
// Codes are shared by the capture, dispatch, and HTTP layers so a failure keeps its
// meaning from the device all the way to the presentation boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code uint8

const (
	Unknown Code = iota
	Internal
	InvalidState
	PermissionDenied
	DeviceUnavailable
	EncodeFinalizeEmpty
	NetworkError
	ServerError
	MalformedResponse
	ConfigInvalid
)

var codeNames = [...]string{
	Unknown:             "UNKNOWN",
	Internal:            "INTERNAL",
	InvalidState:        "INVALID_STATE",
	PermissionDenied:    "PERMISSION_DENIED",
	DeviceUnavailable:   "DEVICE_UNAVAILABLE",
	EncodeFinalizeEmpty: "ENCODE_FINALIZE_EMPTY",
	NetworkError:        "NETWORK_ERROR",
	ServerError:         "SERVER_ERROR",
	MalformedResponse:   "MALFORMED_RESPONSE",
	ConfigInvalid:       "CONFIG_INVALID",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return codeNames[Unknown]
}

// httpStatusMap maps error codes to HTTP status codes for the server boundary.
var httpStatusMap = map[Code]int{
	Unknown:             http.StatusInternalServerError,
	Internal:            http.StatusInternalServerError,
	InvalidState:        http.StatusConflict,
	PermissionDenied:    http.StatusForbidden,
	DeviceUnavailable:   http.StatusServiceUnavailable,
	EncodeFinalizeEmpty: http.StatusNoContent,
	NetworkError:        http.StatusBadGateway,
	ServerError:         http.StatusBadGateway,
	MalformedResponse:   http.StatusBadGateway,
	ConfigInvalid:       http.StatusBadRequest,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf returns the code of the first AppError in err's chain, or Unknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsTransient reports whether the failure came from the classifier round trip
// rather than from local capture or configuration.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case NetworkError, ServerError, MalformedResponse:
		return true
	default:
		return false
	}
}
