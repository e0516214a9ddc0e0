/*
Package errs provides custom error types and application-level error code constants.

This file defines CustomError, which carries a business code, a user-facing message and an HTTP
status so handlers can report failures uniformly. The same codes travel in the response envelope.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"foliochat/internal/pkg/logx"
)

// CustomError is the error structure used by every HTTP-facing component of the server.
type CustomError struct {
	// Code is the business error code (see constants definition).
	Code int

	// Message is the user-friendly error description.
	Message string

	// Status is the HTTP status code corresponding to this error.
	Status int
}

// Error implements the error interface.
func (e CustomError) Error() string {
	return fmt.Sprintf("code %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Is matches any CustomError with the same code, so errors.Is(err, NewError(code)) works.
func (e *CustomError) Is(target error) bool {
	var other *CustomError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Lookup returns the template registered for code.
func Lookup(code int) (CustomError, bool) {
	tmpl, ok := errorMap[code]
	if !ok {
		return CustomError{}, false
	}
	if tmpl.Status == 0 {
		// realtime-only codes travel in ERROR frames, never as an HTTP failure.
		tmpl.Status = http.StatusOK
	}
	return tmpl, true
}

// NewError constructs a *CustomError from a predefined code.
// Details are printf arguments for templates containing verbs. For ErrUnknown, a leading error
// detail is logged instead. Unknown codes degrade to ErrUnknown.
func NewError(code int, details ...any) *CustomError {
	customErr, ok := Lookup(code)
	if !ok {
		logx.Error(
			fmt.Errorf("no template for error code %d", code),
			"Unknown error code requested",
			"requested_code", code,
		)

		unknown, _ := Lookup(ErrUnknown)
		return &unknown
	}

	switch {
	case len(details) == 0:
	case code == ErrUnknown:
		if cause, ok := details[0].(error); ok {
			logx.Error(cause, "Handling ErrUnknown with underlying error")
		}
	case strings.Contains(customErr.Message, "%"):
		customErr.Message = fmt.Sprintf(customErr.Message, details...)
	default:
		logx.Warn("Error template takes no details; details ignored.", "code", code)
	}

	return &customErr
}

// HasCode reports whether err wraps a CustomError with the given code.
func HasCode(err error, code int) bool {
	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.Code == code
	}
	return false
}
