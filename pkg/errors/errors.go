// Package errors defines the coded error taxonomy shared by the engine.
package errors

import "fmt"

// AppError carries a machine-readable code alongside a human-readable message.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// CodeOf extracts the error code, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	if app, ok := err.(*AppError); ok {
		return app.Code
	}
	return CodeUnknown
}

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

func Forbidden(msg string) error {
	return New(CodeAuthorization, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Conflict(msg string) error {
	return New(CodeConflict, msg)
}

func Transport(msg string, cause error) error {
	return Wrap(CodeTransport, msg, cause)
}

func Subscription(msg string, cause error) error {
	return Wrap(CodeSubscription, msg, cause)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}
