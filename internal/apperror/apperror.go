// Package apperror defines the error taxonomy shared by every CodeVault service
// and the uniform result value returned across the public boundary.
package apperror

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Kind classifies a failure.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindNotFound        Kind = "not_found"
	KindUnauthorized    Kind = "unauthorized"
	KindValidation      Kind = "validation"
	KindBackend         Kind = "backend"
)

const backendMessage = "Something went wrong, please try again"

// Error is the structured error returned by services.
// Op is a dotted "<package>.<operation>" code; Message is safe to show to users.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind through the sentinel values below.
func (e *Error) Is(target error) bool {
	var sentinel *Error
	if !errors.As(target, &sentinel) || sentinel.Op != "" {
		return false
	}
	return sentinel.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrBackend         = &Error{Kind: KindBackend}
)

func Unauthenticated(op string) *Error {
	return &Error{Kind: KindUnauthenticated, Op: op, Message: "You must be signed in"}
}

func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

func Unauthorized(op, message string) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: message}
}

func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// Invalid converts a validator failure into a Validation error naming the
// first offending field. Other errors produce fallback.
func Invalid(op string, err error, fallback string) *Error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return Validation(op, fallback)
	}
	first := fieldErrors[0]
	if first.Tag() == "required" {
		return Validation(op, first.Field()+" is required")
	}
	return Validation(op, first.Field()+" is invalid")
}

// Backend wraps a storage or provider failure. The cause is kept for logs and
// never shown to users.
func Backend(op string, cause error) *Error {
	return &Error{Kind: KindBackend, Op: op, Message: backendMessage, Err: cause}
}

// KindOf reports the kind of err. Errors that did not originate here are
// treated as backend failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindBackend
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return backendMessage
}

// Result is the value every public mutation returns instead of an error.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Kind    Kind   `json:"kind,omitempty"`
}

// OK is the successful result.
func OK() Result {
	return Result{Success: true}
}

// ToResult folds err into a Result.
func ToResult(err error) Result {
	if err == nil {
		return OK()
	}
	return Result{Success: false, Error: MessageOf(err), Kind: KindOf(err)}
}
