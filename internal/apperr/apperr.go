// Package apperr defines the error taxonomy shared by the delivery pipeline,
// the real-time handlers and the REST surface. Every error that reaches a
// client carries a Code so it can be rendered as a socket "error" event or
// an HTTP status without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies the class of an error as seen by clients.
type Code string

const (
	CodeAuthentication      Code = "authentication_error"
	CodeValidation          Code = "validation_error"
	CodeConversationBlocked Code = "conversation_blocked"
	CodeAuthorization       Code = "authorization_error"
	CodeNotFound            Code = "not_found"
	CodeRateLimited         Code = "rate_limited"
	CodeInternal            Code = "internal_error"
)

// AppError is an error with a client-facing code and message. Cause is kept
// for logs and never rendered to clients.
type AppError struct {
	Code       Code
	Message    string
	Cause      error
	RetryAfter time.Duration // only set for CodeRateLimited
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any AppError with the same code, so sentinel values such as
// ErrConversationBlocked can be used with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

func Unauthenticated(msg string) error {
	return New(CodeAuthentication, msg)
}

func Forbidden(msg string) error {
	return New(CodeAuthorization, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Internal(msg string, cause error) error {
	return Wrap(CodeInternal, msg, cause)
}

// RateLimited reports a rejected request together with the time until the
// current window resets.
func RateLimited(retryAfter time.Duration) error {
	return &AppError{
		Code:       CodeRateLimited,
		Message:    "too many messages, slow down",
		RetryAfter: retryAfter,
	}
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrConversationBlocked = &AppError{Code: CodeConversationBlocked}
	ErrValidation          = &AppError{Code: CodeValidation}
	ErrAuthorization       = &AppError{Code: CodeAuthorization}
	ErrAuthentication      = &AppError{Code: CodeAuthentication}
	ErrNotFound            = &AppError{Code: CodeNotFound}
	ErrRateLimited         = &AppError{Code: CodeRateLimited}
)

// ConversationBlocked is returned when the conversation gate rejects traffic.
// The message is meant to be shown to the user as is.
func ConversationBlocked() error {
	return New(CodeConversationBlocked, "this conversation has been restricted")
}

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal for anything else.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the client-safe message for err. Causes of internal
// errors are never exposed.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "internal error"
}

// RetryAfterOf returns the retry hint carried by a rate-limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code == CodeRateLimited {
		return appErr.RetryAfter, true
	}
	return 0, false
}

// HTTPStatus maps a code to the status used by the REST surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConversationBlocked, CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
