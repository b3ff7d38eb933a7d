// Package apperr defines the error-code namespace shared by the task queue,
// the retry executor, and user-facing messaging, plus the tagged error type
// that crosses component boundaries.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
)

// Well-known error codes. Codes are an open namespace: new codes can be
// added without touching call sites because classification is a table
// lookup, not a type switch.
const (
	CodeParseFailed      = "E001" // model output did not match the expected structure
	CodeMissingField     = "E002"
	CodeInvalidReference = "E003"
	CodeRateLimited      = "E100"
	CodeUpstreamTimeout  = "E101"
	CodeUpstreamError    = "E102"
	CodeAuthFailed       = "E103"
	CodeModelCapability  = "E200"
	CodeContextTooLarge  = "E201"
)

// AppError is the tagged failure form used across component boundaries:
// a stable code, a short human-readable message, and optional details that
// never reach the user directly.
type AppError struct {
	Code    string
	Message string
	Details any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an AppError with the given code and message.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithDetails returns a copy of e carrying details for logs and debugging.
func (e *AppError) WithDetails(details any) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, Details: details}
}

// CodeOf extracts the error code from err, or empty string when err carries
// no AppError anywhere in its chain. An empty code classifies as Unknown.
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// TaskError is one entry in a task's append-only error log.
type TaskError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
}

// Record builds a TaskError for err at the given attempt.
func Record(err error, attempt int) TaskError {
	code := CodeOf(err)
	if code == "" {
		code = "UNKNOWN"
	}
	return TaskError{
		Code:      code,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		Attempt:   attempt,
	}
}
