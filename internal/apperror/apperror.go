// Package apperror defines the error taxonomy shared by every layer.
//
// Each category is a sentinel error. Constructors return an *AppError that
// wraps the sentinel, so callers match categories with errors.Is and read the
// human-readable message with errors.As:
//
//	var appErr *apperror.AppError
//	if errors.As(err, &appErr) && errors.Is(err, apperror.ErrCrossDocument) {
//	    // tell the user to restart the kernel first
//	}
package apperror

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	// Kernel failures. They surface from the kernel manager to the caller of
	// Execute unchanged.
	ErrSpawn            = errors.New("kernel spawn failed")
	ErrReadinessTimeout = errors.New("kernel readiness timeout")
	ErrProtocol         = errors.New("kernel protocol error")
	ErrProcessClosed    = errors.New("kernel process closed")
	ErrKernelRestarted  = errors.New("kernel restarted")
	ErrCrossDocument    = errors.New("cross-document execution")
)

type AppError struct {
	Err      error  // category sentinel
	Message  string // Human-readable error message
	Field    string // Optional: field causing the error
	Language string // Optional: kernel language the error belongs to
	Cause    error  // Optional: underlying error (exec failure, decode error...)
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the category and the underlying cause to errors.Is.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized reports missing or wrong credentials. HTTP handlers map this
// to 401.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// SpawnFailed reports that the interpreter executable could not be launched.
func SpawnFailed(language, path string, cause error) *AppError {
	return &AppError{
		Err:      ErrSpawn,
		Message:  fmt.Sprintf("failed to start %s interpreter %q", language, path),
		Language: language,
		Cause:    cause,
	}
}

// ReadinessTimeout reports an interpreter that never printed its ready marker.
func ReadinessTimeout(language string, after time.Duration) *AppError {
	return &AppError{
		Err:      ErrReadinessTimeout,
		Message:  fmt.Sprintf("%s kernel did not become ready within %s", language, after),
		Language: language,
	}
}

// Protocol reports a malformed or unmatched response frame.
func Protocol(language, message string, cause error) *AppError {
	return &AppError{
		Err:      ErrProtocol,
		Message:  fmt.Sprintf("%s kernel: %s", language, message),
		Language: language,
		Cause:    cause,
	}
}

// ProcessClosed reports that the interpreter exited while work was pending.
func ProcessClosed(language, message string) *AppError {
	return &AppError{
		Err:      ErrProcessClosed,
		Message:  fmt.Sprintf("%s kernel: %s", language, message),
		Language: language,
	}
}

// KernelRestarted is returned to requests discarded by an explicit restart.
func KernelRestarted(language string) *AppError {
	return &AppError{
		Err:      ErrKernelRestarted,
		Message:  fmt.Sprintf("%s kernel was restarted before the execution finished", language),
		Language: language,
	}
}

// CrossDocument refuses execution against a kernel bound to another document.
func CrossDocument(language, bound, requested string) *AppError {
	return &AppError{
		Err:      ErrCrossDocument,
		Message:  fmt.Sprintf("%s kernel is bound to %s; restart it before executing code from %s", language, bound, requested),
		Language: language,
	}
}
