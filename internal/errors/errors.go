// Package errors provides error codes shared by the store, the sync engine and the host
// processes. Codes are stable strings so they can cross the mobile FFI boundary unchanged.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be reported to host shells.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Store errors
	ErrDuplicateID ErrorCode = "DUPLICATE_ID"
	ErrDatabase    ErrorCode = "DATABASE_ERROR"
	ErrMigration   ErrorCode = "MIGRATION_FAILED"
	ErrStorage     ErrorCode = "STORAGE_ERROR"

	// Sync errors
	ErrSyncFailed  ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout ErrorCode = "SYNC_TIMEOUT"
	ErrProbeFailed ErrorCode = "PROBE_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// DuplicateID reports an insert of a record id that already exists.
func DuplicateID(id string) *AppError {
	return New(ErrDuplicateID, fmt.Sprintf("record %s already exists", id))
}

// NotFound reports an unknown record id.
func NotFound(id string) *AppError {
	return New(ErrNotFound, fmt.Sprintf("record %s not found", id))
}

// Is checks if an error, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in the chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
