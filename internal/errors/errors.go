// Package errors provides error codes shared by the local store, the sync
// queue and the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can be surfaced to UI clients over the local API.
type ErrorCode string

const (
	// General errors
	ErrInternal             ErrorCode = "INTERNAL_ERROR"
	ErrInvalid              ErrorCode = "INVALID_INPUT"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrValidation           ErrorCode = "VALIDATION_ERROR"
	ErrConfirmationRequired ErrorCode = "CONFIRMATION_REQUIRED"

	// Storage errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Queue errors
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"

	// Sync errors
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncTransport     ErrorCode = "SYNC_TRANSPORT"
	ErrSyncRejected      ErrorCode = "SYNC_REJECTED"
	ErrSyncOffline       ErrorCode = "SYNC_OFFLINE"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrBackgroundExpired ErrorCode = "BACKGROUND_EXPIRED"
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

// Is reports whether any AppError in err's chain carries code.
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

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
