// Package errors provides error code definitions shared across the sync engine.
package errors

import "fmt"

// ErrorCode is a stable identifier surfaced to the UI layer and telemetry.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Local persistence errors. Fatal to the operation, not to the process.
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync delivery errors
	ErrNetwork           ErrorCode = "NETWORK_ERROR"      // transport failed, retryable
	ErrTimeout           ErrorCode = "SYNC_TIMEOUT"       // transient, retryable
	ErrServerUnavailable ErrorCode = "SERVER_UNAVAILABLE" // backend 5xx, retryable
	ErrServerValidation  ErrorCode = "VALIDATION_ERROR"   // 4xx, non-retryable
	ErrConflict          ErrorCode = "SYNC_CONFLICT"      // server state diverged
	ErrSyncAuthFailed    ErrorCode = "SYNC_AUTH_FAILED"   // credentials rejected
	ErrRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"    // attempt ceiling reached
	ErrQueueCorruption   ErrorCode = "QUEUE_CORRUPTION"   // FIFO invariant breach
	ErrSyncUnconfigured  ErrorCode = "SYNC_NOT_CONFIGURED"

	// Credential storage errors
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// Retryable reports whether operations failing with this code should loop
// back to pending with backoff instead of being dead-lettered.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrNetwork, ErrTimeout, ErrServerUnavailable:
		return true
	default:
		return false
	}
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	// Payload carries a structured server response tied to the error,
	// such as the authoritative document behind a conflict.
	Payload []byte
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

// NewWithPayload creates an AppError carrying a server response body.
func NewWithPayload(code ErrorCode, message string, payload []byte) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Payload: payload,
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

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// PayloadOf extracts the structured server payload, if any.
func PayloadOf(err error) []byte {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Payload
	}
	return nil
}

// CodeOf extracts the error code, defaulting to ErrInternal.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
