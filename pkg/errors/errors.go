package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Ledger error kinds. Every error returned by the ledger, the allocator and
// the workflows matches exactly one of these with errors.Is.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnknownBatch      = errors.New("unknown batch")
	ErrUnknownMedicine   = errors.New("unknown medicine")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrStorageFailure    = errors.New("storage failure")
	ErrInvalidState      = errors.New("invalid state")
	ErrNotFound          = errors.New("resource not found")
	ErrConflict          = errors.New("resource conflict")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Cause      error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// WithDetail adds a single detail entry.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches the lower-level error that triggered this one.
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Common error constructors

func InvalidArgument(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidArgument,
		Code:       "INVALID_ARGUMENT",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func UnknownBatch(batchID string) *AppError {
	return &AppError{
		Err:        ErrUnknownBatch,
		Code:       "UNKNOWN_BATCH",
		Message:    fmt.Sprintf("batch %s not found", batchID),
		StatusCode: http.StatusNotFound,
		Details:    map[string]string{"batch_id": batchID},
	}
}

func UnknownMedicine(medicineID string) *AppError {
	return &AppError{
		Err:        ErrUnknownMedicine,
		Code:       "UNKNOWN_MEDICINE",
		Message:    fmt.Sprintf("medicine %s not found", medicineID),
		StatusCode: http.StatusNotFound,
		Details:    map[string]string{"medicine_id": medicineID},
	}
}

// InsufficientStock reports how much was asked for and how much could be served.
func InsufficientStock(requested, available int) *AppError {
	return &AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    fmt.Sprintf("requested %d, only %d available", requested, available),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"requested": fmt.Sprint(requested),
			"available": fmt.Sprint(available),
		},
	}
}

func LockTimeout(cause error) *AppError {
	return &AppError{
		Err:        ErrLockTimeout,
		Cause:      cause,
		Code:       "LOCK_TIMEOUT",
		Message:    "could not acquire stock lock in time",
		StatusCode: http.StatusServiceUnavailable,
	}
}

func StorageFailure(cause error) *AppError {
	return &AppError{
		Err:        ErrStorageFailure,
		Cause:      cause,
		Code:       "STORAGE_FAILURE",
		Message:    "storage operation failed",
		StatusCode: http.StatusInternalServerError,
	}
}

func InvalidState(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidState,
		Code:       "INVALID_STATE",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrInvalidArgument,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// Internal wraps an unexpected error as a storage failure.
func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrStorageFailure,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Kind returns the ledger sentinel an error carries, or ErrStorageFailure when
// the error is not one of ours.
func Kind(err error) error {
	for _, k := range []error{
		ErrInvalidArgument, ErrUnknownBatch, ErrUnknownMedicine,
		ErrInsufficientStock, ErrLockTimeout, ErrInvalidState,
		ErrNotFound, ErrConflict, ErrStorageFailure,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrStorageFailure
}

// Annotate adds a detail to err when it is an AppError and returns err.
func Annotate(err error, key, value string) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.WithDetail(key, value)
	}
	return err
}
