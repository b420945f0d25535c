package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/lib/pq"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// PostgreSQL error codes the ledger cares about.
const (
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
	codeCheckViolation       = "23514"
	codeForeignKeyViolation  = "23503"
	codeUniqueViolation      = "23505"
	codeNotNullViolation     = "23502"
)

// MapError translates a storage error into the ledger error taxonomy.
// AppErrors and context errors pass through untouched; anything
// unrecognised becomes a StorageFailure carrying the original error as its
// cause.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	// A cancelled request rolled back; it is not a storage failure.
	if IsCanceled(err) {
		return err
	}

	if mapped := MapPQError(err); mapped != nil {
		return mapped
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("record").WithCause(err)
	}

	return errors.StorageFailure(err)
}

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure:
		return errors.LockTimeout(err)

	case codeCheckViolation:
		return mapCheckConstraint(pqErr).WithCause(err)

	case codeForeignKeyViolation:
		return mapForeignKey(pqErr).WithCause(err)

	case codeUniqueViolation:
		return errors.Conflict(formatConstraintMessage(pqErr)).WithCause(err)

	case codeNotNullViolation:
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		}).WithCause(err)

	default:
		return nil
	}
}

// mapCheckConstraint maps specific CHECK constraint names to ledger errors.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "available_nonnegative"):
		return errors.InsufficientStock(0, 0).WithDetail("constraint", constraint)

	case strings.Contains(constraint, "available_within_original"):
		return errors.InvalidArgument("available quantity cannot exceed original quantity")

	case strings.Contains(constraint, "quantity_positive"):
		return errors.InvalidArgument("quantity must be positive")

	case strings.Contains(constraint, "status_valid"):
		return errors.InvalidArgument("status is not a recognised value")

	default:
		return errors.InvalidArgument("data validation failed: " + constraint)
	}
}

func mapForeignKey(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.HasSuffix(constraint, "medicine_fk"):
		return errors.UnknownMedicine(pqErr.Detail)
	case strings.HasSuffix(constraint, "batch_fk"):
		return errors.UnknownBatch(pqErr.Detail)
	default:
		return errors.InvalidArgument("referenced record does not exist")
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "lot_number"):
		return "a batch with this lot number already exists for the medicine"
	case strings.Contains(constraint, "code"):
		return "a record with this code already exists"
	default:
		return "a record with these values already exists"
	}
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
