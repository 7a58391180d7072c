package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the write path and the loan engine. Callers branch
// on these with errors.Is; wrapped variants carry the detail.
var (
	// ErrInsufficientBalance rejects a debit that would take a bucket
	// below zero. Nothing is written when this is returned.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidStateTransition rejects a loan operation not allowed
	// from the loan's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrLoanForfeited rejects settlement of a cancelled loan. Amounts
	// already paid are not returned.
	ErrLoanForfeited = errors.New("loan cancelled, paid amounts forfeited")

	// ErrNotFound is returned by lookups that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrValidation rejects a structurally invalid request before it
	// reaches storage.
	ErrValidation = errors.New("validation failed")
)

// InsufficientBalanceError wraps ErrInsufficientBalance with the figures
// that caused the rejection.
type InsufficientBalanceError struct {
	Asset     string
	Bucket    Bucket
	Available string
	Requested string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s %s available %s, requested %s",
		e.Asset, e.Bucket, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// StorageError wraps an infrastructure failure (connection loss, tx
// failure, constraint violation other than the idempotency index). The
// logical operation may be retried with the same idempotency key.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage annotates err as a storage failure, or passes nil through.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
