package loan

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is loan and installment persistence. Implementations back the
// multi-row operations (ActivateWithSchedule, SettleAndClose) with a
// single transaction so the loan row and its installments never disagree.
type Store interface {
	CreateLoan(ctx context.Context, l *Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	ListLoans(ctx context.Context, userID uuid.UUID, limit int) ([]*Loan, error)

	// UpdateLoan persists the mutable loan fields (status, amounts,
	// timestamps, notes) guarded by the expected current status. Returns
	// ErrStaleLoan when the row no longer holds expectedStatus.
	UpdateLoan(ctx context.Context, l *Loan, expectedStatus Status) error

	// ActivateWithSchedule inserts the installment schedule and moves the
	// loan disbursed -> active in one transaction. Re-running it for an
	// already-active loan is a no-op.
	ActivateWithSchedule(ctx context.Context, loanID uuid.UUID, schedule []*Installment) error

	ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*Installment, error)

	// PayInstallment marks one installment paid. No-op if already paid.
	PayInstallment(ctx context.Context, installmentID uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) error

	// SettleAndClose marks every unpaid installment paid and closes the
	// loan, all in one transaction. It only touches rows still in a
	// non-paid state, so re-running after a partial failure converges.
	SettleAndClose(ctx context.Context, loanID uuid.UUID, closedAt time.Time) error

	// MarkOverdue flips due installments whose due_date has passed to
	// overdue and returns the ids of loans that gained an overdue
	// installment.
	MarkOverdue(ctx context.Context, asOf time.Time) ([]uuid.UUID, error)
}
