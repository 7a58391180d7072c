package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"BskLedger/internal/ledger"
	"BskLedger/internal/loan"
)

// LoanStore implements loan.Store on Postgres. Multi-row operations run
// in a single transaction so the loan row and its installments never
// disagree.
type LoanStore struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewLoanStore(db *sql.DB, log zerolog.Logger) *LoanStore {
	return &LoanStore{db: db, log: log}
}

const loanColumns = `
	id, loan_number, user_id, principal_amount, origination_fee,
	interest_rate_per_period, tenor_periods, period_days, status,
	outstanding_amount, paid_amount, applied_at, approved_at,
	disbursed_at, closed_at, admin_notes`

func (s *LoanStore) CreateLoan(ctx context.Context, l *loan.Loan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, l.ID, l.LoanNumber, l.UserID, l.PrincipalAmount, l.OriginationFee,
		l.InterestRatePerPeriod, l.TenorPeriods, l.PeriodDays, string(l.Status),
		l.OutstandingAmount, l.PaidAmount, l.AppliedAt, l.ApprovedAt,
		l.DisbursedAt, l.ClosedAt, l.AdminNotes)
	return ledger.WrapStorage("create loan", err)
}

func (s *LoanStore) GetLoan(ctx context.Context, id uuid.UUID) (*loan.Loan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+loanColumns+` FROM loans WHERE id = $1
	`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, ledger.WrapStorage("get loan", err)
	}
	return l, nil
}

func (s *LoanStore) ListLoans(ctx context.Context, userID uuid.UUID, limit int) ([]*loan.Loan, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+loanColumns+` FROM loans
		WHERE user_id = $1
		ORDER BY applied_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, ledger.WrapStorage("list loans", err)
	}
	defer rows.Close()

	var loans []*loan.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, ledger.WrapStorage("scan loan", err)
		}
		loans = append(loans, l)
	}
	return loans, ledger.WrapStorage("list loans", rows.Err())
}

func (s *LoanStore) UpdateLoan(ctx context.Context, l *loan.Loan, expectedStatus loan.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loans SET
			status = $1, outstanding_amount = $2, paid_amount = $3,
			approved_at = $4, disbursed_at = $5, closed_at = $6, admin_notes = $7
		WHERE id = $8 AND status = $9
	`, string(l.Status), l.OutstandingAmount, l.PaidAmount,
		l.ApprovedAt, l.DisbursedAt, l.ClosedAt, l.AdminNotes,
		l.ID, string(expectedStatus))
	if err != nil {
		return ledger.WrapStorage("update loan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.WrapStorage("update loan", err)
	}
	if n == 0 {
		return loan.ErrStaleLoan
	}
	return nil
}

func (s *LoanStore) ActivateWithSchedule(ctx context.Context, loanID uuid.UUID, schedule []*loan.Installment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.WrapStorage("begin tx", err)
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM loans WHERE id = $1 FOR UPDATE`, loanID,
	).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		return ledger.WrapStorage("lock loan", err)
	}
	if status == string(loan.StatusActive) {
		return nil
	}
	if status != string(loan.StatusDisbursed) {
		return loan.ErrStaleLoan
	}

	for _, inst := range schedule {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO installments
				(id, loan_id, installment_number, amount_due, status,
				 due_date, paid_at, paid_amount, late_fee)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (loan_id, installment_number) DO NOTHING
		`, inst.ID, inst.LoanID, inst.InstallmentNumber, inst.AmountDue,
			string(inst.Status), inst.DueDate, inst.PaidAt, inst.PaidAmount, inst.LateFee); err != nil {
			return ledger.WrapStorage("insert installment", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE loans SET status = $1 WHERE id = $2`,
		string(loan.StatusActive), loanID); err != nil {
		return ledger.WrapStorage("activate loan", err)
	}

	return ledger.WrapStorage("commit", tx.Commit())
}

func (s *LoanStore) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*loan.Installment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, installment_number, amount_due, status,
		       due_date, paid_at, paid_amount, late_fee
		FROM installments
		WHERE loan_id = $1
		ORDER BY installment_number
	`, loanID)
	if err != nil {
		return nil, ledger.WrapStorage("list installments", err)
	}
	defer rows.Close()

	var installments []*loan.Installment
	for rows.Next() {
		var inst loan.Installment
		var status string
		if err := rows.Scan(&inst.ID, &inst.LoanID, &inst.InstallmentNumber,
			&inst.AmountDue, &status, &inst.DueDate, &inst.PaidAt,
			&inst.PaidAmount, &inst.LateFee); err != nil {
			return nil, ledger.WrapStorage("scan installment", err)
		}
		inst.Status = loan.InstallmentStatus(status)
		installments = append(installments, &inst)
	}
	return installments, ledger.WrapStorage("list installments", rows.Err())
}

func (s *LoanStore) PayInstallment(ctx context.Context, installmentID uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE installments
		SET status = $1, paid_at = $2, paid_amount = $3
		WHERE id = $4 AND status <> $1
	`, string(loan.InstallmentPaid), paidAt, paidAmount, installmentID)
	return ledger.WrapStorage("pay installment", err)
}

// SettleAndClose marks every unpaid installment paid and closes the loan
// in one transaction. Only non-paid rows are touched, so re-running after
// a partial failure converges on the same end state.
func (s *LoanStore) SettleAndClose(ctx context.Context, loanID uuid.UUID, closedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.WrapStorage("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE installments
		SET status = $1, paid_at = $2, paid_amount = amount_due
		WHERE loan_id = $3 AND status <> $1
	`, string(loan.InstallmentPaid), closedAt, loanID); err != nil {
		return ledger.WrapStorage("mark installments paid", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE loans
		SET status = $1, outstanding_amount = 0, paid_amount = principal_amount,
		    closed_at = COALESCE(closed_at, $2)
		WHERE id = $3 AND status <> $1
	`, string(loan.StatusClosed), closedAt, loanID); err != nil {
		return ledger.WrapStorage("close loan", err)
	}

	return ledger.WrapStorage("commit", tx.Commit())
}

func (s *LoanStore) MarkOverdue(ctx context.Context, asOf time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE installments
		SET status = $1
		WHERE status = $2 AND due_date < $3
		RETURNING loan_id
	`, string(loan.InstallmentOverdue), string(loan.InstallmentDue), asOf)
	if err != nil {
		return nil, ledger.WrapStorage("mark overdue", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]bool)
	var loanIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, ledger.WrapStorage("scan overdue loan", err)
		}
		if !seen[id] {
			seen[id] = true
			loanIDs = append(loanIDs, id)
		}
	}
	return loanIDs, ledger.WrapStorage("mark overdue", rows.Err())
}

type loanScanner interface {
	Scan(dest ...interface{}) error
}

func scanLoan(row loanScanner) (*loan.Loan, error) {
	var l loan.Loan
	var status string
	if err := row.Scan(&l.ID, &l.LoanNumber, &l.UserID, &l.PrincipalAmount,
		&l.OriginationFee, &l.InterestRatePerPeriod, &l.TenorPeriods,
		&l.PeriodDays, &status, &l.OutstandingAmount, &l.PaidAmount,
		&l.AppliedAt, &l.ApprovedAt, &l.DisbursedAt, &l.ClosedAt,
		&l.AdminNotes); err != nil {
		return nil, err
	}
	l.Status = loan.Status(status)
	return &l, nil
}
