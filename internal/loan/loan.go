package loan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the loan lifecycle state.
//
//	applied -> approved -> disbursed -> active <-> in_arrears
//	active|in_arrears -> closed | cancelled | written_off
//
// closed, cancelled, and written_off are terminal.
type Status string

const (
	StatusApplied    Status = "applied"
	StatusApproved   Status = "approved"
	StatusDisbursed  Status = "disbursed"
	StatusActive     Status = "active"
	StatusInArrears  Status = "in_arrears"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
	StatusWrittenOff Status = "written_off"
)

var transitions = map[Status][]Status{
	StatusApplied:   {StatusApproved, StatusCancelled},
	StatusApproved:  {StatusDisbursed, StatusCancelled},
	StatusDisbursed: {StatusActive},
	StatusActive:    {StatusInArrears, StatusClosed, StatusCancelled, StatusWrittenOff},
	StatusInArrears: {StatusActive, StatusClosed, StatusCancelled, StatusWrittenOff},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Loan is a fixed-rate installment loan denominated in BSK.
// total_due = principal * (1 + rate_per_period * tenor), flat rate.
type Loan struct {
	ID                    uuid.UUID
	LoanNumber            string
	UserID                uuid.UUID
	PrincipalAmount       decimal.Decimal
	OriginationFee        decimal.Decimal
	InterestRatePerPeriod decimal.Decimal
	TenorPeriods          int
	PeriodDays            int
	Status                Status
	OutstandingAmount     decimal.Decimal
	PaidAmount            decimal.Decimal
	AppliedAt             time.Time
	ApprovedAt            *time.Time
	DisbursedAt           *time.Time
	ClosedAt              *time.Time
	AdminNotes            string
}

// TotalDue returns principal plus flat interest over the full tenor.
func (l *Loan) TotalDue() decimal.Decimal {
	interest := l.PrincipalAmount.
		Mul(l.InterestRatePerPeriod).
		Mul(decimal.NewFromInt(int64(l.TenorPeriods)))
	return l.PrincipalAmount.Add(interest)
}

// DisbursalAmount is what the borrower actually receives: principal minus
// the origination fee, which is retained as platform revenue.
func (l *Loan) DisbursalAmount() decimal.Decimal {
	return l.PrincipalAmount.Sub(l.OriginationFee)
}

// InstallmentStatus is the state of a single scheduled payment.
type InstallmentStatus string

const (
	InstallmentDue     InstallmentStatus = "due"
	InstallmentOverdue InstallmentStatus = "overdue"
	InstallmentPaid    InstallmentStatus = "paid"
)

// Installment is one scheduled payment of a loan. installment_number is
// contiguous 1..tenor_periods and unique per loan.
type Installment struct {
	ID                uuid.UUID
	LoanID            uuid.UUID
	InstallmentNumber int
	AmountDue         decimal.Decimal
	Status            InstallmentStatus
	DueDate           time.Time
	PaidAt            *time.Time
	PaidAmount        decimal.Decimal
	LateFee           decimal.Decimal
}

// Unpaid reports whether the installment still counts toward payoff.
func (i *Installment) Unpaid() bool {
	return i.Status == InstallmentDue || i.Status == InstallmentOverdue
}

// NewLoanNumber derives a human-readable loan number from the loan id.
// Stable per loan, so retried creation produces the same number.
func NewLoanNumber(id uuid.UUID, appliedAt time.Time) string {
	return fmt.Sprintf("BSK-%s-%08X", appliedAt.UTC().Format("20060102"), id.ID())
}
