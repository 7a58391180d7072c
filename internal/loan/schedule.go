package loan

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// amountScale is the decimal precision installments are rounded to.
const amountScale = 8

// BuildSchedule generates the full installment schedule for a loan at
// disbursal time. tenor_periods equal EMIs, due dates spaced PeriodDays
// apart starting one period after disbursal. Rounding remainder lands on
// the last installment so the schedule sums exactly to TotalDue.
func BuildSchedule(l *Loan, disbursedAt time.Time) []*Installment {
	total := l.TotalDue()
	n := l.TenorPeriods
	emi := total.DivRound(decimal.NewFromInt(int64(n)), amountScale)

	installments := make([]*Installment, 0, n)
	allocated := decimal.Zero
	for i := 1; i <= n; i++ {
		due := emi
		if i == n {
			due = total.Sub(allocated)
		}
		allocated = allocated.Add(due)

		installments = append(installments, &Installment{
			ID:                uuid.New(),
			LoanID:            l.ID,
			InstallmentNumber: i,
			AmountDue:         due,
			Status:            InstallmentDue,
			DueDate:           disbursedAt.AddDate(0, 0, i*l.PeriodDays),
			PaidAmount:        decimal.Zero,
			LateFee:           decimal.Zero,
		})
	}
	return installments
}

// PayoffAmount sums amount_due over installments still due or overdue.
func PayoffAmount(installments []*Installment) decimal.Decimal {
	payoff := decimal.Zero
	for _, inst := range installments {
		if inst.Unpaid() {
			payoff = payoff.Add(inst.AmountDue)
		}
	}
	return payoff
}
