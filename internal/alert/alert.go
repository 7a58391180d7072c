package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BskLedger/internal/loan"
)

// TypeLoanDisbursalFailed pages operators when a settlement debited the
// borrower but could not confirm the principal payout.
const TypeLoanDisbursalFailed = "loan_disbursal_failed"

// Alert is one durable outbox row. Rows are written in the same database
// as the ledger, then shipped to NATS by the Publisher; the two-phase
// shape survives a crash between "alert raised" and "alert delivered".
type Alert struct {
	ID          uuid.UUID
	Type        string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Outbox is durable alert storage.
type Outbox interface {
	Enqueue(ctx context.Context, alertType string, payload interface{}) error
	FetchUnpublished(ctx context.Context, limit int) ([]*Alert, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

// DisbursalFailedPayload is the wire shape of a loan_disbursal_failed
// alert. Carries everything an operator needs to complete the payout by
// hand or by an idempotent retry.
type DisbursalFailedPayload struct {
	Type           string          `json:"type"`
	LoanID         uuid.UUID       `json:"loan_id"`
	UserID         uuid.UUID       `json:"user_id"`
	AmountOwed     decimal.Decimal `json:"amount_owed"`
	StepsCompleted []string        `json:"steps_completed"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Sink adapts an Outbox to the settlement engine's alert interface.
type Sink struct {
	outbox Outbox
}

func NewSink(outbox Outbox) *Sink {
	return &Sink{outbox: outbox}
}

func (s *Sink) EnqueueDisbursalFailure(ctx context.Context, a loan.DisbursalFailureAlert) error {
	return s.outbox.Enqueue(ctx, TypeLoanDisbursalFailed, DisbursalFailedPayload{
		Type:           TypeLoanDisbursalFailed,
		LoanID:         a.LoanID,
		UserID:         a.UserID,
		AmountOwed:     a.AmountOwed,
		StepsCompleted: a.StepsCompleted,
		IdempotencyKey: a.IdempotencyKey,
	})
}
