package loan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"BskLedger/internal/ledger"
	"BskLedger/internal/observability"
)

// PayoutStatus reports whether the principal credit of a settlement
// reached the borrower.
type PayoutStatus string

const (
	PayoutCompleted       PayoutStatus = "completed"
	PayoutPendingRecovery PayoutStatus = "pending_recovery"
)

// SettlementResult is what settle(loan_id) returns to the caller.
// NetReceived may be negative when remaining EMIs exceed the principal;
// that is reported, not rejected.
type SettlementResult struct {
	LoanID            uuid.UUID
	SettlementPayment decimal.Decimal
	PayoutReceived    decimal.Decimal
	NetReceived       decimal.Decimal
	NewStatus         Status
	PayoutStatus      PayoutStatus
	Replayed          bool
}

// DisbursalFailureAlert is the operator page raised when a settlement
// debited the borrower but the principal credit could not be confirmed.
type DisbursalFailureAlert struct {
	LoanID         uuid.UUID
	UserID         uuid.UUID
	AmountOwed     decimal.Decimal
	StepsCompleted []string
	IdempotencyKey string
}

// AlertSink receives disbursal-failure alerts. Enqueue must be durable:
// the alert is the only record that a borrower is owed money.
type AlertSink interface {
	EnqueueDisbursalFailure(ctx context.Context, a DisbursalFailureAlert) error
}

// SettlementEngine executes early payoff (foreclosure) of a loan.
//
// The operation is five steps, each its own short atomic unit, never one
// long transaction: compute payoff, debit payoff, mark installments paid,
// close the loan, pay out the principal. The payout step is two-legged
// against the platform treasury, which also receives the payoff, so a
// completed settlement leaves the asset-wide balance sum unchanged.
// Every ledger write keys on the loan id alone, so any retry of any step
// collides with its own prior attempt.
// After the debit there is no rollback path: a failure past that point
// surfaces as pending_recovery plus a durable operator alert, and a later
// retry resumes at the first incomplete step.
type SettlementEngine struct {
	store    Store
	recorder *ledger.Recorder
	alerts   AlertSink
	metrics  *observability.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// NewSettlementEngine creates a SettlementEngine. metrics may be nil in
// tests.
func NewSettlementEngine(store Store, recorder *ledger.Recorder, alerts AlertSink, metrics *observability.Metrics, log zerolog.Logger) *SettlementEngine {
	return &SettlementEngine{
		store:    store,
		recorder: recorder,
		alerts:   alerts,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Settle pays off all remaining installments of a loan at once and
// disburses the principal back to the borrower.
func (e *SettlementEngine) Settle(ctx context.Context, loanID uuid.UUID) (SettlementResult, error) {
	start := e.now()

	l, err := e.store.GetLoan(ctx, loanID)
	if err != nil {
		return SettlementResult{}, err
	}

	switch l.Status {
	case StatusCancelled:
		e.countRejected("forfeited")
		return SettlementResult{}, fmt.Errorf("%w: %s", ledger.ErrLoanForfeited, loanID)
	case StatusClosed:
		// Either a full replay of a finished settlement or a resume of
		// one that closed the loan but never paid out.
		return e.resumeClosed(ctx, l)
	case StatusActive, StatusInArrears:
		// proceed
	default:
		e.countRejected("invalid_state")
		return SettlementResult{}, fmt.Errorf("%w: cannot settle loan in status %s", ledger.ErrInvalidStateTransition, l.Status)
	}

	installments, err := e.store.ListInstallments(ctx, loanID)
	if err != nil {
		return SettlementResult{}, err
	}
	payment := PayoffAmount(installments)

	steps := []string{"compute_payoff"}

	if payment.IsPositive() {
		// Precheck before the debit so a clean shortfall rejects with no
		// mutation at all. The debit itself re-verifies under the row lock.
		bal, err := e.recorder.Balance(ctx, l.UserID, ledger.AssetBSK)
		if err != nil {
			return SettlementResult{}, err
		}
		if bal.Withdrawable.LessThan(payment) {
			e.countRejected("insufficient_balance")
			return SettlementResult{}, &ledger.InsufficientBalanceError{
				Asset:     ledger.AssetBSK,
				Bucket:    ledger.BucketWithdrawable,
				Available: bal.Withdrawable.String(),
				Requested: payment.String(),
			}
		}

		if _, err := e.recorder.Record(ctx, ledger.RecordRequest{
			UserID:         l.UserID,
			Asset:          ledger.AssetBSK,
			Type:           ledger.TxTypeDebit,
			Subtype:        ledger.SubtypeLoanSettlement,
			Bucket:         ledger.BucketWithdrawable,
			Amount:         payment,
			IdempotencyKey: SettlementKey(l.ID),
			Meta:           ledger.Meta{LoanID: l.ID.String()},
		}); err != nil {
			return SettlementResult{}, fmt.Errorf("debit settlement payment: %w", err)
		}
		steps = append(steps, "debit_payoff")
	}

	if err := e.store.SettleAndClose(ctx, l.ID, e.now()); err != nil {
		if !payment.IsPositive() {
			// The payoff was zero, so no debit ever happened. Plain
			// storage failure; the caller retries the same request.
			return SettlementResult{}, err
		}
		// Money already left the borrower. This is not a rollback point;
		// escalate instead of telling the caller nothing happened.
		return e.pendingRecovery(ctx, l, payment, steps, err)
	}
	steps = append(steps, "mark_installments_paid", "close_loan")
	l.Status = StatusClosed

	return e.disburse(ctx, l, payment, steps, start)
}

// resumeClosed handles settle on an already-closed loan: a full replay if
// the principal was paid out, otherwise a resume of step 5 only.
func (e *SettlementEngine) resumeClosed(ctx context.Context, l *Loan) (SettlementResult, error) {
	payment := decimal.Zero
	if entry, err := e.recorder.FindEntry(ctx, SettlementKey(l.ID)); err == nil {
		payment = entry.Amount
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return SettlementResult{}, err
	}

	if _, err := e.recorder.FindEntry(ctx, SettlementDisbursalKey(l.ID)); err == nil {
		return SettlementResult{
			LoanID:            l.ID,
			SettlementPayment: payment,
			PayoutReceived:    l.PrincipalAmount,
			NetReceived:       l.PrincipalAmount.Sub(payment),
			NewStatus:         StatusClosed,
			PayoutStatus:      PayoutCompleted,
			Replayed:          true,
		}, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return SettlementResult{}, err
	}

	steps := []string{"compute_payoff", "debit_payoff", "mark_installments_paid", "close_loan"}
	return e.disburse(ctx, l, payment, steps, e.now())
}

// disburse is step 5: land the payoff in the treasury and credit the
// principal back to the borrower. The borrower credit is last, so its
// entry existing proves the treasury legs ran too.
func (e *SettlementEngine) disburse(ctx context.Context, l *Loan, payment decimal.Decimal, steps []string, start time.Time) (SettlementResult, error) {
	if payment.IsPositive() {
		if _, err := e.recorder.Record(ctx, ledger.RecordRequest{
			UserID:         ledger.PlatformTreasuryAccount,
			Asset:          ledger.AssetBSK,
			Type:           ledger.TxTypeCredit,
			Subtype:        ledger.SubtypeLoanSettlement,
			Bucket:         ledger.BucketWithdrawable,
			Amount:         payment,
			IdempotencyKey: SettlementReceiptKey(l.ID),
			Meta:           ledger.Meta{LoanID: l.ID.String()},
		}); err != nil {
			return e.pendingRecovery(ctx, l, payment, steps, err)
		}
	}

	if _, err := e.recorder.Record(ctx, ledger.RecordRequest{
		UserID:         ledger.PlatformTreasuryAccount,
		Asset:          ledger.AssetBSK,
		Type:           ledger.TxTypeDebit,
		Subtype:        ledger.SubtypeSettlementDisbursal,
		Bucket:         ledger.BucketWithdrawable,
		Amount:         l.PrincipalAmount,
		IdempotencyKey: SettlementFundingKey(l.ID),
		Meta:           ledger.Meta{LoanID: l.ID.String()},
	}); err != nil {
		return e.pendingRecovery(ctx, l, payment, steps, err)
	}

	_, err := e.recorder.Record(ctx, ledger.RecordRequest{
		UserID:         l.UserID,
		Asset:          ledger.AssetBSK,
		Type:           ledger.TxTypeCredit,
		Subtype:        ledger.SubtypeSettlementDisbursal,
		Bucket:         ledger.BucketWithdrawable,
		Amount:         l.PrincipalAmount,
		IdempotencyKey: SettlementDisbursalKey(l.ID),
		Meta:           ledger.Meta{LoanID: l.ID.String()},
	})
	if err != nil {
		return e.pendingRecovery(ctx, l, payment, steps, err)
	}

	if e.metrics != nil {
		e.metrics.SettlementsCompleted.Inc()
		e.metrics.SettlementDuration.Observe(e.now().Sub(start).Seconds())
	}
	e.log.Info().
		Str("loan_id", l.ID.String()).
		Str("settlement_payment", payment.String()).
		Str("payout", l.PrincipalAmount.String()).
		Msg("loan settled")

	return SettlementResult{
		LoanID:            l.ID,
		SettlementPayment: payment,
		PayoutReceived:    l.PrincipalAmount,
		NetReceived:       l.PrincipalAmount.Sub(payment),
		NewStatus:         StatusClosed,
		PayoutStatus:      PayoutCompleted,
	}, nil
}

// pendingRecovery is the no-rollback path: the borrower has been debited
// but a later step failed. Raise a durable operator alert and report
// "processed, payout will follow" rather than an ambiguous failure.
func (e *SettlementEngine) pendingRecovery(ctx context.Context, l *Loan, payment decimal.Decimal, steps []string, cause error) (SettlementResult, error) {
	alert := DisbursalFailureAlert{
		LoanID:         l.ID,
		UserID:         l.UserID,
		AmountOwed:     l.PrincipalAmount,
		StepsCompleted: steps,
		IdempotencyKey: SettlementDisbursalKey(l.ID),
	}
	if err := e.alerts.EnqueueDisbursalFailure(ctx, alert); err != nil {
		e.log.Error().Err(err).
			Str("loan_id", l.ID.String()).
			Msg("failed to enqueue disbursal failure alert")
	}

	if e.metrics != nil {
		e.metrics.SettlementsPending.Inc()
	}
	e.log.Error().Err(cause).
		Str("loan_id", l.ID.String()).
		Str("user_id", l.UserID.String()).
		Str("amount_owed", l.PrincipalAmount.String()).
		Strs("steps_completed", steps).
		Msg("settlement incomplete after debit, payout pending recovery")

	return SettlementResult{
		LoanID:            l.ID,
		SettlementPayment: payment,
		NetReceived:       decimal.Zero,
		NewStatus:         l.Status,
		PayoutStatus:      PayoutPendingRecovery,
	}, nil
}

func (e *SettlementEngine) countRejected(reason string) {
	if e.metrics != nil {
		e.metrics.SettlementsRejected.WithLabelValues(reason).Inc()
	}
}
