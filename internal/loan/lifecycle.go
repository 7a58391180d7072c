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

// ErrStaleLoan is returned by Store.UpdateLoan when another writer moved
// the loan out of the expected status first.
var ErrStaleLoan = errors.New("loan status changed concurrently")

// Service drives the loan lifecycle. All money movement goes through the
// ledger Recorder; Service itself only mutates loan and installment rows.
type Service struct {
	store    Store
	recorder *ledger.Recorder
	metrics  *observability.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a loan Service. metrics may be nil in tests.
func NewService(store Store, recorder *ledger.Recorder, metrics *observability.Metrics, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		recorder: recorder,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ApplyRequest creates a loan in applied status.
type ApplyRequest struct {
	UserID                uuid.UUID
	PrincipalAmount       decimal.Decimal
	OriginationFee        decimal.Decimal
	InterestRatePerPeriod decimal.Decimal
	TenorPeriods          int
	PeriodDays            int
}

// Apply registers a new loan application.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*Loan, error) {
	switch {
	case req.UserID == uuid.Nil:
		return nil, errors.Join(ledger.ErrValidation, errors.New("user_id is required"))
	case !req.PrincipalAmount.IsPositive():
		return nil, errors.Join(ledger.ErrValidation, errors.New("principal must be positive"))
	case req.OriginationFee.IsNegative():
		return nil, errors.Join(ledger.ErrValidation, errors.New("origination fee cannot be negative"))
	case req.OriginationFee.GreaterThanOrEqual(req.PrincipalAmount):
		return nil, errors.Join(ledger.ErrValidation, errors.New("origination fee must be below principal"))
	case req.InterestRatePerPeriod.IsNegative():
		return nil, errors.Join(ledger.ErrValidation, errors.New("interest rate cannot be negative"))
	case req.TenorPeriods < 1:
		return nil, errors.Join(ledger.ErrValidation, errors.New("tenor must be at least 1 period"))
	case req.PeriodDays < 1:
		return nil, errors.Join(ledger.ErrValidation, errors.New("period length must be at least 1 day"))
	}

	now := s.now()
	l := &Loan{
		ID:                    uuid.New(),
		UserID:                req.UserID,
		PrincipalAmount:       req.PrincipalAmount,
		OriginationFee:        req.OriginationFee,
		InterestRatePerPeriod: req.InterestRatePerPeriod,
		TenorPeriods:          req.TenorPeriods,
		PeriodDays:            req.PeriodDays,
		Status:                StatusApplied,
		PaidAmount:            decimal.Zero,
		AppliedAt:             now,
	}
	l.LoanNumber = NewLoanNumber(l.ID, now)
	l.OutstandingAmount = l.TotalDue()

	if err := s.store.CreateLoan(ctx, l); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("loan_id", l.ID.String()).
		Str("loan_number", l.LoanNumber).
		Str("user_id", l.UserID.String()).
		Str("principal", l.PrincipalAmount.String()).
		Int("tenor", l.TenorPeriods).
		Msg("loan application created")
	return l, nil
}

// Approve moves a loan applied -> approved.
func (s *Service) Approve(ctx context.Context, loanID uuid.UUID, notes string) (*Loan, error) {
	return s.transition(ctx, loanID, StatusApproved, func(l *Loan) {
		now := s.now()
		l.ApprovedAt = &now
		if notes != "" {
			l.AdminNotes = notes
		}
	})
}

// Disburse moves the principal out of the platform treasury, credits the
// borrower with principal minus origination fee, credits the fee to the
// platform account, generates the installment schedule, and activates
// the loan. The ledger writes key on the loan id so a crashed or retried
// disbursal never pays twice.
func (s *Service) Disburse(ctx context.Context, loanID uuid.UUID) (*Loan, error) {
	l, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	// A retry may find the loan already past disbursed; the ledger writes
	// below replay and ActivateWithSchedule no-ops, so just fall through.
	if l.Status != StatusApproved && l.Status != StatusDisbursed && l.Status != StatusActive {
		return nil, transitionError(l.Status, StatusDisbursed)
	}

	now := s.now()
	if l.Status == StatusApproved {
		l.DisbursedAt = &now
		l.Status = StatusDisbursed
		if err := s.store.UpdateLoan(ctx, l, StatusApproved); err != nil && !errors.Is(err, ErrStaleLoan) {
			return nil, err
		}
	}

	// The treasury leg goes first: if the platform cannot fund the
	// principal, nothing has been credited and the whole disbursal
	// rejects cleanly. A retry after funding replays from here.
	if _, err := s.recorder.Record(ctx, ledger.RecordRequest{
		UserID:         ledger.PlatformTreasuryAccount,
		Asset:          ledger.AssetBSK,
		Type:           ledger.TxTypeDebit,
		Subtype:        ledger.SubtypeLoanDisbursal,
		Bucket:         ledger.BucketWithdrawable,
		Amount:         l.PrincipalAmount,
		IdempotencyKey: TreasuryFundingKey(l.ID),
		Meta:           ledger.Meta{LoanID: l.ID.String()},
	}); err != nil {
		return nil, fmt.Errorf("fund disbursal: %w", err)
	}

	if _, err := s.recorder.Record(ctx, ledger.RecordRequest{
		UserID:         l.UserID,
		Asset:          ledger.AssetBSK,
		Type:           ledger.TxTypeCredit,
		Subtype:        ledger.SubtypeLoanDisbursal,
		Bucket:         ledger.BucketWithdrawable,
		Amount:         l.DisbursalAmount(),
		IdempotencyKey: DisbursalKey(l.ID),
		Meta:           ledger.Meta{LoanID: l.ID.String()},
	}); err != nil {
		return nil, fmt.Errorf("disburse principal: %w", err)
	}

	if l.OriginationFee.IsPositive() {
		if _, err := s.recorder.Record(ctx, ledger.RecordRequest{
			UserID:         ledger.PlatformFeeAccount,
			Asset:          ledger.AssetBSK,
			Type:           ledger.TxTypeCredit,
			Subtype:        ledger.SubtypeTradeFee,
			Bucket:         ledger.BucketWithdrawable,
			Amount:         l.OriginationFee,
			IdempotencyKey: OriginationFeeKey(l.ID),
			Meta:           ledger.Meta{LoanID: l.ID.String(), Reason: "origination_fee"},
		}); err != nil {
			return nil, fmt.Errorf("collect origination fee: %w", err)
		}
	}

	disbursedAt := now
	if l.DisbursedAt != nil {
		disbursedAt = *l.DisbursedAt
	}
	schedule := BuildSchedule(l, disbursedAt)
	if err := s.store.ActivateWithSchedule(ctx, l.ID, schedule); err != nil {
		return nil, err
	}
	l.Status = StatusActive

	if s.metrics != nil {
		s.metrics.LoansDisbursed.Inc()
	}
	s.log.Info().
		Str("loan_id", l.ID.String()).
		Str("disbursed", l.DisbursalAmount().String()).
		Int("installments", len(schedule)).
		Msg("loan disbursed and activated")
	return l, nil
}

// PayInstallment debits one installment's amount_due (plus any late fee)
// from the borrower's withdrawable balance, credits it to the platform
// treasury, and marks the installment paid.
func (s *Service) PayInstallment(ctx context.Context, loanID uuid.UUID, installmentNumber int) (*Loan, error) {
	l, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive && l.Status != StatusInArrears {
		return nil, fmt.Errorf("%w: cannot pay installment in status %s", ledger.ErrInvalidStateTransition, l.Status)
	}

	installments, err := s.store.ListInstallments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	var target *Installment
	for _, inst := range installments {
		if inst.InstallmentNumber == installmentNumber {
			target = inst
			break
		}
	}
	if target == nil {
		return nil, ledger.ErrNotFound
	}
	if target.Status == InstallmentPaid {
		return l, nil
	}

	due := target.AmountDue.Add(target.LateFee)
	if _, err := s.recorder.Record(ctx, ledger.RecordRequest{
		UserID:         l.UserID,
		Asset:          ledger.AssetBSK,
		Type:           ledger.TxTypeDebit,
		Subtype:        ledger.SubtypeLoanRepayment,
		Bucket:         ledger.BucketWithdrawable,
		Amount:         due,
		IdempotencyKey: RepaymentKey(l.ID, installmentNumber),
		Meta:           ledger.Meta{LoanID: l.ID.String(), InstallmentNo: installmentNumber},
	}); err != nil {
		return nil, err
	}

	// Counter-leg into the treasury. A crash between the two legs
	// replays the debit on retry and resumes here.
	if _, err := s.recorder.Record(ctx, ledger.RecordRequest{
		UserID:         ledger.PlatformTreasuryAccount,
		Asset:          ledger.AssetBSK,
		Type:           ledger.TxTypeCredit,
		Subtype:        ledger.SubtypeLoanRepayment,
		Bucket:         ledger.BucketWithdrawable,
		Amount:         due,
		IdempotencyKey: RepaymentReceiptKey(l.ID, installmentNumber),
		Meta:           ledger.Meta{LoanID: l.ID.String(), InstallmentNo: installmentNumber},
	}); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.store.PayInstallment(ctx, target.ID, due, now); err != nil {
		return nil, err
	}

	l.PaidAmount = l.PaidAmount.Add(target.AmountDue)
	l.OutstandingAmount = l.OutstandingAmount.Sub(target.AmountDue)

	// Last installment paid individually closes the loan; cleared arrears
	// bring the loan back to active.
	remaining := 0
	for _, inst := range installments {
		if inst.Unpaid() && inst.InstallmentNumber != installmentNumber {
			remaining++
		}
	}
	expected := l.Status
	switch {
	case remaining == 0:
		l.Status = StatusClosed
		l.OutstandingAmount = decimal.Zero
		l.ClosedAt = &now
	case l.Status == StatusInArrears && !s.anyOverdue(installments, installmentNumber):
		l.Status = StatusActive
	}
	if err := s.store.UpdateLoan(ctx, l, expected); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("loan_id", l.ID.String()).
		Int("installment", installmentNumber).
		Str("amount", due.String()).
		Str("status", string(l.Status)).
		Msg("installment paid")
	return l, nil
}

// MarkOverdue sweeps due installments past their due date and flips the
// affected loans to in_arrears. Invoked from the cron scheduler.
func (s *Service) MarkOverdue(ctx context.Context) (int, error) {
	loanIDs, err := s.store.MarkOverdue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, id := range loanIDs {
		l, err := s.store.GetLoan(ctx, id)
		if err != nil {
			return 0, err
		}
		if l.Status != StatusActive {
			continue
		}
		l.Status = StatusInArrears
		if err := s.store.UpdateLoan(ctx, l, StatusActive); err != nil && !errors.Is(err, ErrStaleLoan) {
			return 0, err
		}
		s.log.Warn().
			Str("loan_id", id.String()).
			Msg("loan moved to arrears")
	}
	return len(loanIDs), nil
}

// Cancel terminates a loan under the missed-payment policy. Paid EMIs are
// forfeited, not refunded.
func (s *Service) Cancel(ctx context.Context, loanID uuid.UUID, notes string) (*Loan, error) {
	return s.transition(ctx, loanID, StatusCancelled, func(l *Loan) {
		now := s.now()
		l.ClosedAt = &now
		if notes != "" {
			l.AdminNotes = notes
		}
	})
}

// WriteOff marks a loan as unrecoverable. Balances are untouched; the
// loss is an accounting fact, not a ledger movement.
func (s *Service) WriteOff(ctx context.Context, loanID uuid.UUID, notes string) (*Loan, error) {
	return s.transition(ctx, loanID, StatusWrittenOff, func(l *Loan) {
		now := s.now()
		l.ClosedAt = &now
		if notes != "" {
			l.AdminNotes = notes
		}
	})
}

// Get returns a loan with its installments.
func (s *Service) Get(ctx context.Context, loanID uuid.UUID) (*Loan, []*Installment, error) {
	l, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	installments, err := s.store.ListInstallments(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	return l, installments, nil
}

// List returns a user's loans, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]*Loan, error) {
	return s.store.ListLoans(ctx, userID, limit)
}

func (s *Service) transition(ctx context.Context, loanID uuid.UUID, next Status, mutate func(*Loan)) (*Loan, error) {
	l, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !l.Status.CanTransitionTo(next) {
		return nil, transitionError(l.Status, next)
	}
	expected := l.Status
	l.Status = next
	mutate(l)
	if err := s.store.UpdateLoan(ctx, l, expected); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("loan_id", l.ID.String()).
		Str("from", string(expected)).
		Str("to", string(next)).
		Msg("loan transitioned")
	return l, nil
}

func (s *Service) anyOverdue(installments []*Installment, excludeNumber int) bool {
	for _, inst := range installments {
		if inst.InstallmentNumber == excludeNumber {
			continue
		}
		if inst.Status == InstallmentOverdue {
			return true
		}
	}
	return false
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ledger.ErrInvalidStateTransition, from, to)
}

// Deterministic idempotency keys. Derived from the loan id only, never
// from time or attempt count, so every retry collides with its own prior
// attempt.

func DisbursalKey(loanID uuid.UUID) string {
	return "loan_disbursal:" + loanID.String()
}

func TreasuryFundingKey(loanID uuid.UUID) string {
	return "loan_funding:" + loanID.String()
}

func OriginationFeeKey(loanID uuid.UUID) string {
	return "loan_origination_fee:" + loanID.String()
}

func RepaymentKey(loanID uuid.UUID, installmentNumber int) string {
	return fmt.Sprintf("loan_repayment:%s:%d", loanID, installmentNumber)
}

func RepaymentReceiptKey(loanID uuid.UUID, installmentNumber int) string {
	return fmt.Sprintf("loan_repayment_receipt:%s:%d", loanID, installmentNumber)
}

func SettlementKey(loanID uuid.UUID) string {
	return "loan_settlement:" + loanID.String()
}

func SettlementReceiptKey(loanID uuid.UUID) string {
	return "loan_settlement_receipt:" + loanID.String()
}

func SettlementFundingKey(loanID uuid.UUID) string {
	return "loan_settlement_funding:" + loanID.String()
}

func SettlementDisbursalKey(loanID uuid.UUID) string {
	return "loan_settlement_disbursal:" + loanID.String()
}
