package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxType is the direction of a ledger entry.
type TxType string

const (
	TxTypeCredit TxType = "credit"
	TxTypeDebit  TxType = "debit"
)

// Bucket selects which of the two per-user balances an entry applies to.
type Bucket string

const (
	BucketWithdrawable Bucket = "withdrawable"
	BucketHolding      Bucket = "holding"
)

// Transaction subtypes. Free-form classifier on ledger entries; the set
// below is what the service itself produces. Upstream collaborators may
// introduce their own via the write API.
const (
	SubtypeDeposit             = "deposit"
	SubtypeWithdrawal          = "withdrawal"
	SubtypeTrade               = "trade"
	SubtypeTradeFee            = "trade_fee"
	SubtypeAdminAdjust         = "admin_adjust"
	SubtypeAdminRelease        = "admin_release"
	SubtypeLoanDisbursal       = "loan_disbursal"
	SubtypeLoanRepayment       = "loan_repayment"
	SubtypeLoanSettlement      = "loan_settlement"
	SubtypeSettlementDisbursal = "loan_settlement_disbursal"
)

// AssetBSK is the platform's internal unit of value. The ledger is
// asset-scoped throughout, so additional assets cost nothing to add.
const AssetBSK = "BSK"

// PlatformFeeAccount is the reserved user id under which platform fees
// accumulate. It participates in balances like any user, which lets the
// reconciliation auditor read it through the same store.
var PlatformFeeAccount = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// PlatformTreasuryAccount is the reserved user id holding the platform's
// lending capital. Every loan movement is two-legged against it: a
// disbursal debits the treasury for the principal, repayments and
// settlement payoffs credit it back. Loan activity therefore never
// changes the asset-wide balance sum. The treasury is funded externally,
// like any other account.
var PlatformTreasuryAccount = uuid.MustParse("00000000-0000-0000-0000-000000000002")

// Balance is the live pair of buckets for one (user, asset).
// Mutated only by applying a ledger entry.
type Balance struct {
	UserID       uuid.UUID
	Asset        string
	Withdrawable decimal.Decimal
	Holding      decimal.Decimal
	UpdatedAt    time.Time
}

// Total returns withdrawable + holding.
func (b *Balance) Total() decimal.Decimal {
	return b.Withdrawable.Add(b.Holding)
}

// Bucket returns the amount in the named bucket.
func (b *Balance) Bucket(bucket Bucket) decimal.Decimal {
	if bucket == BucketHolding {
		return b.Holding
	}
	return b.Withdrawable
}

// Entry is one immutable ledger row. Entries are append-only: never
// updated, never deleted. The live Balance for an (asset, bucket) equals
// the sum of all entry deltas applied in order.
type Entry struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Asset          string
	Type           TxType
	Subtype        string
	Bucket         Bucket
	Amount         decimal.Decimal // always positive; sign implied by Type
	IdempotencyKey string
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Meta           Meta
	CreatedAt      time.Time
}

// Delta returns the signed effect of the entry on its bucket.
func (e *Entry) Delta() decimal.Decimal {
	if e.Type == TxTypeDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// RecordRequest is the input to Recorder.Record.
type RecordRequest struct {
	UserID         uuid.UUID
	Asset          string
	Type           TxType
	Subtype        string
	Bucket         Bucket
	Amount         decimal.Decimal
	IdempotencyKey string
	Meta           Meta
}

// RecordResult is the outcome of a Record call. Replayed is true when the
// idempotency key had already been consumed and the original result was
// returned without a second mutation.
type RecordResult struct {
	EntryID      uuid.UUID
	BalanceAfter decimal.Decimal
	Replayed     bool
}
