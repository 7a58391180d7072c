package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BskLedger/internal/ledger"
)

// Wire formats for wallet events. Every event carries an event_id that
// upstream derives from a stable business identifier (on-chain tx hash,
// withdrawal request id, trade id), which makes our idempotency keys
// deterministic across redeliveries.

// DepositConfirmedWire lands BSK in the holding bucket; an admin release
// moves it to withdrawable after review.
type DepositConfirmedWire struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	TxHash  string `json:"tx_hash"`
}

// WithdrawalConfirmedWire debits the withdrawable bucket once the
// withdrawal has been executed upstream.
type WithdrawalConfirmedWire struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Address string `json:"address"`
}

// TradeSettledWire moves BSK between two users with a platform fee.
type TradeSettledWire struct {
	EventID  string `json:"event_id"`
	TradeID  string `json:"trade_id"`
	SellerID string `json:"seller_id"`
	BuyerID  string `json:"buyer_id"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Fee      string `json:"fee"`
}

// AdminAdjustmentWire is a manual balance correction, or with
// kind=release a holding -> withdrawable move.
type AdminAdjustmentWire struct {
	EventID  string `json:"event_id"`
	UserID   string `json:"user_id"`
	Asset    string `json:"asset"`
	Kind     string `json:"kind"` // credit | debit | release
	Bucket   string `json:"bucket,omitempty"`
	Amount   string `json:"amount"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// ParseEvent converts one raw wallet event into the ledger writes it
// implies. The subject determines the event type.
func ParseEvent(subject string, data []byte) ([]ledger.RecordRequest, error) {
	switch {
	case strings.HasPrefix(subject, "bsk.deposits.confirmed."):
		return parseDeposit(data)
	case strings.HasPrefix(subject, "bsk.withdrawals.confirmed."):
		return parseWithdrawal(data)
	case strings.HasPrefix(subject, "bsk.trades.settled."):
		return parseTrade(data)
	case strings.HasPrefix(subject, "bsk.admin.adjustments."):
		return parseAdminAdjustment(data)
	default:
		return nil, fmt.Errorf("unknown subject %q", subject)
	}
}

// EventTypeForSubject labels a subject for metrics.
func EventTypeForSubject(subject string) string {
	switch {
	case strings.HasPrefix(subject, "bsk.deposits."):
		return "DepositConfirmed"
	case strings.HasPrefix(subject, "bsk.withdrawals."):
		return "WithdrawalConfirmed"
	case strings.HasPrefix(subject, "bsk.trades."):
		return "TradeSettled"
	case strings.HasPrefix(subject, "bsk.admin."):
		return "AdminAdjustment"
	default:
		return "unknown"
	}
}

func parseDeposit(data []byte) ([]ledger.RecordRequest, error) {
	var w DepositConfirmedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal deposit: %w", err)
	}
	userID, amount, err := parseUserAmount(w.UserID, w.Amount, w.EventID)
	if err != nil {
		return nil, err
	}
	return []ledger.RecordRequest{{
		UserID:         userID,
		Asset:          assetOrDefault(w.Asset),
		Type:           ledger.TxTypeCredit,
		Subtype:        ledger.SubtypeDeposit,
		Bucket:         ledger.BucketHolding,
		Amount:         amount,
		IdempotencyKey: "deposit:" + w.EventID,
		Meta:           ledger.Meta{ExternalRef: w.TxHash},
	}}, nil
}

func parseWithdrawal(data []byte) ([]ledger.RecordRequest, error) {
	var w WithdrawalConfirmedWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal withdrawal: %w", err)
	}
	userID, amount, err := parseUserAmount(w.UserID, w.Amount, w.EventID)
	if err != nil {
		return nil, err
	}
	return []ledger.RecordRequest{{
		UserID:         userID,
		Asset:          assetOrDefault(w.Asset),
		Type:           ledger.TxTypeDebit,
		Subtype:        ledger.SubtypeWithdrawal,
		Bucket:         ledger.BucketWithdrawable,
		Amount:         amount,
		IdempotencyKey: "withdrawal:" + w.EventID,
		Meta:           ledger.Meta{ExternalRef: w.Address},
	}}, nil
}

// parseTrade emits three writes: debit the seller, credit the buyer net
// of fee, credit the fee to the platform account. Each write has its own
// deterministic key, so a redelivered event replays cleanly even if an
// earlier attempt stopped partway.
func parseTrade(data []byte) ([]ledger.RecordRequest, error) {
	var w TradeSettledWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal trade: %w", err)
	}
	if w.EventID == "" {
		return nil, fmt.Errorf("trade event: missing event_id")
	}
	sellerID, err := uuid.Parse(w.SellerID)
	if err != nil {
		return nil, fmt.Errorf("trade event %s: bad seller_id: %w", w.EventID, err)
	}
	buyerID, err := uuid.Parse(w.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("trade event %s: bad buyer_id: %w", w.EventID, err)
	}
	amount, err := decimal.NewFromString(w.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("trade event %s: bad amount %q", w.EventID, w.Amount)
	}
	fee := decimal.Zero
	if w.Fee != "" {
		fee, err = decimal.NewFromString(w.Fee)
		if err != nil || fee.IsNegative() {
			return nil, fmt.Errorf("trade event %s: bad fee %q", w.EventID, w.Fee)
		}
	}
	if fee.GreaterThanOrEqual(amount) {
		return nil, fmt.Errorf("trade event %s: fee %s exceeds amount %s", w.EventID, fee, amount)
	}

	asset := assetOrDefault(w.Asset)
	meta := ledger.Meta{OrderID: w.TradeID}

	reqs := []ledger.RecordRequest{
		{
			UserID:         sellerID,
			Asset:          asset,
			Type:           ledger.TxTypeDebit,
			Subtype:        ledger.SubtypeTrade,
			Bucket:         ledger.BucketWithdrawable,
			Amount:         amount,
			IdempotencyKey: "trade:" + w.EventID + ":debit",
			Meta:           metaWithCounterparty(meta, w.BuyerID),
		},
		{
			UserID:         buyerID,
			Asset:          asset,
			Type:           ledger.TxTypeCredit,
			Subtype:        ledger.SubtypeTrade,
			Bucket:         ledger.BucketWithdrawable,
			Amount:         amount.Sub(fee),
			IdempotencyKey: "trade:" + w.EventID + ":credit",
			Meta:           metaWithCounterparty(meta, w.SellerID),
		},
	}
	if fee.IsPositive() {
		reqs = append(reqs, ledger.RecordRequest{
			UserID:         ledger.PlatformFeeAccount,
			Asset:          asset,
			Type:           ledger.TxTypeCredit,
			Subtype:        ledger.SubtypeTradeFee,
			Bucket:         ledger.BucketWithdrawable,
			Amount:         fee,
			IdempotencyKey: "trade:" + w.EventID + ":fee",
			Meta:           meta,
		})
	}
	return reqs, nil
}

func parseAdminAdjustment(data []byte) ([]ledger.RecordRequest, error) {
	var w AdminAdjustmentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal admin adjustment: %w", err)
	}
	userID, amount, err := parseUserAmount(w.UserID, w.Amount, w.EventID)
	if err != nil {
		return nil, err
	}
	asset := assetOrDefault(w.Asset)
	meta := ledger.Meta{Reason: w.Reason, Operator: w.Operator}

	switch w.Kind {
	case "release":
		// Holding -> withdrawable as a debit/credit pair. Not atomic
		// across the pair, but each leg keys on the event id, so a retry
		// completes whichever leg is missing.
		return []ledger.RecordRequest{
			{
				UserID:         userID,
				Asset:          asset,
				Type:           ledger.TxTypeDebit,
				Subtype:        ledger.SubtypeAdminRelease,
				Bucket:         ledger.BucketHolding,
				Amount:         amount,
				IdempotencyKey: "admin_release:" + w.EventID + ":out",
				Meta:           meta,
			},
			{
				UserID:         userID,
				Asset:          asset,
				Type:           ledger.TxTypeCredit,
				Subtype:        ledger.SubtypeAdminRelease,
				Bucket:         ledger.BucketWithdrawable,
				Amount:         amount,
				IdempotencyKey: "admin_release:" + w.EventID + ":in",
				Meta:           meta,
			},
		}, nil
	case "credit", "debit":
		bucket := ledger.BucketWithdrawable
		if w.Bucket == string(ledger.BucketHolding) {
			bucket = ledger.BucketHolding
		}
		return []ledger.RecordRequest{{
			UserID:         userID,
			Asset:          asset,
			Type:           ledger.TxType(w.Kind),
			Subtype:        ledger.SubtypeAdminAdjust,
			Bucket:         bucket,
			Amount:         amount,
			IdempotencyKey: "admin_adjust:" + w.EventID,
			Meta:           meta,
		}}, nil
	default:
		return nil, fmt.Errorf("admin adjustment %s: unknown kind %q", w.EventID, w.Kind)
	}
}

func parseUserAmount(userField, amountField, eventID string) (uuid.UUID, decimal.Decimal, error) {
	if eventID == "" {
		return uuid.Nil, decimal.Zero, fmt.Errorf("missing event_id")
	}
	userID, err := uuid.Parse(userField)
	if err != nil {
		return uuid.Nil, decimal.Zero, fmt.Errorf("event %s: bad user_id: %w", eventID, err)
	}
	amount, err := decimal.NewFromString(amountField)
	if err != nil || !amount.IsPositive() {
		return uuid.Nil, decimal.Zero, fmt.Errorf("event %s: bad amount %q", eventID, amountField)
	}
	return userID, amount, nil
}

func assetOrDefault(asset string) string {
	if asset == "" {
		return ledger.AssetBSK
	}
	return asset
}

func metaWithCounterparty(m ledger.Meta, counterparty string) ledger.Meta {
	m.Counterparty = counterparty
	return m
}
