package ingestion_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BskLedger/internal/ingestion"
	"BskLedger/internal/ledger"
)

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// ============================================================================
// Test: deposits and withdrawals
// ============================================================================

func TestParseEvent_Deposit(t *testing.T) {
	userID := uuid.New()
	data := marshal(t, ingestion.DepositConfirmedWire{
		EventID: "evt-dep-1",
		UserID:  userID.String(),
		Amount:  "125.5",
		TxHash:  "0xabc",
	})

	reqs, err := ingestion.ParseEvent("bsk.deposits.confirmed.bsk", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	r := reqs[0]
	if r.UserID != userID {
		t.Errorf("user: got %s", r.UserID)
	}
	if r.Type != ledger.TxTypeCredit || r.Subtype != ledger.SubtypeDeposit {
		t.Errorf("type/subtype: got %s/%s", r.Type, r.Subtype)
	}
	if r.Bucket != ledger.BucketHolding {
		t.Errorf("bucket: got %s, want holding", r.Bucket)
	}
	if r.Asset != ledger.AssetBSK {
		t.Errorf("asset default: got %s", r.Asset)
	}
	if !r.Amount.Equal(decimal.RequireFromString("125.5")) {
		t.Errorf("amount: got %s", r.Amount)
	}
	if r.IdempotencyKey != "deposit:evt-dep-1" {
		t.Errorf("key: got %s", r.IdempotencyKey)
	}
	if r.Meta.ExternalRef != "0xabc" {
		t.Errorf("external ref: got %s", r.Meta.ExternalRef)
	}
}

func TestParseEvent_Withdrawal(t *testing.T) {
	userID := uuid.New()
	data := marshal(t, ingestion.WithdrawalConfirmedWire{
		EventID: "evt-wd-1",
		UserID:  userID.String(),
		Amount:  "40",
		Address: "bsk1qxy",
	})

	reqs, err := ingestion.ParseEvent("bsk.withdrawals.confirmed.bsk", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := reqs[0]
	if r.Type != ledger.TxTypeDebit || r.Subtype != ledger.SubtypeWithdrawal {
		t.Errorf("type/subtype: got %s/%s", r.Type, r.Subtype)
	}
	if r.Bucket != ledger.BucketWithdrawable {
		t.Errorf("bucket: got %s", r.Bucket)
	}
	if r.IdempotencyKey != "withdrawal:evt-wd-1" {
		t.Errorf("key: got %s", r.IdempotencyKey)
	}
}

// ============================================================================
// Test: trades
// ============================================================================

func TestParseEvent_TradeSplitsThreeWays(t *testing.T) {
	seller, buyer := uuid.New(), uuid.New()
	data := marshal(t, ingestion.TradeSettledWire{
		EventID:  "evt-tr-1",
		TradeID:  "ord-77",
		SellerID: seller.String(),
		BuyerID:  buyer.String(),
		Amount:   "100",
		Fee:      "0.5",
	})

	reqs, err := ingestion.ParseEvent("bsk.trades.settled.bsk", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reqs) != 3 {
		t.Fatalf("got %d requests, want 3", len(reqs))
	}

	debit, credit, feeReq := reqs[0], reqs[1], reqs[2]

	if debit.UserID != seller || debit.Type != ledger.TxTypeDebit || !debit.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("seller leg: %+v", debit)
	}
	if debit.IdempotencyKey != "trade:evt-tr-1:debit" {
		t.Errorf("seller key: %s", debit.IdempotencyKey)
	}
	if debit.Meta.Counterparty != buyer.String() || debit.Meta.OrderID != "ord-77" {
		t.Errorf("seller meta: %+v", debit.Meta)
	}

	if credit.UserID != buyer || credit.Type != ledger.TxTypeCredit || !credit.Amount.Equal(decimal.RequireFromString("99.5")) {
		t.Errorf("buyer leg: %+v", credit)
	}
	if credit.IdempotencyKey != "trade:evt-tr-1:credit" {
		t.Errorf("buyer key: %s", credit.IdempotencyKey)
	}

	if feeReq.UserID != ledger.PlatformFeeAccount || feeReq.Subtype != ledger.SubtypeTradeFee || !feeReq.Amount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("fee leg: %+v", feeReq)
	}
	if feeReq.IdempotencyKey != "trade:evt-tr-1:fee" {
		t.Errorf("fee key: %s", feeReq.IdempotencyKey)
	}
}

func TestParseEvent_TradeZeroFeeOmitsFeeLeg(t *testing.T) {
	data := marshal(t, ingestion.TradeSettledWire{
		EventID:  "evt-tr-2",
		SellerID: uuid.NewString(),
		BuyerID:  uuid.NewString(),
		Amount:   "10",
	})

	reqs, err := ingestion.ParseEvent("bsk.trades.settled.bsk", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reqs) != 2 {
		t.Errorf("got %d requests, want 2", len(reqs))
	}
}

func TestParseEvent_TradeFeeExceedsAmount(t *testing.T) {
	data := marshal(t, ingestion.TradeSettledWire{
		EventID:  "evt-tr-3",
		SellerID: uuid.NewString(),
		BuyerID:  uuid.NewString(),
		Amount:   "10",
		Fee:      "10",
	})
	if _, err := ingestion.ParseEvent("bsk.trades.settled.bsk", data); err == nil {
		t.Error("expected error for fee >= amount")
	}
}

// ============================================================================
// Test: admin adjustments
// ============================================================================

func TestParseEvent_AdminReleasePairsLegs(t *testing.T) {
	userID := uuid.New()
	data := marshal(t, ingestion.AdminAdjustmentWire{
		EventID:  "evt-adm-1",
		UserID:   userID.String(),
		Kind:     "release",
		Amount:   "20",
		Reason:   "deposit review cleared",
		Operator: "ops@bsk",
	})

	reqs, err := ingestion.ParseEvent("bsk.admin.adjustments.release", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}

	out, in := reqs[0], reqs[1]
	if out.Type != ledger.TxTypeDebit || out.Bucket != ledger.BucketHolding {
		t.Errorf("out leg: %+v", out)
	}
	if in.Type != ledger.TxTypeCredit || in.Bucket != ledger.BucketWithdrawable {
		t.Errorf("in leg: %+v", in)
	}
	if out.IdempotencyKey != "admin_release:evt-adm-1:out" || in.IdempotencyKey != "admin_release:evt-adm-1:in" {
		t.Errorf("keys: %s / %s", out.IdempotencyKey, in.IdempotencyKey)
	}
	if out.Subtype != ledger.SubtypeAdminRelease || in.Subtype != ledger.SubtypeAdminRelease {
		t.Errorf("subtypes: %s / %s", out.Subtype, in.Subtype)
	}
	if !out.Amount.Equal(in.Amount) {
		t.Errorf("legs disagree: %s vs %s", out.Amount, in.Amount)
	}
	if out.Meta.Operator != "ops@bsk" {
		t.Errorf("operator: %s", out.Meta.Operator)
	}
}

func TestParseEvent_AdminCreditAndDebit(t *testing.T) {
	userID := uuid.New()

	for _, kind := range []string{"credit", "debit"} {
		data := marshal(t, ingestion.AdminAdjustmentWire{
			EventID: "evt-adm-" + kind,
			UserID:  userID.String(),
			Kind:    kind,
			Bucket:  "holding",
			Amount:  "5",
			Reason:  "correction",
		})
		reqs, err := ingestion.ParseEvent("bsk.admin.adjustments.manual", data)
		if err != nil {
			t.Fatalf("parse %s: %v", kind, err)
		}
		if len(reqs) != 1 {
			t.Fatalf("%s: got %d requests, want 1", kind, len(reqs))
		}
		r := reqs[0]
		if string(r.Type) != kind {
			t.Errorf("%s: type %s", kind, r.Type)
		}
		if r.Subtype != ledger.SubtypeAdminAdjust {
			t.Errorf("%s: subtype %s", kind, r.Subtype)
		}
		if r.Bucket != ledger.BucketHolding {
			t.Errorf("%s: bucket %s", kind, r.Bucket)
		}
		if r.IdempotencyKey != "admin_adjust:evt-adm-"+kind {
			t.Errorf("%s: key %s", kind, r.IdempotencyKey)
		}
	}
}

func TestParseEvent_AdminUnknownKind(t *testing.T) {
	data := marshal(t, ingestion.AdminAdjustmentWire{
		EventID: "evt-adm-x",
		UserID:  uuid.NewString(),
		Kind:    "freeze",
		Amount:  "5",
	})
	if _, err := ingestion.ParseEvent("bsk.admin.adjustments.manual", data); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// ============================================================================
// Test: rejection paths
// ============================================================================

func TestParseEvent_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		data    string
	}{
		{"bad json", "bsk.deposits.confirmed.bsk", `{not json`},
		{"unknown subject", "bsk.something.else", `{}`},
		{"missing event_id", "bsk.deposits.confirmed.bsk", `{"user_id":"` + uuid.NewString() + `","amount":"1"}`},
		{"bad user_id", "bsk.deposits.confirmed.bsk", `{"event_id":"e1","user_id":"nope","amount":"1"}`},
		{"zero amount", "bsk.deposits.confirmed.bsk", `{"event_id":"e1","user_id":"` + uuid.NewString() + `","amount":"0"}`},
		{"negative amount", "bsk.withdrawals.confirmed.bsk", `{"event_id":"e1","user_id":"` + uuid.NewString() + `","amount":"-5"}`},
		{"unparsable amount", "bsk.deposits.confirmed.bsk", `{"event_id":"e1","user_id":"` + uuid.NewString() + `","amount":"1.2.3"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseEvent(tc.subject, []byte(tc.data)); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestEventTypeForSubject(t *testing.T) {
	cases := map[string]string{
		"bsk.deposits.confirmed.bsk":    "DepositConfirmed",
		"bsk.withdrawals.confirmed.bsk": "WithdrawalConfirmed",
		"bsk.trades.settled.bsk":        "TradeSettled",
		"bsk.admin.adjustments.manual":  "AdminAdjustment",
		"orders.created":                "unknown",
	}
	for subject, want := range cases {
		if got := ingestion.EventTypeForSubject(subject); got != want {
			t.Errorf("%s: got %s, want %s", subject, got, want)
		}
	}
}
