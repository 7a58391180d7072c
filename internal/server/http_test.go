package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"BskLedger/internal/alert"
	"BskLedger/internal/audit"
	"BskLedger/internal/ledger"
	"BskLedger/internal/loan"
	"BskLedger/internal/observability"
	"BskLedger/internal/persistence"
	"BskLedger/internal/server"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type httpFixture struct {
	ts       *httptest.Server
	store    *persistence.MemoryStore
	recorder *ledger.Recorder
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	store := persistence.NewMemoryStore()
	recorder := ledger.NewRecorder(store, ledger.NewReplayCache(256), nil, zerolog.Nop())
	loans := loan.NewService(store, recorder, nil, zerolog.Nop())
	engine := loan.NewSettlementEngine(store, recorder, alert.NewSink(persistence.NewMemoryOutbox()), nil, zerolog.Nop())
	auditor := audit.NewAuditor(store, nil, zerolog.Nop())

	health := observability.NewHealthChecker()
	health.SetReady(true)

	api := server.NewServer(recorder, loans, engine, auditor, health, zerolog.Nop())
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)

	fx := &httpFixture{ts: ts, store: store, recorder: recorder}
	// Lending capital; loan disbursals draw on the treasury.
	fx.seed(t, ledger.PlatformTreasuryAccount, "10000")
	return fx
}

func (fx *httpFixture) do(t *testing.T, method, path string, body any) (int, apiEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, env
}

func (fx *httpFixture) decodeData(t *testing.T, env apiEnvelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func (fx *httpFixture) seed(t *testing.T, userID uuid.UUID, amount string) {
	t.Helper()
	status, _ := fx.do(t, "POST", "/v1/ledger/transactions", map[string]any{
		"user_id":         userID.String(),
		"asset":           "BSK",
		"tx_type":         "credit",
		"tx_subtype":      "deposit",
		"balance_bucket":  "withdrawable",
		"amount":          amount,
		"idempotency_key": "seed:" + userID.String(),
	})
	if status != http.StatusOK {
		t.Fatalf("seed: status %d", status)
	}
}

// ============================================================================
// Test: health
// ============================================================================

func TestHTTP_Health(t *testing.T) {
	fx := newHTTPFixture(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(fx.ts.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}

// ============================================================================
// Test: ledger endpoints
// ============================================================================

func TestHTTP_RecordTransaction(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()

	body := map[string]any{
		"user_id":         userID.String(),
		"asset":           "BSK",
		"tx_type":         "credit",
		"tx_subtype":      "deposit",
		"balance_bucket":  "withdrawable",
		"amount":          "100",
		"idempotency_key": "dep-1",
	}

	status, env := fx.do(t, "POST", "/v1/ledger/transactions", body)
	if status != http.StatusOK || !env.Success {
		t.Fatalf("status %d, success %v, error %q", status, env.Success, env.Error)
	}
	var first struct {
		LedgerEntryID string `json:"ledger_entry_id"`
		BalanceAfter  string `json:"balance_after"`
		Replayed      bool   `json:"replayed"`
	}
	fx.decodeData(t, env, &first)
	if first.BalanceAfter != "100" {
		t.Errorf("balance_after: got %s, want 100", first.BalanceAfter)
	}
	if first.Replayed {
		t.Error("first write flagged as replayed")
	}

	// Same key again replays the original entry.
	status, env = fx.do(t, "POST", "/v1/ledger/transactions", body)
	if status != http.StatusOK {
		t.Fatalf("replay status %d", status)
	}
	var second struct {
		LedgerEntryID string `json:"ledger_entry_id"`
		BalanceAfter  string `json:"balance_after"`
		Replayed      bool   `json:"replayed"`
	}
	fx.decodeData(t, env, &second)
	if !second.Replayed {
		t.Error("replay not flagged")
	}
	if second.LedgerEntryID != first.LedgerEntryID {
		t.Errorf("replay returned a different entry: %s vs %s", second.LedgerEntryID, first.LedgerEntryID)
	}
}

func TestHTTP_RecordTransactionRejections(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()

	// Debit with nothing behind it.
	status, env := fx.do(t, "POST", "/v1/ledger/transactions", map[string]any{
		"user_id":         userID.String(),
		"asset":           "BSK",
		"tx_type":         "debit",
		"tx_subtype":      "withdrawal",
		"balance_bucket":  "withdrawable",
		"amount":          "10",
		"idempotency_key": "wd-1",
	})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("insufficient balance: status %d, want 422", status)
	}
	if env.Success {
		t.Error("insufficient balance reported success")
	}

	// Missing idempotency key.
	status, _ = fx.do(t, "POST", "/v1/ledger/transactions", map[string]any{
		"user_id":        userID.String(),
		"asset":          "BSK",
		"tx_type":        "credit",
		"tx_subtype":     "deposit",
		"balance_bucket": "withdrawable",
		"amount":         "10",
	})
	if status != http.StatusBadRequest {
		t.Errorf("missing key: status %d, want 400", status)
	}

	// Unknown fields are rejected.
	status, _ = fx.do(t, "POST", "/v1/ledger/transactions", map[string]any{
		"user_id": userID.String(),
		"bogus":   true,
	})
	if status != http.StatusBadRequest {
		t.Errorf("unknown field: status %d, want 400", status)
	}
}

func TestHTTP_GetBalance(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()
	fx.seed(t, userID, "250")

	status, env := fx.do(t, "GET", "/v1/users/"+userID.String()+"/balances/BSK", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	var b struct {
		Withdrawable string `json:"withdrawable"`
		Holding      string `json:"holding"`
		Total        string `json:"total"`
	}
	fx.decodeData(t, env, &b)
	if b.Withdrawable != "250" || b.Total != "250" {
		t.Errorf("balance: %+v", b)
	}
}

func TestHTTP_ListEntries(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()
	fx.seed(t, userID, "100")

	status, env := fx.do(t, "GET", "/v1/users/"+userID.String()+"/ledger?asset=BSK", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	var entries []map[string]any
	fx.decodeData(t, env, &entries)
	if len(entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(entries))
	}
	if entries[0]["tx_subtype"] != "deposit" {
		t.Errorf("subtype: %v", entries[0]["tx_subtype"])
	}
}

// ============================================================================
// Test: loan endpoints
// ============================================================================

type loanBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (fx *httpFixture) applyLoan(t *testing.T, userID uuid.UUID, principal string, tenor int) loanBody {
	t.Helper()
	status, env := fx.do(t, "POST", "/v1/loans", map[string]any{
		"user_id":          userID.String(),
		"principal_amount": principal,
		"tenor_periods":    tenor,
		"period_days":      30,
	})
	if status != http.StatusCreated {
		t.Fatalf("apply: status %d, error %q", status, env.Error)
	}
	var l loanBody
	fx.decodeData(t, env, &l)
	return l
}

func TestHTTP_LoanLifecycle(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()

	l := fx.applyLoan(t, userID, "100", 2)
	if l.Status != "applied" {
		t.Errorf("status after apply: %s", l.Status)
	}

	status, env := fx.do(t, "POST", "/v1/loans/"+l.ID+"/approve", map[string]any{"notes": "ok"})
	if status != http.StatusOK {
		t.Fatalf("approve: status %d, error %q", status, env.Error)
	}

	// Approving twice is an illegal transition.
	status, _ = fx.do(t, "POST", "/v1/loans/"+l.ID+"/approve", nil)
	if status != http.StatusConflict {
		t.Errorf("double approve: status %d, want 409", status)
	}

	status, env = fx.do(t, "POST", "/v1/loans/"+l.ID+"/disburse", nil)
	if status != http.StatusOK {
		t.Fatalf("disburse: status %d, error %q", status, env.Error)
	}
	var disbursed loanBody
	fx.decodeData(t, env, &disbursed)
	if disbursed.Status != "active" {
		t.Errorf("status after disburse: %s", disbursed.Status)
	}

	// Detail view includes the schedule.
	status, env = fx.do(t, "GET", "/v1/loans/"+l.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("get loan: status %d", status)
	}
	var detail struct {
		Installments []map[string]any `json:"installments"`
	}
	fx.decodeData(t, env, &detail)
	if len(detail.Installments) != 2 {
		t.Errorf("installments: got %d, want 2", len(detail.Installments))
	}

	// User listing shows the loan.
	status, env = fx.do(t, "GET", "/v1/users/"+userID.String()+"/loans", nil)
	if status != http.StatusOK {
		t.Fatalf("list loans: status %d", status)
	}
	var loans []loanBody
	fx.decodeData(t, env, &loans)
	if len(loans) != 1 || loans[0].ID != l.ID {
		t.Errorf("loan list: %+v", loans)
	}
}

func TestHTTP_PayInstallment(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()

	l := fx.applyLoan(t, userID, "100", 2)
	fx.do(t, "POST", "/v1/loans/"+l.ID+"/approve", nil)
	fx.do(t, "POST", "/v1/loans/"+l.ID+"/disburse", nil)

	status, env := fx.do(t, "POST", "/v1/loans/"+l.ID+"/installments/1/pay", nil)
	if status != http.StatusOK {
		t.Fatalf("pay: status %d, error %q", status, env.Error)
	}

	status, env = fx.do(t, "POST", "/v1/loans/"+l.ID+"/installments/2/pay", nil)
	if status != http.StatusOK {
		t.Fatalf("pay last: status %d, error %q", status, env.Error)
	}
	var closed loanBody
	fx.decodeData(t, env, &closed)
	if closed.Status != "closed" {
		t.Errorf("status after final payment: %s", closed.Status)
	}
}

func TestHTTP_SettleLoan(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()

	l := fx.applyLoan(t, userID, "100", 2)
	fx.do(t, "POST", "/v1/loans/"+l.ID+"/approve", nil)
	fx.do(t, "POST", "/v1/loans/"+l.ID+"/disburse", nil)

	status, env := fx.do(t, "POST", "/v1/loans/"+l.ID+"/settle", nil)
	if status != http.StatusOK {
		t.Fatalf("settle: status %d, error %q", status, env.Error)
	}
	var res struct {
		Success           bool   `json:"success"`
		SettlementPayment string `json:"settlement_payment"`
		PayoutReceived    string `json:"payout_received"`
		NetReceived       string `json:"net_received"`
		NewStatus         string `json:"new_status"`
		PayoutStatus      string `json:"payout_status"`
	}
	fx.decodeData(t, env, &res)

	// Zero-rate loan: payoff equals principal, so net comes out at zero.
	if res.SettlementPayment != "100" || res.PayoutReceived != "100" || res.NetReceived != "0" {
		t.Errorf("amounts: %+v", res)
	}
	if res.NewStatus != "closed" || res.PayoutStatus != "completed" {
		t.Errorf("status: %+v", res)
	}

	// Balance is unchanged overall: -100 settlement, +100 payout.
	b, err := fx.store.GetBalance(context.Background(), userID, ledger.AssetBSK)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !b.Withdrawable.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance: got %s, want 100", b.Withdrawable)
	}
}

func TestHTTP_SettleCancelledLoanConflicts(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()

	l := fx.applyLoan(t, userID, "100", 2)
	fx.do(t, "POST", "/v1/loans/"+l.ID+"/cancel", map[string]any{"notes": "policy"})

	status, env := fx.do(t, "POST", "/v1/loans/"+l.ID+"/settle", nil)
	if status != http.StatusConflict {
		t.Errorf("settle cancelled: status %d, want 409", status)
	}
	if env.Success {
		t.Error("settle cancelled reported success")
	}
}

func TestHTTP_LoanNotFound(t *testing.T) {
	fx := newHTTPFixture(t)

	status, _ := fx.do(t, "GET", "/v1/loans/"+uuid.NewString(), nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown loan: status %d, want 404", status)
	}
	status, _ = fx.do(t, "GET", "/v1/loans/not-a-uuid", nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad loan id: status %d, want 400", status)
	}
}

// ============================================================================
// Test: reconciliation endpoint
// ============================================================================

func TestHTTP_Reconciliation(t *testing.T) {
	fx := newHTTPFixture(t)
	userID := uuid.New()
	fx.seed(t, userID, "500")

	status, env := fx.do(t, "GET", "/v1/reconciliation", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	var report struct {
		PerAsset []struct {
			Asset  string `json:"asset"`
			Status string `json:"status"`
		} `json:"per_asset"`
		PerUser []any `json:"per_user"`
	}
	fx.decodeData(t, env, &report)
	if len(report.PerAsset) != 1 {
		t.Fatalf("per_asset rows: got %d, want 1", len(report.PerAsset))
	}
	if report.PerAsset[0].Asset != "BSK" || report.PerAsset[0].Status != "BALANCED" {
		t.Errorf("row: %+v", report.PerAsset[0])
	}
	if len(report.PerUser) != 0 {
		t.Errorf("unexpected drift rows: %d", len(report.PerUser))
	}
}
