package alert_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BskLedger/internal/alert"
	"BskLedger/internal/loan"
	"BskLedger/internal/persistence"
)

func TestSink_EnqueuesDisbursalFailurePayload(t *testing.T) {
	outbox := persistence.NewMemoryOutbox()
	sink := alert.NewSink(outbox)

	a := loan.DisbursalFailureAlert{
		LoanID:         uuid.New(),
		UserID:         uuid.New(),
		AmountOwed:     decimal.NewFromInt(1000),
		StepsCompleted: []string{"settlement_debit", "installments_paid", "loan_closed"},
		IdempotencyKey: "loan_settlement_disbursal:" + uuid.NewString(),
	}
	if err := sink.EnqueueDisbursalFailure(context.Background(), a); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	alerts := outbox.All()
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
	if alerts[0].Type != alert.TypeLoanDisbursalFailed {
		t.Errorf("type: got %s", alerts[0].Type)
	}

	var payload alert.DisbursalFailedPayload
	if err := json.Unmarshal(alerts[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Type != alert.TypeLoanDisbursalFailed {
		t.Errorf("payload type: got %s", payload.Type)
	}
	if payload.LoanID != a.LoanID || payload.UserID != a.UserID {
		t.Errorf("payload ids: %+v", payload)
	}
	if !payload.AmountOwed.Equal(a.AmountOwed) {
		t.Errorf("amount owed: got %s", payload.AmountOwed)
	}
	if len(payload.StepsCompleted) != 3 {
		t.Errorf("steps: %v", payload.StepsCompleted)
	}
	if payload.IdempotencyKey != a.IdempotencyKey {
		t.Errorf("key: got %s", payload.IdempotencyKey)
	}
}

func TestOutbox_FetchAndPublishCycle(t *testing.T) {
	outbox := persistence.NewMemoryOutbox()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := outbox.Enqueue(ctx, alert.TypeLoanDisbursalFailed, map[string]int{"n": i}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	pending, err := outbox.FetchUnpublished(ctx, 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending: got %d, want 2 (limit)", len(pending))
	}

	if err := outbox.MarkPublished(ctx, pending[0].ID, time.Now().UTC()); err != nil {
		t.Fatalf("mark published: %v", err)
	}

	pending, _ = outbox.FetchUnpublished(ctx, 10)
	if len(pending) != 2 {
		t.Errorf("after publish: got %d pending, want 2", len(pending))
	}
	for _, a := range pending {
		if a.PublishedAt != nil {
			t.Error("published alert still returned as pending")
		}
	}
}
