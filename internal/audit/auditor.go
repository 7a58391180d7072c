package audit

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"BskLedger/internal/observability"
)

// Tolerance below which an asset-level discrepancy counts as balanced.
var Tolerance = decimal.RequireFromString("0.01")

// Status of one reconciliation row.
const (
	StatusBalanced = "BALANCED"
	StatusMismatch = "MISMATCH"
)

// Flow is the recomputed external movement of one asset: deposits in,
// withdrawals out. Recomputed from the ledger on every run, never read
// from a cached counter.
type Flow struct {
	Deposits    decimal.Decimal
	Withdrawals decimal.Decimal
}

// UserNet pairs one user's ledger-implied net against their live balance
// for an asset.
type UserNet struct {
	UserID    uuid.UUID
	Asset     string
	LedgerNet decimal.Decimal
	LiveTotal decimal.Decimal
}

// Source is the read-only view the auditor runs over. Implemented by the
// persistence layer.
type Source interface {
	// AssetFlows returns per-asset deposit and withdrawal totals summed
	// from ledger entries.
	AssetFlows(ctx context.Context) (map[string]Flow, error)

	// LiveBalanceSums returns per-asset sums of all live balances,
	// withdrawable plus holding, across every account including the
	// platform fee account.
	LiveBalanceSums(ctx context.Context) (map[string]decimal.Decimal, error)

	// UserNets returns, per (user, asset), the sum of that user's ledger
	// deltas next to their live total balance.
	UserNets(ctx context.Context) ([]UserNet, error)
}

// ReconciliationRow is the asset-level verdict.
type ReconciliationRow struct {
	Asset            string          `json:"asset"`
	TotalDeposits    decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals"`
	ExpectedBalance  decimal.Decimal `json:"expected_balance"`
	ActualBalance    decimal.Decimal `json:"actual_balance"`
	Discrepancy      decimal.Decimal `json:"discrepancy"`
	Status           string          `json:"status"`
}

// UserDriftRow surfaces a single user whose live balance disagrees with
// their ledger history. Nonzero drift means money moved without a trail,
// even when the asset-level total still balances.
type UserDriftRow struct {
	UserID    uuid.UUID       `json:"user_id"`
	Asset     string          `json:"asset"`
	LedgerNet decimal.Decimal `json:"ledger_net"`
	LiveTotal decimal.Decimal `json:"live_total"`
	Drift     decimal.Decimal `json:"drift"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	RanAt    time.Time           `json:"ran_at"`
	PerAsset []ReconciliationRow `json:"per_asset"`
	PerUser  []UserDriftRow      `json:"per_user"`
}

// Mismatches counts assets whose status is MISMATCH.
func (r *Report) Mismatches() int {
	n := 0
	for _, row := range r.PerAsset {
		if row.Status == StatusMismatch {
			n++
		}
	}
	return n
}

// Auditor proves, after the fact, that ledger activity and live balances
// agree. It never fixes anything; it only reports.
type Auditor struct {
	source  Source
	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewAuditor creates an Auditor. metrics may be nil in tests.
func NewAuditor(source Source, metrics *observability.Metrics, log zerolog.Logger) *Auditor {
	return &Auditor{source: source, metrics: metrics, log: log}
}

// Reconcile recomputes asset flows and user nets from the ledger and
// compares them against live balances. Pure read, no mutation.
func (a *Auditor) Reconcile(ctx context.Context) (*Report, error) {
	start := time.Now()

	flows, err := a.source.AssetFlows(ctx)
	if err != nil {
		return nil, err
	}
	liveSums, err := a.source.LiveBalanceSums(ctx)
	if err != nil {
		return nil, err
	}
	nets, err := a.source.UserNets(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{RanAt: start.UTC()}

	assets := make(map[string]bool, len(flows))
	for asset := range flows {
		assets[asset] = true
	}
	for asset := range liveSums {
		assets[asset] = true
	}
	for asset := range assets {
		flow := flows[asset]
		expected := flow.Deposits.Sub(flow.Withdrawals)
		actual := liveSums[asset]
		discrepancy := actual.Sub(expected)

		status := StatusBalanced
		if discrepancy.Abs().GreaterThanOrEqual(Tolerance) {
			status = StatusMismatch
		}
		report.PerAsset = append(report.PerAsset, ReconciliationRow{
			Asset:            asset,
			TotalDeposits:    flow.Deposits,
			TotalWithdrawals: flow.Withdrawals,
			ExpectedBalance:  expected,
			ActualBalance:    actual,
			Discrepancy:      discrepancy,
			Status:           status,
		})
	}
	sort.Slice(report.PerAsset, func(i, j int) bool {
		return report.PerAsset[i].Asset < report.PerAsset[j].Asset
	})

	for _, net := range nets {
		drift := net.LiveTotal.Sub(net.LedgerNet)
		if drift.IsZero() {
			continue
		}
		report.PerUser = append(report.PerUser, UserDriftRow{
			UserID:    net.UserID,
			Asset:     net.Asset,
			LedgerNet: net.LedgerNet,
			LiveTotal: net.LiveTotal,
			Drift:     drift,
		})
	}
	sort.Slice(report.PerUser, func(i, j int) bool {
		if report.PerUser[i].Asset != report.PerUser[j].Asset {
			return report.PerUser[i].Asset < report.PerUser[j].Asset
		}
		return report.PerUser[i].UserID.String() < report.PerUser[j].UserID.String()
	})

	if a.metrics != nil {
		a.metrics.ReconciliationRuns.Inc()
		a.metrics.ReconciliationDuration.Observe(time.Since(start).Seconds())
		a.metrics.ReconciliationMismatches.Set(float64(report.Mismatches()))
		a.metrics.ReconciliationDrifts.Set(float64(len(report.PerUser)))
	}

	evt := a.log.Info()
	if report.Mismatches() > 0 || len(report.PerUser) > 0 {
		evt = a.log.Error()
	}
	evt.
		Int("assets", len(report.PerAsset)).
		Int("mismatches", report.Mismatches()).
		Int("user_drifts", len(report.PerUser)).
		Dur("took", time.Since(start)).
		Msg("reconciliation pass complete")

	return report, nil
}
