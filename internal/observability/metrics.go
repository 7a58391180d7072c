package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the BSK ledger service.
type Metrics struct {
	// --- Ledger write path ---
	LedgerWritesApplied  *prometheus.CounterVec
	LedgerWritesRejected *prometheus.CounterVec
	LedgerDuplicates     *prometheus.CounterVec
	LedgerWriteDuration  *prometheus.HistogramVec

	// --- Loan lifecycle & settlement ---
	LoansDisbursed       prometheus.Counter
	SettlementsCompleted prometheus.Counter
	SettlementsPending   prometheus.Counter
	SettlementsRejected  *prometheus.CounterVec
	SettlementDuration   prometheus.Histogram

	// --- Reconciliation ---
	ReconciliationRuns       prometheus.Counter
	ReconciliationDuration   prometheus.Histogram
	ReconciliationMismatches prometheus.Gauge
	ReconciliationDrifts     prometheus.Gauge

	// --- Alert outbox ---
	OutboxDepth     prometheus.Gauge
	OutboxPublished prometheus.Counter
	OutboxErrors    prometheus.Counter

	// --- Ingestion ---
	IngestEventsReceived *prometheus.CounterVec
	IngestParseErrors    *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	writeBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		LedgerWritesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bsk_ledger_writes_applied_total",
			Help: "Ledger entries successfully recorded",
		}, []string{"tx_type", "tx_subtype"}),

		LedgerWritesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bsk_ledger_writes_rejected_total",
			Help: "Ledger writes rejected (insufficient_balance, validation, storage)",
		}, []string{"reason"}),

		LedgerDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bsk_ledger_duplicate_writes_total",
			Help: "Idempotent replays resolved without a second mutation",
		}, []string{"tier"}),

		LedgerWriteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bsk_ledger_write_duration_seconds",
			Help:    "Time to record a single ledger entry",
			Buckets: writeBuckets,
		}, []string{"tx_type"}),

		LoansDisbursed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bsk_loans_disbursed_total",
			Help: "Loans disbursed (principal credited)",
		}),

		SettlementsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bsk_loan_settlements_completed_total",
			Help: "Loan settlements that finished with payout completed",
		}),

		SettlementsPending: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bsk_loan_settlements_pending_recovery_total",
			Help: "Loan settlements that ended in pending_recovery (alert raised)",
		}),

		SettlementsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bsk_loan_settlements_rejected_total",
			Help: "Settlement requests rejected before any money moved",
		}, []string{"reason"}),

		SettlementDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bsk_loan_settlement_duration_seconds",
			Help:    "End-to-end duration of a settlement attempt",
			Buckets: writeBuckets,
		}),

		ReconciliationRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bsk_reconciliation_runs_total",
			Help: "Reconciliation audit runs",
		}),

		ReconciliationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bsk_reconciliation_duration_seconds",
			Help:    "Duration of a full reconciliation pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),

		ReconciliationMismatches: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bsk_reconciliation_asset_mismatches",
			Help: "Assets with a MISMATCH status in the latest audit",
		}),

		ReconciliationDrifts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bsk_reconciliation_user_drifts",
			Help: "Users with nonzero balance drift in the latest audit",
		}),

		OutboxDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bsk_alert_outbox_depth",
			Help: "Unpublished rows in the alert outbox",
		}),

		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bsk_alert_outbox_published_total",
			Help: "Alerts delivered to the alert stream",
		}),

		OutboxErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bsk_alert_outbox_errors_total",
			Help: "Failed alert publish attempts (retried)",
		}),

		IngestEventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bsk_ingest_events_received_total",
			Help: "Ledger-write events received from NATS",
		}, []string{"event_type"}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bsk_ingest_parse_errors_total",
			Help: "Events that failed validation or parsing",
		}, []string{"event_type"}),
	}
}
