package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the wallet engine.
type Metrics struct {
	LedgerOpsTotal       *prometheus.CounterVec
	LedgerOpDuration     prometheus.Histogram
	ConcurrencyRetries   prometheus.Counter
	ReconciliationsTotal *prometheus.CounterVec
	UnknownStatusTotal   prometheus.Counter
	ScanRenewed          prometheus.Counter
	ScanExpired          prometheus.Counter
	ScanReminders        prometheus.Counter
	ScanFailures         prometheus.Counter
	LedgerDriftAccounts  prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		LedgerOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations partitioned by direction and result.",
			},
			[]string{"direction", "result"},
		),
		LedgerOpDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Wall time of one atomic ledger mutation.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ConcurrencyRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "concurrency_retries_total",
				Help:      "Retries caused by lock or serialization conflicts.",
			},
		),
		ReconciliationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "payments",
				Name:      "reconciliations_total",
				Help:      "Payment reconciliations partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		UnknownStatusTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "payments",
				Name:      "unknown_status_total",
				Help:      "Provider callbacks carrying an undocumented status.",
			},
		),
		ScanRenewed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "subscriptions",
				Name:      "scan_renewed_total",
				Help:      "Subscriptions renewed by the scheduler.",
			},
		),
		ScanExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "subscriptions",
				Name:      "scan_expired_total",
				Help:      "Subscriptions expired by the scheduler.",
			},
		),
		ScanReminders: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "subscriptions",
				Name:      "scan_reminders_total",
				Help:      "Expiry reminders dispatched by the scheduler.",
			},
		),
		ScanFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "wallet",
				Subsystem: "subscriptions",
				Name:      "scan_failures_total",
				Help:      "Subscriptions whose processing failed during a scan.",
			},
		),
		LedgerDriftAccounts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wallet",
				Subsystem: "ledger",
				Name:      "drift_accounts",
				Help:      "Accounts whose balance differs from the entry fold at last audit.",
			},
		),
	}
}
