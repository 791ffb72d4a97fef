// Package metrics declares the Prometheus collectors exported by the ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hive"

var (
	// LedgerOperations counts wallet and escrow operations by outcome.
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by operation, kind and outcome.",
	}, []string{"op", "kind", "outcome"})

	// LockWait observes how long callers waited for a per-key lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "lock_wait_seconds",
		Help:      "Time spent acquiring per-key ledger locks.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	// Compensations counts reversal entries written after a partial failure.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "compensations_total",
		Help:      "Compensating reversal entries by operation and outcome.",
	}, []string{"op", "outcome"})

	// PendingEntries counts entries left PENDING after a committed balance write.
	PendingEntries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "unsettled_entries_total",
		Help:      "Entries left PENDING because settlement failed after the balance was saved.",
	})

	// OutboxDeliveries counts outbound event and notification deliveries.
	OutboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Outbox deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})

	// ReconcileFindings counts reconciliation results by type.
	ReconcileFindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "findings_total",
		Help:      "Reconciler findings: resolved, failed and discrepancy.",
	}, []string{"finding"})

	// HTTPRequests observes API latency by route template and status.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDropped = "dropped"
)
