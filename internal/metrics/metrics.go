// Package metrics holds the Prometheus collectors shared by the engine
// packages. Collectors register on the default registry; the HTTP adapter
// exposes it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Sales ──────────────────────────────────────────────────────────────────

// SalesCommitted counts committed sales by payment method.
var SalesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "sale",
	Name:      "committed_total",
	Help:      "Total sales committed, by payment method.",
}, []string{"method"})

// SalesRejected counts sale attempts that ended in a typed failure.
var SalesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "sale",
	Name:      "rejected_total",
	Help:      "Total sale attempts rejected, by error kind.",
}, []string{"kind"})

var SalesReversed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "sale",
	Name:      "reversed_total",
	Help:      "Total committed sales reversed.",
})

// CommitRetries counts conflict retries inside the commit loop.
var CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "sale",
	Name:      "commit_retries_total",
	Help:      "Total sale commit attempts retried after a concurrency conflict.",
})

var CommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "kasirledger",
	Subsystem: "sale",
	Name:      "commit_latency_ms",
	Help:      "Sale commit latency in milliseconds.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
})

// ─── Idempotency ────────────────────────────────────────────────────────────

// IdempotencyOutcomes counts guard decisions: fresh, replay, in_progress.
var IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "idempotency",
	Name:      "outcomes_total",
	Help:      "Total idempotency guard decisions by outcome.",
}, []string{"outcome"})

// ─── Ledgers ────────────────────────────────────────────────────────────────

var StockMovements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "stock",
	Name:      "movements_total",
	Help:      "Total stock movements appended, by kind.",
}, []string{"kind"})

var StockDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kasirledger",
	Subsystem: "stock",
	Name:      "reconciliation_drift",
	Help:      "Difference between materialized stock and the movement fold, by product.",
}, []string{"product"})

var CashMovements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "cash",
	Name:      "movements_total",
	Help:      "Total cash movements appended, by kind.",
}, []string{"kind"})

var OpenRegisters = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kasirledger",
	Subsystem: "cash",
	Name:      "open_sessions",
	Help:      "Number of register sessions currently open in this process's view.",
})

// ─── Alerts ─────────────────────────────────────────────────────────────────

// AlertTransitions counts alert lifecycle changes by type and target status.
var AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "alert",
	Name:      "transitions_total",
	Help:      "Total alert lifecycle transitions, by type and status.",
}, []string{"type", "status"})

// AlertEscalations counts open alerts raised to a higher severity.
var AlertEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "alert",
	Name:      "escalations_total",
	Help:      "Total open alerts raised to a higher severity, by type and severity.",
}, []string{"type", "severity"})

var AlertEvaluationErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "alert",
	Name:      "evaluation_errors_total",
	Help:      "Total alert evaluations that failed and were skipped.",
})

// ─── Maintenance ────────────────────────────────────────────────────────────

var MaintenanceRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kasirledger",
	Subsystem: "maintenance",
	Name:      "records_removed_total",
	Help:      "Total records removed by maintenance tasks.",
}, []string{"task"})

var SyncPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kasirledger",
	Subsystem: "sync",
	Name:      "pending_sales",
	Help:      "Offline sales waiting in the outbox.",
})
