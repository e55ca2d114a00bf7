// Package metrics holds the Prometheus collectors of the debt ledger engine.
// They register on the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "debtledger"

// =============================================================================
// MIRROR
// =============================================================================

// SnapshotsApplied counts store snapshots accepted by the mirror.
var SnapshotsApplied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "snapshots_applied_total",
	Help:      "Store snapshots accepted and folded by the mirror.",
})

// SnapshotsStale counts snapshots dropped because a newer revision was already applied.
var SnapshotsStale = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "snapshots_stale_total",
	Help:      "Store snapshots dropped as duplicate or out of order.",
})

// DataQualityWarnings counts transactions skipped by the fold.
var DataQualityWarnings = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "data_quality_warnings_total",
	Help:      "Malformed transactions excluded from a balance fold.",
})

// Transitions counts breach classifications by transition.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "transitions_total",
	Help:      "Breach transitions classified on accepted snapshots.",
}, []string{"transition"})

// DebtorsOverLimit is the number of mirrored debtors currently over their limit.
var DebtorsOverLimit = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "debtors_over_limit",
	Help:      "Debtors whose balance currently exceeds their credit limit.",
})

// =============================================================================
// REMINDERS
// =============================================================================

// Dispatches counts reminder dispatch outcomes.
var Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "dispatches_total",
	Help:      "Reminder dispatch attempts by outcome (delivered, failed, alert_only).",
}, []string{"outcome"})
