// Package metrics provides Prometheus metrics for the resolution service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsIngested counts raw records by outcome (stored, duplicate, invalid)
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Raw records received by outcome",
		},
		[]string{"outcome"},
	)

	// FactsExtracted counts structured facts by fact type
	FactsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "facts_extracted_total",
			Help:      "Structured facts extracted by fact type",
		},
		[]string{"fact_type"},
	)

	// Decisions counts thresholding outcomes
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "decisions_total",
			Help:      "Three-band decisions by relationship type, tier and band",
		},
		[]string{"relationship_type", "tier", "decision"},
	)

	// MatchConflicts counts Tier 1 conflicts routed to review
	MatchConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolution",
			Name:      "match_conflicts_total",
			Help:      "Deterministic key conflicts routed to review",
		},
	)

	// ScorerFailures counts Tier 2 failures by model version
	ScorerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scorer",
			Name:      "failures_total",
			Help:      "Tier 2 scoring failures by relationship type",
		},
		[]string{"relationship_type"},
	)

	// Escalations counts Tier 3 outcomes (cached, resolved, timeout, error, skipped)
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "escalation",
			Name:      "requests_total",
			Help:      "Tier 3 escalations by outcome",
		},
		[]string{"outcome"},
	)

	// EscalationDuration tracks reasoner latency
	EscalationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "escalation",
			Name:      "duration_seconds",
			Help:      "Duration of reasoner calls in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// MergeRecords counts written merge records by kind and decision source
	MergeRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "records_total",
			Help:      "Merge records written by kind and decision source",
		},
		[]string{"kind", "source"},
	)

	// LockWait tracks time spent acquiring entity locks
	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "merge",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring per-entity merge locks",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// ReviewQueuePending is the number of pending review items
	ReviewQueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "review",
			Name:      "pending_items",
			Help:      "Pending review items",
		},
	)

	// ReviewQueueOldestAge is the age of the oldest pending item in seconds
	ReviewQueueOldestAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "review",
			Name:      "oldest_item_age_seconds",
			Help:      "Age of the oldest pending review item in seconds",
		},
	)

	// ReviewQueueDegraded is 1 while the queue health check is failing
	ReviewQueueDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "review",
			Name:      "degraded",
			Help:      "1 when queue size or age indicates scorer underperformance",
		},
	)

	// Verdicts counts recorded verdicts
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "review",
			Name:      "verdicts_total",
			Help:      "Recorded verdicts by reason and verdict",
		},
		[]string{"reason", "verdict"},
	)

	// AuditSamples counts auto-accepts sampled for blind re-review
	AuditSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "audit",
			Name:      "samples_total",
			Help:      "Auto-accepted decisions sampled for blind re-review",
		},
	)

	// GateEvaluations counts gate evaluations by gate and result
	GateEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "gates",
			Name:      "evaluations_total",
			Help:      "Release gate evaluations by gate and result",
		},
		[]string{"gate", "result"},
	)

	// StaleReliabilityReads counts reads of stale source reliability records
	StaleReliabilityReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "reliability",
			Name:      "stale_reads_total",
			Help:      "Source reliability reads that fell back to the default prior",
		},
	)
)
