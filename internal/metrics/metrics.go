package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_submissions_total",
		Help: "Total number of job submissions accepted",
	})

	DuplicateSubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_duplicate_submissions_total",
		Help: "Total number of submissions answered from the idempotency cache",
	})

	IdempotencyConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_idempotency_conflicts_total",
		Help: "Total number of idempotency keys reused with a different payload",
	})

	TokensDebitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_tokens_debited_total",
		Help: "Total number of tokens debited from user balances",
	})

	TokensRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_tokens_refunded_total",
		Help: "Total number of tokens refunded to user balances",
	})

	RefundAnomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_refund_anomalies_total",
		Help: "Total number of refunds that failed after retry and need reconciliation",
	})

	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gradeflow_events_processed_total",
		Help: "Total number of worker lifecycle events applied, by type",
	}, []string{"type"})

	EventsDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_events_dead_lettered_total",
		Help: "Total number of worker events rejected without requeue",
	})

	StuckJobsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gradeflow_stuck_jobs_recovered_total",
		Help: "Total number of stale jobs failed and refunded by the monitor",
	})

	JobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gradeflow_jobs_by_status",
		Help: "Current number of tracked jobs in each status",
	}, []string{"status"})

	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gradeflow_submit_duration_seconds",
		Help:    "Time taken to run the submission workflow in seconds",
		Buckets: prometheus.DefBuckets,
	})
)
