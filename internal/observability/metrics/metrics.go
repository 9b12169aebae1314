package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "hvac_"

	resultSuccess = "success"
	resultError   = "error"

	readingAccepted  = "accepted"
	readingDuplicate = "duplicate"
	readingRejected  = "rejected"
	readingFailed    = "failed"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	readingsTotal     *prometheus.CounterVec
	materializerTotal *prometheus.CounterVec

	alertEventsTotal     *prometheus.CounterVec
	ruleEvaluationErrors *prometheus.CounterVec

	rollupBucketsTotal *prometheus.CounterVec
	rollupRunLatency   *prometheus.HistogramVec

	partitionsTotal *prometheus.CounterVec
	repairTotal     *prometheus.CounterVec
	jobRunsTotal    *prometheus.CounterVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		readingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_total",
				Help: "Total readings by ingest outcome",
			},
			[]string{"result"},
		)
		materializerTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "current_state_updates_total",
				Help: "Current-state materializer outcomes",
			},
			[]string{"result"},
		)

		alertEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Total alert lifecycle events by type",
			},
			[]string{"event"},
		)
		ruleEvaluationErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_evaluation_errors_total",
				Help: "Rules skipped because they could not be evaluated",
			},
			[]string{"reason"},
		)

		rollupBucketsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollup_buckets_total",
				Help: "Rollup buckets written by tier and result",
			},
			[]string{"tier", "result"},
		)
		rollupRunLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rollup_run_latency_seconds",
				Help:    "Rollup run latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"tier", "result"},
		)

		partitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "partitions_total",
				Help: "Raw partitions ensured or dropped",
			},
			[]string{"action"},
		)
		repairTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "repair_tasks_total",
				Help: "Repair tasks by outcome",
			},
			[]string{"outcome"},
		)
		jobRunsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "job_runs_total",
				Help: "Background job runs by job and result",
			},
			[]string{"job", "result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_export_total",
				Help: "Total rollup report exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "report_export_latency_seconds",
				Help:    "Rollup report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			readingsTotal,
			materializerTotal,
			alertEventsTotal,
			ruleEvaluationErrors,
			rollupBucketsTotal,
			rollupRunLatency,
			partitionsTotal,
			repairTotal,
			jobRunsTotal,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncReading counts a reading by ingest outcome.
func IncReading(result string) {
	if result == "" {
		result = "unknown"
	}
	if readingsTotal != nil {
		readingsTotal.WithLabelValues(result).Inc()
	}
}

// IncMaterializer counts current-state update outcomes.
func IncMaterializer(result string) {
	if result == "" {
		result = "unknown"
	}
	if materializerTotal != nil {
		materializerTotal.WithLabelValues(result).Inc()
	}
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alertEventsTotal != nil {
		alertEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncRuleEvaluationError counts a skipped rule.
func IncRuleEvaluationError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ruleEvaluationErrors != nil {
		ruleEvaluationErrors.WithLabelValues(reason).Inc()
	}
}

// IncRollupBucket counts one rollup bucket write.
func IncRollupBucket(tier, result string) {
	if result == "" {
		result = resultSuccess
	}
	if rollupBucketsTotal != nil {
		rollupBucketsTotal.WithLabelValues(tier, result).Inc()
	}
}

// ObserveRollupRun records rollup run latency and result.
func ObserveRollupRun(tier, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if rollupRunLatency != nil {
		rollupRunLatency.WithLabelValues(tier, result).Observe(duration.Seconds())
	}
}

// IncPartition counts partition lifecycle actions.
func IncPartition(action string) {
	if partitionsTotal != nil {
		partitionsTotal.WithLabelValues(action).Inc()
	}
}

// IncRepair counts repair task outcomes.
func IncRepair(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if repairTotal != nil {
		repairTotal.WithLabelValues(outcome).Inc()
	}
}

// IncJobRun counts scheduled job runs.
func IncJobRun(job, result string) {
	if result == "" {
		result = resultSuccess
	}
	if jobRunsTotal != nil {
		jobRunsTotal.WithLabelValues(job, result).Inc()
	}
}

// ObserveExport records report export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	IngestResultSuccess = resultSuccess
	IngestResultError   = resultError

	ResultSuccess = resultSuccess
	ResultError   = resultError

	ReadingAccepted  = readingAccepted
	ReadingDuplicate = readingDuplicate
	ReadingRejected  = readingRejected
	ReadingFailed    = readingFailed
)
