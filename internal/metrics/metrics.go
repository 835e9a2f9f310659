// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal             *prometheus.CounterVec
	runReclaimsTotal      prometheus.Counter
	claimConflictsTotal   prometheus.Counter
	postingDecisionsTotal *prometheus.CounterVec
	invalidRecordsTotal   prometheus.Counter
	invalidatedTotal      prometheus.Counter
	fetchDurationSeconds  *prometheus.HistogramVec
	fetchRetriesTotal     prometheus.Counter
	activeWorkers         *prometheus.GaugeVec
	queueDepth            *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_runs_total",
				Help: "Total number of finalized runs, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		runReclaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_run_reclaims_total",
				Help: "Total number of stale runs reclaimed after lease expiry.",
			},
		)

		claimConflictsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_claim_conflicts_total",
				Help: "Total number of claim races lost by a worker.",
			},
		)

		postingDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_posting_decisions_total",
				Help: "Total number of dedup decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		invalidRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_invalid_records_total",
				Help: "Total number of candidate records rejected by validation.",
			},
		)

		invalidatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_postings_invalidated_total",
				Help: "Total number of postings flipped unavailable.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_fetch_duration_seconds",
				Help:    "Histogram of fetch stream durations, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"kind"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_fetch_retries_total",
				Help: "Total number of transient fetch retries within attempts.",
			},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "discovery_active_workers",
				Help: "Number of workers currently executing a run, labeled by kind.",
			},
			[]string{"kind"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "discovery_queue_depth",
				Help: "Number of work items waiting per kind.",
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun increments the finalized-run counter.
func ObserveRun(kind, status string) {
	runsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveReclaim counts a stale-lease recovery.
func ObserveReclaim() {
	runReclaimsTotal.Inc()
}

// ObserveClaimConflict counts a lost claim race.
func ObserveClaimConflict() {
	claimConflictsTotal.Inc()
}

// ObservePostingDecision counts a dedup outcome (inserted/updated/unchanged).
func ObservePostingDecision(outcome string) {
	postingDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveInvalidRecord counts a rejected candidate record.
func ObserveInvalidRecord() {
	invalidRecordsTotal.Inc()
}

// ObserveInvalidated adds to the unavailable-posting counter.
func ObserveInvalidated(n int) {
	if n > 0 {
		invalidatedTotal.Add(float64(n))
	}
}

// ObserveFetch records the duration of a full fetch stream.
func ObserveFetch(kind string, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveFetchRetry counts an in-attempt transient retry.
func ObserveFetchRetry() {
	fetchRetriesTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge for a kind.
func IncActiveWorkers(kind string) {
	activeWorkers.WithLabelValues(kind).Inc()
}

// DecActiveWorkers decrements the active workers gauge for a kind.
func DecActiveWorkers(kind string) {
	activeWorkers.WithLabelValues(kind).Dec()
}

// SetQueueDepth sets the waiting-item gauge for a kind.
func SetQueueDepth(kind string, depth int) {
	queueDepth.WithLabelValues(kind).Set(float64(depth))
}
