// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesFetchedTotal     *prometheus.CounterVec
	candidatesTotal       *prometheus.CounterVec
	rejectedTotal         *prometheus.CounterVec
	duplicatesTotal       *prometheus.CounterVec
	acceptedTotal         *prometheus.CounterVec
	batchesTotal          *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	runsTotal             *prometheus.CounterVec
	runsRunning           prometheus.Gauge

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_fetched_total",
				Help: "Pages fetched, labeled by source and status class.",
			},
			[]string{"source", "status_class"},
		)
		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_candidates_total",
				Help: "Candidate records extracted per source.",
			},
			[]string{"source"},
		)
		rejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_rejected_total",
				Help: "Candidates rejected during normalization, by reason.",
			},
			[]string{"source", "reason"},
		)
		duplicatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_duplicates_total",
				Help: "Records filtered out by the dedup index per source.",
			},
			[]string{"source"},
		)
		acceptedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_accepted_total",
				Help: "Records accepted by the ingestion sink per source.",
			},
			[]string{"source"},
		)
		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_batches_total",
				Help: "Batch submissions partitioned by outcome.",
			},
			[]string{"outcome"},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Fetch latency by source and status class.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source", "status_class"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Delay introduced by the per-host politeness gate.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Completed runs partitioned by final status.",
			},
			[]string{"status"},
		)
		runsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_runs_running",
				Help: "Number of runs currently in progress.",
			},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass groups an HTTP status code (2xx, 3xx, 4xx, 5xx, other).
func StatusClass(code int) string {
	if code >= 200 && code < 600 {
		return strconv.Itoa(code/100) + "xx"
	}
	return "other"
}

// ObservePageFetch records one completed fetch.
func ObservePageFetch(source string, statusCode int, duration time.Duration) {
	if pagesFetchedTotal == nil {
		return
	}
	class := StatusClass(statusCode)
	pagesFetchedTotal.WithLabelValues(source, class).Inc()
	fetchDurationSeconds.WithLabelValues(source, class).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time spent waiting on the host gate.
func ObserveRateLimitDelay(host string, delay time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(host).Observe(delay.Seconds())
}

// AddCandidates counts extracted candidates for a source.
func AddCandidates(source string, n int) {
	if candidatesTotal == nil || n <= 0 {
		return
	}
	candidatesTotal.WithLabelValues(source).Add(float64(n))
}

// IncRejected counts one normalization rejection.
func IncRejected(source, reason string) {
	if rejectedTotal == nil {
		return
	}
	rejectedTotal.WithLabelValues(source, reason).Inc()
}

// AddDuplicates counts dedup hits for a source.
func AddDuplicates(source string, n int) {
	if duplicatesTotal == nil || n <= 0 {
		return
	}
	duplicatesTotal.WithLabelValues(source).Add(float64(n))
}

// AddAccepted counts sink-accepted records for a source.
func AddAccepted(source string, n int) {
	if acceptedTotal == nil || n <= 0 {
		return
	}
	acceptedTotal.WithLabelValues(source).Add(float64(n))
}

// IncBatch counts one batch submission outcome (ok, failed).
func IncBatch(outcome string) {
	if batchesTotal == nil {
		return
	}
	batchesTotal.WithLabelValues(outcome).Inc()
}

// RunStarted marks a run in progress.
func RunStarted() {
	if runsRunning == nil {
		return
	}
	runsRunning.Inc()
}

// RunFinished records a run's final status and clears the in-progress gauge.
func RunFinished(status string) {
	if runsRunning == nil {
		return
	}
	runsRunning.Dec()
	runsTotal.WithLabelValues(status).Inc()
}
