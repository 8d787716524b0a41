// Package metrics provides Prometheus metrics for the job queue, the stage
// cache and the pipeline.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// cacheLookupsTotal records stage cache lookups.
	// Labels:
	//   - stage: download, transcribe, diarize
	//   - result: hit, miss
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_cache_lookups_total",
			Help: "Total number of stage cache lookups",
		},
		[]string{"stage", "result"},
	)

	// cacheCorruptionsTotal records entries dropped after a checksum mismatch.
	cacheCorruptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_cache_corruptions_total",
			Help: "Total number of cache entries discarded due to checksum mismatch or missing payload",
		},
		[]string{"stage"},
	)

	// stageDuration records the time spent executing a stage on a cache miss.
	// Buckets: 0.5s up to 1h.
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_stage_duration_seconds",
			Help:    "Duration of pipeline stage execution in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"stage"},
	)

	// jobsFinishedTotal records jobs reaching a terminal state.
	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	// diarizationDegradedTotal records jobs that completed without speakers.
	diarizationDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_diarization_degraded_total",
			Help: "Total number of jobs whose diarization stage degraded",
		},
		[]string{"code"},
	)

	orphansRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_orphans_recovered_total",
			Help: "Total number of in-flight jobs failed by orphan recovery",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheLookupsTotal)
	prometheus.MustRegister(cacheCorruptionsTotal)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(diarizationDegradedTotal)
	prometheus.MustRegister(orphansRecoveredTotal)
}

// RecordCacheLookup records a hit or miss for stage.
func RecordCacheLookup(stage string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(stage, result).Inc()
}

// RecordCacheCorruption records a discarded corrupt entry.
func RecordCacheCorruption(stage string) {
	cacheCorruptionsTotal.WithLabelValues(stage).Inc()
}

// RecordStageDuration records how long a stage ran.
func RecordStageDuration(stage string, seconds float64) {
	stageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordJobFinished records a terminal job status.
func RecordJobFinished(status string) {
	jobsFinishedTotal.WithLabelValues(status).Inc()
}

// RecordDiarizationDegraded records a degraded diarization by code.
func RecordDiarizationDegraded(code string) {
	diarizationDegradedTotal.WithLabelValues(code).Inc()
}

// RecordOrphansRecovered adds n recovered orphans.
func RecordOrphansRecovered(n int64) {
	if n > 0 {
		orphansRecoveredTotal.Add(float64(n))
	}
}
