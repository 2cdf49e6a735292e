package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobsDispatchedTotal counts jobs handed to the fetcher
	JobsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedmirror",
		Name:      "jobs_dispatched_total",
		Help:      "Total jobs dispatched to the fetcher, by kind.",
	}, []string{"kind"})

	// JobsFinishedTotal counts jobs by terminal outcome
	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedmirror",
		Name:      "jobs_finished_total",
		Help:      "Total jobs finished, by outcome.",
	}, []string{"outcome"})

	// FetchDuration observes how long a single acquisition took, failed ones included
	FetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "feedmirror",
		Name:      "fetch_duration_seconds",
		Help:      "Duration of a single acquisition.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	})

	// NewEpisodesTotal counts episodes not seen before, recorded by successful runs
	NewEpisodesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedmirror",
		Name:      "new_episodes_total",
		Help:      "Total new episodes recorded.",
	})

	// RecoveredJobsTotal counts jobs requeued or discarded by the startup recovery, and stranded jobs requeued after
	// their outcome could not be stored
	RecoveredJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedmirror",
		Name:      "recovered_jobs_total",
		Help:      "Total jobs handled by recovery, by action.",
	}, []string{"action"})

	// AlertsTotal counts alerts raised when a job exhausted its attempts
	AlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedmirror",
		Name:      "alerts_total",
		Help:      "Total feeds alerted after exhausting retries.",
	})

	// LastDispatchTimestamp is the unix time of the latest dispatch
	LastDispatchTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedmirror",
		Name:      "last_dispatch_timestamp_seconds",
		Help:      "Unix timestamp of the last dispatch.",
	})
)

// RegisterMetrics registers dispatcher metrics with reg
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsDispatchedTotal,
		JobsFinishedTotal,
		FetchDuration,
		NewEpisodesTotal,
		RecoveredJobsTotal,
		AlertsTotal,
		LastDispatchTimestamp,
	)
}
