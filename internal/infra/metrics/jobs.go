package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsEnqueuedTotal, jobsClaimedTotal, jobsFinishedTotal, jobDurationSeconds, workerCyclesTotal)
}

var (
	jobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs accepted by intake, labeled by kind.",
		},
		[]string{"kind"},
	)

	jobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Jobs moved from pending to processing by this process.",
		},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Job dispatch outcomes, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"}, // 'complete', 'requeued', 'error'
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_dispatch_duration_seconds",
			Help:    "Wall time of a single job dispatch.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"kind"},
	)

	workerCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_cycles_total",
			Help: "Claim-and-process cycles run by this process.",
		},
	)
)

func IncJobEnqueued(kind string) {
	jobsEnqueuedTotal.WithLabelValues(norm(kind)).Inc()
}

func AddJobsClaimed(n int) {
	jobsClaimedTotal.Add(float64(n))
}

func ObserveJob(kind, outcome string, d time.Duration) {
	jobsFinishedTotal.WithLabelValues(norm(kind), norm(outcome)).Inc()
	jobDurationSeconds.WithLabelValues(norm(kind)).Observe(d.Seconds())
}

func IncWorkerCycle() { workerCyclesTotal.Inc() }
