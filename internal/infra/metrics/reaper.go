package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(reaperJobsTotal, reaperRunsTotal) }

var (
	reaperJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaper_jobs_total",
			Help: "Jobs touched by the reaper, labeled by step.",
		},
		// purged_complete | purged_error | reclaimed | forced_error | purged_pending
		[]string{"step"},
	)

	reaperRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaper_runs_total",
			Help: "Reaper passes by result.",
		},
		[]string{"result"}, // 'ok', 'skipped', 'failed'
	)
)

func AddReaped(step string, n int64) {
	if n <= 0 {
		return
	}
	reaperJobsTotal.WithLabelValues(norm(step)).Add(float64(n))
}

func IncReaperRun(result string) {
	reaperRunsTotal.WithLabelValues(norm(result)).Inc()
}
