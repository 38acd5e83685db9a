package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(quotaRejectionsTotal, intakeRateLimitedTotal) }

var (
	quotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Intake requests rejected by the daily quota, by action type.",
		},
		[]string{"action"},
	)

	intakeRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_rate_limited_total",
			Help: "Intake requests rejected by the per-user burst limiter.",
		},
	)
)

func IncQuotaRejected(action string) {
	quotaRejectionsTotal.WithLabelValues(norm(action)).Inc()
}

func IncIntakeRateLimited() { intakeRateLimitedTotal.Inc() }
