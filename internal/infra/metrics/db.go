package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobStoreConns) }

// Only the postgres job store has a pool to report.
var jobStoreConns = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "job_store_connections",
		Help: "Postgres pool connections backing the job store, by state.",
	},
	[]string{"state"}, // max | total | idle | acquired
)

func SetJobStoreConns(maxConns, total, idle, acquired int32) {
	jobStoreConns.WithLabelValues("max").Set(float64(maxConns))
	jobStoreConns.WithLabelValues("total").Set(float64(total))
	jobStoreConns.WithLabelValues("idle").Set(float64(idle))
	jobStoreConns.WithLabelValues("acquired").Set(float64(acquired))
}
