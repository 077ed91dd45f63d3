package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var poolCheckedOutGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vertigate_pool_checked_out",
	Help: "Number of pooled connections currently lent to callers",
})

var poolFreeGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vertigate_pool_free",
	Help: "Number of pooled connections currently free",
})

var poolAcquireTimeoutsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vertigate_pool_acquire_timeouts_total",
	Help: "Number of connection acquisitions that timed out",
})

var poolConnectFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vertigate_pool_connect_failures_total",
	Help: "Number of failed attempts to create a physical connection",
})

var poolRebuildsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vertigate_pool_rebuilds_total",
	Help: "Number of full pool rebuilds after repeated connect failure",
})

var admissionRejectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vertigate_admission_rejects_total",
	Help: "Number of queries rejected by the concurrency limiter",
})

var queriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vertigate_queries_total",
	Help: "Number of executed statements by operation class and outcome",
}, []string{"operation", "outcome"})

var permissionDenialsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vertigate_permission_denials_total",
	Help: "Number of statements denied by the permission engine",
}, []string{"operation"})

var bulkLoadRowsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vertigate_bulk_load_rows_total",
	Help: "Number of rows submitted through the bulk loader",
})

var bulkLoadRejectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vertigate_bulk_load_rejected_rows_total",
	Help: "Number of rows the database rejected during bulk loads",
})

func observePoolOccupancy(checkedOut, free int) {
	poolCheckedOutGauge.Set(float64(checkedOut))
	poolFreeGauge.Set(float64(free))
}
