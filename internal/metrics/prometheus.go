package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Quota ledger decisions per category and outcome",
		},
		[]string{"category", "outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Requests waiting for an execution slot per tier",
		},
		[]string{"tier"},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_in_flight",
			Help: "Requests currently holding an execution slot",
		},
	)

	QueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_queue_wait_seconds",
			Help:    "Time spent waiting for an execution slot by tier at enqueue",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"tier"},
	)

	Promotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_promotions_total",
			Help: "Waiting requests promoted to a higher tier",
		},
		[]string{"from"},
	)

	SchedulerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_rejections_total",
			Help: "Requests that left the queue without a slot",
		},
		[]string{"reason"},
	)

	ResetRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Daily reconciliation runs by result",
		},
		[]string{"result"},
	)

	TenantsReset = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_tenants_reset_total",
			Help: "Tenants whose counters were reset",
		},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_store_errors_total",
			Help: "Tenant store failures per operation",
		},
		[]string{"op"},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(Admissions)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(InFlight)
	prometheus.MustRegister(QueueWait)
	prometheus.MustRegister(Promotions)
	prometheus.MustRegister(SchedulerRejections)
	prometheus.MustRegister(ResetRuns)
	prometheus.MustRegister(TenantsReset)
	prometheus.MustRegister(StoreErrors)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
