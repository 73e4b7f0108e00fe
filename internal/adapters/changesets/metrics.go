package changesets

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes the worker pool's counters on reg.
func (g *Gateway) RegisterMetrics(reg prometheus.Registerer) {
	labels := prometheus.Labels{"pool": "changeset_apply"}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "transitreg_pool_workers_running",
			Help:        "Number of running worker goroutines",
			ConstLabels: labels,
		}, func() float64 { return float64(g.pool.RunningWorkers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "transitreg_pool_tasks_waiting",
			Help:        "Number of apply jobs waiting in the queue",
			ConstLabels: labels,
		}, func() float64 { return float64(g.pool.WaitingTasks()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "transitreg_pool_tasks_submitted_total",
			Help:        "Number of apply jobs submitted",
			ConstLabels: labels,
		}, func() float64 { return float64(g.pool.SubmittedTasks()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "transitreg_pool_tasks_completed_total",
			Help:        "Number of apply jobs that finished",
			ConstLabels: labels,
		}, func() float64 { return float64(g.pool.CompletedTasks()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "transitreg_pool_tasks_failed_total",
			Help:        "Number of apply jobs that panicked",
			ConstLabels: labels,
		}, func() float64 { return float64(g.pool.FailedTasks()) }),
	)
}
