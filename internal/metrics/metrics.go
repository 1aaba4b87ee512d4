// Package metrics exposes crankshaft's Prometheus collectors: per-backend
// in-flight task counts, permit-pool saturation, and remote-monitor poll
// latency. Package-level vars registered via init/MustRegister, with a
// shared Timer helper.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crankshaft_tasks_in_flight",
			Help: "Number of tasks currently running, by backend",
		},
		[]string{"backend"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crankshaft_tasks_completed_total",
			Help: "Total tasks reaching a terminal state, by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	PermitsInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crankshaft_runner_permits_in_use",
			Help: "Number of concurrency permits currently held, by runner",
		},
		[]string{"runner"},
	)

	PermitWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crankshaft_runner_permit_wait_seconds",
			Help:    "Time a submitted task spent waiting for a concurrency permit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runner"},
	)

	MonitorPollLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crankshaft_monitor_poll_duration_seconds",
			Help:    "Time a batched ListTasks poll took, by monitor name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"monitor"},
	)

	MonitorTasksTracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crankshaft_monitor_tasks_tracked",
			Help: "Number of remote tasks a monitor is currently tracking",
		},
		[]string{"monitor"},
	)
)

func init() {
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(PermitsInUse)
	prometheus.MustRegister(PermitWaitDuration)
	prometheus.MustRegister(MonitorPollLatency)
	prometheus.MustRegister(MonitorTasksTracked)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records it against a histogram on Observe.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
