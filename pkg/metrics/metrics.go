// Package metrics registers the orchestrator's Prometheus metrics: scheduler
// cycle health and per-node proxy liveness/throughput, exposed over the
// daemon's HTTP metrics surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_cycles_total",
			Help: "Total number of scheduler control loop iterations completed",
		},
	)

	SchedulerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_cycle_duration_seconds",
			Help:    "Duration of one scheduler control loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerBatchesPlacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_batches_placed_total",
			Help: "Total number of batches placed onto a node",
		},
	)

	SchedulerBatchesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_batches_failed_total",
			Help: "Total number of batches permanently failed by the scheduler",
		},
	)

	// Node Client Proxy metrics
	NodeOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_online",
			Help: "Whether a node's container runtime is currently reachable (1 = online, 0 = offline)",
		},
		[]string{"node"},
	)

	NodeRAMAvailableMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_ram_available_mb",
			Help: "RAM, in MB, not currently reserved by a live batch on this node",
		},
		[]string{"node"},
	)

	NodeGPUsAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_gpus_available",
			Help: "Number of GPU devices not currently reserved by a live batch on this node",
		},
		[]string{"node"},
	)

	ProxyBatchesLaunchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_batches_launched_total",
			Help: "Total number of batch executions launched by a node proxy",
		},
		[]string{"node"},
	)

	ProxyBatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_batch_failures_total",
			Help: "Total number of batch failures observed by a node proxy, by reason",
		},
		[]string{"node", "reason"},
	)

	ProxyLoopLastTick = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_loop_last_tick_seconds",
			Help: "Unix timestamp of the last completed iteration of a proxy loop",
		},
		[]string{"node", "loop"},
	)
)

func init() {
	prometheus.MustRegister(
		SchedulerCyclesTotal,
		SchedulerCycleDuration,
		SchedulerBatchesPlacedTotal,
		SchedulerBatchesFailedTotal,
		NodeOnline,
		NodeRAMAvailableMB,
		NodeGPUsAvailable,
		ProxyBatchesLaunchedTotal,
		ProxyBatchFailuresTotal,
		ProxyLoopLastTick,
	)
}

// Handler exposes the registered metrics for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the time elapsed since the timer was started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the elapsed time on a vector histogram with the
// given label values.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
