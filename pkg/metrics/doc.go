/*
Package metrics provides Prometheus metrics collection and exposition
for agencyd.

Metrics are defined as package-level prometheus collectors registered
against the default registry; the scheduler and node proxy update them
inline as part of their normal control flow rather than through a
separate polling collector, so every number reflects the state as of
the last control-loop tick rather than a snapshot taken out of band.

# Metrics

	scheduler_cycles_total                         counter
	scheduler_cycle_duration_seconds               histogram
	scheduler_batches_placed_total                  counter
	scheduler_batches_failed_total                  counter

	node_online{node}                               gauge (0/1)
	node_ram_available_mb{node}                      gauge
	node_gpus_available{node}                        gauge

	proxy_batches_launched_total{node}               counter
	proxy_batch_failures_total{node,reason}          counter
	proxy_loop_last_tick_seconds{node,loop}          gauge

# Health and readiness

health.go implements a small component registry independent of the
Prometheus metrics above: RegisterComponent/UpdateComponent record
whether a named subsystem is healthy, and GetReadiness treats "store",
"broker", and "scheduler" as critical — /ready returns 503 until all
three have reported in. /health aggregates every registered component,
critical or not, and /live is a bare process-liveness check with no
dependency on any component state.

# Usage

	import "github.com/cc-warren/agency/pkg/metrics"

	metrics.SchedulerBatchesPlacedTotal.Inc()
	metrics.NodeRAMAvailableMB.WithLabelValues(nodeName).Set(float64(available))

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
*/
package metrics
