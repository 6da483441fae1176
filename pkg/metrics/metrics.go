// Package metrics exports Prometheus metrics for the supervisor set.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks supervisor lifecycle and bridge activity.
type Collector struct {
	startsTotal    *prometheus.CounterVec
	probeAttempts  prometheus.Counter
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	shutdownsTotal *prometheus.CounterVec
	forcedKills    prometheus.Counter
	workersReady   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates a collector registered on the default registry.
func New() *Collector {
	return NewWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWith creates a collector on a caller-supplied registry. Tests use
// this to avoid duplicate registration on the default registry.
func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		startsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerlink_starts_total",
				Help: "Supervisor startup attempts by outcome",
			},
			[]string{"result"},
		),
		probeAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workerlink_probe_attempts_total",
				Help: "Reachability probe round trips issued during startup",
			},
		),
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerlink_calls_total",
				Help: "Bridge calls by worker and outcome",
			},
			[]string{"worker", "result"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workerlink_call_duration_seconds",
				Help:    "Bridge call latency",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"worker"},
		),
		shutdownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workerlink_shutdowns_total",
				Help: "Supervisor shutdowns by reason",
			},
			[]string{"reason"},
		),
		forcedKills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "workerlink_forced_kills_total",
				Help: "Forced termination signals sent to worker processes",
			},
		),
		workersReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workerlink_workers_ready",
				Help: "Number of workers currently in the ready phase",
			},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(c.startsTotal)
	reg.MustRegister(c.probeAttempts)
	reg.MustRegister(c.callsTotal)
	reg.MustRegister(c.callDuration)
	reg.MustRegister(c.shutdownsTotal)
	reg.MustRegister(c.forcedKills)
	reg.MustRegister(c.workersReady)

	return c
}

// RecordStart records a startup attempt outcome
// ("ready", "not_loaded", "launch_failure", "startup_timeout", "init_failure").
func (c *Collector) RecordStart(result string) {
	c.startsTotal.WithLabelValues(result).Inc()
}

// RecordProbeAttempt records one probe round trip.
func (c *Collector) RecordProbeAttempt() {
	c.probeAttempts.Inc()
}

// RecordCall records a bridge call outcome ("ok", "transport_error", "not_ready").
func (c *Collector) RecordCall(worker, result string, duration time.Duration) {
	c.callsTotal.WithLabelValues(worker, result).Inc()
	if result == "ok" {
		c.callDuration.WithLabelValues(worker).Observe(duration.Seconds())
	}
}

// RecordShutdown records a shutdown by reason.
func (c *Collector) RecordShutdown(reason string) {
	c.shutdownsTotal.WithLabelValues(reason).Inc()
}

// RecordForcedKill records one forced termination signal.
func (c *Collector) RecordForcedKill() {
	c.forcedKills.Inc()
}

// WorkerReady moves the ready gauge as workers enter and leave Ready.
func (c *Collector) WorkerReady(delta float64) {
	c.workersReady.Add(delta)
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
