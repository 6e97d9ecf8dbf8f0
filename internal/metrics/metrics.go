// Package metrics exposes agent counters and gauges for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the agent updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ChecksExecuted  *prometheus.CounterVec
	ChecksSkipped   *prometheus.CounterVec
	CheckDuration   *prometheus.HistogramVec
	Submissions     *prometheus.CounterVec
	Replays         *prometheus.CounterVec
	RetryQueueDepth prometheus.Gauge
	DedupEntries    prometheus.Gauge
	ScheduledChecks prometheus.Gauge
	RunningChecks   prometheus.Gauge
	RefreshFailures prometheus.Counter
	CircuitState    *prometheus.GaugeVec
}

// New creates the agent metrics on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ChecksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "checks_executed_total",
			Help:      "Check executions by execution kind and outcome",
		}, []string{"kind", "status"}),
		ChecksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "checks_skipped_total",
			Help:      "Dispatched checks that were skipped",
		}, []string{"reason"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lookout",
			Name:      "check_duration_seconds",
			Help:      "Wall time of check executions",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		}, []string{"kind"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "submissions_total",
			Help:      "Collector deliveries by outcome",
		}, []string{"outcome"}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "replays_total",
			Help:      "Replayed submissions by source and outcome",
		}, []string{"source", "outcome"}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lookout",
			Name:      "retry_queue_depth",
			Help:      "Payloads waiting in the in-memory retry list",
		}),
		DedupEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lookout",
			Name:      "dedup_entries",
			Help:      "Delivered keys currently held in the dedup set",
		}),
		ScheduledChecks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lookout",
			Name:      "scheduled_checks",
			Help:      "Checks tracked by the scheduler",
		}),
		RunningChecks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lookout",
			Name:      "running_checks",
			Help:      "Checks currently executing",
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lookout",
			Name:      "refresh_failures_total",
			Help:      "Control plane fetches that failed",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lookout",
			Name:      "collector_circuit_state",
			Help:      "Collector circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"collector"}),
	}

	m.registry.MustRegister(
		m.ChecksExecuted,
		m.ChecksSkipped,
		m.CheckDuration,
		m.Submissions,
		m.Replays,
		m.RetryQueueDepth,
		m.DedupEntries,
		m.ScheduledChecks,
		m.RunningChecks,
		m.RefreshFailures,
		m.CircuitState,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CheckExecuted(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ChecksExecuted.WithLabelValues(kind, status).Inc()
	m.CheckDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) CheckSkipped(reason string) {
	if m == nil {
		return
	}
	m.ChecksSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Submitted(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Replayed(source, outcome string) {
	if m == nil {
		return
	}
	m.Replays.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) SetRetryQueue(n int) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

func (m *Metrics) SetDedupEntries(n int) {
	if m == nil {
		return
	}
	m.DedupEntries.Set(float64(n))
}

func (m *Metrics) SetScheduled(n int) {
	if m == nil {
		return
	}
	m.ScheduledChecks.Set(float64(n))
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.RunningChecks.Set(float64(n))
}

func (m *Metrics) RefreshFailed() {
	if m == nil {
		return
	}
	m.RefreshFailures.Inc()
}

func (m *Metrics) SetCircuitState(collector string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(collector).Set(float64(state))
}
