package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RuntimeMetrics instruments the lifecycle coordinator: adapter
// startup, readiness, and the ordered stop sequence.
type RuntimeMetrics struct {
	adaptersRunning prometheus.Gauge
	adapterStarts   *prometheus.CounterVec
	serviceStops    *prometheus.CounterVec
	startupSeconds  prometheus.Histogram
	shutdownSeconds prometheus.Histogram
}

// NewRuntimeMetrics creates a Prometheus-backed lifecycle recorder.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewRuntimeMetrics() *RuntimeMetrics {
	if !IsEnabled() {
		return nil
	}
	return newRuntimeMetrics(GetRegistry())
}

func newRuntimeMetrics(reg prometheus.Registerer) *RuntimeMetrics {
	return &RuntimeMetrics{
		adaptersRunning: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "ciris_adapters_running",
				Help: "Adapters currently started and not yet stopped",
			},
		),
		adapterStarts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_adapter_starts_total",
				Help: "Adapter start attempts by adapter and outcome",
			},
			[]string{"adapter", "outcome"}, // "ok", "error"
		),
		serviceStops: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_service_stops_total",
				Help: "Service stop results during shutdown by bucket and outcome",
			},
			[]string{"bucket", "outcome"}, // "ok", "error", "timeout"
		),
		startupSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ciris_startup_duration_seconds",
				Help:    "Time from runtime start to all adapters healthy",
				Buckets: prometheus.DefBuckets,
			},
		),
		shutdownSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ciris_shutdown_duration_seconds",
				Help:    "Time for the full bucket-ordered stop sequence",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// AdapterStarted records an adapter start attempt.
func (m *RuntimeMetrics) AdapterStarted(adapter string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.adapterStarts.WithLabelValues(adapter, outcome).Inc()
	if !failed {
		m.adaptersRunning.Inc()
	}
}

// AdapterStopped records an adapter leaving the running set.
func (m *RuntimeMetrics) AdapterStopped(adapter string) {
	if m == nil {
		return
	}
	m.adaptersRunning.Dec()
}

// ServiceStopped records the outcome of one service stop during the
// shutdown sequence.
func (m *RuntimeMetrics) ServiceStopped(bucket, outcome string) {
	if m == nil {
		return
	}
	m.serviceStops.WithLabelValues(bucket, outcome).Inc()
}

// ObserveStartup records the duration of the startup sequence.
func (m *RuntimeMetrics) ObserveStartup(d time.Duration) {
	if m == nil {
		return
	}
	m.startupSeconds.Observe(d.Seconds())
}

// ObserveShutdown records the duration of the shutdown sequence.
func (m *RuntimeMetrics) ObserveShutdown(d time.Duration) {
	if m == nil {
		return
	}
	m.shutdownSeconds.Observe(d.Seconds())
}
