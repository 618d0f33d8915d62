package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DispatchMetrics instruments the service registry and the bus. It
// satisfies both recorder contracts so one instance can be attached to
// each.
type DispatchMetrics struct {
	providers  *prometheus.GaugeVec
	lookups    *prometheus.CounterVec
	requests   *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	skips      *prometheus.CounterVec
}

// NewDispatchMetrics creates a Prometheus-backed dispatch recorder.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// Callers may attach the nil result anyway; every method tolerates a
// nil receiver with zero overhead.
func NewDispatchMetrics() *DispatchMetrics {
	if !IsEnabled() {
		return nil
	}
	return newDispatchMetrics(GetRegistry())
}

func newDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	return &DispatchMetrics{
		providers: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ciris_registry_providers",
				Help: "Providers currently registered by service type",
			},
			[]string{"service_type"},
		),
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_registry_lookups_total",
				Help: "Registry lookups by service type and result",
			},
			[]string{"service_type", "result"}, // "hit", "miss"
		),
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_dispatch_requests_total",
				Help: "Dispatch requests entering the bus by service type",
			},
			[]string{"service_type"},
		),
		dispatches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_dispatches_total",
				Help: "Completed dispatches by service type, provider, and outcome",
			},
			[]string{"service_type", "provider", "outcome"}, // outcome: "ok", "error", "miss"
		),
		skips: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_dispatch_skips_total",
				Help: "Providers skipped during dispatch for failing their health probe",
			},
			[]string{"service_type", "provider"},
		),
	}
}

// ProviderRegistered records a new registration for a service type.
func (m *DispatchMetrics) ProviderRegistered(serviceType string) {
	if m == nil {
		return
	}
	m.providers.WithLabelValues(serviceType).Inc()
}

// ProviderUnregistered records the removal of a registration.
func (m *DispatchMetrics) ProviderUnregistered(serviceType string) {
	if m == nil {
		return
	}
	m.providers.WithLabelValues(serviceType).Dec()
}

// LookupHit records a registry lookup that found a provider.
func (m *DispatchMetrics) LookupHit(serviceType string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(serviceType, "hit").Inc()
}

// LookupMiss records a registry lookup that found nothing.
func (m *DispatchMetrics) LookupMiss(serviceType string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(serviceType, "miss").Inc()
}

// DispatchStarted records a dispatch entering the bus.
func (m *DispatchMetrics) DispatchStarted(serviceType string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(serviceType).Inc()
}

// DispatchCompleted records a dispatch that reached a provider.
func (m *DispatchMetrics) DispatchCompleted(serviceType, provider string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.dispatches.WithLabelValues(serviceType, provider, outcome).Inc()
}

// DispatchMiss records a dispatch that found no healthy provider.
func (m *DispatchMetrics) DispatchMiss(serviceType string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(serviceType, "", "miss").Inc()
}

// ProviderSkipped records a provider passed over for failing its
// health probe.
func (m *DispatchMetrics) ProviderSkipped(serviceType, provider string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(serviceType, provider).Inc()
}
