// Package metrics exposes the runtime's Prometheus instrumentation.
//
// The package is opt-in: until InitRegistry is called, every
// constructor returns nil and the recorders compile down to no-ops.
// All metric families carry the ciris_ prefix.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	dispatch := metrics.NewDispatchMetrics()
//	registry.SetRecorder(dispatch)
//
//	// Without metrics (zero overhead)
//	registry.SetRecorder(nil)
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry creates the process-wide metric registry with the
// standard Go and process collectors. Idempotent.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if enabled {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	enabled = true
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the process-wide registry, nil before
// InitRegistry.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Handler returns the HTTP handler serving the registry in the
// Prometheus exposition format. A handler built before InitRegistry
// serves an empty registry.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
