package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecordersAreNoOps(t *testing.T) {
	t.Parallel()

	var d *DispatchMetrics
	var s *StateMetrics
	var r *RuntimeMetrics

	assert.NotPanics(t, func() {
		d.ProviderRegistered("tool")
		d.ProviderUnregistered("tool")
		d.LookupHit("tool")
		d.LookupMiss("tool")
		d.DispatchStarted("tool")
		d.DispatchCompleted("tool", "p", false)
		d.DispatchMiss("tool")
		d.ProviderSkipped("tool", "p")

		s.TransitionRecorded("WORK", "PLAY")
		s.TransitionRejected("PLAY", "DREAM")
		s.StateEntered("PLAY")

		r.AdapterStarted("api", false)
		r.AdapterStopped("api")
		r.ServiceStopped("core", "ok")
		r.ObserveStartup(time.Second)
		r.ObserveShutdown(time.Second)
	})
}

func TestDispatchMetrics(t *testing.T) {
	t.Parallel()
	m := newDispatchMetrics(prometheus.NewRegistry())

	m.ProviderRegistered("communication")
	m.ProviderRegistered("communication")
	m.ProviderUnregistered("communication")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providers.WithLabelValues("communication")))

	m.LookupHit("communication")
	m.LookupMiss("memory")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("communication", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("memory", "miss")))

	m.DispatchStarted("communication")
	m.DispatchCompleted("communication", "api:communication", false)
	m.DispatchCompleted("communication", "api:communication", true)
	m.DispatchMiss("tool")
	m.ProviderSkipped("communication", "down")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("communication", "api:communication", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("communication", "api:communication", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("tool", "", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skips.WithLabelValues("communication", "down")))
}

func TestStateMetricsGaugeFlips(t *testing.T) {
	t.Parallel()
	m := newStateMetrics(prometheus.NewRegistry())

	m.StateEntered("WAKEUP")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.current.WithLabelValues("WAKEUP")))

	m.StateEntered("WORK")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.current.WithLabelValues("WAKEUP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.current.WithLabelValues("WORK")))

	m.TransitionRecorded("WAKEUP", "WORK")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("WAKEUP", "WORK")))
}

func TestRuntimeMetrics(t *testing.T) {
	t.Parallel()
	m := newRuntimeMetrics(prometheus.NewRegistry())

	m.AdapterStarted("api", false)
	m.AdapterStarted("cli", false)
	m.AdapterStarted("broken", true)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.adaptersRunning), "failed starts do not count as running")

	m.AdapterStopped("cli")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adaptersRunning))

	m.ServiceStopped("core", "ok")
	m.ServiceStopped("core", "timeout")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serviceStops.WithLabelValues("core", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serviceStops.WithLabelValues("core", "timeout")))
}

func TestConstructorsReturnNilWhenDisabled(t *testing.T) {
	// Not parallel: reads the package-level enabled flag before any
	// InitRegistry call in this process would flip it.
	if IsEnabled() {
		t.Skip("registry already initialized by another test binary run")
	}
	assert.Nil(t, NewDispatchMetrics())
	assert.Nil(t, NewStateMetrics())
	assert.Nil(t, NewRuntimeMetrics())
}

func TestServerConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{}
	cfg.applyDefaults()
	assert.Equal(t, 9464, cfg.Port)
	assert.Equal(t, "/metrics", cfg.Path)

	srv := NewServer(ServerConfig{Port: 9900})
	require.NotNil(t, srv)
	assert.Equal(t, "metrics:prometheus", srv.Name())
	assert.False(t, srv.IsHealthy(context.Background()), "not healthy before Start")
}
