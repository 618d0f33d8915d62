package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StateMetrics instruments the cognitive state machine.
type StateMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	current     *prometheus.GaugeVec

	mu        sync.Mutex
	lastState string
}

// NewStateMetrics creates a Prometheus-backed state recorder.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewStateMetrics() *StateMetrics {
	if !IsEnabled() {
		return nil
	}
	return newStateMetrics(GetRegistry())
}

func newStateMetrics(reg prometheus.Registerer) *StateMetrics {
	return &StateMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_state_transitions_total",
				Help: "Cognitive state transitions by source and target state",
			},
			[]string{"from_state", "to_state"},
		),
		rejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ciris_state_transitions_rejected_total",
				Help: "Cognitive state transitions refused by the profile gate",
			},
			[]string{"from_state", "to_state"},
		),
		current: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ciris_cognitive_state",
				Help: "1 for the state the agent is currently in, 0 otherwise",
			},
			[]string{"state"},
		),
	}
}

// TransitionRecorded records a completed transition.
func (m *StateMetrics) TransitionRecorded(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// TransitionRejected records a refused transition.
func (m *StateMetrics) TransitionRejected(from, to string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(from, to).Inc()
}

// StateEntered flips the current-state gauge to the new state.
func (m *StateMetrics) StateEntered(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastState != "" {
		m.current.WithLabelValues(m.lastState).Set(0)
	}
	m.current.WithLabelValues(state).Set(1)
	m.lastState = state
}
