package states

import (
	"sync"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
)

// historyLimit bounds the in-memory transition history.
const historyLimit = 64

// Recorder receives state machine events for metrics. A nil Recorder
// disables instrumentation.
type Recorder interface {
	TransitionRecorded(from, to string)
	TransitionRejected(from, to string)
	StateEntered(state string)
}

// Transition is one recorded state change.
type Transition struct {
	From   CognitiveState
	To     CognitiveState
	At     time.Time
	Reason string
}

// Manager tracks the agent's current and previous cognitive state and
// enforces transition legality against the run's behavior profile.
//
// The profile is immutable for the run; the startup target is still
// computed on demand so nothing about the first transition is decided
// before it happens. Transitions are atomic: the guard, the state
// write, and the history append happen under one mutex hold with no
// blocking calls inside.
type Manager struct {
	mu       sync.RWMutex
	profile  *profile.Profile
	clk      clock.Clock
	rec      Recorder
	current  CognitiveState
	previous CognitiveState
	history  []Transition
}

// NewManager creates a state manager resting in SHUTDOWN. The
// lifecycle coordinator performs the first transition to the startup
// target once adapters are healthy.
func NewManager(p *profile.Profile, clk clock.Clock) *Manager {
	return &Manager{
		profile: p,
		clk:     clk,
		current: StateShutdown,
	}
}

// SetRecorder attaches a metrics recorder. Call during startup.
func (m *Manager) SetRecorder(rec Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
}

// Current returns the current cognitive state.
func (m *Manager) Current() CognitiveState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Previous returns the state the agent was in before the current one.
// Empty until the first transition.
func (m *Manager) Previous() CognitiveState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

// StartupTargetState returns the state the agent boots into: WAKEUP
// when the profile enables it, WORK otherwise. The value is computed
// on every call, never cached.
func (m *Manager) StartupTargetState() CognitiveState {
	if Enabled(StateWakeup, m.profile) {
		return StateWakeup
	}
	return StateWork
}

// WakeupBypassed reports whether the profile disables the wakeup
// ritual, sending startup directly to WORK.
func (m *Manager) WakeupBypassed() bool {
	return !Enabled(StateWakeup, m.profile)
}

// CanTransitionTo reports whether moving from the current state to
// target is legal under the profile.
func (m *Manager) CanTransitionTo(target CognitiveState) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Allowed(m.current, target, m.profile)
}

// TransitionTo moves the agent to target. A same-state request is a
// successful no-op that writes no history. An illegal request returns
// false; transition rejection is a refusal, never an error.
func (m *Manager) TransitionTo(target CognitiveState, reason string) bool {
	m.mu.Lock()

	if target == m.current {
		m.mu.Unlock()
		logger.Debug("Cognitive state unchanged",
			logger.KeyState, string(target),
			logger.KeyReason, reason)
		return true
	}

	if !Allowed(m.current, target, m.profile) {
		from := m.current
		rec := m.rec
		m.mu.Unlock()
		if rec != nil {
			rec.TransitionRejected(string(from), string(target))
		}
		logger.Warn("Cognitive state transition rejected",
			logger.KeyFromState, string(from),
			logger.KeyToState, string(target),
			logger.KeyReason, reason)
		return false
	}

	from := m.current
	m.previous = m.current
	m.current = target
	m.history = append(m.history, Transition{
		From:   from,
		To:     target,
		At:     m.clk.Now(),
		Reason: reason,
	})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	rec := m.rec
	m.mu.Unlock()

	if rec != nil {
		rec.TransitionRecorded(string(from), string(target))
		rec.StateEntered(string(target))
	}
	logger.Info("Cognitive state transition",
		logger.KeyFromState, string(from),
		logger.KeyToState, string(target),
		logger.KeyReason, reason)
	return true
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Manager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Profile returns the behavior profile this manager enforces.
func (m *Manager) Profile() *profile.Profile {
	return m.profile
}
