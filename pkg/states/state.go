// Package states implements the cognitive state machine: the small set
// of mutually exclusive operating modes the agent's main loop runs in,
// and the transition rules a behavior profile imposes on them.
package states

import "github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"

// CognitiveState is one operating mode of the agent loop.
type CognitiveState string

const (
	// StateWakeup runs the identity confirmation ritual after boot.
	StateWakeup CognitiveState = "WAKEUP"
	// StateWork is the default task-processing mode and the hub every
	// optional state returns through.
	StateWork CognitiveState = "WORK"
	// StatePlay allows creative, low-stakes exploration.
	StatePlay CognitiveState = "PLAY"
	// StateDream runs memory consolidation and self-reflection.
	StateDream CognitiveState = "DREAM"
	// StateSolitude is quiet reflection with minimal external activity.
	StateSolitude CognitiveState = "SOLITUDE"
	// StateShutdown is the terminal mode; also the mode the agent
	// rests in before its first startup transition.
	StateShutdown CognitiveState = "SHUTDOWN"
)

// AllStates returns every defined state in a stable order.
func AllStates() []CognitiveState {
	return []CognitiveState{
		StateWakeup,
		StateWork,
		StatePlay,
		StateDream,
		StateSolitude,
		StateShutdown,
	}
}

// Valid reports whether s is one of the defined states.
func (s CognitiveState) Valid() bool {
	switch s {
	case StateWakeup, StateWork, StatePlay, StateDream, StateSolitude, StateShutdown:
		return true
	}
	return false
}

// String returns the state name.
func (s CognitiveState) String() string { return string(s) }

// Enabled reports whether the profile permits the agent to enter s.
// WORK and SHUTDOWN are always reachable; the optional states follow
// their profile policy. A nil profile disables every optional state.
func Enabled(s CognitiveState, p *profile.Profile) bool {
	switch s {
	case StateWork, StateShutdown:
		return true
	case StateWakeup:
		return p != nil && p.Wakeup.Enabled
	case StatePlay:
		return p != nil && p.Play.Enabled
	case StateDream:
		return p != nil && p.Dream.Enabled
	case StateSolitude:
		return p != nil && p.Solitude.Enabled
	}
	return false
}

// Allowed reports whether the from→to transition is legal under the
// profile. The rules:
//
//   - A same-state transition is always legal (and is a no-op for the
//     manager).
//   - SHUTDOWN is reachable from every state.
//   - WAKEUP↔WORK is gated on the wakeup policy.
//   - WORK reaches PLAY, DREAM, and SOLITUDE when each is enabled;
//     each of those returns only to WORK.
//   - SHUTDOWN resumes to WORK always, and to WAKEUP only when wakeup
//     is enabled.
//
// Rejection is a plain false, never an error.
func Allowed(from, to CognitiveState, p *profile.Profile) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if to == StateShutdown {
		return true
	}

	switch from {
	case StateWakeup:
		return to == StateWork && Enabled(StateWakeup, p)
	case StateWork:
		return Enabled(to, p)
	case StatePlay, StateDream, StateSolitude:
		return to == StateWork
	case StateShutdown:
		return to == StateWork || (to == StateWakeup && Enabled(StateWakeup, p))
	}
	return false
}
