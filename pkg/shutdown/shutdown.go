// Package shutdown decides whether the agent may be stopped without
// negotiation. A behavior profile declares the consent policy; the
// evaluator applies it against a snapshot of what the agent is doing
// right now.
//
// The evaluator fails safe: anything it cannot interpret (an unknown
// mode, a handler error, a missing profile) resolves toward requiring
// consent. The one exception is a hanging condition handler, which
// degrades to not-triggered after its timeout so a stuck collaborator
// can never deadlock shutdown.
package shutdown

import (
	"context"
	"time"
)

// Built-in condition names a profile may list under
// require_consent_when. Custom handlers registered under one of these
// names shadow the built-in.
const (
	// ConditionActiveCrisisResponse triggers while the current task
	// is flagged as crisis response.
	ConditionActiveCrisisResponse = "active_crisis_response"

	// ConditionPendingDeferredDecision triggers while the task store
	// holds tasks deferred to a wise authority.
	ConditionPendingDeferredDecision = "pending_deferred_decision"

	// ConditionRecentUserActivity triggers while a user interacted
	// with the agent inside the configured window.
	ConditionRecentUserActivity = "recent_user_activity"
)

// HandlerFunc evaluates one consent condition against the snapshot.
// It reports whether the condition triggered and a human-readable
// reason. Errors and panics are converted by the evaluator into a
// consent requirement.
//
// Handlers must honor ctx: the evaluator bounds each call with a
// per-condition timeout.
type HandlerFunc func(ctx context.Context, snap *Snapshot) (triggered bool, reason string, err error)

// TaskRef identifies the task the agent is working on when shutdown
// is requested.
type TaskRef struct {
	ID          string
	Description string
	Crisis      bool
}

// DeferredCounter is the slice of the task store the evaluator needs:
// how many tasks are deferred and awaiting an external decision.
type DeferredCounter interface {
	CountDeferred(ctx context.Context) (int, error)
}

// Snapshot captures the agent's situation at the moment a shutdown is
// requested. All fields are optional; built-in conditions degrade to
// not-triggered when the collaborator they inspect is absent.
type Snapshot struct {
	// CurrentTask is the task being processed, nil when idle.
	CurrentTask *TaskRef

	// Tasks exposes deferred-task counts, nil when no store is
	// attached.
	Tasks DeferredCounter

	// LastUserActivity is the most recent user interaction, zero
	// when none has been observed.
	LastUserActivity time.Time
}
