package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
)

// Config tunes the evaluator.
type Config struct {
	// ConditionTimeout bounds each condition handler call. A handler
	// still running past the bound is abandoned and its condition
	// treated as not triggered.
	ConditionTimeout time.Duration

	// ActivityWindow is how recently a user must have interacted for
	// recent_user_activity to trigger.
	ActivityWindow time.Duration
}

// DefaultConfig returns the evaluator defaults.
func DefaultConfig() Config {
	return Config{
		ConditionTimeout: 5 * time.Second,
		ActivityWindow:   5 * time.Minute,
	}
}

// Evaluator applies a profile's shutdown consent policy. Safe for
// concurrent use; handler registration is expected during startup but
// tolerated at any time.
type Evaluator struct {
	mu       sync.RWMutex
	clk      clock.Clock
	cfg      Config
	custom   map[string]HandlerFunc
	builtins map[string]HandlerFunc
}

// NewEvaluator creates an evaluator with the built-in conditions
// registered. Zero Config fields fall back to defaults.
func NewEvaluator(clk clock.Clock, cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.ConditionTimeout <= 0 {
		cfg.ConditionTimeout = def.ConditionTimeout
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = def.ActivityWindow
	}

	e := &Evaluator{
		clk:    clk,
		cfg:    cfg,
		custom: make(map[string]HandlerFunc),
	}
	e.builtins = map[string]HandlerFunc{
		ConditionActiveCrisisResponse:    e.activeCrisisResponse,
		ConditionPendingDeferredDecision: e.pendingDeferredDecision,
		ConditionRecentUserActivity:      e.recentUserActivity,
	}
	return e
}

// RegisterConditionHandler registers a custom condition under name.
// A custom handler shadows a built-in of the same name; registering
// the same name again replaces the previous custom handler.
func (e *Evaluator) RegisterConditionHandler(name string, fn HandlerFunc) error {
	if name == "" {
		return fmt.Errorf("condition name is required")
	}
	if fn == nil {
		return fmt.Errorf("condition handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = fn
	return nil
}

// KnownConditions returns every registered condition name, built-in
// and custom, sorted. Used by configuration validation to warn about
// profiles referencing conditions nothing will answer.
func (e *Evaluator) KnownConditions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := make(map[string]struct{}, len(e.builtins)+len(e.custom))
	for name := range e.builtins {
		set[name] = struct{}{}
	}
	for name := range e.custom {
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiresConsent decides whether shutdown needs the agent's consent
// under the profile's policy. It never returns an error: every failure
// mode resolves to a (bool, reason) pair, biased toward consent.
func (e *Evaluator) RequiresConsent(ctx context.Context, p *profile.Profile, snap *Snapshot) (bool, string) {
	if p == nil {
		return true, "No behavior profile loaded; requiring consent"
	}

	switch p.Shutdown.Mode {
	case profile.ShutdownAlwaysConsent:
		return true, reasonWithRationale("always_consent", p.Shutdown.Rationale)

	case profile.ShutdownInstant:
		return false, reasonWithRationale("instant", p.Shutdown.Rationale)

	case profile.ShutdownConditional:
		return e.evaluateConditional(ctx, p, snap)

	default:
		logger.Warn("Unknown shutdown mode; requiring consent",
			logger.KeyReason, string(p.Shutdown.Mode))
		return true, fmt.Sprintf("Unknown shutdown mode %q; requiring consent", p.Shutdown.Mode)
	}
}

func (e *Evaluator) evaluateConditional(ctx context.Context, p *profile.Profile, snap *Snapshot) (bool, string) {
	if snap == nil {
		return true, "Conditional shutdown requires context; none provided"
	}

	for _, name := range p.Shutdown.RequireConsentWhen {
		triggered, reason := e.evaluateCondition(ctx, name, snap)
		if triggered {
			return true, reason
		}
	}

	if p.Shutdown.InstantShutdownOtherwise {
		return false, "No consent conditions triggered; profile permits instant shutdown"
	}
	return true, "No consent conditions triggered; defaulting to consent"
}

// evaluateCondition runs one condition with panic recovery and a
// timeout. An unknown name is not triggered; a handler error requires
// consent; a handler that outlives the timeout is abandoned and not
// triggered.
func (e *Evaluator) evaluateCondition(ctx context.Context, name string, snap *Snapshot) (bool, string) {
	fn := e.lookupHandler(name)
	if fn == nil {
		logger.Warn("Unknown shutdown condition",
			logger.KeyCondition, name)
		return false, "Unknown condition"
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConditionTimeout)
	defer cancel()

	type result struct {
		triggered bool
		reason    string
		err       error
	}
	done := make(chan result, 1)
	go func() {
		triggered, reason, err := callRecovered(ctx, fn, snap)
		done <- result{triggered: triggered, reason: reason, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logger.Warn("Shutdown condition handler failed",
				logger.KeyCondition, name,
				logger.KeyError, res.err.Error())
			return true, fmt.Sprintf("Error evaluating condition: %s", res.err)
		}
		return res.triggered, res.reason
	case <-ctx.Done():
		logger.Warn("Shutdown condition timed out; treating as not triggered",
			logger.KeyCondition, name)
		return false, fmt.Sprintf("Condition %s timed out", name)
	}
}

func (e *Evaluator) lookupHandler(name string) HandlerFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if fn, ok := e.custom[name]; ok {
		return fn
	}
	return e.builtins[name]
}

// callRecovered invokes fn, converting a panic into an error.
func callRecovered(ctx context.Context, fn HandlerFunc, snap *Snapshot) (triggered bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			triggered = false
			reason = ""
			err = fmt.Errorf("%v", r)
		}
	}()
	return fn(ctx, snap)
}

func reasonWithRationale(mode, rationale string) string {
	if rationale == "" {
		rationale = "no rationale given"
	}
	return fmt.Sprintf("%s: %s", mode, rationale)
}

// Built-in conditions. Each degrades to not-triggered when the
// collaborator it inspects is absent from the snapshot.

func (e *Evaluator) activeCrisisResponse(_ context.Context, snap *Snapshot) (bool, string, error) {
	if snap.CurrentTask == nil {
		return false, "No active task", nil
	}
	if snap.CurrentTask.Crisis {
		return true, fmt.Sprintf("Active crisis response on task %s", snap.CurrentTask.ID), nil
	}
	return false, "Active task is not a crisis response", nil
}

func (e *Evaluator) pendingDeferredDecision(ctx context.Context, snap *Snapshot) (bool, string, error) {
	if snap.Tasks == nil {
		return false, "No task store attached", nil
	}
	count, err := snap.Tasks.CountDeferred(ctx)
	if err != nil {
		return false, "", fmt.Errorf("counting deferred tasks: %w", err)
	}
	if count > 0 {
		return true, fmt.Sprintf("Pending deferred decision: %d task(s) awaiting resolution", count), nil
	}
	return false, "No deferred tasks", nil
}

func (e *Evaluator) recentUserActivity(_ context.Context, snap *Snapshot) (bool, string, error) {
	if snap.LastUserActivity.IsZero() {
		return false, "No user activity observed", nil
	}
	idle := e.clk.Now().Sub(snap.LastUserActivity)
	if idle <= e.cfg.ActivityWindow {
		return true, fmt.Sprintf("User activity %s ago, within the %s window", idle.Round(time.Second), e.cfg.ActivityWindow), nil
	}
	return false, "No recent user activity", nil
}
