package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
)

type fakeTasks struct {
	deferred int
	err      error
}

func (f *fakeTasks) CountDeferred(_ context.Context) (int, error) {
	return f.deferred, f.err
}

func newTestEvaluator() *Evaluator {
	return NewEvaluator(clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), Config{})
}

func conditionalProfile(conditions []string, instantOtherwise bool) *profile.Profile {
	p := profile.Default()
	p.Shutdown = profile.ShutdownPolicy{
		Mode:                     profile.ShutdownConditional,
		RequireConsentWhen:       conditions,
		InstantShutdownOtherwise: instantOtherwise,
	}
	return p
}

func TestAlwaysConsentMode(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	p := profile.Default()
	p.Shutdown = profile.ShutdownPolicy{Mode: profile.ShutdownAlwaysConsent, Rationale: "covenant requires negotiation"}

	for _, snap := range []*Snapshot{nil, {}} {
		required, reason := e.RequiresConsent(context.Background(), p, snap)
		assert.True(t, required)
		assert.Contains(t, reason, "always_consent")
	}
}

func TestInstantMode(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	p := profile.Default()
	p.Shutdown = profile.ShutdownPolicy{Mode: profile.ShutdownInstant, Rationale: "ephemeral sandbox agent"}

	required, reason := e.RequiresConsent(context.Background(), p, nil)
	assert.False(t, required)
	assert.Contains(t, reason, "instant: ephemeral sandbox agent")
}

func TestConditionalNilSnapshotRequiresConsent(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	p := conditionalProfile([]string{ConditionActiveCrisisResponse}, false)

	required, reason := e.RequiresConsent(context.Background(), p, nil)
	assert.True(t, required)
	assert.Contains(t, reason, "requires context")
}

func TestConditionalNothingTriggeredDefaultsToConsent(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	p := conditionalProfile([]string{ConditionActiveCrisisResponse}, false)

	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required)
	assert.Contains(t, reason, "defaulting to consent")
}

func TestConditionalInstantShutdownOtherwise(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	p := conditionalProfile([]string{ConditionActiveCrisisResponse}, true)

	required, _ := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.False(t, required)
}

func TestUnknownModeFailsSafe(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	p := profile.Default()
	p.Shutdown.Mode = "ask_the_moon"

	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required)
	assert.Contains(t, reason, "Unknown shutdown mode")
}

func TestNilProfileFailsSafe(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	required, _ := e.RequiresConsent(context.Background(), nil, &Snapshot{})
	assert.True(t, required)
}

func TestActiveCrisisResponse(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	p := conditionalProfile([]string{ConditionActiveCrisisResponse}, true)

	// Crisis task in flight: consent required.
	snap := &Snapshot{CurrentTask: &TaskRef{ID: "task-9", Crisis: true}}
	required, reason := e.RequiresConsent(context.Background(), p, snap)
	assert.True(t, required)
	assert.Contains(t, reason, "task-9")

	// Ordinary task: nothing triggers, profile says go.
	snap = &Snapshot{CurrentTask: &TaskRef{ID: "task-10"}}
	required, _ = e.RequiresConsent(context.Background(), p, snap)
	assert.False(t, required)

	// Idle: collaborator absent, degrades to not triggered.
	required, _ = e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.False(t, required)
}

func TestPendingDeferredDecision(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	p := conditionalProfile([]string{ConditionPendingDeferredDecision}, true)

	snap := &Snapshot{Tasks: &fakeTasks{deferred: 2}}
	required, reason := e.RequiresConsent(context.Background(), p, snap)
	assert.True(t, required)
	assert.Contains(t, reason, "Pending deferred decision")

	snap = &Snapshot{Tasks: &fakeTasks{deferred: 0}}
	required, _ = e.RequiresConsent(context.Background(), p, snap)
	assert.False(t, required)

	// No task store attached: degrades to not triggered.
	required, _ = e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.False(t, required)
}

func TestPendingDeferredStoreErrorRequiresConsent(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	p := conditionalProfile([]string{ConditionPendingDeferredDecision}, true)

	snap := &Snapshot{Tasks: &fakeTasks{err: errors.New("store offline")}}
	required, reason := e.RequiresConsent(context.Background(), p, snap)
	assert.True(t, required)
	assert.Contains(t, reason, "Error evaluating condition")
	assert.Contains(t, reason, "store offline")
}

func TestRecentUserActivity(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(clock.Fake(now), Config{ActivityWindow: 5 * time.Minute})
	p := conditionalProfile([]string{ConditionRecentUserActivity}, true)

	// Inside the window.
	snap := &Snapshot{LastUserActivity: now.Add(-2 * time.Minute)}
	required, _ := e.RequiresConsent(context.Background(), p, snap)
	assert.True(t, required)

	// Outside the window.
	snap = &Snapshot{LastUserActivity: now.Add(-20 * time.Minute)}
	required, _ = e.RequiresConsent(context.Background(), p, snap)
	assert.False(t, required)

	// Never observed.
	required, _ = e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.False(t, required)
}

func TestHandlerErrorRequiresConsent(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	require.NoError(t, e.RegisterConditionHandler("flaky", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		return false, "", errors.New("collaborator unreachable")
	}))
	p := conditionalProfile([]string{"flaky"}, true)

	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required)
	assert.Contains(t, reason, "Error evaluating condition")
}

func TestHandlerPanicRequiresConsent(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	require.NoError(t, e.RegisterConditionHandler("explosive", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		panic("handler bug")
	}))
	p := conditionalProfile([]string{"explosive"}, true)

	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required)
	assert.Contains(t, reason, "Error evaluating condition")
	assert.Contains(t, reason, "handler bug")
}

func TestUnknownConditionSkippedAndEvaluationContinues(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	require.NoError(t, e.RegisterConditionHandler("second", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		return true, "second triggered", nil
	}))
	p := conditionalProfile([]string{"no_such_condition", "second"}, true)

	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required, "evaluation continues past the unknown name")
	assert.Equal(t, "second triggered", reason)
}

func TestOnlyUnknownConditionsFallThrough(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	p := conditionalProfile([]string{"no_such_condition"}, false)

	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required)
	assert.Contains(t, reason, "defaulting to consent")
}

func TestFirstTriggeredConditionWins(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	var secondCalled atomic.Bool
	require.NoError(t, e.RegisterConditionHandler("first", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		return true, "first triggered", nil
	}))
	require.NoError(t, e.RegisterConditionHandler("second", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		secondCalled.Store(true)
		return true, "second triggered", nil
	}))
	p := conditionalProfile([]string{"first", "second"}, false)

	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required)
	assert.Equal(t, "first triggered", reason)
	assert.False(t, secondCalled.Load(), "evaluation stops at the first trigger")
}

func TestCustomHandlerOverridesBuiltin(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	require.NoError(t, e.RegisterConditionHandler(ConditionActiveCrisisResponse, func(_ context.Context, _ *Snapshot) (bool, string, error) {
		return true, "deployment-specific crisis check", nil
	}))
	p := conditionalProfile([]string{ConditionActiveCrisisResponse}, true)

	// The built-in would not trigger on an empty snapshot.
	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.True(t, required)
	assert.Equal(t, "deployment-specific crisis check", reason)
}

func TestHangingHandlerDegradesToNotTriggered(t *testing.T) {
	t.Parallel()
	e := NewEvaluator(clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), Config{ConditionTimeout: 25 * time.Millisecond})
	require.NoError(t, e.RegisterConditionHandler("stuck", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		time.Sleep(500 * time.Millisecond)
		return true, "too late", nil
	}))
	p := conditionalProfile([]string{"stuck"}, true)

	start := time.Now()
	required, reason := e.RequiresConsent(context.Background(), p, &Snapshot{})
	assert.False(t, required, "a hung condition must not block shutdown")
	assert.Contains(t, reason, "No consent conditions triggered")
	assert.Less(t, time.Since(start), 400*time.Millisecond, "evaluation returns at the timeout, not the handler's leisure")
}

func TestRegisterConditionHandlerValidation(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()

	assert.Error(t, e.RegisterConditionHandler("", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		return false, "", nil
	}))
	assert.Error(t, e.RegisterConditionHandler("x", nil))
}

func TestKnownConditions(t *testing.T) {
	t.Parallel()
	e := newTestEvaluator()
	require.NoError(t, e.RegisterConditionHandler("deployment_check", func(_ context.Context, _ *Snapshot) (bool, string, error) {
		return false, "", nil
	}))

	names := e.KnownConditions()
	assert.Contains(t, names, ConditionActiveCrisisResponse)
	assert.Contains(t, names, ConditionPendingDeferredDecision)
	assert.Contains(t, names, ConditionRecentUserActivity)
	assert.Contains(t, names, "deployment_check")
	assert.IsNonDecreasing(t, names)
}
