package runtime

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// findEntry returns the first audit entry with the given action.
func findEntry(t *testing.T, entries []*audit.Entry, action string) *audit.Entry {
	t.Helper()
	for _, e := range entries {
		if e.Action == action {
			return e
		}
	}
	t.Fatalf("no %s entry in trail", action)
	return nil
}

func TestShutdownStopsBucketsInAscendingOrder(t *testing.T) {
	t.Parallel()

	log := &stopLog{}
	a := newFakeAdapter("cli:test")
	a.log = log
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})
	require.NoError(t, rt.Start(context.Background()))

	derived := &stopRecorder{name: "worker:scheduler", log: log}
	core := &stopRecorder{name: "store:tasks", log: log}
	infra := &stopRecorder{name: "telemetry:otel", log: log}
	for _, spec := range []services.Spec{
		{Type: services.TypeTelemetry, Provider: infra, Bucket: services.BucketInfra},
		{Type: services.TypeTool, Provider: derived, Bucket: services.BucketDerived},
		{Type: services.TypePersistence, Provider: core, Bucket: services.BucketCore},
	} {
		_, err := rt.Registry().Register(spec)
		require.NoError(t, err)
	}

	rt.Shutdown()

	assert.Equal(t, []string{"worker:scheduler", "cli:test", "store:tasks", "telemetry:otel"}, log.names())
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})
	require.NoError(t, rt.Start(context.Background()))

	rt.Shutdown()
	rt.Shutdown()

	assert.Equal(t, 1, a.stopCount())
}

func TestProviderRegisteredTwiceStopsOnce(t *testing.T) {
	t.Parallel()

	log := &stopLog{}
	rec := &stopRecorder{name: "graph:memory", log: log}
	a := newFakeAdapter("a")
	a.log = log
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})
	require.NoError(t, rt.Start(context.Background()))

	for _, typ := range []services.Type{services.TypeMemory, services.TypeTool} {
		_, err := rt.Registry().Register(services.Spec{Type: typ, Provider: rec, Bucket: services.BucketCore})
		require.NoError(t, err)
	}

	rt.Shutdown()

	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, []string{"a", "graph:memory"}, log.names())
}

func TestHungStopIsForceCancelledThenAbandoned(t *testing.T) {
	t.Parallel()

	log := &stopLog{}
	a := newFakeAdapter("cli:test")
	a.log = log
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	core := &stopRecorder{name: "store:tasks", log: log, block: hang, ignoreCtx: true}
	infra := &stopRecorder{name: "telemetry:otel", log: log}

	rt, clk := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})
	require.NoError(t, rt.Start(context.Background()))
	_, err := rt.Registry().Register(services.Spec{Type: services.TypePersistence, Provider: core, Bucket: services.BucketCore})
	require.NoError(t, err)
	_, err = rt.Registry().Register(services.Spec{Type: services.TypeTelemetry, Provider: infra, Bucket: services.BucketInfra})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		rt.Shutdown()
		close(done)
	}()

	// The adapter bucket leaves its batch deadline pending; the core
	// bucket adds its own. Expiry force-cancels the straggler.
	clk.WaitForTimers(2)
	waitFor(t, func() bool { return core.calls.Load() == 1 })
	clk.Advance(10 * time.Second)
	// The grace deadline; expiry abandons it.
	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)
	<-done

	assert.Equal(t, int32(1), core.calls.Load())
	// The hung stop never completed; the infra bucket still ran.
	assert.Equal(t, []string{"cli:test", "telemetry:otel"}, log.names())
}

func TestAbandonAccountsForEachDuplicateNamedStraggler(t *testing.T) {
	// Not parallel: redirects the package logger to capture output.
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "WARN", "text", false)
	t.Cleanup(func() { logger.InitWithWriter(os.Stdout, "INFO", "text", false) })

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	first := &stopRecorder{name: "store:tasks", block: hang, ignoreCtx: true}
	second := &stopRecorder{name: "store:tasks", block: hang, ignoreCtx: true}

	rt, clk := newTestRuntime(t, Options{Adapters: []adapter.Adapter{newFakeAdapter("api:test")}})
	require.NoError(t, rt.Start(context.Background()))
	for _, p := range []*stopRecorder{first, second} {
		_, err := rt.Registry().Register(services.Spec{Type: services.TypePersistence, Provider: p, Bucket: services.BucketCore})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		rt.Shutdown()
		close(done)
	}()

	clk.WaitForTimers(2)
	waitFor(t, func() bool { return first.calls.Load() == 1 && second.calls.Load() == 1 })
	clk.Advance(10 * time.Second)
	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)
	<-done

	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())
	// Two distinct providers share a Name(); the abandon path must
	// account for both, not collapse them into one entry.
	assert.Equal(t, 2, strings.Count(buf.String(), "Abandoning unresponsive service stop"))
}

func TestForceCancelUnblocksCooperativeStop(t *testing.T) {
	t.Parallel()

	log := &stopLog{}
	a := newFakeAdapter("cli:test")
	a.log = log
	core := &stopRecorder{name: "store:tasks", log: log, block: make(chan struct{}), ignoreCtx: false}

	rt, clk := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})
	require.NoError(t, rt.Start(context.Background()))
	_, err := rt.Registry().Register(services.Spec{Type: services.TypePersistence, Provider: core, Bucket: services.BucketCore})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		rt.Shutdown()
		close(done)
	}()

	clk.WaitForTimers(2)
	waitFor(t, func() bool { return core.calls.Load() == 1 })
	clk.Advance(10 * time.Second)
	<-done

	assert.Equal(t, int32(1), core.calls.Load())
	// Stop returned the cancellation error without completing its work.
	assert.Equal(t, []string{"cli:test"}, log.names())
}

func TestConsentNegotiationAccepted(t *testing.T) {
	t.Parallel()

	clk := testClock()
	dir := t.TempDir()
	trail := openTestTrail(t, dir, clk)
	a := newFakeAdapter("api:test")
	proc := &fakeProcessor{result: Negotiation{Status: NegotiationAccepted, Reason: "tasks quiesced"}}

	rt, err := New(Options{
		Profile:   consentProfile(),
		Clock:     clk,
		Adapters:  []adapter.Adapter{a},
		Audit:     trail,
		Processor: proc,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	rt.Shutdown()

	assert.Equal(t, 1, proc.callCount())
	assert.Equal(t, 3, proc.lastBudget())

	reopened := openTestTrail(t, dir, clk)
	entries, err := reopened.Tail(context.Background(), 20)
	require.NoError(t, err)

	var got []string
	for _, e := range entries {
		got = append(got, e.Action)
	}
	assert.Equal(t, []string{
		audit.ActionServiceRegistered,
		audit.ActionAdapterStarted,
		audit.ActionStateTransition,
		audit.ActionRuntimeStarted,
		audit.ActionShutdownDecision,
		audit.ActionStateTransition,
		audit.ActionAdapterStopped,
		audit.ActionRuntimeStopped,
	}, got)

	decision := findEntry(t, entries, audit.ActionShutdownDecision)
	assert.Equal(t, "negotiated", decision.Subject)
	assert.Equal(t, "tasks quiesced", decision.Detail)
}

func TestConsentRejectionForcesShutdown(t *testing.T) {
	t.Parallel()

	clk := testClock()
	dir := t.TempDir()
	trail := openTestTrail(t, dir, clk)
	proc := &fakeProcessor{result: Negotiation{Status: NegotiationRejected, Reason: "mid-task"}}

	rt, err := New(Options{
		Profile:   consentProfile(),
		Clock:     clk,
		Adapters:  []adapter.Adapter{newFakeAdapter("api:test")},
		Audit:     trail,
		Processor: proc,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	rt.Shutdown()

	reopened := openTestTrail(t, dir, clk)
	entries, err := reopened.Tail(context.Background(), 20)
	require.NoError(t, err)

	decision := findEntry(t, entries, audit.ActionShutdownDecision)
	assert.Equal(t, "forced", decision.Subject)
	assert.Contains(t, decision.Detail, "consent rejected: mid-task")
}

func TestConsentWindowExpiryForcesShutdown(t *testing.T) {
	t.Parallel()

	clk := testClock()
	dir := t.TempDir()
	trail := openTestTrail(t, dir, clk)
	proc := &fakeProcessor{block: true}

	rt, err := New(Options{
		Profile:   consentProfile(),
		Clock:     clk,
		Adapters:  []adapter.Adapter{newFakeAdapter("api:test")},
		Audit:     trail,
		Processor: proc,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		rt.Shutdown()
		close(done)
	}()

	// The consent window is the only pending timer at this point.
	clk.WaitForTimers(1)
	clk.Advance(15 * time.Second)
	<-done

	assert.Equal(t, 1, proc.callCount())

	reopened := openTestTrail(t, dir, clk)
	entries, err := reopened.Tail(context.Background(), 20)
	require.NoError(t, err)

	decision := findEntry(t, entries, audit.ActionShutdownDecision)
	assert.Equal(t, "forced", decision.Subject)
	assert.Contains(t, decision.Detail, "negotiation unresolved after 15s")
}

func TestInstantModeSkipsProcessor(t *testing.T) {
	t.Parallel()

	clk := testClock()
	dir := t.TempDir()
	trail := openTestTrail(t, dir, clk)
	proc := &fakeProcessor{result: Negotiation{Status: NegotiationRejected, Reason: "never asked"}}

	rt, err := New(Options{
		Profile:   instantProfile(),
		Clock:     clk,
		Adapters:  []adapter.Adapter{newFakeAdapter("api:test")},
		Audit:     trail,
		Processor: proc,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	rt.Shutdown()

	assert.Equal(t, 0, proc.callCount())

	reopened := openTestTrail(t, dir, clk)
	entries, err := reopened.Tail(context.Background(), 20)
	require.NoError(t, err)

	decision := findEntry(t, entries, audit.ActionShutdownDecision)
	assert.Equal(t, "instant", decision.Subject)
	assert.Contains(t, decision.Detail, "instant")
}

func TestConsentSeesDeferredTasks(t *testing.T) {
	t.Parallel()

	clk := testClock()
	dir := t.TempDir()
	trail := openTestTrail(t, dir, clk)
	store := newTestStore(t, clk)

	_, err := store.CreateTask(context.Background(), &persistence.Task{
		Description: "awaiting wise authority guidance",
		Status:      persistence.TaskDeferred,
	})
	require.NoError(t, err)

	p := profile.Default()
	p.Wakeup.Enabled = false
	rt, err := New(Options{
		Profile:  p,
		Clock:    clk,
		Adapters: []adapter.Adapter{newFakeAdapter("api:test")},
		Store:    store,
		Audit:    trail,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	rt.Shutdown()

	reopened := openTestTrail(t, dir, clk)
	entries, err := reopened.Tail(context.Background(), 20)
	require.NoError(t, err)

	// Consent was required, but with no processor attached the shutdown
	// is forced; the trail still records why consent was demanded.
	decision := findEntry(t, entries, audit.ActionShutdownDecision)
	assert.Equal(t, "forced", decision.Subject)
	assert.Contains(t, decision.Detail, "Pending deferred decision: 1 task(s)")
}

func TestShutdownBeforeStartIsSafe(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	rt.Shutdown()

	assert.Equal(t, 0, a.stopCount())
	assert.Empty(t, rt.States().History())
}
