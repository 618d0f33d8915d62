package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/states"
)

// stopLog records stop completions across fakes so tests can assert the
// shutdown order.
type stopLog struct {
	mu    sync.Mutex
	order []string
}

func (l *stopLog) append(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, name)
}

func (l *stopLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// fakeAdapter is a minimal adapter without a run loop.
type fakeAdapter struct {
	name    string
	kind    string
	healthy atomic.Bool
	specs   []services.Spec
	log     *stopLog

	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
	sink     adapter.Sink
	status   adapter.StatusSource
}

func newFakeAdapter(name string) *fakeAdapter {
	a := &fakeAdapter{name: name, kind: "fake"}
	a.healthy.Store(true)
	return a
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	if f.log != nil {
		f.log.append(f.name)
	}
	return nil
}

func (f *fakeAdapter) IsHealthy(context.Context) bool { return f.healthy.Load() }

func (f *fakeAdapter) Services() []services.Spec { return f.specs }

func (f *fakeAdapter) SetSink(s adapter.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = s
}

func (f *fakeAdapter) SetStatus(src adapter.StatusSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = src
}

func (f *fakeAdapter) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeAdapter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// runnerAdapter adds a blocking run loop that exits on Stop, context
// cancellation, or an injected failure.
type runnerAdapter struct {
	fakeAdapter
	quiesce  chan struct{}
	fail     chan error
	stopOnce sync.Once
}

func newRunnerAdapter(name string) *runnerAdapter {
	a := &runnerAdapter{
		fakeAdapter: fakeAdapter{name: name, kind: "fake"},
		quiesce:     make(chan struct{}),
		fail:        make(chan error),
	}
	a.healthy.Store(true)
	return a
}

func (a *runnerAdapter) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quiesce:
		return nil
	case err := <-a.fail:
		return err
	}
}

func (a *runnerAdapter) Stop(ctx context.Context) error {
	a.finish()
	return a.fakeAdapter.Stop(ctx)
}

// finish makes the run loop return nil, as Stop would.
func (a *runnerAdapter) finish() {
	a.stopOnce.Do(func() { close(a.quiesce) })
}

// stopRecorder is a bare service provider whose Stop can be configured
// to block.
type stopRecorder struct {
	name      string
	log       *stopLog
	stopErr   error
	block     chan struct{}
	ignoreCtx bool
	calls     atomic.Int32
}

func (p *stopRecorder) Name() string { return p.name }

func (p *stopRecorder) IsHealthy(context.Context) bool { return true }

func (p *stopRecorder) Stop(ctx context.Context) error {
	p.calls.Add(1)
	if p.block != nil {
		if p.ignoreCtx {
			<-p.block
		} else {
			select {
			case <-p.block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if p.log != nil {
		p.log.append(p.name)
	}
	return p.stopErr
}

// fakeProcessor records negotiation calls and answers with a canned
// result, or blocks until its context closes.
type fakeProcessor struct {
	result Negotiation
	err    error
	block  bool

	mu     sync.Mutex
	calls  int
	budget int
}

func (p *fakeProcessor) ShutdownNegotiate(ctx context.Context, roundBudget int) (Negotiation, error) {
	p.mu.Lock()
	p.calls++
	p.budget = roundBudget
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return Negotiation{}, ctx.Err()
	}
	return p.result, p.err
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProcessor) lastBudget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget
}

func testClock() *clock.FakeClock {
	return clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
}

// instantProfile permits shutdown without consent and boots straight
// into WORK.
func instantProfile() *profile.Profile {
	p := profile.Default()
	p.Wakeup.Enabled = false
	p.Shutdown = profile.ShutdownPolicy{Mode: profile.ShutdownInstant}
	return p
}

func consentProfile() *profile.Profile {
	p := profile.Default()
	p.Wakeup.Enabled = false
	p.Shutdown = profile.ShutdownPolicy{Mode: profile.ShutdownAlwaysConsent, Rationale: "covenant"}
	return p
}

func newTestRuntime(t *testing.T, opts Options) (*Runtime, *clock.FakeClock) {
	t.Helper()
	clk := testClock()
	opts.Clock = clk
	if opts.Profile == nil {
		opts.Profile = instantProfile()
	}
	rt, err := New(opts)
	require.NoError(t, err)
	return rt, clk
}

func newTestStore(t *testing.T, clk clock.Clock) *persistence.Store {
	t.Helper()
	store, err := persistence.New(context.Background(), &persistence.Config{
		Driver: persistence.DriverSQLite,
		SQLite: persistence.SQLiteConfig{Path: filepath.Join(t.TempDir(), "tasks.db")},
	}, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Stop(context.Background()) })
	return store
}

func openTestTrail(t *testing.T, dir string, clk clock.Clock) *audit.Trail {
	t.Helper()
	trail, err := audit.Open(context.Background(), audit.Config{Path: dir}, clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Stop(context.Background()) })
	return trail
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRejectsNilAdapter(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Adapters: []adapter.Adapter{nil}})
	require.ErrorContains(t, err, "nil adapter")
}

func TestStartTransitionsToStartupTarget(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	a.specs = []services.Spec{{
		Type:         services.TypeCommunication,
		Provider:     a,
		Capabilities: []string{services.CapabilitySendMessage},
		Bucket:       services.BucketAdapter,
	}}
	rt, clk := newTestRuntime(t, Options{Profile: profile.Default(), Adapters: []adapter.Adapter{a}})

	require.NoError(t, rt.Start(context.Background()))

	assert.Equal(t, states.StateWakeup, rt.States().Current())
	assert.Equal(t, 1, a.startCount())
	assert.Equal(t, 1, rt.Registry().Count())
	assert.NotNil(t, a.sink)
	assert.NotNil(t, a.status)

	status := rt.Status()
	assert.Equal(t, "WAKEUP", status.State)
	assert.Equal(t, "default", status.Profile)
	assert.Equal(t, clk.Now(), status.StartedAt)
	assert.Equal(t, 1, status.Services)
	require.Len(t, status.Adapters, 1)
	assert.True(t, status.Adapters[0].Healthy)

	rt.Shutdown()
}

func TestStartBypassesWakeupWhenDisabled(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("cli:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	require.NoError(t, rt.Start(context.Background()))
	assert.Equal(t, states.StateWork, rt.States().Current())

	rt.Shutdown()
}

func TestStartRejectsSecondCall(t *testing.T) {
	t.Parallel()

	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{newFakeAdapter("a")}})
	require.NoError(t, rt.Start(context.Background()))

	err := rt.Start(context.Background())
	require.ErrorContains(t, err, "already started")

	rt.Shutdown()
}

func TestStartFailsWhenAdapterStartFails(t *testing.T) {
	t.Parallel()

	good := newFakeAdapter("good")
	bad := newFakeAdapter("bad")
	bad.startErr = errors.New("port in use")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{good, bad}})

	err := rt.Start(context.Background())
	require.ErrorContains(t, err, "adapter bad")
	require.ErrorContains(t, err, "port in use")

	// The adapter that did start is torn back down.
	assert.Equal(t, 1, good.stopCount())
	assert.Equal(t, 0, bad.stopCount())

	err = rt.HandleIncoming(context.Background(), adapter.IncomingMessage{Content: "hi"})
	assert.ErrorIs(t, err, adapter.ErrRuntimeNotReady)
}

func TestStartTimesOutWhenAdapterNeverHealthy(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	a.healthy.Store(false)
	rt, clk := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(context.Background()) }()

	clk.WaitForTimers(2) // readiness ticker + startup deadline
	clk.Advance(30 * time.Second)

	err := <-errCh
	require.ErrorContains(t, err, "not healthy")
	require.ErrorContains(t, err, "api:test")
	assert.Equal(t, 1, a.stopCount())
	assert.Equal(t, states.StateShutdown, rt.States().Current())
}

func TestStartWaitsForAdapterToTurnHealthy(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	a.healthy.Store(false)
	rt, clk := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(context.Background()) }()

	clk.WaitForTimers(2)
	a.healthy.Store(true)
	clk.Advance(250 * time.Millisecond)

	require.NoError(t, <-errCh)
	assert.Equal(t, states.StateWork, rt.States().Current())

	rt.Shutdown()
}

func TestRunnerFailureTearsRuntimeDown(t *testing.T) {
	t.Parallel()

	a := newRunnerAdapter("cli:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	a.fail <- errors.New("terminal gone")

	require.NoError(t, <-done)
	assert.Equal(t, states.StateShutdown, rt.States().Current())
	assert.Equal(t, 1, a.stopCount())

	rt.mu.Lock()
	reason := rt.shutdownReason
	rt.mu.Unlock()
	assert.Contains(t, reason, "run loop failed")
	assert.Contains(t, reason, "terminal gone")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	waitFor(t, func() bool { return rt.accepting.Load() })
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, states.StateShutdown, rt.States().Current())
	assert.Equal(t, 1, a.stopCount())

	rt.mu.Lock()
	reason := rt.shutdownReason
	rt.mu.Unlock()
	assert.Contains(t, reason, "context cancelled")
}

func TestRunnerCleanExitStopsRuntime(t *testing.T) {
	t.Parallel()

	a := newRunnerAdapter("cli:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	waitFor(t, func() bool { return rt.accepting.Load() })
	a.finish()

	require.NoError(t, <-done)

	rt.mu.Lock()
	reason := rt.shutdownReason
	rt.mu.Unlock()
	assert.Contains(t, reason, "run loop exited")
}

func TestRequestShutdownStopsRunAndFirstReasonWins(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	waitFor(t, func() bool { return rt.accepting.Load() })
	rt.RequestShutdown("operator asked")
	rt.RequestShutdown("too late")

	require.NoError(t, <-done)
	assert.Equal(t, 1, a.stopCount())

	rt.mu.Lock()
	reason := rt.shutdownReason
	rt.mu.Unlock()
	assert.Equal(t, "operator asked", reason)

	history := rt.States().History()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, states.StateShutdown, last.To)
	assert.Equal(t, "operator asked", last.Reason)
}

func TestHandleIncomingCreatesTaskAndTracksActivity(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("cli:test")
	clk := testClock()
	store := newTestStore(t, clk)
	rt, err := New(Options{
		Profile:  instantProfile(),
		Clock:    clk,
		Adapters: []adapter.Adapter{a},
		Store:    store,
	})
	require.NoError(t, err)

	msg := adapter.IncomingMessage{
		ID:         "m1",
		ChannelID:  "cli",
		AuthorID:   "operator",
		Content:    "check the reactor",
		ReceivedAt: clk.Now(),
	}

	err = rt.HandleIncoming(context.Background(), msg)
	assert.ErrorIs(t, err, adapter.ErrRuntimeNotReady)

	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.HandleIncoming(context.Background(), msg))

	tasks, err := store.ListTasks(context.Background(), persistence.Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "check the reactor", tasks[0].Description)
	assert.Equal(t, persistence.TaskPending, tasks[0].Status)
	assert.Equal(t, "cli", tasks[0].ChannelID)

	rt.mu.Lock()
	last := rt.lastActivity
	rt.mu.Unlock()
	assert.Equal(t, clk.Now(), last)

	rt.Shutdown()
}

func TestStatusBeforeStart(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter("api:test")
	rt, _ := newTestRuntime(t, Options{Adapters: []adapter.Adapter{a}})

	status := rt.Status()
	assert.Equal(t, "SHUTDOWN", status.State)
	assert.True(t, status.StartedAt.IsZero())
	assert.Zero(t, status.Uptime)
	assert.Zero(t, status.Services)
}

func TestStatusUptimeFollowsClock(t *testing.T) {
	t.Parallel()

	rt, clk := newTestRuntime(t, Options{Adapters: []adapter.Adapter{newFakeAdapter("a")}})
	require.NoError(t, rt.Start(context.Background()))

	clk.Advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, rt.Status().Uptime)

	rt.Shutdown()
}

func TestStartRecordsLifecycleAuditChain(t *testing.T) {
	t.Parallel()

	clk := testClock()
	trail := openTestTrail(t, t.TempDir(), clk)
	store := newTestStore(t, clk)

	a := newFakeAdapter("api:test")
	a.specs = []services.Spec{{
		Type:         services.TypeCommunication,
		Provider:     a,
		Capabilities: []string{services.CapabilitySendMessage},
		Bucket:       services.BucketAdapter,
	}}
	rt, err := New(Options{
		Profile:  instantProfile(),
		Clock:    clk,
		Adapters: []adapter.Adapter{a},
		Store:    store,
		Audit:    trail,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	entries, err := trail.Tail(context.Background(), 10)
	require.NoError(t, err)

	var got []string
	for _, e := range entries {
		got = append(got, e.Action)
	}
	assert.Equal(t, []string{
		audit.ActionServiceRegistered, // store
		audit.ActionServiceRegistered, // trail
		audit.ActionAdapterStarted,
		audit.ActionServiceRegistered, // adapter communication service
		audit.ActionStateTransition,
		audit.ActionRuntimeStarted,
	}, got)

	rt.Shutdown()
}

func TestTransitionToRecordsAudit(t *testing.T) {
	t.Parallel()

	clk := testClock()
	trail := openTestTrail(t, t.TempDir(), clk)

	p := profile.Default()
	p.Wakeup.Enabled = false
	rt, err := New(Options{Profile: p, Clock: clk, Adapters: []adapter.Adapter{newFakeAdapter("a")}, Audit: trail})
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	require.True(t, rt.TransitionTo(context.Background(), states.StatePlay, "exploring"))
	require.False(t, rt.TransitionTo(context.Background(), states.StateDream, "illegal from PLAY"))

	entries, err := trail.Tail(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionStateTransition, entries[0].Action)
	assert.Equal(t, "PLAY", entries[0].Subject)
	assert.Contains(t, entries[0].Detail, "exploring")

	rt.Shutdown()
}
