// Package runtime implements the lifecycle coordinator: the component
// that owns the service registry, the bus, the cognitive state machine,
// the shutdown evaluator, and the adapter set, and walks them through
// startup, steady state, and the ordered shutdown sequence.
//
// A Runtime is explicitly constructed and passed by reference; there is
// no process-global instance. Startup starts every adapter concurrently,
// polls health until ready (bounded by StartupTimeout, the one fatal
// path), registers declared services, and performs the first cognitive
// transition. Shutdown negotiates consent with the attached cognitive
// processor when the behavior profile demands it, then stops services
// bucket by bucket: derived workers, then adapters, then core stores,
// then infrastructure.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/clock"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/metrics"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/profile"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services/bus"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services/registry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/shutdown"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/states"
)

// actorRuntime is the audit actor for entries the coordinator records.
const actorRuntime = "runtime"

// NegotiationStatus is the cognitive processor's answer to a shutdown
// negotiation.
type NegotiationStatus string

const (
	// NegotiationAccepted means the processor consents to shutdown.
	NegotiationAccepted NegotiationStatus = "accepted"
	// NegotiationRejected means the processor objects. Shutdown
	// proceeds anyway; consent is best-effort, never a hard block.
	NegotiationRejected NegotiationStatus = "rejected"
)

// Negotiation is the outcome of one consent negotiation.
type Negotiation struct {
	Status NegotiationStatus
	Reason string
}

// Processor is the hook for the external cognitive processor. The
// runtime hands it a bounded negotiation window when the shutdown
// evaluator requires consent; everything else about the processor is
// out of the coordinator's scope.
//
// Implementations must honor ctx: the window is enforced by the
// runtime clock and the context is cancelled when it closes.
type Processor interface {
	ShutdownNegotiate(ctx context.Context, roundBudget int) (Negotiation, error)
}

// Options configures a Runtime. Core components the coordinator merely
// owns (the task store, the audit trail) are opened by the caller and
// handed over; components the coordinator is the sole consumer of (the
// registry, the bus, the state machine, the evaluator) are constructed
// inside New.
type Options struct {
	// Profile is the behavior profile for the run. Nil loads the
	// default profile.
	Profile *profile.Profile

	// Clock is the runtime time source. Nil uses the wall clock.
	Clock clock.Clock

	// Adapters are the channel adapters to supervise.
	Adapters []adapter.Adapter

	// Store is the task store, registered as a core service when
	// non-nil.
	Store *persistence.Store

	// Audit is the audit trail, registered as a core service when
	// non-nil. All lifecycle events are recorded through it.
	Audit *audit.Trail

	// Processor is the cognitive processor consulted for shutdown
	// consent. Nil means consent-requiring shutdowns proceed forced.
	Processor Processor

	// Recorder instruments the lifecycle. Nil disables instrumentation.
	Recorder *metrics.RuntimeMetrics

	// StartupTimeout bounds the whole readiness poll. Expiry is fatal.
	StartupTimeout time.Duration

	// ShutdownTimeout caps the entire shutdown sequence.
	ShutdownTimeout time.Duration

	// HealthPollInterval is the adapter readiness poll period.
	HealthPollInterval time.Duration

	// StopBatchTimeout bounds each shutdown bucket. Stops still
	// pending past it are force-cancelled.
	StopBatchTimeout time.Duration

	// ConsentWindow bounds the shutdown consent negotiation.
	ConsentWindow time.Duration

	// NegotiationRounds is the round budget handed to the processor.
	NegotiationRounds int

	// ConditionTimeout bounds each consent condition handler. Zero
	// uses the evaluator default.
	ConditionTimeout time.Duration

	// ActivityWindow is how recently a user must have interacted for
	// the recent_user_activity condition to trigger. Zero uses the
	// evaluator default.
	ActivityWindow time.Duration
}

func (o *Options) applyDefaults() {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.HealthPollInterval <= 0 {
		o.HealthPollInterval = 250 * time.Millisecond
	}
	if o.StopBatchTimeout <= 0 {
		o.StopBatchTimeout = 10 * time.Second
	}
	if o.ConsentWindow <= 0 {
		o.ConsentWindow = 15 * time.Second
	}
	if o.NegotiationRounds <= 0 {
		o.NegotiationRounds = 3
	}
}

// adapterEntry tracks one supervised adapter: the instance itself plus
// the run-loop plumbing when the adapter exposes one.
type adapterEntry struct {
	adapter adapter.Adapter
	runner  adapter.Runner

	// started is set once Start succeeded; only started adapters are
	// stopped and counted during teardown.
	started bool

	// cancel tears down the run loop; done closes when it returns.
	// Both are nil for adapters without a run loop.
	cancel context.CancelFunc
	done   chan struct{}
}

// runnerExit is one run-loop completion, failure or normal.
type runnerExit struct {
	name string
	err  error
}

// Runtime is the lifecycle coordinator.
type Runtime struct {
	clk     clock.Clock
	profile *profile.Profile

	reg       *registry.Registry
	bus       *bus.Manager
	states    *states.Manager
	eval      *shutdown.Evaluator
	store     *persistence.Store
	trail     *audit.Trail
	processor Processor
	rec       *metrics.RuntimeMetrics

	startupTimeout     time.Duration
	shutdownTimeout    time.Duration
	healthPollInterval time.Duration
	stopBatchTimeout   time.Duration
	consentWindow      time.Duration
	negotiationRounds  int

	entries     []*adapterEntry
	runnerExits chan runnerExit

	mu             sync.Mutex
	started        bool
	startedAt      time.Time
	lastActivity   time.Time
	shutdownReason string

	// accepting gates the message sink: true between a successful
	// Start and the beginning of shutdown.
	accepting atomic.Bool

	requestOnce  sync.Once
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	runOnce      sync.Once
}

// New constructs a Runtime from its options. The registry, bus, state
// manager, and evaluator are created here; adapters, the store, and the
// trail arrive already constructed.
func New(opts Options) (*Runtime, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Profile == nil {
		opts.Profile = profile.Default()
	}
	opts.applyDefaults()

	reg := registry.New(opts.Clock)
	r := &Runtime{
		clk:     opts.Clock,
		profile: opts.Profile,
		reg:     reg,
		bus:     bus.NewManager(reg),
		states:  states.NewManager(opts.Profile, opts.Clock),
		eval: shutdown.NewEvaluator(opts.Clock, shutdown.Config{
			ConditionTimeout: opts.ConditionTimeout,
			ActivityWindow:   opts.ActivityWindow,
		}),
		store:     opts.Store,
		trail:     opts.Audit,
		processor: opts.Processor,
		rec:       opts.Recorder,

		startupTimeout:     opts.StartupTimeout,
		shutdownTimeout:    opts.ShutdownTimeout,
		healthPollInterval: opts.HealthPollInterval,
		stopBatchTimeout:   opts.StopBatchTimeout,
		consentWindow:      opts.ConsentWindow,
		negotiationRounds:  opts.NegotiationRounds,

		runnerExits: make(chan runnerExit, len(opts.Adapters)),
		shutdownCh:  make(chan struct{}),
	}

	for _, a := range opts.Adapters {
		if a == nil {
			return nil, fmt.Errorf("nil adapter in runtime options")
		}
		r.entries = append(r.entries, &adapterEntry{adapter: a})
	}
	return r, nil
}

// Registry returns the service registry the runtime dispatches against.
func (r *Runtime) Registry() *registry.Registry { return r.reg }

// Bus returns the service bus over the runtime's registry.
func (r *Runtime) Bus() *bus.Manager { return r.bus }

// States returns the cognitive state manager.
func (r *Runtime) States() *states.Manager { return r.states }

// Evaluator returns the shutdown consent evaluator, for registering
// custom conditions before Start.
func (r *Runtime) Evaluator() *shutdown.Evaluator { return r.eval }

// Profile returns the behavior profile for this run.
func (r *Runtime) Profile() *profile.Profile { return r.profile }

// RequestShutdown asks the runtime to begin the shutdown sequence. The
// first caller's reason wins; later calls are no-ops. The request only
// signals: the sequence itself runs on the Run goroutine, or wherever
// Shutdown is called.
func (r *Runtime) RequestShutdown(reason string) {
	r.requestOnce.Do(func() {
		r.mu.Lock()
		r.shutdownReason = reason
		r.mu.Unlock()
		logger.Info("Shutdown requested",
			logger.KeyComponent, actorRuntime,
			logger.KeyReason, reason)
		close(r.shutdownCh)
	})
}

// ShutdownRequested returns a channel closed once shutdown has been
// requested.
func (r *Runtime) ShutdownRequested() <-chan struct{} { return r.shutdownCh }

// Run starts the runtime and blocks until shutdown completes. Shutdown
// begins when the context is cancelled, RequestShutdown is called, or
// an adapter run loop exits. A second Run call returns nil immediately.
func (r *Runtime) Run(ctx context.Context) error {
	var err error
	r.runOnce.Do(func() { err = r.run(ctx) })
	return err
}

func (r *Runtime) run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		r.RequestShutdown("agent context cancelled")
	case <-r.shutdownCh:
	case exit := <-r.runnerExits:
		if exit.err != nil {
			r.RequestShutdown(fmt.Sprintf("adapter %s run loop failed: %v", exit.name, exit.err))
		} else {
			r.RequestShutdown(fmt.Sprintf("adapter %s run loop exited", exit.name))
		}
	}

	r.Shutdown()
	return nil
}

// TransitionTo moves the agent to the target cognitive state, recording
// an audit entry when the state actually changes. Rejection is a plain
// false, never an error.
func (r *Runtime) TransitionTo(ctx context.Context, target states.CognitiveState, reason string) bool {
	from := r.states.Current()
	ctx, span := telemetry.StartTransitionSpan(ctx, string(from), string(target))
	defer span.End()

	if !r.states.TransitionTo(target, reason) {
		telemetry.AddEvent(ctx, "transition.rejected")
		return false
	}
	if from != target {
		r.recordAudit(ctx, audit.Entry{
			Action:  audit.ActionStateTransition,
			Actor:   actorRuntime,
			Subject: string(target),
			Detail:  fmt.Sprintf("from %s: %s", from, reason),
		})
	}
	return true
}

// recordAudit best-effort records a lifecycle event. A failed or absent
// trail never blocks the lifecycle.
func (r *Runtime) recordAudit(ctx context.Context, e audit.Entry) {
	if r.trail == nil {
		return
	}
	if _, err := r.trail.Record(ctx, e); err != nil && !errors.Is(err, audit.ErrTrailClosed) {
		logger.Warn("Audit record failed",
			logger.KeyComponent, actorRuntime,
			logger.KeyError, err.Error())
	}
}
