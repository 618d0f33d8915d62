package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/adapter"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
)

// Start brings the runtime up: core services are registered, adapters
// start concurrently, health is polled until every adapter reports
// ready, adapter services join the registry, and the agent performs its
// first cognitive transition.
//
// A readiness timeout is fatal: everything already started is torn back
// down and the error is returned. The given context must outlive the
// run; adapter run loops are bound to it.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	r.mu.Unlock()

	begin := r.clk.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRuntimeStart)
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.Profile(r.profile.Name))

	logger.Info("Starting agent runtime",
		logger.KeyComponent, actorRuntime,
		logger.KeyState, string(r.states.Current()),
		logger.KeyCount, len(r.entries))
	for _, warning := range r.profile.Warnings() {
		logger.Warn("Behavior profile warning",
			logger.KeyComponent, actorRuntime,
			logger.KeyReason, warning)
	}

	r.registerCoreServices(ctx)

	if err := r.startAdapters(ctx); err != nil {
		r.abortStartup(ctx)
		return err
	}
	if err := r.awaitHealthy(ctx); err != nil {
		r.abortStartup(ctx)
		return err
	}
	r.registerAdapterServices(ctx)

	target := r.states.StartupTargetState()
	r.TransitionTo(ctx, target, "startup complete")

	r.mu.Lock()
	r.started = true
	r.startedAt = r.clk.Now()
	r.mu.Unlock()
	r.accepting.Store(true)

	elapsed := r.clk.Now().Sub(begin)
	r.rec.ObserveStartup(elapsed)
	r.recordAudit(ctx, audit.Entry{
		Action:  audit.ActionRuntimeStarted,
		Actor:   actorRuntime,
		Subject: r.profile.Name,
		Detail:  fmt.Sprintf("%d adapter(s), %d service(s)", len(r.entries), r.reg.Count()),
	})
	logger.Info("Agent runtime started",
		logger.KeyComponent, actorRuntime,
		logger.KeyState, string(r.states.Current()),
		logger.KeyDurationMs, float64(elapsed.Milliseconds()))
	return nil
}

// registerCoreServices puts the task store and the audit trail into the
// registry so they participate in dispatch and in the ordered stop
// sequence.
func (r *Runtime) registerCoreServices(ctx context.Context) {
	if r.store != nil {
		r.registerSpec(ctx, r.store.Spec())
	}
	if r.trail != nil {
		r.registerSpec(ctx, r.trail.Spec())
	}
}

func (r *Runtime) registerSpec(ctx context.Context, spec services.Spec) {
	if _, err := r.reg.Register(spec); err != nil {
		logger.Warn("Service registration failed",
			logger.KeyService, spec.Provider.Name(),
			logger.KeyType, string(spec.Type),
			logger.KeyError, err.Error())
		return
	}
	logger.Debug("Service registered",
		logger.KeyService, spec.Provider.Name(),
		logger.KeyType, string(spec.Type),
		logger.KeyPriority, spec.Priority.String(),
		logger.KeyBucket, spec.Bucket.String())
	r.recordAudit(ctx, audit.Entry{
		Action:  audit.ActionServiceRegistered,
		Actor:   actorRuntime,
		Subject: spec.Provider.Name(),
		Detail:  fmt.Sprintf("%s service, %s priority, %s bucket", spec.Type, spec.Priority, spec.Bucket),
	})
}

// startAdapters injects the runtime into each adapter, starts them all
// concurrently, and spawns a supervised goroutine for every run loop.
// Any start failure aborts the whole startup.
func (r *Runtime) startAdapters(ctx context.Context) error {
	for _, e := range r.entries {
		if ss, ok := e.adapter.(adapter.SinkSetter); ok {
			ss.SetSink(r)
		}
		if ss, ok := e.adapter.(adapter.StatusSetter); ok {
			ss.SetStatus(r)
		}
	}

	type startResult struct {
		idx int
		err error
	}
	results := make(chan startResult, len(r.entries))
	for i, e := range r.entries {
		go func(idx int, a adapter.Adapter) {
			ctx, span := telemetry.StartAdapterSpan(ctx, "start", a.Name(),
				telemetry.AdapterKind(a.Kind()))
			defer span.End()
			err := a.Start(ctx)
			if err != nil {
				telemetry.RecordError(ctx, err)
			}
			results <- startResult{idx: idx, err: err}
		}(i, e.adapter)
	}

	var errs []error
	for range r.entries {
		res := <-results
		e := r.entries[res.idx]
		r.rec.AdapterStarted(e.adapter.Name(), res.err != nil)
		if res.err != nil {
			errs = append(errs, fmt.Errorf("adapter %s: %w", e.adapter.Name(), res.err))
			logger.Error("Adapter failed to start",
				logger.KeyAdapter, e.adapter.Name(),
				logger.KeyError, res.err.Error())
			continue
		}
		e.started = true
		logger.Info("Adapter started", logger.KeyAdapter, e.adapter.Name())
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, e := range r.entries {
		r.recordAudit(ctx, audit.Entry{
			Action:  audit.ActionAdapterStarted,
			Actor:   actorRuntime,
			Subject: e.adapter.Name(),
			Detail:  "kind " + e.adapter.Kind(),
		})
		if runner, ok := e.adapter.(adapter.Runner); ok {
			runCtx, cancel := context.WithCancel(ctx)
			e.runner = runner
			e.cancel = cancel
			e.done = make(chan struct{})
			go r.superviseRunner(runCtx, e)
		}
	}
	return nil
}

// superviseRunner owns one adapter run loop. Cancellation is a normal
// exit; only true failures are re-raised to the Run loop, which tears
// the runtime down.
func (r *Runtime) superviseRunner(ctx context.Context, e *adapterEntry) {
	defer close(e.done)

	err := e.runner.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("Adapter run loop exited", logger.KeyAdapter, e.adapter.Name())
		err = nil
	default:
		logger.Error("Adapter run loop failed",
			logger.KeyAdapter, e.adapter.Name(),
			logger.KeyError, err.Error())
	}
	r.runnerExits <- runnerExit{name: e.adapter.Name(), err: err}
}

// awaitHealthy polls every adapter's health probe until all report
// ready. The poll is paced by HealthPollInterval and bounded by
// StartupTimeout; expiry names the stragglers and fails startup.
func (r *Runtime) awaitHealthy(ctx context.Context) error {
	if len(r.unhealthyAdapters(ctx)) == 0 {
		return nil
	}

	deadline := r.clk.After(r.startupTimeout)
	ticker := r.clk.NewTicker(r.healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if len(r.unhealthyAdapters(ctx)) == 0 {
				return nil
			}
		case <-deadline:
			names := r.unhealthyAdapters(ctx)
			return fmt.Errorf("adapters not healthy after %s: %s",
				r.startupTimeout, strings.Join(names, ", "))
		case <-ctx.Done():
			return fmt.Errorf("startup cancelled: %w", ctx.Err())
		}
	}
}

func (r *Runtime) unhealthyAdapters(ctx context.Context) []string {
	var names []string
	for _, e := range r.entries {
		if !e.adapter.IsHealthy(ctx) {
			names = append(names, e.adapter.Name())
		}
	}
	return names
}

// registerAdapterServices registers every service declared by a healthy
// adapter.
func (r *Runtime) registerAdapterServices(ctx context.Context) {
	for _, e := range r.entries {
		for _, spec := range e.adapter.Services() {
			r.registerSpec(ctx, spec)
		}
	}
}

// abortStartup tears down whatever a failed startup already brought up:
// started adapters are stopped and their run loops drained.
func (r *Runtime) abortStartup(ctx context.Context) {
	var targets []stopTarget
	for _, e := range r.entries {
		if e.started {
			targets = append(targets, stopTarget{name: e.adapter.Name(), stop: e.adapter})
		}
	}
	r.stopBucket(ctx, services.BucketAdapter, targets)
	r.drainRunners(ctx)
}
