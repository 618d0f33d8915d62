package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CIRISAI/CIRISAgent-sub005/internal/logger"
	"github.com/CIRISAI/CIRISAgent-sub005/internal/telemetry"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/audit"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/persistence"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/services"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/shutdown"
	"github.com/CIRISAI/CIRISAgent-sub005/pkg/states"
)

// stopTarget is one stoppable unit in the ordered shutdown sequence.
type stopTarget struct {
	name string
	stop services.Stopper
}

// Shutdown executes the full shutdown sequence exactly once: consent
// negotiation, the SHUTDOWN transition, and the bucket-ordered stop of
// every live service. Later calls return once the first has completed.
//
// The sequence always runs to completion: stop failures are logged and
// swallowed, hung stops are force-cancelled after StopBatchTimeout, and
// an unresolved consent negotiation forces shutdown when ConsentWindow
// closes.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(r.executeShutdown)
}

func (r *Runtime) executeShutdown() {
	begin := r.clk.Now()
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRuntimeShutdown)
	defer span.End()

	r.accepting.Store(false)
	r.RequestShutdown("shutdown invoked directly")

	r.mu.Lock()
	reason := r.shutdownReason
	r.mu.Unlock()
	telemetry.SetAttributes(ctx, telemetry.ShutdownReason(reason))

	logger.Info("Stopping agent runtime",
		logger.KeyComponent, actorRuntime,
		logger.KeyReason, reason)

	outcome, detail := r.negotiateConsent(ctx)
	r.recordAudit(ctx, audit.Entry{
		Action:  audit.ActionShutdownDecision,
		Actor:   actorRuntime,
		Subject: outcome,
		Detail:  detail,
	})
	logger.Info("Shutdown decision",
		logger.KeyComponent, actorRuntime,
		logger.KeyReason, fmt.Sprintf("%s: %s", outcome, detail))

	r.TransitionTo(ctx, states.StateShutdown, reason)

	r.stopServices(ctx, reason)

	elapsed := r.clk.Now().Sub(begin)
	r.rec.ObserveShutdown(elapsed)
	logger.Info("Agent runtime stopped",
		logger.KeyComponent, actorRuntime,
		logger.KeyDurationMs, float64(elapsed.Milliseconds()))
}

// negotiateConsent applies the profile's consent policy and, when
// consent is required and a processor is attached, hands it a bounded
// negotiation window. The outcome is one of "instant" (no consent
// needed), "negotiated" (the processor accepted), or "forced" (no
// processor, rejection, failure, or window expiry).
func (r *Runtime) negotiateConsent(ctx context.Context) (outcome, detail string) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConsentEval)
	defer span.End()
	telemetry.SetAttributes(ctx, telemetry.ShutdownMode(string(r.profile.Shutdown.Mode)))

	snap := r.snapshot(ctx)
	required, why := r.eval.RequiresConsent(ctx, r.profile, snap)
	if !required {
		return "instant", why
	}
	if r.processor == nil {
		logger.Info("Consent required but no cognitive processor attached; forcing shutdown",
			logger.KeyComponent, actorRuntime,
			logger.KeyReason, why)
		return "forced", why
	}

	negCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type negResult struct {
		n   Negotiation
		err error
	}
	done := make(chan negResult, 1)
	go func() {
		n, err := r.processor.ShutdownNegotiate(negCtx, r.negotiationRounds)
		done <- negResult{n: n, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logger.Warn("Shutdown negotiation failed; forcing shutdown",
				logger.KeyComponent, actorRuntime,
				logger.KeyError, res.err.Error())
			return "forced", fmt.Sprintf("negotiation failed: %s", res.err)
		}
		if res.n.Status == NegotiationAccepted {
			return "negotiated", res.n.Reason
		}
		logger.Info("Shutdown consent rejected; forcing shutdown",
			logger.KeyComponent, actorRuntime,
			logger.KeyReason, res.n.Reason)
		return "forced", fmt.Sprintf("consent rejected: %s", res.n.Reason)
	case <-r.clk.After(r.consentWindow):
		cancel()
		logger.Warn("Shutdown negotiation window expired; forcing shutdown",
			logger.KeyComponent, actorRuntime,
			logger.KeyDurationMs, float64(r.consentWindow.Milliseconds()))
		return "forced", fmt.Sprintf("negotiation unresolved after %s", r.consentWindow)
	}
}

// snapshot captures what the agent is doing right now for the consent
// evaluator. Every collaborator is optional; lookups that fail leave
// their field empty rather than blocking shutdown.
func (r *Runtime) snapshot(ctx context.Context) *shutdown.Snapshot {
	r.mu.Lock()
	last := r.lastActivity
	r.mu.Unlock()

	snap := &shutdown.Snapshot{LastUserActivity: last}
	if r.store == nil {
		return snap
	}
	snap.Tasks = r.store

	task, err := r.store.ActiveTask(ctx)
	switch {
	case err == nil:
		snap.CurrentTask = &shutdown.TaskRef{
			ID:          task.ID,
			Description: task.Description,
			Crisis:      task.Crisis,
		}
	case !errors.Is(err, persistence.ErrTaskNotFound):
		logger.Warn("Active task lookup failed",
			logger.KeyComponent, actorRuntime,
			logger.KeyError, err.Error())
	}
	return snap
}

// stopServices walks the shutdown buckets in ascending order: derived
// workers, adapters, core stores, infrastructure. A bucket fully
// completes (or times out) before the next begins; adapters additionally
// have their run loops drained, and the final audit entries land before
// the core bucket closes the trail.
func (r *Runtime) stopServices(ctx context.Context, reason string) {
	derived, adapters, core, infra := r.stopTargets()

	r.stopBucket(ctx, services.BucketDerived, derived)
	r.stopBucket(ctx, services.BucketAdapter, adapters)
	r.drainRunners(ctx)

	r.mu.Lock()
	startedAt := r.startedAt
	r.mu.Unlock()
	detail := reason
	if !startedAt.IsZero() {
		detail = fmt.Sprintf("%s (up %s)", reason, r.clk.Now().Sub(startedAt).Round(time.Millisecond))
	}
	r.recordAudit(ctx, audit.Entry{
		Action:  audit.ActionRuntimeStopped,
		Actor:   actorRuntime,
		Subject: r.profile.Name,
		Detail:  detail,
	})

	r.stopBucket(ctx, services.BucketCore, core)
	r.stopBucket(ctx, services.BucketInfra, infra)
}

// stopTargets classifies every live registration into its declared
// bucket, deduplicated by provider instance so nothing is stopped
// twice. Adapters that never registered a service are folded into the
// adapter bucket. Order within each list is registration order.
func (r *Runtime) stopTargets() (derived, adapters, core, infra []stopTarget) {
	seen := make(map[any]struct{})
	add := func(list []stopTarget, name string, s services.Stopper) []stopTarget {
		return append(list, stopTarget{name: name, stop: s})
	}

	for _, reg := range r.reg.GetAll() {
		stopper, ok := reg.Provider.(services.Stopper)
		if !ok {
			continue
		}
		if _, dup := seen[reg.Provider]; dup {
			continue
		}
		seen[reg.Provider] = struct{}{}

		switch {
		case reg.Bucket <= services.BucketDerived:
			derived = add(derived, reg.Provider.Name(), stopper)
		case reg.Bucket == services.BucketAdapter:
			adapters = add(adapters, reg.Provider.Name(), stopper)
		case reg.Bucket == services.BucketCore:
			core = add(core, reg.Provider.Name(), stopper)
		default:
			infra = add(infra, reg.Provider.Name(), stopper)
		}
	}

	for _, e := range r.entries {
		if !e.started {
			continue
		}
		if _, dup := seen[e.adapter]; dup {
			continue
		}
		seen[e.adapter] = struct{}{}
		adapters = add(adapters, e.adapter.Name(), e.adapter)
	}
	return derived, adapters, core, infra
}

// stopBucket issues every stop in the bucket concurrently and waits,
// bounded by StopBatchTimeout. On expiry the stragglers are
// force-cancelled; anything still pending after a second bound is
// abandoned. Errors and panics are logged and swallowed: one bad
// service never blocks global shutdown.
func (r *Runtime) stopBucket(ctx context.Context, bucket services.Bucket, targets []stopTarget) {
	if len(targets) == 0 {
		return
	}
	logger.Debug("Stopping service bucket",
		logger.KeyBucket, bucket.String(),
		logger.KeyCount, len(targets))

	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type stopResult struct {
		idx int
		err error
	}
	results := make(chan stopResult, len(targets))
	for i, tgt := range targets {
		go func(idx int, tgt stopTarget) {
			results <- stopResult{idx: idx, err: stopRecovered(stopCtx, tgt.stop)}
		}(i, tgt)
	}

	// Indexed, not keyed by name: two providers sharing a Name() are
	// still distinct stops.
	done := make([]bool, len(targets))

	deadline := r.clk.After(r.stopBatchTimeout)
	forced := false
	for remaining := len(targets); remaining > 0; {
		select {
		case res := <-results:
			remaining--
			done[res.idx] = true
			outcome := "ok"
			if res.err != nil {
				outcome = "error"
				logger.Warn("Service stop failed",
					logger.KeyService, targets[res.idx].name,
					logger.KeyBucket, bucket.String(),
					logger.KeyError, res.err.Error())
			}
			r.rec.ServiceStopped(bucket.String(), outcome)

		case <-deadline:
			if forced {
				for i, tgt := range targets {
					if done[i] {
						continue
					}
					logger.Warn("Abandoning unresponsive service stop",
						logger.KeyService, tgt.name,
						logger.KeyBucket, bucket.String())
					r.rec.ServiceStopped(bucket.String(), "timeout")
				}
				return
			}
			forced = true
			cancel()
			logger.Warn("Service stop batch timed out; cancelling stragglers",
				logger.KeyBucket, bucket.String(),
				logger.KeyCount, remaining)
			deadline = r.clk.After(r.stopBatchTimeout)
		}
	}
}

// drainRunners cancels every adapter run loop and waits for them to
// exit, bounded by StopBatchTimeout, then records the adapter stops.
// Run loops normally exit on their own once the adapter bucket has
// stopped; the cancel covers loops their adapter's Stop did not unblock.
func (r *Runtime) drainRunners(ctx context.Context) {
	for _, e := range r.entries {
		if e.cancel != nil {
			e.cancel()
		}
	}

	var deadline <-chan time.Time
	timedOut := false
	for _, e := range r.entries {
		if !e.started {
			continue
		}
		if e.done != nil {
			if !timedOut {
				if deadline == nil {
					deadline = r.clk.After(r.stopBatchTimeout)
				}
				select {
				case <-e.done:
				case <-deadline:
					timedOut = true
				}
			}
			if timedOut {
				select {
				case <-e.done:
				default:
					logger.Warn("Adapter run loop did not exit",
						logger.KeyAdapter, e.adapter.Name())
				}
			}
		}
		r.rec.AdapterStopped(e.adapter.Name())
		r.recordAudit(ctx, audit.Entry{
			Action:  audit.ActionAdapterStopped,
			Actor:   actorRuntime,
			Subject: e.adapter.Name(),
			Detail:  "kind " + e.adapter.Kind(),
		})
	}
}

// stopRecovered invokes one stop, converting a panic into an error.
func stopRecovered(ctx context.Context, s services.Stopper) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stop panicked: %v", rec)
		}
	}()
	return s.Stop(ctx)
}
