// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package core runs planned key operations across a fleet of hosts.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/sshkey"
)

// SessionPool is what the orchestrator needs from the session layer.
// *deploy.Pool implements it.
type SessionPool interface {
	WithSession(ctx context.Context, host model.Host, fn func(deploy.Session) error) error
}

// EventKind distinguishes state changes from retry notices.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventRetry      EventKind = "retry"
)

// HostEvent is delivered to the Observer for every state change and every
// scheduled reconnect.
type HostEvent struct {
	Kind    EventKind
	Host    model.Host
	Phase   Phase
	From    model.HostState
	To      model.HostState
	Attempt int
	Backoff time.Duration
	Err     error
	Outcome model.HostOutcome
	Time    time.Time
}

// Observer receives events. Calls are serialized.
type Observer func(HostEvent)

// Options tune a run.
type Options struct {
	Retry RetryPolicy
	// DryRun reads every host and evaluates edits without writing.
	DryRun bool
	// RollbackOnFailure undoes a distribute on changed hosts when any host
	// failed.
	RollbackOnFailure bool
	Observer          Observer
}

// Orchestrator executes OperationPlans. It is safe to reuse across runs.
type Orchestrator struct {
	pool SessionPool
	opts Options

	obsMu sync.Mutex
}

// NewOrchestrator returns an orchestrator driving pool.
func NewOrchestrator(pool SessionPool, opts Options) *Orchestrator {
	opts.Retry = opts.Retry.normalized()
	return &Orchestrator{pool: pool, opts: opts}
}

type phaseStates struct {
	connecting, done, failed model.HostState
}

func statesFor(phase Phase) phaseStates {
	if phase == PhaseB {
		return phaseStates{model.StateConnectingB, model.StateSucceeded, model.StateFailedB}
	}
	return phaseStates{model.StateConnectingA, model.StateAppliedA, model.StateFailedA}
}

// Run executes plan and always returns a result. Host failures are recorded
// in their outcomes and never abort other hosts. Cancelling ctx stops new
// attempts; an edit that already started completes.
func (o *Orchestrator) Run(ctx context.Context, plan *OperationPlan) *FleetResult {
	res := newFleetResult(plan, o.opts.DryRun)
	if plan == nil {
		res.setErr(fmt.Errorf("%w: nil plan", ErrPlanInconsistency))
		res.finalize(false)
		return res
	}
	if err := plan.Validate(); err != nil {
		res.setErr(err)
		res.finalize(false)
		return res
	}
	log := logging.L.With("op", string(plan.Kind))
	if len(plan.Hosts) == 0 {
		log.Warn("no hosts in scope, nothing to do")
		res.finalize(ctx.Err() != nil)
		return res
	}
	log.Info("starting run", "hosts", len(plan.Hosts), "target", plan.Target.Fingerprint, "dry_run", o.opts.DryRun)

	o.fanOut(ctx, res, plan.Hosts, PhaseA)

	switch plan.Kind {
	case model.OpRotate:
		// Barrier: phase B starts only after every phase A attempt ended.
		var eligible []HostPlan
		for _, hp := range plan.Hosts {
			if res.state(hp.Host) == model.StateAppliedA {
				eligible = append(eligible, hp)
			}
		}
		log.Debug("phase A complete", "eligible", len(eligible))
		o.fanOut(ctx, res, eligible, PhaseB)
	default:
		o.finishSinglePhase(ctx, res, plan)
	}

	// Anything still open was never reached because of cancellation.
	for _, hp := range plan.Hosts {
		if !res.state(hp.Host).Terminal() {
			o.move(res, hp.Host, PhaseA, model.StateSkipped, nil, func(out *model.HostOutcome) {
				if out.Reason == "" {
					out.Reason = "cancelled"
				}
			})
		}
	}

	res.finalize(ctx.Err() != nil)
	s := res.Summary()
	log.Info("run finished", "status", string(res.Status), "succeeded", s.Succeeded, "failed", s.Failed, "rolled_back", s.RolledBack)
	return res
}

// fanOut runs phase on every host concurrently. Concurrency is bounded by
// the pool.
func (o *Orchestrator) fanOut(ctx context.Context, res *FleetResult, hosts []HostPlan, phase Phase) {
	var wg sync.WaitGroup
	for _, hp := range hosts {
		if ctx.Err() != nil {
			o.skip(res, hp.Host, phase, "cancelled before start")
			continue
		}
		wg.Add(1)
		go func(hp HostPlan) {
			defer wg.Done()
			o.runHost(ctx, res, hp, phase)
		}(hp)
	}
	wg.Wait()
}

func (o *Orchestrator) runHost(ctx context.Context, res *FleetResult, hp HostPlan, phase Phase) {
	action, ok := hp.ActionFor(phase)
	if !ok {
		res.setErr(fmt.Errorf("%w: host %s has no %s action", ErrPlanInconsistency, hp.Host.Key(), phase))
		return
	}
	edit := action.Edit
	if o.opts.DryRun && phase == PhaseB {
		// Nothing was written in phase A; evaluate both edits together.
		if a, ok := hp.ActionFor(PhaseA); ok {
			edit = sshkey.Chain(a.Edit, action.Edit)
		}
	}

	st := statesFor(phase)
	if !o.move(res, hp.Host, phase, st.connecting, nil, nil) {
		return
	}

	var changed bool
	started, err := o.withRetry(ctx, res, hp.Host, phase, func(actx context.Context, s deploy.Session) error {
		var err error
		changed, err = o.apply(actx, s, edit)
		return err
	})

	switch {
	case err == nil:
		o.move(res, hp.Host, phase, st.done, nil, func(out *model.HostOutcome) {
			out.Changed = out.Changed || changed
		})
	case !started && ctx.Err() != nil:
		o.move(res, hp.Host, phase, model.StateSkipped, err, func(out *model.HostOutcome) {
			out.Reason = "cancelled: " + err.Error()
		})
	default:
		o.move(res, hp.Host, phase, st.failed, err, func(out *model.HostOutcome) {
			out.Reason = err.Error()
		})
	}
}

// apply performs edit, or only evaluates it in a dry run.
func (o *Orchestrator) apply(ctx context.Context, s deploy.Session, edit sshkey.EditFunc) (bool, error) {
	if !o.opts.DryRun {
		return s.AtomicApply(ctx, edit)
	}
	entries, err := s.ReadAuthorizedKeys(ctx)
	if err != nil {
		return false, err
	}
	_, changed, err := sshkey.Apply(sshkey.Render(entries), edit)
	return changed, err
}

// withRetry opens a session, reconnecting with backoff on ConnectError only,
// and runs fn inside it. fn gets a context that is never cancelled so a write
// in progress always completes. started reports whether fn was entered.
func (o *Orchestrator) withRetry(ctx context.Context, res *FleetResult, host model.Host, phase Phase, fn func(context.Context, deploy.Session) error) (started bool, err error) {
	policy := o.opts.Retry
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		res.update(host, func(out *model.HostOutcome) { out.Attempts++ })

		err = o.pool.WithSession(ctx, host, func(s deploy.Session) error {
			started = true
			res.update(host, func(out *model.HostOutcome) { out.Liveness = model.LivenessReachable })
			return fn(context.WithoutCancel(ctx), s)
		})
		if started || err == nil {
			return started, err
		}

		var ce *deploy.ConnectError
		if !errors.As(err, &ce) {
			// Acquire interrupted by cancellation.
			return false, err
		}
		res.update(host, func(out *model.HostOutcome) { out.Liveness = model.LivenessUnreachable })
		if attempt >= policy.MaxAttempts {
			return false, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		wait := policy.Backoff(attempt)
		o.emit(HostEvent{Kind: EventRetry, Host: host, Phase: phase, Attempt: attempt, Backoff: wait, Err: err, Time: time.Now()})
		logging.Debugf("connect %s failed (attempt %d/%d), retrying in %s: %v", host.Addr(), attempt, policy.MaxAttempts, wait, err)
		if serr := sleep(ctx, wait); serr != nil {
			return false, fmt.Errorf("%w (last error: %v)", serr, err)
		}
	}
}

// finishSinglePhase settles distribute and revoke hosts, rolling back a
// failed distribute when asked to.
func (o *Orchestrator) finishSinglePhase(ctx context.Context, res *FleetResult, plan *OperationPlan) {
	anyFailed := false
	for _, hp := range plan.Hosts {
		if res.state(hp.Host) != model.StateAppliedA {
			anyFailed = true
			break
		}
	}
	rollback := anyFailed && o.opts.RollbackOnFailure && plan.Kind == model.OpDistribute && !o.opts.DryRun

	var wg sync.WaitGroup
	for _, hp := range plan.Hosts {
		if res.state(hp.Host) != model.StateAppliedA {
			continue
		}
		out, _ := res.Outcome(hp.Host)
		if !rollback || !out.Changed || hp.Rollback == nil || ctx.Err() != nil {
			o.move(res, hp.Host, PhaseA, model.StateSucceeded, nil, nil)
			continue
		}
		wg.Add(1)
		go func(hp HostPlan) {
			defer wg.Done()
			o.rollbackHost(ctx, res, hp)
		}(hp)
	}
	wg.Wait()
}

func (o *Orchestrator) rollbackHost(ctx context.Context, res *FleetResult, hp HostPlan) {
	edit := hp.Rollback.Edit
	started, err := o.withRetry(ctx, res, hp.Host, PhaseA, func(actx context.Context, s deploy.Session) error {
		_, err := s.AtomicApply(actx, edit)
		return err
	})
	switch {
	case err == nil:
		o.move(res, hp.Host, PhaseA, model.StateRolledBack, nil, func(out *model.HostOutcome) {
			out.Reason = "rolled back after fleet failure"
		})
	case !started && ctx.Err() != nil:
		// Rollback never touched the host; the key stays deployed.
		o.move(res, hp.Host, PhaseA, model.StateSucceeded, nil, nil)
	default:
		o.move(res, hp.Host, PhaseA, model.StateFailedA, err, func(out *model.HostOutcome) {
			out.Reason = "rollback failed: " + err.Error()
		})
	}
}

func (o *Orchestrator) skip(res *FleetResult, host model.Host, phase Phase, reason string) {
	o.move(res, host, phase, model.StateSkipped, nil, func(out *model.HostOutcome) { out.Reason = reason })
}

// move applies a transition and notifies the observer. It reports whether
// the transition was legal.
func (o *Orchestrator) move(res *FleetResult, host model.Host, phase Phase, to model.HostState, cause error, mutate func(*model.HostOutcome)) bool {
	from, out, err := res.transition(host, to, func(ho *model.HostOutcome) {
		if to != model.StateSkipped || ho.State != model.StatePending {
			ho.Phase = string(phase)
		}
		if mutate != nil {
			mutate(ho)
		}
	})
	if err != nil {
		logging.Errorf("%v", err)
		res.setErr(err)
		return false
	}
	switch {
	case out.Outcome == model.OutcomeFailed:
		logging.L.Warn("host failed", "host", host.String(), "state", string(to), "reason", out.Reason)
	default:
		logging.Debugf("%s: %s -> %s", host.String(), from, to)
	}
	o.emit(HostEvent{Kind: EventTransition, Host: host, Phase: phase, From: from, To: to, Attempt: out.Attempts, Err: cause, Outcome: out, Time: time.Now()})
	return true
}

func (o *Orchestrator) emit(ev HostEvent) {
	if o.opts.Observer == nil {
		return
	}
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.opts.Observer(ev)
}
