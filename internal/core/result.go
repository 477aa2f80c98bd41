// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
)

// allowed lists the legal successors of every non-terminal state.
var allowed = map[model.HostState][]model.HostState{
	model.StatePending:     {model.StateConnectingA, model.StateSkipped},
	model.StateConnectingA: {model.StateAppliedA, model.StateFailedA, model.StateSkipped},
	model.StateAppliedA:    {model.StateConnectingB, model.StateSucceeded, model.StateRolledBack, model.StateFailedA, model.StateSkipped},
	model.StateConnectingB: {model.StateSucceeded, model.StateFailedB, model.StateSkipped},
}

func canTransition(from, to model.HostState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Summary counts outcomes of a run.
type Summary struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
	Skipped    int `json:"skipped"`
	Changed    int `json:"changed"`
}

// FleetResult collects the outcome of every host of one plan. Outcomes only
// move forward through the state machine and are frozen once terminal.
type FleetResult struct {
	mu sync.Mutex

	Kind        model.OperationKind
	Target      model.KeyIdentity
	Replacement *model.KeyIdentity
	DryRun      bool
	Status      model.FleetStatus
	Cancelled   bool
	StartedAt   time.Time
	FinishedAt  time.Time
	// Err is set only for internal invariant violations.
	Err error

	outcomes []model.HostOutcome
	index    map[string]int
}

func newFleetResult(plan *OperationPlan, dryRun bool) *FleetResult {
	r := &FleetResult{
		DryRun:    dryRun,
		StartedAt: time.Now().UTC(),
		index:     map[string]int{},
	}
	if plan == nil {
		return r
	}
	r.Kind, r.Target, r.Replacement = plan.Kind, plan.Target, plan.Replacement
	r.outcomes = make([]model.HostOutcome, len(plan.Hosts))
	for i, hp := range plan.Hosts {
		r.outcomes[i] = model.HostOutcome{
			Host:     hp.Host,
			State:    model.StatePending,
			Outcome:  model.OutcomePending,
			Liveness: model.LivenessUnknown,
		}
		r.index[hp.Host.Key()] = i
	}
	return r
}

// Outcomes returns a copy of every host outcome in plan order.
func (r *FleetResult) Outcomes() []model.HostOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.HostOutcome(nil), r.outcomes...)
}

// Outcome returns the outcome of host.
func (r *FleetResult) Outcome(host model.Host) (model.HostOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[host.Key()]
	if !ok {
		return model.HostOutcome{}, false
	}
	return r.outcomes[i], true
}

// Summary counts the outcomes.
func (r *FleetResult) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Total: len(r.outcomes)}
	for _, o := range r.outcomes {
		switch o.State {
		case model.StateSucceeded:
			s.Succeeded++
		case model.StateRolledBack:
			s.RolledBack++
		case model.StateSkipped:
			s.Skipped++
		default:
			if o.Outcome == model.OutcomeFailed {
				s.Failed++
			}
		}
		if o.Changed {
			s.Changed++
		}
	}
	return s
}

// transition moves host to state to after applying mutate. It refuses
// illegal or backward moves with ErrPlanInconsistency.
func (r *FleetResult) transition(host model.Host, to model.HostState, mutate func(*model.HostOutcome)) (from model.HostState, out model.HostOutcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[host.Key()]
	if !ok {
		return "", model.HostOutcome{}, fmt.Errorf("%w: host %s not in plan", ErrPlanInconsistency, host.Key())
	}
	o := &r.outcomes[i]
	from = o.State
	if !canTransition(from, to) {
		return from, *o, fmt.Errorf("%w: host %s cannot move %s -> %s", ErrPlanInconsistency, host.Key(), from, to)
	}
	if mutate != nil {
		mutate(o)
	}
	o.State = to
	if to.Terminal() {
		o.Outcome = model.OutcomeFor(to)
	}
	return from, *o, nil
}

// update changes bookkeeping fields of a non-terminal outcome.
func (r *FleetResult) update(host model.Host, mutate func(*model.HostOutcome)) model.HostOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[host.Key()]
	if !ok {
		return model.HostOutcome{}
	}
	o := &r.outcomes[i]
	if !o.State.Terminal() {
		mutate(o)
	}
	return *o
}

func (r *FleetResult) state(host model.Host) model.HostState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[r.index[host.Key()]].State
}

// finalize computes the overall status.
func (r *FleetResult) finalize(cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cancelled = cancelled
	r.FinishedAt = time.Now().UTC()

	succeeded := 0
	for _, o := range r.outcomes {
		if o.State == model.StateSucceeded {
			succeeded++
		}
	}
	switch {
	case r.Err != nil, cancelled, len(r.outcomes) == 0, succeeded == 0:
		r.Status = model.StatusAborted
	case succeeded == len(r.outcomes):
		r.Status = model.StatusCompleteSuccess
	default:
		r.Status = model.StatusPartialFailure
	}
}

// Duration is the wall time of the run.
func (r *FleetResult) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *FleetResult) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err == nil {
		r.Err = err
	}
}
