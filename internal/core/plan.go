// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"errors"
	"fmt"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/sshkey"
)

var (
	// ErrPlanInconsistency marks an internal invariant violation. It should
	// never be seen in correct operation.
	ErrPlanInconsistency = errors.New("plan inconsistency")
	// ErrSameKey is returned when rotating a key onto itself.
	ErrSameKey = errors.New("old and new key are the same")
)

// Phase identifies one fan-out stage of a plan.
type Phase string

const (
	PhaseA Phase = "A"
	PhaseB Phase = "B"
)

// ActionKind describes what an action does to a host's authorized_keys.
type ActionKind string

const (
	ActionEnsurePresent ActionKind = "ensure-present"
	ActionRemove        ActionKind = "remove"
	ActionRemoveGuarded ActionKind = "remove-guarded"
)

// Action is one pure edit applied to a host during a phase.
type Action struct {
	Phase       Phase
	Kind        ActionKind
	Fingerprint string
	// Keep is the fingerprint that must stay present for remove-guarded.
	Keep string
	Edit sshkey.EditFunc `json:"-"`
}

func (a Action) String() string {
	if a.Kind == ActionRemoveGuarded {
		return fmt.Sprintf("%s(%s, keep %s)", a.Kind, a.Fingerprint, a.Keep)
	}
	return fmt.Sprintf("%s(%s)", a.Kind, a.Fingerprint)
}

// HostPlan is the ordered action list of one host plus its optional rollback.
type HostPlan struct {
	Host     model.Host
	Actions  []Action
	Rollback *Action
}

// OperationPlan is the full description of one run.
type OperationPlan struct {
	Kind        model.OperationKind
	Target      model.KeyIdentity
	Replacement *model.KeyIdentity
	Hosts       []HostPlan
}

// Phases returns the phases in execution order.
func (p *OperationPlan) Phases() []Phase {
	if p.Kind == model.OpRotate {
		return []Phase{PhaseA, PhaseB}
	}
	return []Phase{PhaseA}
}

// PlanRequest is the input to BuildPlan.
type PlanRequest struct {
	Kind        model.OperationKind
	Target      model.PublicKey
	Replacement *model.PublicKey
	Hosts       []model.Host
	// Options are authorized_keys options written with a newly added entry.
	Options []string
}

// BuildPlan translates an operation over a key into per-host actions. It is
// pure and performs no I/O.
func BuildPlan(req PlanRequest) (*OperationPlan, error) {
	if req.Target.Identity.Fingerprint == "" {
		return nil, fmt.Errorf("%w: target key has no fingerprint", ErrPlanInconsistency)
	}
	plan := &OperationPlan{Kind: req.Kind, Target: req.Target.Identity}

	var actions []Action
	var rollback *Action
	switch req.Kind {
	case model.OpDistribute:
		actions = []Action{ensurePresent(PhaseA, req.Target, req.Options)}
		rb := remove(PhaseA, req.Target.Identity.Fingerprint)
		rollback = &rb
	case model.OpRevoke:
		// Revocation is never undone within a run.
		actions = []Action{remove(PhaseA, req.Target.Identity.Fingerprint)}
	case model.OpRotate:
		if req.Replacement == nil || req.Replacement.Identity.Fingerprint == "" {
			return nil, fmt.Errorf("%w: rotate needs a replacement key", ErrPlanInconsistency)
		}
		if req.Replacement.Identity.Same(req.Target.Identity) {
			return nil, ErrSameKey
		}
		repl := req.Replacement.Identity
		plan.Replacement = &repl
		oldFP, newFP := req.Target.Identity.Fingerprint, repl.Fingerprint
		actions = []Action{
			ensurePresent(PhaseA, *req.Replacement, req.Options),
			{
				Phase:       PhaseB,
				Kind:        ActionRemoveGuarded,
				Fingerprint: oldFP,
				Keep:        newFP,
				Edit:        sshkey.RemoveGuarded(oldFP, newFP),
			},
		}
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrPlanInconsistency, req.Kind)
	}

	plan.Hosts = make([]HostPlan, 0, len(req.Hosts))
	for _, h := range req.Hosts {
		hp := HostPlan{Host: h, Actions: append([]Action(nil), actions...)}
		if rollback != nil {
			rb := *rollback
			hp.Rollback = &rb
		}
		plan.Hosts = append(plan.Hosts, hp)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func ensurePresent(phase Phase, pub model.PublicKey, options []string) Action {
	return Action{
		Phase:       phase,
		Kind:        ActionEnsurePresent,
		Fingerprint: pub.Identity.Fingerprint,
		Edit:        sshkey.EnsurePresent(pub, options),
	}
}

func remove(phase Phase, fp string) Action {
	return Action{Phase: phase, Kind: ActionRemove, Fingerprint: fp, Edit: sshkey.Remove(fp)}
}

// Validate checks the structural invariants the orchestrator relies on.
func (p *OperationPlan) Validate() error {
	seen := make(map[string]bool, len(p.Hosts))
	for _, hp := range p.Hosts {
		key := hp.Host.Key()
		if seen[key] {
			return fmt.Errorf("%w: host %s planned twice", ErrPlanInconsistency, key)
		}
		seen[key] = true

		if len(hp.Actions) != len(p.Phases()) {
			return fmt.Errorf("%w: host %s has %d actions for %d phases", ErrPlanInconsistency, key, len(hp.Actions), len(p.Phases()))
		}
		for i, ph := range p.Phases() {
			a := hp.Actions[i]
			if a.Phase != ph || a.Edit == nil {
				return fmt.Errorf("%w: host %s action %d out of order", ErrPlanInconsistency, key, i)
			}
		}
		if p.Kind == model.OpRotate {
			a, b := hp.Actions[0], hp.Actions[1]
			if a.Kind != ActionEnsurePresent || b.Kind != ActionRemoveGuarded || b.Keep != a.Fingerprint {
				return fmt.Errorf("%w: host %s removes before adding", ErrPlanInconsistency, key)
			}
			if hp.Rollback != nil {
				return fmt.Errorf("%w: rotate has no rollback", ErrPlanInconsistency)
			}
		}
		if p.Kind == model.OpRevoke && hp.Rollback != nil {
			return fmt.Errorf("%w: revoke has no rollback", ErrPlanInconsistency)
		}
	}
	return nil
}

// ActionFor returns the action of hp for phase.
func (hp HostPlan) ActionFor(phase Phase) (Action, bool) {
	for _, a := range hp.Actions {
		if a.Phase == phase {
			return a, true
		}
	}
	return Action{}, false
}
