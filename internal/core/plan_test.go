// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"errors"
	"testing"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/sshkey"
)

func TestBuildPlan_Distribute(t *testing.T) {
	k1 := newKey(t, "k1")
	hosts := testHosts(2)
	plan, err := BuildPlan(PlanRequest{Kind: model.OpDistribute, Target: k1, Hosts: hosts})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Hosts) != 2 || len(plan.Phases()) != 1 {
		t.Fatalf("unexpected plan shape: %+v", plan)
	}
	hp := plan.Hosts[0]
	if hp.Actions[0].Kind != ActionEnsurePresent || hp.Actions[0].Fingerprint != k1.Identity.Fingerprint {
		t.Errorf("wrong action: %v", hp.Actions[0])
	}
	if hp.Rollback == nil || hp.Rollback.Kind != ActionRemove {
		t.Errorf("distribute must carry a remove rollback, got %v", hp.Rollback)
	}
	if plan.Hosts[0].Rollback == plan.Hosts[1].Rollback {
		t.Errorf("rollback actions must not be shared between hosts")
	}
}

func TestBuildPlan_Revoke(t *testing.T) {
	k1 := newKey(t, "k1")
	plan, err := BuildPlan(PlanRequest{Kind: model.OpRevoke, Target: k1, Hosts: testHosts(1)})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Hosts[0].Rollback != nil {
		t.Fatalf("revoke must not have a rollback")
	}
	if plan.Hosts[0].Actions[0].Kind != ActionRemove {
		t.Fatalf("wrong action %v", plan.Hosts[0].Actions[0])
	}
}

func TestBuildPlan_Rotate(t *testing.T) {
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	plan, err := BuildPlan(PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2, Hosts: testHosts(3)})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if got := plan.Phases(); len(got) != 2 || got[0] != PhaseA || got[1] != PhaseB {
		t.Fatalf("phases = %v", got)
	}
	for _, hp := range plan.Hosts {
		a, b := hp.Actions[0], hp.Actions[1]
		if a.Kind != ActionEnsurePresent || a.Fingerprint != k2.Identity.Fingerprint {
			t.Errorf("phase A should add the new key: %v", a)
		}
		if b.Kind != ActionRemoveGuarded || b.Fingerprint != k1.Identity.Fingerprint || b.Keep != k2.Identity.Fingerprint {
			t.Errorf("phase B should remove old guarded by new: %v", b)
		}
		if hp.Rollback != nil {
			t.Errorf("rotate has no rollback")
		}
	}
	if plan.Replacement == nil || plan.Replacement.Fingerprint != k2.Identity.Fingerprint {
		t.Fatalf("replacement identity not recorded")
	}

	// Phase B on a host without the new key is refused by the edit itself.
	entries := sshkey.ParseContent([]byte(k1.AuthorizedKey + "\n"))
	if _, err := plan.Hosts[0].Actions[1].Edit(entries); !errors.Is(err, sshkey.ErrLockoutGuard) {
		t.Fatalf("expected lockout guard, got %v", err)
	}
}

func TestBuildPlan_Errors(t *testing.T) {
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	same := k1
	tests := []struct {
		name string
		req  PlanRequest
		want error
	}{
		{"same key", PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &same}, ErrSameKey},
		{"missing replacement", PlanRequest{Kind: model.OpRotate, Target: k1}, ErrPlanInconsistency},
		{"no fingerprint", PlanRequest{Kind: model.OpDistribute}, ErrPlanInconsistency},
		{"unknown kind", PlanRequest{Kind: "explode", Target: k2}, ErrPlanInconsistency},
		{"duplicate host", PlanRequest{Kind: model.OpDistribute, Target: k1, Hosts: append(testHosts(1), testHosts(1)...)}, ErrPlanInconsistency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildPlan(tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuildPlan_ZeroHostsIsValid(t *testing.T) {
	plan, err := BuildPlan(PlanRequest{Kind: model.OpDistribute, Target: newKey(t, "k")})
	if err != nil || len(plan.Hosts) != 0 {
		t.Fatalf("zero-host plan should be valid: %v %v", plan, err)
	}
}

func TestValidate_RejectsRemoveBeforeAdd(t *testing.T) {
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	plan, err := BuildPlan(PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2, Hosts: testHosts(1)})
	if err != nil {
		t.Fatal(err)
	}
	hp := &plan.Hosts[0]
	hp.Actions[0], hp.Actions[1] = hp.Actions[1], hp.Actions[0]
	if err := plan.Validate(); !errors.Is(err, ErrPlanInconsistency) {
		t.Fatalf("expected inconsistency, got %v", err)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
	if n := (RetryPolicy{}).normalized(); n.MaxAttempts != 3 || n.Multiplier != 2 {
		t.Errorf("zero policy not normalized: %+v", n)
	}
}
