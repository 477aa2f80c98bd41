// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	genssh "github.com/toeirei/keyfleet/internal/crypto/ssh"
	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/sshkey"
	"github.com/toeirei/keyfleet/internal/testutil"
)

func newKey(t *testing.T, label string) model.PublicKey {
	t.Helper()
	pair, err := genssh.Generate(genssh.AlgorithmEd25519, 0, label)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return pair.Public
}

func testHosts(n int) []model.Host {
	hosts := make([]model.Host, n)
	for i := range hosts {
		hosts[i] = model.Host{
			Name:      fmt.Sprintf("h%d", i+1),
			Address:   fmt.Sprintf("10.0.0.%d", i+1),
			Port:      22,
			Principal: "root",
		}
	}
	return hosts
}

// noSleep replaces the backoff wait and records requested durations.
func noSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var mu sync.Mutex
	waits := []time.Duration{}
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &waits
}

type harness struct {
	t      *testing.T
	fleet  *testutil.Fleet
	hosts  []model.Host
	events []HostEvent
	mu     sync.Mutex
}

func newHarness(t *testing.T, contents ...string) *harness {
	h := &harness{t: t, fleet: testutil.NewFleet(), hosts: testHosts(len(contents))}
	for i, c := range contents {
		h.fleet.AddHost(h.hosts[i], c)
	}
	return h
}

func (h *harness) run(ctx context.Context, req PlanRequest, opts Options, concurrency int) *FleetResult {
	h.t.Helper()
	if req.Hosts == nil {
		req.Hosts = h.hosts
	}
	plan, err := BuildPlan(req)
	if err != nil {
		h.t.Fatalf("BuildPlan: %v", err)
	}
	opts.Observer = func(ev HostEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
	res := NewOrchestrator(deploy.NewPool(h.fleet, concurrency), opts).Run(ctx, plan)
	if res.Err != nil {
		h.t.Fatalf("unexpected internal error: %v", res.Err)
	}
	return res
}

func line(k model.PublicKey) string { return k.AuthorizedKey + "\n" }

func expectState(t *testing.T, res *FleetResult, host model.Host, want model.HostState) model.HostOutcome {
	t.Helper()
	out, ok := res.Outcome(host)
	if !ok {
		t.Fatalf("no outcome for %s", host)
	}
	if out.State != want {
		t.Fatalf("%s: state %s (%s), want %s", host.Name, out.State, out.Reason, want)
	}
	return out
}

func TestRun_DistributeIsIdempotent(t *testing.T) {
	noSleep(t)
	k1 := newKey(t, "k1")
	h := newHarness(t, "", line(k1), line(k1)+"# other\n"+line(k1))
	req := PlanRequest{Kind: model.OpDistribute, Target: k1}

	first := h.run(context.Background(), req, Options{}, 2)
	if first.Status != model.StatusCompleteSuccess {
		t.Fatalf("status = %s", first.Status)
	}
	contentAfterFirst := make([]string, len(h.hosts))
	for i, host := range h.hosts {
		if n := h.fleet.Count(host, k1.Identity.Fingerprint); n != 1 {
			t.Fatalf("%s has %d entries for the key, want exactly 1", host.Name, n)
		}
		contentAfterFirst[i] = h.fleet.Content(host)
	}
	if out := expectState(t, first, h.hosts[1], model.StateSucceeded); out.Changed {
		t.Errorf("host already holding the key must not be rewritten")
	}

	second := h.run(context.Background(), req, Options{}, 2)
	if second.Status != first.Status {
		t.Fatalf("second run status %s != %s", second.Status, first.Status)
	}
	a, b := first.Outcomes(), second.Outcomes()
	for i := range a {
		if a[i].State != b[i].State || a[i].Outcome != b[i].Outcome || a[i].Reason != b[i].Reason {
			t.Errorf("outcome %d differs: %+v vs %+v", i, a[i], b[i])
		}
		if b[i].Changed {
			t.Errorf("second run changed %s", h.hosts[i].Name)
		}
		if got := h.fleet.Content(h.hosts[i]); got != contentAfterFirst[i] {
			t.Errorf("second run modified %s", h.hosts[i].Name)
		}
	}
}

func TestRun_RotateWithOneUnreachableHost(t *testing.T) {
	waits := noSleep(t)
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1), line(k1), line(k1), line(k1), line(k1))
	bad := h.hosts[2]
	h.fleet.Configure(bad, func(fh *testutil.FakeHost) { fh.DialFailures = -1 })

	res := h.run(context.Background(), PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2}, Options{}, 3)

	if res.Status != model.StatusPartialFailure {
		t.Fatalf("status = %s, want partial-failure", res.Status)
	}
	for _, host := range h.hosts {
		if host.Key() == bad.Key() {
			continue
		}
		expectState(t, res, host, model.StateSucceeded)
		if h.fleet.Count(host, k2.Identity.Fingerprint) != 1 || h.fleet.Count(host, k1.Identity.Fingerprint) != 0 {
			t.Errorf("%s should hold only k2:\n%s", host.Name, h.fleet.Content(host))
		}
	}
	out := expectState(t, res, bad, model.StateFailedA)
	if out.Attempts != 3 || out.Liveness != model.LivenessUnreachable {
		t.Errorf("unreachable host: attempts=%d liveness=%s", out.Attempts, out.Liveness)
	}
	if h.fleet.Count(bad, k1.Identity.Fingerprint) != 1 || h.fleet.Count(bad, k2.Identity.Fingerprint) != 0 {
		t.Errorf("failed host must be untouched:\n%s", h.fleet.Content(bad))
	}
	// Ordering law: no edit ever reached the failed host.
	for _, op := range h.fleet.Ops(bad) {
		if op == "apply" {
			t.Fatalf("phase B scheduled on host whose phase A failed")
		}
	}
	for _, ev := range h.events {
		if ev.Host.Key() == bad.Key() && ev.Phase == PhaseB {
			t.Fatalf("phase B event for failed host: %+v", ev)
		}
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Errorf("backoff waits = %v, want [1s 2s]", *waits)
	}
}

func TestRun_RotatePhaseBWriteFailure(t *testing.T) {
	noSleep(t)
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1), line(k1), line(k1))
	h.fleet.Configure(h.hosts[1], func(fh *testutil.FakeHost) { fh.FailApply[2] = fmt.Errorf("no space left on device") })

	res := h.run(context.Background(), PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2}, Options{}, 3)

	if res.Status != model.StatusPartialFailure {
		t.Fatalf("status = %s", res.Status)
	}
	for _, i := range []int{0, 2} {
		expectState(t, res, h.hosts[i], model.StateSucceeded)
		if h.fleet.Count(h.hosts[i], k1.Identity.Fingerprint) != 0 || h.fleet.Count(h.hosts[i], k2.Identity.Fingerprint) != 1 {
			t.Errorf("%s should hold only k2", h.hosts[i].Name)
		}
	}
	out := expectState(t, res, h.hosts[1], model.StateFailedB)
	if out.Attempts != 2 {
		t.Errorf("write failures are not retried: attempts=%d, want one per phase", out.Attempts)
	}
	if h.fleet.Count(h.hosts[1], k1.Identity.Fingerprint) != 1 || h.fleet.Count(h.hosts[1], k2.Identity.Fingerprint) != 1 {
		t.Errorf("host 2 should keep both keys:\n%s", h.fleet.Content(h.hosts[1]))
	}
}

func TestRun_EmptySelectionAbortsWithoutContact(t *testing.T) {
	h := newHarness(t, "", "")
	res := h.run(context.Background(), PlanRequest{Kind: model.OpDistribute, Target: newKey(t, "k"), Hosts: []model.Host{}}, Options{}, 2)
	if res.Status != model.StatusAborted {
		t.Fatalf("status = %s, want aborted", res.Status)
	}
	if h.fleet.Contacts() != 0 {
		t.Fatalf("expected zero host contacts, got %d", h.fleet.Contacts())
	}
}

func TestRun_RevokeAbsentKeyIsNoop(t *testing.T) {
	k1, other := newKey(t, "k1"), newKey(t, "other")
	h := newHarness(t, line(other), "")
	res := h.run(context.Background(), PlanRequest{Kind: model.OpRevoke, Target: k1}, Options{}, 2)
	if res.Status != model.StatusCompleteSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	for _, host := range h.hosts {
		if out := expectState(t, res, host, model.StateSucceeded); out.Changed {
			t.Errorf("%s changed on no-op revoke", host.Name)
		}
	}
	if h.fleet.Content(h.hosts[0]) != line(other) {
		t.Fatalf("foreign key touched")
	}
}

func TestRun_RevokeRemovesEveryCopy(t *testing.T) {
	k1 := newKey(t, "k1")
	h := newHarness(t, line(k1)+"# keep\n"+line(k1))
	res := h.run(context.Background(), PlanRequest{Kind: model.OpRevoke, Target: k1}, Options{}, 1)
	expectState(t, res, h.hosts[0], model.StateSucceeded)
	if h.fleet.Count(h.hosts[0], k1.Identity.Fingerprint) != 0 || h.fleet.Content(h.hosts[0]) != "# keep\n" {
		t.Fatalf("unexpected content %q", h.fleet.Content(h.hosts[0]))
	}
}

func TestRun_RotateNeverLocksOut(t *testing.T) {
	noSleep(t)
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1), line(k1)+line(k2), line(k1), "# unmanaged\n"+line(k1))
	h.fleet.Configure(h.hosts[2], func(fh *testutil.FakeHost) { fh.FailApply[1] = nil })
	h.fleet.Configure(h.hosts[3], func(fh *testutil.FakeHost) { fh.FailApply[2] = nil })

	h.run(context.Background(), PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2}, Options{}, 4)

	for _, host := range h.hosts {
		for i, snap := range h.fleet.Snapshots(host) {
			entries := sshkey.ParseContent(snap)
			if sshkey.Count(entries, k1.Identity.Fingerprint)+sshkey.Count(entries, k2.Identity.Fingerprint) == 0 {
				t.Fatalf("%s snapshot %d holds neither key:\n%s", host.Name, i, snap)
			}
		}
	}
}

func TestRun_PhaseBarrier(t *testing.T) {
	noSleep(t)
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1), line(k1), line(k1), line(k1))
	h.fleet.Configure(h.hosts[0], func(fh *testutil.FakeHost) { fh.ApplyDelay = 30 * time.Millisecond })

	h.run(context.Background(), PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2}, Options{}, 4)

	lastA, firstB := -1, -1
	for i, ev := range h.events {
		if ev.Kind != EventTransition {
			continue
		}
		if ev.Phase == PhaseA && (ev.To == model.StateAppliedA || ev.To == model.StateFailedA) {
			lastA = i
		}
		if ev.Phase == PhaseB && firstB < 0 {
			firstB = i
		}
	}
	if firstB < 0 || lastA > firstB {
		t.Fatalf("phase B started before phase A finished (lastA=%d firstB=%d)", lastA, firstB)
	}
}

func TestRun_RetriesOnlyConnectErrors(t *testing.T) {
	waits := noSleep(t)
	k1 := newKey(t, "k1")
	h := newHarness(t, "", "", "")
	h.fleet.Configure(h.hosts[0], func(fh *testutil.FakeHost) { fh.DialFailures = 2 })
	h.fleet.Configure(h.hosts[1], func(fh *testutil.FakeHost) { fh.FailApply[1] = fmt.Errorf("read-only file system") })
	h.fleet.Configure(h.hosts[2], func(fh *testutil.FakeHost) { fh.FailRead = fmt.Errorf("permission denied") })

	res := h.run(context.Background(), PlanRequest{Kind: model.OpDistribute, Target: k1}, Options{}, 3)

	if out := expectState(t, res, h.hosts[0], model.StateSucceeded); out.Attempts != 3 || out.Liveness != model.LivenessReachable {
		t.Errorf("flaky host: attempts=%d liveness=%s", out.Attempts, out.Liveness)
	}
	if out := expectState(t, res, h.hosts[1], model.StateFailedA); out.Attempts != 1 {
		t.Errorf("write failure retried: attempts=%d", out.Attempts)
	}
	if out := expectState(t, res, h.hosts[2], model.StateFailedA); out.Attempts != 1 {
		t.Errorf("read failure retried: attempts=%d", out.Attempts)
	}
	if len(*waits) != 2 {
		t.Errorf("expected two backoff waits, got %v", *waits)
	}
	if res.Status != model.StatusPartialFailure {
		t.Errorf("status = %s", res.Status)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1), line(k2))
	before := []string{h.fleet.Content(h.hosts[0]), h.fleet.Content(h.hosts[1])}

	res := h.run(context.Background(), PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2}, Options{DryRun: true}, 2)

	if res.Status != model.StatusCompleteSuccess || !res.DryRun {
		t.Fatalf("status = %s dry=%v", res.Status, res.DryRun)
	}
	if out := expectState(t, res, h.hosts[0], model.StateSucceeded); !out.Changed {
		t.Errorf("dry run should report the pending change")
	}
	if out := expectState(t, res, h.hosts[1], model.StateSucceeded); out.Changed {
		t.Errorf("host already rotated should report no change")
	}
	for i, host := range h.hosts {
		if h.fleet.Content(host) != before[i] {
			t.Fatalf("dry run modified %s", host.Name)
		}
		for _, op := range h.fleet.Ops(host) {
			if op == "apply" {
				t.Fatalf("dry run called apply on %s", host.Name)
			}
		}
	}
}

func TestRun_RollbackOnFailure(t *testing.T) {
	noSleep(t)
	k1 := newKey(t, "k1")
	h := newHarness(t, "# a\n", line(k1), "# c\n")
	h.fleet.Configure(h.hosts[2], func(fh *testutil.FakeHost) { fh.DialFailures = -1 })

	res := h.run(context.Background(), PlanRequest{Kind: model.OpDistribute, Target: k1}, Options{RollbackOnFailure: true}, 3)

	expectState(t, res, h.hosts[0], model.StateRolledBack)
	if h.fleet.Content(h.hosts[0]) != "# a\n" {
		t.Errorf("rollback did not restore host 1: %q", h.fleet.Content(h.hosts[0]))
	}
	expectState(t, res, h.hosts[1], model.StateSucceeded)
	if h.fleet.Count(h.hosts[1], k1.Identity.Fingerprint) != 1 {
		t.Errorf("pre-existing key must not be rolled back")
	}
	expectState(t, res, h.hosts[2], model.StateFailedA)
	if res.Status != model.StatusPartialFailure {
		t.Errorf("status = %s", res.Status)
	}
	if s := res.Summary(); s.RolledBack != 1 || s.Succeeded != 1 || s.Failed != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, "", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.run(ctx, PlanRequest{Kind: model.OpDistribute, Target: newKey(t, "k")}, Options{}, 2)
	if res.Status != model.StatusAborted || !res.Cancelled {
		t.Fatalf("status = %s cancelled=%v", res.Status, res.Cancelled)
	}
	for _, host := range h.hosts {
		expectState(t, res, host, model.StateSkipped)
	}
	for _, o := range res.Outcomes() {
		if o.Phase != "" {
			t.Errorf("%s never started but records phase %q", o.Host.Name, o.Phase)
		}
	}
	if h.fleet.Contacts() != 0 {
		t.Fatalf("cancelled run contacted hosts")
	}
}

func TestRun_CancelBetweenPhasesRecordsPhaseB(t *testing.T) {
	noSleep(t)
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1), line(k1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plan, err := BuildPlan(PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2, Hosts: h.hosts})
	if err != nil {
		t.Fatal(err)
	}
	applied := 0
	opts := Options{Observer: func(ev HostEvent) {
		if ev.Kind == EventTransition && ev.To == model.StateAppliedA {
			if applied++; applied == len(h.hosts) {
				cancel()
			}
		}
	}}
	res := NewOrchestrator(deploy.NewPool(h.fleet, 2), opts).Run(ctx, plan)

	for _, host := range h.hosts {
		out := expectState(t, res, host, model.StateSkipped)
		if out.Phase != string(PhaseB) {
			t.Errorf("%s: phase = %q, want B", host.Name, out.Phase)
		}
		if h.fleet.Count(host, k1.Identity.Fingerprint) != 1 || h.fleet.Count(host, k2.Identity.Fingerprint) != 1 {
			t.Errorf("%s should hold both keys after a phase B skip", host.Name)
		}
	}
}

func TestRun_CancelDuringApplyLetsWriteFinish(t *testing.T) {
	noSleep(t)
	k1 := newKey(t, "k1")
	h := newHarness(t, "", "", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plan, err := BuildPlan(PlanRequest{Kind: model.OpDistribute, Target: k1, Hosts: h.hosts})
	if err != nil {
		t.Fatal(err)
	}
	// The first session cancels the run before its edit starts.
	pool := &signalPool{SessionPool: deploy.NewPool(h.fleet, 1), onSession: cancel}
	res := NewOrchestrator(pool, Options{}).Run(ctx, plan)

	if res.Status != model.StatusAborted {
		t.Fatalf("status = %s", res.Status)
	}
	written := 0
	for _, o := range res.Outcomes() {
		switch o.State {
		case model.StateSucceeded:
			written++
			if h.fleet.Count(o.Host, k1.Identity.Fingerprint) != 1 {
				t.Errorf("%s succeeded without the key", o.Host.Name)
			}
		case model.StateSkipped:
			if h.fleet.Content(o.Host) != "" {
				t.Errorf("skipped host %s was modified", o.Host.Name)
			}
		default:
			t.Errorf("unexpected state %s for %s", o.State, o.Host.Name)
		}
	}
	if written != 1 {
		t.Fatalf("expected exactly the in-flight write to complete, got %d", written)
	}
}

// signalPool calls onSession when a session is handed to the orchestrator.
type signalPool struct {
	SessionPool
	onSession func()
}

func (p *signalPool) WithSession(ctx context.Context, host model.Host, fn func(deploy.Session) error) error {
	return p.SessionPool.WithSession(ctx, host, func(s deploy.Session) error {
		p.onSession()
		return fn(s)
	})
}

func TestRun_RespectsConcurrencyBound(t *testing.T) {
	contents := make([]string, 10)
	h := newHarness(t, contents...)
	for _, host := range h.hosts {
		h.fleet.Configure(host, func(fh *testutil.FakeHost) { fh.ApplyDelay = 5 * time.Millisecond })
	}
	res := h.run(context.Background(), PlanRequest{Kind: model.OpDistribute, Target: newKey(t, "k")}, Options{}, 2)
	if res.Status != model.StatusCompleteSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if got := h.fleet.MaxOpen(); got > 2 || got < 1 {
		t.Fatalf("max open sessions = %d, want <= 2", got)
	}
}

func TestRun_TransitionsAreMonotonic(t *testing.T) {
	noSleep(t)
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1), line(k1), line(k1))
	h.fleet.Configure(h.hosts[0], func(fh *testutil.FakeHost) { fh.DialFailures = -1 })
	h.fleet.Configure(h.hosts[1], func(fh *testutil.FakeHost) { fh.FailApply[2] = nil })
	h.run(context.Background(), PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2}, Options{}, 3)

	last := map[string]model.HostState{}
	for _, ev := range h.events {
		if ev.Kind != EventTransition {
			continue
		}
		prev, ok := last[ev.Host.Key()]
		if !ok {
			prev = model.StatePending
		}
		if ev.From != prev {
			t.Fatalf("%s: event from %s but last state was %s", ev.Host.Name, ev.From, prev)
		}
		if prev.Terminal() {
			t.Fatalf("%s moved out of terminal state %s", ev.Host.Name, prev)
		}
		last[ev.Host.Key()] = ev.To
	}
	for _, host := range h.hosts {
		if !last[host.Key()].Terminal() {
			t.Errorf("%s ended in non-terminal state %s", host.Name, last[host.Key()])
		}
	}
}

func TestRun_NilPlanIsInconsistency(t *testing.T) {
	res := NewOrchestrator(deploy.NewPool(testutil.NewFleet(), 1), Options{}).Run(context.Background(), nil)
	if res.Status != model.StatusAborted || res.Err == nil {
		t.Fatalf("expected aborted with error, got %s / %v", res.Status, res.Err)
	}
}

func TestRun_NoLockoutAcrossSnapshotsOnSuccess(t *testing.T) {
	// Every successful rotation step leaves content where the new key
	// appeared strictly before the old key vanished.
	noSleep(t)
	k1, k2 := newKey(t, "k1"), newKey(t, "k2")
	h := newHarness(t, line(k1))
	h.run(context.Background(), PlanRequest{Kind: model.OpRotate, Target: k1, Replacement: &k2}, Options{}, 1)

	snaps := h.fleet.Snapshots(h.hosts[0])
	if len(snaps) != 3 {
		t.Fatalf("expected initial, phase A and phase B snapshots, got %d", len(snaps))
	}
	mid := sshkey.ParseContent(snaps[1])
	if sshkey.Count(mid, k1.Identity.Fingerprint) != 1 || sshkey.Count(mid, k2.Identity.Fingerprint) != 1 {
		t.Fatalf("intermediate state should hold both keys:\n%s", snaps[1])
	}
	if !bytes.Equal(snaps[2], []byte(line(k2))) {
		t.Fatalf("final content = %q", snaps[2])
	}
}
