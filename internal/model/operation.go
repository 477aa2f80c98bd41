// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "fmt"

// OperationKind names one of the fleet operations.
type OperationKind string

const (
	OpDistribute OperationKind = "distribute"
	OpRotate     OperationKind = "rotate"
	OpRevoke     OperationKind = "revoke"
)

// ParseOperationKind validates a user supplied operation name.
func ParseOperationKind(s string) (OperationKind, error) {
	switch OperationKind(s) {
	case OpDistribute, OpRotate, OpRevoke:
		return OperationKind(s), nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// HostState is the position of one host in the per-run state machine.
type HostState string

const (
	StatePending     HostState = "pending"
	StateConnectingA HostState = "connecting-a"
	StateAppliedA    HostState = "applied-a"
	StateConnectingB HostState = "connecting-b"
	StateSucceeded   HostState = "succeeded"
	StateFailedA     HostState = "failed-a"
	StateFailedB     HostState = "failed-b"
	StateSkipped     HostState = "skipped"
	StateRolledBack  HostState = "rolled-back"
)

// Terminal reports whether no further transition is allowed from s.
func (s HostState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedA, StateFailedB, StateSkipped, StateRolledBack:
		return true
	}
	return false
}

// OutcomeKind is the coarse result of one host within one run.
type OutcomeKind string

const (
	OutcomePending    OutcomeKind = "pending"
	OutcomeSucceeded  OutcomeKind = "succeeded"
	OutcomeFailed     OutcomeKind = "failed"
	OutcomeRolledBack OutcomeKind = "rolled-back"
)

// OutcomeFor maps a terminal state onto its outcome.
func OutcomeFor(s HostState) OutcomeKind {
	switch s {
	case StateSucceeded:
		return OutcomeSucceeded
	case StateFailedA, StateFailedB, StateSkipped:
		return OutcomeFailed
	case StateRolledBack:
		return OutcomeRolledBack
	}
	return OutcomePending
}

// HostOutcome records what happened to one host. It is immutable once its
// State is terminal.
type HostOutcome struct {
	Host  Host      `json:"host"`
	State HostState `json:"state"`
	// Phase is the phase of the last transition ("A" or "B"). It stays
	// empty for a host skipped before it was ever contacted.
	Phase    string      `json:"phase,omitempty"`
	Outcome  OutcomeKind `json:"outcome"`
	Reason   string      `json:"reason,omitempty"`
	Attempts int         `json:"attempts"`
	Changed  bool        `json:"changed"`
	Liveness Liveness    `json:"liveness"`
}

// FleetStatus is the overall result of one run.
type FleetStatus string

const (
	StatusCompleteSuccess FleetStatus = "complete-success"
	StatusPartialFailure  FleetStatus = "partial-failure"
	StatusAborted         FleetStatus = "aborted"
)
