// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/toeirei/keyfleet/internal/core"
	"github.com/uptrace/bun"
)

// RunRecord is one finished fleet run.
type RunRecord struct {
	bun.BaseModel `bun:"table:runs,alias:r"`

	ID                     string    `bun:"id,pk" json:"id"`
	Operation              string    `bun:"operation" json:"operation"`
	Selector               string    `bun:"selector" json:"selector,omitempty"`
	TargetFingerprint      string    `bun:"target_fingerprint" json:"target_fingerprint"`
	ReplacementFingerprint string    `bun:"replacement_fingerprint" json:"replacement_fingerprint,omitempty"`
	DryRun                 bool      `bun:"dry_run" json:"dry_run"`
	Status                 string    `bun:"status" json:"status"`
	Cancelled              bool      `bun:"cancelled" json:"cancelled"`
	Total                  int       `bun:"total" json:"total"`
	Succeeded              int       `bun:"succeeded" json:"succeeded"`
	Failed                 int       `bun:"failed" json:"failed"`
	RolledBack             int       `bun:"rolled_back" json:"rolled_back"`
	Skipped                int       `bun:"skipped" json:"skipped"`
	Changed                int       `bun:"changed" json:"changed"`
	Error                  string    `bun:"error" json:"error,omitempty"`
	StartedAt              time.Time `bun:"started_at" json:"started_at"`
	FinishedAt             time.Time `bun:"finished_at" json:"finished_at"`

	Hosts []HostRecord `bun:"rel:has-many,join:id=run_id" json:"hosts,omitempty"`
}

// HostRecord is the final outcome of one host within a run.
type HostRecord struct {
	bun.BaseModel `bun:"table:run_hosts,alias:h"`

	ID       int64  `bun:"id,pk,autoincrement" json:"-"`
	RunID    string `bun:"run_id" json:"-"`
	Seq      int    `bun:"seq" json:"-"`
	Host     string `bun:"host" json:"host"`
	Address  string `bun:"address" json:"address"`
	Port     int    `bun:"port" json:"port"`
	User     string `bun:"user_name" json:"user"`
	State    string `bun:"state" json:"state"`
	Outcome  string `bun:"outcome" json:"outcome"`
	Reason   string `bun:"reason" json:"reason,omitempty"`
	Attempts int    `bun:"attempts" json:"attempts"`
	Changed  bool   `bun:"changed" json:"changed"`
	Liveness string `bun:"liveness" json:"liveness"`
}

// Store is the run-history API used by the CLI.
type Store interface {
	RecordRun(ctx context.Context, run *RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	RunMaintenance(ctx context.Context) error
	Close() error
}

var _ Store = (*BunStore)(nil)

// BunStore implements Store for every supported dialect.
type BunStore struct {
	bun    *bun.DB
	dbType string
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// FromResult converts a finished run into a record ready for RecordRun.
func FromResult(runID, selector string, res *core.FleetResult) *RunRecord {
	sum := res.Summary()
	rec := &RunRecord{
		ID:                runID,
		Operation:         string(res.Kind),
		Selector:          selector,
		TargetFingerprint: res.Target.Fingerprint,
		DryRun:            res.DryRun,
		Status:            string(res.Status),
		Cancelled:         res.Cancelled,
		Total:             sum.Total,
		Succeeded:         sum.Succeeded,
		Failed:            sum.Failed,
		RolledBack:        sum.RolledBack,
		Skipped:           sum.Skipped,
		Changed:           sum.Changed,
		StartedAt:         res.StartedAt.UTC(),
		FinishedAt:        res.FinishedAt.UTC(),
	}
	if res.Replacement != nil {
		rec.ReplacementFingerprint = res.Replacement.Fingerprint
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	for i, o := range res.Outcomes() {
		rec.Hosts = append(rec.Hosts, HostRecord{
			RunID:    runID,
			Seq:      i,
			Host:     o.Host.Name,
			Address:  o.Host.Address,
			Port:     o.Host.Port,
			User:     o.Host.Principal,
			State:    string(o.State),
			Outcome:  string(o.Outcome),
			Reason:   o.Reason,
			Attempts: o.Attempts,
			Changed:  o.Changed,
			Liveness: string(o.Liveness),
		})
	}
	return rec
}

// RecordRun appends a run and its host rows in one transaction. Runs are
// never updated; reusing an id yields ErrDuplicate.
func (s *BunStore) RecordRun(ctx context.Context, run *RunRecord) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(run).Exec(ctx); err != nil {
			return err
		}
		if len(run.Hosts) == 0 {
			return nil
		}
		for i := range run.Hosts {
			run.Hosts[i].RunID = run.ID
			run.Hosts[i].Seq = i
		}
		_, err := tx.NewInsert().Model(&run.Hosts).Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, MapDBError(err))
	}
	return nil
}

// ListRuns returns the newest runs first, without host rows. A limit of
// zero or less returns every run.
func (s *BunStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	var runs []RunRecord
	q := s.bun.NewSelect().Model(&runs).Order("started_at DESC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	return runs, nil
}

// GetRun loads one run with its host rows in plan order.
func (s *BunStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	run := new(RunRecord)
	err := s.bun.NewSelect().
		Model(run).
		Relation("Hosts", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("seq ASC")
		}).
		Where("r.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, MapDBError(err))
	}
	return run, nil
}

// Close releases the underlying connection pool.
func (s *BunStore) Close() error {
	return s.bun.Close()
}
