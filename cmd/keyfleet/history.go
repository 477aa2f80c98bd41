// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/i18n"
)

// openStore opens the configured history database, creating the parent
// directory of a SQLite file on first use.
func (a *app) openStore() (db.Store, error) {
	dsn := a.cfg.Database.Dsn
	if a.cfg.Database.Type == db.TypeSQLite && !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create history directory: %w", err)
			}
		}
	}
	return db.NewStoreFromDSN(a.cfg.Database.Type, dsn)
}

func (a *app) newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), a.cfg.History.Limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.stdout, i18n.T("history.empty"))
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", i18n.T("history.col_id"), i18n.T("history.col_started"), i18n.T("history.col_op"), i18n.T("history.col_status"), i18n.T("history.col_hosts"))
			for _, r := range runs {
				status := r.Status
				if r.DryRun {
					status += " (dry run)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\n", r.ID, r.StartedAt.Local().Format(time.DateTime), r.Operation, status, r.Succeeded, r.Total)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to list (0 for all)")
	cmd.AddCommand(a.newHistoryShowCmd(), a.newHistoryExportCmd(), a.newHistoryMaintainCmd())
	return cmd
}

func (a *app) newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the per-host outcomes of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			r, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "run %s: %s %s\n", r.ID, r.Operation, r.TargetFingerprint)
			if r.ReplacementFingerprint != "" {
				fmt.Fprintf(a.stdout, "replacement: %s\n", r.ReplacementFingerprint)
			}
			if r.Selector != "" {
				fmt.Fprintf(a.stdout, "selector: %s\n", r.Selector)
			}
			fmt.Fprintf(a.stdout, "status: %s, started %s, took %s\n", r.Status, r.StartedAt.Local().Format(time.DateTime), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", i18n.T("report.col_host"), i18n.T("report.col_outcome"), i18n.T("report.col_changed"), i18n.T("report.col_attempts"), i18n.T("report.col_detail"))
			for _, h := range r.Hosts {
				changed := i18n.T("report.no")
				if h.Changed {
					changed = i18n.T("report.yes")
				}
				fmt.Fprintf(tw, "%s@%s:%d\t%s\t%s\t%d\t%s\n", h.User, h.Address, h.Port, h.State, changed, h.Attempts, h.Reason)
			}
			return tw.Flush()
		},
	}
}

func (a *app) newHistoryExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every run as zstd-compressed JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			n, err := db.Export(cmd.Context(), store, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, i18n.T("history.exported", n, out))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "keyfleet-history.jsonl.zst", "output file")
	return cmd
}

func (a *app) newHistoryMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run database housekeeping (vacuum, optimize)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.RunMaintenance(cmd.Context())
		},
	}
}
