// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/core"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/i18n"
	"github.com/toeirei/keyfleet/internal/inventory"
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/report"
	"github.com/toeirei/keyfleet/internal/security"
	"github.com/toeirei/keyfleet/internal/tui"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Package-level so tests can substitute fakes.
var (
	newDialer = func(cfg deploy.ConnectionConfig) (deploy.Dialer, error) {
		return deploy.NewSSHDialer(cfg)
	}
	readPassword = func(prompt string) (security.Secret, error) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return security.Secret(b), err
	}
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	isTerminal      = func(w io.Writer) bool {
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	}
)

// targetFlags are shared by distribute, rotate and revoke. Flags that also
// exist in the config file are read back through a.cfg.
type targetFlags struct {
	selector  string
	hosts     []string
	keyLabel  string
	algorithm string
	dryRun    bool
	progress  bool
}

func addTargetFlags(cmd *cobra.Command, f *targetFlags) {
	fs := cmd.Flags()
	fs.String("inventory", "", "inventory file or directory")
	fs.StringVar(&f.selector, "selector", "all", `host selector, e.g. "env=prod+role=web,db-01"`)
	fs.StringSliceVar(&f.hosts, "hosts", nil, "explicit targets as [user@]host[:port], comma separated")
	fs.String("user", "root", "remote user for --hosts targets without one")
	fs.Int("port", 22, "SSH port for targets without one")
	fs.StringVar(&f.keyLabel, "key-label", "", "label (comment) for the key")
	fs.StringVar(&f.algorithm, "algorithm", "ed25519", "key algorithm when generating (ed25519, rsa, ecdsa)")
	fs.Int("concurrency", deploy.DefaultMaxSessions, "maximum simultaneous host sessions")
	fs.BoolVar(&f.dryRun, "dry-run", false, "read every host and report what would change without writing")
	fs.Int("retries", 3, "connection attempts per host and phase")
	fs.String("output", "text", "report format (text, json)")
	fs.BoolVar(&f.progress, "progress", false, "show a live progress display on a terminal")
	fs.Bool("rollback-on-failure", false, "undo a distribute on every changed host if any host failed")
	fs.String("identity", "", "private key used to log in")
	fs.String("known-hosts", "", "known_hosts file used to verify hosts")
	fs.Bool("insecure-ignore-host-key", false, "skip host key verification")
	fs.String("authorized-keys-path", deploy.DefaultAuthorizedKeysPath, "authorized_keys path on the remote hosts")
}

// resolveHosts applies the selector to the inventory or the --hosts list.
// An empty selection is not an error: the run is planned with zero hosts.
func (a *app) resolveHosts(f *targetFlags) ([]model.Host, error) {
	var inv *inventory.Inventory
	var err error
	switch {
	case len(f.hosts) > 0:
		inv, err = inventory.FromList(f.hosts, a.cfg.SSH.User, a.cfg.SSH.Port)
	case a.cfg.Inventory != "":
		inv, err = inventory.Load(a.cfg.Inventory)
	default:
		return nil, errors.New(i18n.T("cli.error_no_targets"))
	}
	if err != nil {
		return nil, err
	}
	hosts, err := inv.Resolve(f.selector)
	if errors.Is(err, inventory.ErrEmptySelection) {
		logging.Warnf("%s", i18n.T("cli.no_hosts_selected", f.selector))
		return hosts, nil
	}
	return hosts, err
}

// dialer builds the SSH dialer, asking for the identity passphrase on a
// terminal when the key is encrypted.
func (a *app) dialer() (deploy.Dialer, error) {
	cc := a.cfg.ConnectionConfig()
	if v := os.Getenv("KEYFLEET_SSH_IDENTITY_PASSPHRASE"); v != "" {
		cc.IdentityPassphrase = security.Secret(v)
	}
	d, err := newDialer(cc)
	var missing *ssh.PassphraseMissingError
	if err != nil && errors.As(err, &missing) && stdinIsTerminal() {
		pass, perr := readPassword(i18n.T("cli.passphrase_prompt", cc.IdentityFile))
		if perr != nil {
			return nil, perr
		}
		defer pass.Zero()
		cc.IdentityPassphrase = pass
		d, err = newDialer(cc)
	}
	return d, err
}

// execute plans and runs one operation, prints the report, records the run
// and sets the exit code.
func (a *app) execute(ctx context.Context, f *targetFlags, req core.PlanRequest) error {
	hosts, err := a.resolveHosts(f)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(a.cfg.Output)
	if err != nil {
		return err
	}
	req.Hosts = hosts
	plan, err := core.BuildPlan(req)
	if err != nil {
		return err
	}

	var pool core.SessionPool
	if len(hosts) > 0 {
		d, err := a.dialer()
		if err != nil {
			return err
		}
		if c, ok := d.(io.Closer); ok {
			defer c.Close()
		}
		pool = deploy.NewPool(d, a.cfg.Concurrency)
	}

	opts := core.Options{
		Retry:             a.cfg.Retry,
		DryRun:            f.dryRun,
		RollbackOnFailure: a.cfg.RollbackOnFailure,
	}
	var progress *tui.Progress
	if f.progress && len(hosts) > 0 && isTerminal(a.stderr) {
		progress = tui.NewProgress(a.stderr, fmt.Sprintf("%s %s", req.Kind, req.Target.Identity.Fingerprint), len(hosts), len(plan.Phases()))
		opts.Observer = progress.Observer()
		progress.Start()
	}

	res := core.NewOrchestrator(pool, opts).Run(ctx, plan)
	if progress != nil {
		progress.Stop()
	}

	runID := db.NewRunID()
	a.recordRun(runID, f.selector, res)
	if err := report.Render(a.stdout, runID, res, format); err != nil {
		return err
	}
	a.exitCode = report.ExitCode(res.Status)
	return nil
}

// recordRun appends the run to history. Failures are logged only; the
// fleet has already been changed.
func (a *app) recordRun(runID, selector string, res *core.FleetResult) {
	if a.noHistory || !a.cfg.History.Enabled {
		return
	}
	store, err := a.openStore()
	if err != nil {
		logging.Warnf("history disabled for this run: %v", err)
		return
	}
	defer store.Close()
	// The run may have been cancelled; the record must still land.
	if err := store.RecordRun(context.Background(), db.FromResult(runID, selector, res)); err != nil {
		logging.Warnf("could not record run %s: %v", runID, err)
		return
	}
	logging.Debugf("recorded run %s", runID)
}

func normalizeFingerprint(fp string) (string, error) {
	fp = strings.TrimSpace(fp)
	if !strings.HasPrefix(fp, "SHA256:") || len(fp) <= len("SHA256:") {
		return "", fmt.Errorf("invalid fingerprint %q: expected SHA256:<base64>", fp)
	}
	return fp, nil
}
