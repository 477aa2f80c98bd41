// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the keyfleet command line: the root command, global
// flags, configuration loading and the mapping of run outcomes to exit
// codes.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/config"
	"github.com/toeirei/keyfleet/internal/i18n"
	"github.com/toeirei/keyfleet/internal/logging"
)

var version = "dev"   // this will be set by the linker
var gitCommit = "dev" // set at build time with the short commit SHA
var buildDate = ""    // set at build time (RFC3339)

// Exit codes. Run outcomes map onto 0-2 through report.ExitCode.
const (
	exitOK    = 0
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, exitCode: exitOK}
	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	return a.exitCode
}

// app carries state shared by every subcommand of one invocation.
type app struct {
	stdout, stderr io.Writer

	cfgFile   string
	noHistory bool
	cfg       config.Config

	exitCode int
}

func (a *app) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyfleet",
		Short: "keyfleet generates, distributes, rotates and revokes SSH keys across a fleet.",
		Long: `keyfleet manages one SSH key at a time across many hosts.
It edits each host's authorized_keys over SFTP, preserving every line it
does not own, and rotates keys in two phases so that no host is ever left
without a working key.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	cmd.Version = compositeVersion(resolveBuildVersion(nil))

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is keyfleet.yaml in the user config dir, /etc/keyfleet or .)")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("lang", "en", `message language ("en", "de")`)
	cmd.PersistentFlags().String("db-type", "sqlite", "history database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "", "history database connection string")
	cmd.PersistentFlags().BoolVar(&a.noHistory, "no-history", false, "do not record this run in the history database")

	cmd.AddCommand(
		a.newGenerateCmd(),
		a.newDistributeCmd(),
		a.newRotateCmd(),
		a.newRevokeCmd(),
		a.newTrustHostCmd(),
		a.newHistoryCmd(),
		a.newConfigCmd(),
		a.newVersionCmd(),
	)
	return cmd
}

// setup loads configuration for the command about to run.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	var path *string
	if a.cfgFile != "" {
		path = &a.cfgFile
	}
	cfg, err := config.LoadConfig[config.Config](cmd, config.Defaults(), path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logging.SetOutput(a.stderr)
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	i18n.Init(cfg.Language)
	return nil
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			fmt.Fprintf(a.stdout, "version: %s\n", v)
			fmt.Fprintf(a.stdout, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(a.stdout, "built: %s\n", d)
			}
		},
	}
}

func compositeVersion(v, c, d string) string {
	if c != "" && c != "dev" {
		v += " (" + c + ")"
	}
	if d != "" {
		v += " built: " + d
	}
	return v
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If info is nil, it reads build info from the
// runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion, resolvedCommit, resolvedDate := version, gitCommit, buildDate
	if info == nil {
		if local, ok := debug.ReadBuildInfo(); ok {
			info = local
		}
	}
	if info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}
	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}
	return resolvedVersion, resolvedCommit, resolvedDate
}
