// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"
	"github.com/toeirei/keyfleet/internal/core"
	genssh "github.com/toeirei/keyfleet/internal/crypto/ssh"
	"github.com/toeirei/keyfleet/internal/i18n"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/security"
)

var copyToClipboard = clipboard.WriteAll

// keyGenFlags describe a key to generate.
type keyGenFlags struct {
	algorithm string
	bits      int
	label     string
	encrypt   bool
	force     bool
}

// generateKey creates a key pair and writes it to path and path.pub.
func (a *app) generateKey(path string, f keyGenFlags) (model.KeyPair, error) {
	alg, err := genssh.NormalizeAlgorithm(f.algorithm)
	if err != nil {
		return model.KeyPair{}, err
	}
	pair, err := genssh.Generate(alg, f.bits, f.label)
	if err != nil {
		return model.KeyPair{}, err
	}
	var passphrase security.Secret
	if f.encrypt {
		passphrase, err = a.newPassphrase()
		if err != nil {
			pair.Private.Zero()
			return model.KeyPair{}, err
		}
		defer passphrase.Zero()
	}
	if err := genssh.WriteKeyFiles(path, pair, passphrase, f.force); err != nil {
		pair.Private.Zero()
		return model.KeyPair{}, err
	}
	return pair, nil
}

func (a *app) newPassphrase() (security.Secret, error) {
	first, err := readPassword(i18n.T("cli.passphrase_new"))
	if err != nil {
		return nil, err
	}
	second, err := readPassword(i18n.T("cli.passphrase_confirm"))
	if err != nil {
		first.Zero()
		return nil, err
	}
	defer second.Zero()
	if string(first.Bytes()) != string(second.Bytes()) {
		first.Zero()
		return nil, errors.New(i18n.T("cli.passphrase_mismatch"))
	}
	return first, nil
}

func (a *app) newGenerateCmd() *cobra.Command {
	var (
		keyPath string
		gen     keyGenFlags
		copyPub bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new SSH key pair",
		Long: `Generates a key pair and writes the private key (0600) and the public key
(.pub) next to it. The private key never leaves the local machine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				alg, err := genssh.NormalizeAlgorithm(gen.algorithm)
				if err != nil {
					return err
				}
				keyPath = "id_" + alg
			}
			pair, err := a.generateKey(keyPath, gen)
			if err != nil {
				return err
			}
			defer pair.Private.Zero()
			fmt.Fprintln(a.stdout, i18n.T("generate.written", keyPath, keyPath))
			fmt.Fprintln(a.stdout, i18n.T("generate.fingerprint", pair.Public.Identity.Fingerprint))
			if copyPub {
				if err := copyToClipboard(pair.Public.AuthorizedKey); err != nil {
					fmt.Fprintln(a.stderr, i18n.T("generate.copy_failed", err))
				} else {
					fmt.Fprintln(a.stdout, i18n.T("generate.copied"))
				}
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&keyPath, "key-path", "", "private key output path (default id_<algorithm>)")
	fs.StringVar(&gen.algorithm, "algorithm", genssh.AlgorithmEd25519, "key algorithm (ed25519, rsa, ecdsa)")
	fs.IntVar(&gen.bits, "bits", 0, "key size for rsa (2048-16384) or ecdsa (256, 384, 521)")
	fs.StringVar(&gen.label, "key-label", "", "comment stored with the key")
	fs.BoolVar(&gen.encrypt, "encrypt", false, "protect the private key with a passphrase")
	fs.BoolVar(&gen.force, "force", false, "overwrite existing key files")
	fs.BoolVar(&copyPub, "copy", false, "copy the public key to the clipboard")
	return cmd
}

func (a *app) newDistributeCmd() *cobra.Command {
	var (
		tf      targetFlags
		keyPath string
		options []string
	)
	cmd := &cobra.Command{
		Use:   "distribute",
		Short: "Ensure a public key is authorized on every selected host",
		Long: `Adds the public key to each selected host's authorized_keys unless it is
already present. Hosts that already carry the key are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := genssh.ReadPublicKeyFile(keyPath, tf.keyLabel)
			if err != nil {
				return err
			}
			return a.execute(cmd.Context(), &tf, core.PlanRequest{Kind: model.OpDistribute, Target: pub, Options: options})
		},
	}
	cmd.Flags().StringVar(&keyPath, "key-path", "", "public key (or private key with an adjacent .pub) to distribute")
	cmd.Flags().StringSliceVar(&options, "key-options", nil, `authorized_keys options for the new entry, e.g. "no-pty"`)
	_ = cmd.MarkFlagRequired("key-path")
	addTargetFlags(cmd, &tf)
	return cmd
}

func (a *app) newRevokeCmd() *cobra.Command {
	var (
		tf          targetFlags
		keyPath     string
		fingerprint string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Remove a key from every selected host",
		Long: `Removes every entry of the key from each selected host's authorized_keys.
The key can be named by its public key file or by its SHA256 fingerprint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var target model.PublicKey
			if fingerprint != "" {
				fp, err := normalizeFingerprint(fingerprint)
				if err != nil {
					return err
				}
				target.Identity = model.KeyIdentity{Fingerprint: fp, Label: tf.keyLabel}
			} else {
				pub, err := genssh.ReadPublicKeyFile(keyPath, tf.keyLabel)
				if err != nil {
					return err
				}
				target = pub
			}
			return a.execute(cmd.Context(), &tf, core.PlanRequest{Kind: model.OpRevoke, Target: target})
		},
	}
	cmd.Flags().StringVar(&keyPath, "key-path", "", "public key to revoke")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "SHA256 fingerprint of the key to revoke")
	cmd.MarkFlagsOneRequired("key-path", "fingerprint")
	cmd.MarkFlagsMutuallyExclusive("key-path", "fingerprint")
	addTargetFlags(cmd, &tf)
	return cmd
}

func (a *app) newRotateCmd() *cobra.Command {
	var (
		tf         targetFlags
		oldPath    string
		newPath    string
		generate   bool
		newKeyOut  string
		bits       int
		encrypt    bool
		forceWrite bool
		options    []string
	)
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace a key on every selected host without lockout",
		Long: `Rotates in two phases. Phase A adds the new key to every host. Only when
phase A has finished everywhere does phase B remove the old key, and only
from hosts where the new key is confirmed present.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := genssh.ReadPublicKeyFile(oldPath, "")
			if err != nil {
				return err
			}
			var repl model.PublicKey
			if generate {
				if newKeyOut == "" {
					return errors.New("--new-key-out is required with --generate")
				}
				pair, err := a.generateKey(newKeyOut, keyGenFlags{algorithm: tf.algorithm, bits: bits, label: tf.keyLabel, encrypt: encrypt, force: forceWrite})
				if err != nil {
					return err
				}
				pair.Private.Zero()
				repl = pair.Public
				fmt.Fprintln(a.stderr, i18n.T("rotate.generated", repl.Identity.Fingerprint, newKeyOut))
			} else {
				repl, err = genssh.ReadPublicKeyFile(newPath, tf.keyLabel)
				if err != nil {
					return err
				}
			}
			return a.execute(cmd.Context(), &tf, core.PlanRequest{Kind: model.OpRotate, Target: old, Replacement: &repl, Options: options})
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&oldPath, "old-key-path", "", "public key being replaced")
	fs.StringVar(&newPath, "new-key-path", "", "public key replacing it")
	fs.BoolVar(&generate, "generate", false, "generate the replacement key")
	fs.StringVar(&newKeyOut, "new-key-out", "", "where to write the generated replacement key")
	fs.IntVar(&bits, "bits", 0, "key size for a generated rsa or ecdsa key")
	fs.BoolVar(&encrypt, "encrypt", false, "protect the generated private key with a passphrase")
	fs.BoolVar(&forceWrite, "force", false, "overwrite existing files at --new-key-out")
	fs.StringSliceVar(&options, "key-options", nil, "authorized_keys options for the new entry")
	_ = cmd.MarkFlagRequired("old-key-path")
	cmd.MarkFlagsOneRequired("new-key-path", "generate")
	cmd.MarkFlagsMutuallyExclusive("new-key-path", "generate")
	addTargetFlags(cmd, &tf)
	return cmd
}
