// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	genssh "github.com/toeirei/keyfleet/internal/crypto/ssh"
	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/i18n"
)

var fetchHostKey = deploy.GetRemoteHostKeyWithTimeout

func (a *app) newTrustHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust-host <host[:port]>",
		Short: "Add a host's SSH key to known_hosts",
		Long: `Connects once to the host, reads the key it presents and appends it to the
known_hosts file used for verification. Compare the printed fingerprint
with the host before relying on it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addr = net.JoinHostPort(addr, strconv.Itoa(a.cfg.SSH.Port))
			}
			key, err := fetchHostKey(cmd.Context(), addr, deploy.DefaultHostKeyTimeout)
			if err != nil {
				return fmt.Errorf("fetch host key for %s: %w", addr, err)
			}
			file := a.cfg.SSH.KnownHostsFile
			if err := deploy.TrustHost(file, addr, key); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, i18n.T("trust.added", key.Type(), genssh.Fingerprint(key), addr, file))
			return nil
		},
	}
	cmd.Flags().String("known-hosts", "", "known_hosts file to append to")
	cmd.Flags().Int("port", 22, "SSH port when the address has none")
	return cmd
}
