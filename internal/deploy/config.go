// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"os"
	"path/filepath"
	"time"

	"github.com/toeirei/keyfleet/internal/security"
)

// DefaultAuthorizedKeysPath is relative to the remote user's home directory.
const DefaultAuthorizedKeysPath = ".ssh/authorized_keys"

// ConnectionConfig controls how sessions are established and how long each
// remote step may take.
type ConnectionConfig struct {
	// ConnectionTimeout bounds TCP connect plus SSH handshake.
	ConnectionTimeout time.Duration
	// OperationTimeout bounds a single remote read or write step.
	OperationTimeout time.Duration

	AuthorizedKeysPath string

	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	IdentityFile       string
	IdentityPassphrase security.Secret
	UseAgent           bool
}

// DefaultConnectionConfig returns sensible defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectionTimeout:  10 * time.Second,
		OperationTimeout:   30 * time.Second,
		AuthorizedKeysPath: DefaultAuthorizedKeysPath,
		KnownHostsFile:     defaultKnownHostsFile(),
		UseAgent:           true,
	}
}

func defaultKnownHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	d := DefaultConnectionConfig()
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.AuthorizedKeysPath == "" {
		c.AuthorizedKeysPath = d.AuthorizedKeysPath
	}
	if c.KnownHostsFile == "" {
		c.KnownHostsFile = d.KnownHostsFile
	}
	return c
}
