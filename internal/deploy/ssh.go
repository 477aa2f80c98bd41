// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package deploy connects to hosts over SSH and edits their authorized_keys
// files through SFTP with whole-file atomic replacement.
package deploy // import "github.com/toeirei/keyfleet/internal/deploy"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/model"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultHostKeyTimeout bounds the handshake used by GetRemoteHostKey.
const DefaultHostKeyTimeout = 5 * time.Second

// ErrHostKeySuccessfullyRetrieved stops the host key handshake once the server
// key is known.
var ErrHostKeySuccessfullyRetrieved = errors.New("keyfleet: host key retrieved")

// ErrNoAuthMethod means neither an identity file nor an agent is available.
var ErrNoAuthMethod = errors.New("no authentication method available (no identity file and no ssh agent)")

// sshClientIface is the part of an SSH client sessions depend on.
type sshClientIface interface {
	Close() error
}

// sshConn couples the client with its raw connection so that per-step
// deadlines can be set.
type sshConn struct {
	*ssh.Client
	conn net.Conn
}

func (c *sshConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// sshDial is a package-level variable so tests can replace the network.
var sshDial = func(ctx context.Context, network, addr string, config *ssh.ClientConfig) (sshClientIface, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &sshConn{Client: ssh.NewClient(c, chans, reqs), conn: conn}, nil
}

// newSftpClient is a package-level variable so tests can use an in-memory filesystem.
var newSftpClient = func(c sshClientIface) (sftpRaw, error) {
	sc, ok := c.(*sshConn)
	if !ok {
		return nil, fmt.Errorf("unsupported ssh client %T", c)
	}
	cl, err := sftp.NewClient(sc.Client)
	if err != nil {
		return nil, err
	}
	return &sftpClient{cl}, nil
}

// sshAgentGetter is a package-level variable so tests can supply a keyring.
var sshAgentGetter = getSSHAgent

// sftpClient adapts *sftp.Client to sftpRaw.
type sftpClient struct{ c *sftp.Client }

func (s *sftpClient) Open(p string) (io.ReadWriteCloser, error)   { return s.c.Open(p) }
func (s *sftpClient) Create(p string) (io.ReadWriteCloser, error) { return s.c.Create(p) }
func (s *sftpClient) Stat(p string) (os.FileInfo, error)          { return s.c.Stat(p) }
func (s *sftpClient) Mkdir(p string) error                        { return s.c.Mkdir(p) }
func (s *sftpClient) Chmod(p string, mode os.FileMode) error      { return s.c.Chmod(p, mode) }
func (s *sftpClient) PosixRename(o, n string) error               { return s.c.PosixRename(o, n) }
func (s *sftpClient) Remove(p string) error                       { return s.c.Remove(p) }
func (s *sftpClient) Close() error                                { return s.c.Close() }

// SSHDialer opens SFTP sessions authenticated with the operator's identity
// file and/or SSH agent. Credentials live only in memory. One agent
// connection is shared by every Dial; Close releases it.
type SSHDialer struct {
	cfg         ConnectionConfig
	signers     []ssh.Signer
	hostKeyFunc ssh.HostKeyCallback

	agent     agent.Agent
	agentConn io.Closer
}

// NewSSHDialer loads the identity file and known_hosts database. Errors here
// are pre-flight failures.
func NewSSHDialer(cfg ConnectionConfig) (*SSHDialer, error) {
	cfg = cfg.withDefaults()
	d := &SSHDialer{cfg: cfg}

	if cfg.IdentityFile != "" {
		signer, err := loadIdentity(cfg)
		if err != nil {
			return nil, err
		}
		d.signers = append(d.signers, signer)
	}

	if cfg.InsecureIgnoreHostKey {
		logging.Warnf("host key verification disabled")
		d.hostKeyFunc = ssh.InsecureIgnoreHostKey()
	} else {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsFile, err)
		}
		d.hostKeyFunc = verifyKnownHost(cb)
	}

	if cfg.UseAgent {
		d.agent, d.agentConn = sshAgentGetter()
	}
	return d, nil
}

// Close releases the agent connection. The dialer must not be used after.
func (d *SSHDialer) Close() error {
	if d.agentConn == nil {
		return nil
	}
	err := d.agentConn.Close()
	d.agent, d.agentConn = nil, nil
	return err
}

func loadIdentity(cfg ConnectionConfig) (ssh.Signer, error) {
	pem, err := os.ReadFile(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("unable to parse identity file: %w", err)
	}
	if cfg.IdentityPassphrase.IsEmpty() {
		return nil, fmt.Errorf("identity file %s is encrypted: %w", cfg.IdentityFile, err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, cfg.IdentityPassphrase.Bytes())
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt identity file: %w", err)
	}
	return signer, nil
}

// verifyKnownHost turns knownhosts errors into readable messages.
func verifyKnownHost(cb ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) {
			if len(ke.Want) == 0 {
				return fmt.Errorf("unknown host key for %s. run 'keyfleet trust-host' to add it: %w", hostname, err)
			}
			return fmt.Errorf("%v: %w", hostKeyMismatch(hostname, key), err)
		}
		return err
	}
}

func (d *SSHDialer) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(d.signers) > 0 {
		methods = append(methods, ssh.PublicKeys(d.signers...))
	}
	if d.agent != nil {
		methods = append(methods, ssh.PublicKeysCallback(d.agent.Signers))
	}
	if len(methods) == 0 {
		return nil, ErrNoAuthMethod
	}
	return methods, nil
}

// Dial opens an SFTP session to host.
func (d *SSHDialer) Dial(ctx context.Context, host model.Host) (Session, error) {
	auth, err := d.authMethods()
	if err != nil {
		return nil, &ConnectError{Host: host.Addr(), Kind: KindAuth, Err: err}
	}
	config := &ssh.ClientConfig{
		User:            host.Principal,
		Auth:            auth,
		HostKeyCallback: d.hostKeyFunc,
		Timeout:         d.cfg.ConnectionTimeout,
	}

	client, err := sshDial(ctx, "tcp", host.Addr(), config)
	if err != nil {
		return nil, newConnectError(host.Addr(), err)
	}
	raw, err := newSftpClient(client)
	if err != nil {
		_ = client.Close()
		return nil, &ConnectError{Host: host.Addr(), Kind: KindProtocol, Err: fmt.Errorf("failed to create sftp client: %w", err)}
	}
	logging.Debugf("session open to %s as %s", host.Addr(), host.Principal)
	return newSFTPSession(host.Addr(), client, raw, d.cfg), nil
}

// GetRemoteHostKey connects to addr just to retrieve its public key.
func GetRemoteHostKey(ctx context.Context, addr string) (ssh.PublicKey, error) {
	return GetRemoteHostKeyWithTimeout(ctx, addr, DefaultHostKeyTimeout)
}

// GetRemoteHostKeyWithTimeout is GetRemoteHostKey with an explicit handshake timeout.
func GetRemoteHostKeyWithTimeout(ctx context.Context, addr string, timeout time.Duration) (ssh.PublicKey, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	keyChan := make(chan ssh.PublicKey, 1)
	config := &ssh.ClientConfig{
		User: "keyfleet-hostkey",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			keyChan <- key
			return ErrHostKeySuccessfullyRetrieved
		},
		Timeout: timeout,
	}

	client, err := sshDial(ctx, "tcp", addr, config)
	if client != nil {
		_ = client.Close()
	}
	if err != nil && (errors.Is(err, ErrHostKeySuccessfullyRetrieved) || strings.Contains(err.Error(), ErrHostKeySuccessfullyRetrieved.Error())) {
		return <-keyChan, nil
	}
	if err != nil {
		return nil, newConnectError(addr, err)
	}
	return nil, fmt.Errorf("handshake with %s succeeded unexpectedly, could not retrieve key", addr)
}

// TrustHost appends key for addr to the known_hosts file, creating it if
// needed.
func TrustHost(knownHostsFile, addr string, key ssh.PublicKey) error {
	if knownHostsFile == "" {
		knownHostsFile = defaultKnownHostsFile()
	}
	if err := os.MkdirAll(filepath.Dir(knownHostsFile), 0700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(knownHostsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}
