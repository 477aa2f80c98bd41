// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrConcurrentModification is returned when the live authorized_keys file
// kept changing underneath every read-modify-write cycle.
var ErrConcurrentModification = errors.New("authorized_keys changed concurrently")

// Connection failure kinds reported by ClassifyConnectionError.
const (
	KindTimeout  = "timeout"
	KindRefused  = "refused"
	KindAuth     = "auth"
	KindHostKey  = "hostkey"
	KindNetwork  = "network"
	KindProtocol = "protocol"
)

// ConnectError is a failure to establish a session. It is transient from the
// orchestrator's point of view and may be retried there.
type ConnectError struct {
	Host string
	Kind string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Host, describeKind(e.Kind), e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteReadError is a failure to read the remote authorized_keys file.
type RemoteReadError struct {
	Host string
	Path string
	Err  error
}

func (e *RemoteReadError) Error() string {
	return fmt.Sprintf("read %s:%s: %v", e.Host, e.Path, e.Err)
}

func (e *RemoteReadError) Unwrap() error { return e.Err }

// RemoteWriteError is a failure while replacing the remote authorized_keys
// file. The live file is untouched when it is returned.
type RemoteWriteError struct {
	Host string
	Path string
	Op   string
	Err  error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("write %s:%s: %s: %v", e.Host, e.Path, e.Op, e.Err)
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }

func describeKind(kind string) string {
	switch kind {
	case KindTimeout:
		return "connection timed out"
	case KindRefused:
		return "connection refused"
	case KindAuth:
		return "authentication failed"
	case KindHostKey:
		return "host key verification failed"
	case KindProtocol:
		return "ssh protocol error"
	default:
		return "network error"
	}
}

// IsConnectionTimeoutError reports whether err looks like a dial or handshake timeout.
func IsConnectionTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

// IsConnectionRefusedError reports whether the remote actively refused the connection.
func IsConnectionRefusedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// IsAuthenticationError reports whether the handshake failed during user authentication.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

// IsHostKeyError reports whether host key verification rejected the server.
func IsHostKeyError(err error) bool {
	if err == nil {
		return false
	}
	var ke *knownhosts.KeyError
	if errors.As(err, &ke) {
		return true
	}
	var re *knownhosts.RevokedError
	if errors.As(err, &re) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "host key mismatch") || strings.Contains(msg, "knownhosts:") ||
		strings.Contains(msg, "unknown host key")
}

// ClassifyConnectionError maps a dial or handshake error onto one of the Kind constants.
func ClassifyConnectionError(err error) string {
	switch {
	case IsHostKeyError(err):
		return KindHostKey
	case IsAuthenticationError(err):
		return KindAuth
	case IsConnectionRefusedError(err):
		return KindRefused
	case IsConnectionTimeoutError(err):
		return KindTimeout
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindNetwork
	}
	if strings.HasPrefix(strings.ToLower(fmt.Sprint(err)), "ssh:") {
		return KindProtocol
	}
	return KindNetwork
}

// newConnectError wraps err for host, classifying it on the way.
func newConnectError(host string, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectError{Host: host, Kind: ClassifyConnectionError(err), Err: err}
}

// hostKeyMismatch builds the error returned for a key that disagrees with known_hosts.
func hostKeyMismatch(host string, presented ssh.PublicKey) error {
	return fmt.Errorf("host key mismatch for %s: presented %s %s", host, presented.Type(), ssh.FingerprintSHA256(presented))
}
