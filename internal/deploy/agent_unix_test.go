//go:build !windows
// +build !windows

// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"golang.org/x/crypto/ssh"
)

// agentListener counts agent connections and notices when they are closed.
type agentListener struct {
	mu       sync.Mutex
	accepted int
	closed   int
	ln       net.Listener
}

func (l *agentListener) serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.mu.Lock()
		l.accepted++
		l.mu.Unlock()
		go func(c net.Conn) {
			_, _ = io.Copy(io.Discard, c)
			_ = c.Close()
			l.mu.Lock()
			l.closed++
			l.mu.Unlock()
		}(conn)
	}
}

func (l *agentListener) counts() (accepted, closed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepted, l.closed
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startAgentListener(t *testing.T) *agentListener {
	t.Helper()
	// Unix socket paths are length limited; keep it short.
	dir, err := os.MkdirTemp("", "kfa")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	ln, err := net.Listen("unix", filepath.Join(dir, "a.sock"))
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	l := &agentListener{ln: ln}
	go l.serve()
	t.Setenv("SSH_AUTH_SOCK", ln.Addr().String())
	return l
}

func TestSSHDialer_SharesOneAgentConnection(t *testing.T) {
	l := startAgentListener(t)
	origDial := sshDial
	defer func() { sshDial = origDial }()
	sshDial = func(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (sshClientIface, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	cfg := DefaultConnectionConfig()
	cfg.InsecureIgnoreHostKey = true
	d, err := NewSSHDialer(cfg)
	if err != nil {
		t.Fatalf("NewSSHDialer: %v", err)
	}
	for i := 0; i < 20; i++ {
		_, err := d.Dial(context.Background(), model.Host{Address: "h", Port: 22, Principal: "u"})
		if !IsConnectionRefusedError(err) {
			t.Fatalf("dial %d: expected refused, got %v", i, err)
		}
	}
	waitFor(t, "agent connection", func() bool { a, _ := l.counts(); return a >= 1 })
	time.Sleep(50 * time.Millisecond)
	if accepted, closed := l.counts(); accepted != 1 || closed != 0 {
		t.Fatalf("after 20 dials: accepted=%d closed=%d, want 1 open connection", accepted, closed)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "agent connection to close", func() bool { _, c := l.counts(); return c == 1 })
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSSHDialer_NoAgentWhenDisabled(t *testing.T) {
	l := startAgentListener(t)
	cfg := DefaultConnectionConfig()
	cfg.InsecureIgnoreHostKey = true
	cfg.UseAgent = false
	d, err := NewSSHDialer(cfg)
	if err != nil {
		t.Fatalf("NewSSHDialer: %v", err)
	}
	defer d.Close()
	if _, err := d.Dial(context.Background(), model.Host{Address: "h", Port: 22, Principal: "u"}); !errors.Is(err, ErrNoAuthMethod) {
		t.Fatalf("expected ErrNoAuthMethod, got %v", err)
	}
	if accepted, _ := l.counts(); accepted != 0 {
		t.Fatalf("agent contacted with use_agent off: %d", accepted)
	}
}
