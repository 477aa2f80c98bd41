// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/sshkey"
)

type countingSession struct {
	d *countingDialer
}

func (s *countingSession) ReadAuthorizedKeys(context.Context) ([]model.AuthorizedKeyEntry, error) {
	return nil, nil
}
func (s *countingSession) AtomicApply(context.Context, sshkey.EditFunc) (bool, error) {
	return false, nil
}
func (s *countingSession) Close() error {
	s.d.open.Add(-1)
	s.d.closed.Add(1)
	return nil
}

type countingDialer struct {
	open, peak, closed atomic.Int32
	fail               error
}

func (d *countingDialer) Dial(ctx context.Context, h model.Host) (Session, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	n := d.open.Add(1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return &countingSession{d: d}, nil
}

func TestPool_BoundsConcurrentSessions(t *testing.T) {
	d := &countingDialer{}
	pool := NewPool(d, 3)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := model.Host{Address: fmt.Sprintf("10.0.0.%d", i), Port: 22, Principal: "root"}
			_ = pool.WithSession(context.Background(), h, func(Session) error {
				time.Sleep(2 * time.Millisecond)
				return nil
			})
		}(i)
	}
	wg.Wait()

	if peak := d.peak.Load(); peak > 3 || peak < 1 {
		t.Fatalf("peak open sessions = %d, want 1..3", peak)
	}
	if d.closed.Load() != 20 || d.open.Load() != 0 {
		t.Fatalf("sessions not all closed: closed=%d open=%d", d.closed.Load(), d.open.Load())
	}
}

func TestPool_ClosesOnError(t *testing.T) {
	d := &countingDialer{}
	pool := NewPool(d, 1)
	boom := errors.New("boom")
	h := model.Host{Address: "h", Port: 22, Principal: "root"}

	if err := pool.WithSession(context.Background(), h, func(Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if d.closed.Load() != 1 {
		t.Fatalf("session not closed after error")
	}
	// The slot must be free again.
	if err := pool.WithSession(context.Background(), h, func(Session) error { return nil }); err != nil {
		t.Fatalf("second WithSession: %v", err)
	}
}

func TestPool_DialErrorIsConnectError(t *testing.T) {
	d := &countingDialer{fail: errors.New("dial tcp 10.0.0.1:22: connect: connection refused")}
	pool := NewPool(d, 0)
	if pool.Max() != DefaultMaxSessions {
		t.Fatalf("default max = %d", pool.Max())
	}
	called := false
	err := pool.WithSession(context.Background(), model.Host{Address: "10.0.0.1", Port: 22}, func(Session) error {
		called = true
		return nil
	})
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Kind != KindRefused {
		t.Fatalf("expected refused ConnectError, got %v", err)
	}
	if called {
		t.Fatalf("fn must not run without a session")
	}
}

func TestPool_AcquireHonoursContext(t *testing.T) {
	d := &countingDialer{}
	pool := NewPool(d, 1)
	h := model.Host{Address: "h", Port: 22}

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = pool.WithSession(context.Background(), h, func(Session) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.WithSession(ctx, h, func(Session) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled while queued, got %v", err)
	}
	close(release)
}
