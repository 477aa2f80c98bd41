// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"

	"github.com/toeirei/keyfleet/internal/logging"
	"github.com/toeirei/keyfleet/internal/model"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxSessions is used when NewPool is given a non-positive limit.
const DefaultMaxSessions = 10

// Pool bounds the number of simultaneously open sessions. Callers beyond the
// limit wait for a slot.
type Pool struct {
	dialer Dialer
	max    int
	sem    *semaphore.Weighted
}

// NewPool returns a pool that opens at most max sessions through dialer.
func NewPool(dialer Dialer, max int) *Pool {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Pool{dialer: dialer, max: max, sem: semaphore.NewWeighted(int64(max))}
}

// Max returns the concurrency limit.
func (p *Pool) Max() int { return p.max }

// WithSession opens a session to host, runs fn and closes the session again.
// The slot is released and the session closed on every return path. Dial
// failures come back as *ConnectError and are not retried here.
func (p *Pool) WithSession(ctx context.Context, host model.Host, fn func(Session) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	sess, err := p.dialer.Dial(ctx, host)
	if err != nil {
		return newConnectError(host.Addr(), err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logging.Debugf("closing session to %s: %v", host.Addr(), cerr)
		}
	}()
	return fn(sess)
}
