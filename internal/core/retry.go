// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package core

import (
	"context"
	"time"
)

// RetryPolicy controls reconnect attempts after a ConnectError. Nothing else
// is retried.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `json:"multiplier" mapstructure:"multiplier"`
}

// DefaultRetryPolicy is 3 attempts backing off 1s, 2s, ... capped at 16s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     16 * time.Second,
		Multiplier:     2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Backoff returns the wait before attempt n+1 after n failed attempts (n >= 1).
func (p RetryPolicy) Backoff(n int) time.Duration {
	p = p.normalized()
	b := float64(p.InitialBackoff)
	for i := 1; i < n; i++ {
		b *= p.Multiplier
		if b >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if time.Duration(b) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(b)
}

// sleep waits d or until ctx is done. Package-level so tests can skip waits.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
