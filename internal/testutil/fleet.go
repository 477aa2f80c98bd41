// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil provides an in-memory fleet of hosts with fault injection
// for orchestrator tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toeirei/keyfleet/internal/deploy"
	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/sshkey"
)

// ErrInjected is the default error used by fault injection.
var ErrInjected = errors.New("injected failure")

// Call is one recorded interaction with a fake host.
type Call struct {
	Seq     int
	Op      string // dial, read, apply
	Err     error
	Changed bool
	Before  []byte
	After   []byte
}

// FakeHost is the state and fault plan of one host.
type FakeHost struct {
	Host    model.Host
	Content []byte

	// DialFailures makes the first n dials fail; negative fails every dial.
	DialFailures int
	DialErr      error
	// FailApply fails the nth apply (1-based) with the given error.
	FailApply map[int]error
	FailRead  error
	// ApplyDelay is slept inside every apply before the write lands.
	ApplyDelay time.Duration
	// OnApply runs after each apply attempt, outside the fleet lock.
	OnApply func(n int)

	dials   int
	applies int
	calls   []Call
	// snapshots holds the content after every state change, starting with
	// the initial content.
	snapshots [][]byte
}

// Fleet implements deploy.Dialer over in-memory hosts.
type Fleet struct {
	mu      sync.Mutex
	hosts   map[string]*FakeHost
	order   []string
	seq     int
	open    int
	maxOpen int
}

// NewFleet returns an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{hosts: map[string]*FakeHost{}}
}

// AddHost registers h with the given initial authorized_keys content.
func (f *Fleet) AddHost(h model.Host, content string) *FakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh := &FakeHost{Host: h, Content: []byte(content), FailApply: map[int]error{}}
	fh.snapshots = append(fh.snapshots, append([]byte(nil), fh.Content...))
	f.hosts[h.Key()] = fh
	f.order = append(f.order, h.Key())
	return fh
}

// Hosts returns the registered hosts in insertion order.
func (f *Fleet) Hosts() []model.Host {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Host, 0, len(f.order))
	for _, k := range f.order {
		out = append(out, f.hosts[k].Host)
	}
	return out
}

// Configure runs fn with the host's fault plan locked.
func (f *Fleet) Configure(h model.Host, fn func(*FakeHost)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.mustHost(h))
}

func (f *Fleet) mustHost(h model.Host) *FakeHost {
	fh, ok := f.hosts[h.Key()]
	if !ok {
		panic(fmt.Sprintf("testutil: unknown host %s", h.Key()))
	}
	return fh
}

// Content returns the current authorized_keys content of h.
func (f *Fleet) Content(h model.Host) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.mustHost(h).Content)
}

// Count returns how many entries for fingerprint h currently has.
func (f *Fleet) Count(h model.Host, fingerprint string) int {
	return sshkey.Count(sshkey.ParseContent([]byte(f.Content(h))), fingerprint)
}

// Calls returns the recorded interactions with h.
func (f *Fleet) Calls(h model.Host) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.mustHost(h).calls...)
}

// Ops returns the sequence of successful operation names for h.
func (f *Fleet) Ops(h model.Host) []string {
	var ops []string
	for _, c := range f.Calls(h) {
		if c.Err == nil {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

// Snapshots returns every content h has had, oldest first.
func (f *Fleet) Snapshots(h model.Host) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.mustHost(h).snapshots...)
}

// Contacts returns the number of dial attempts across the fleet.
func (f *Fleet) Contacts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fh := range f.hosts {
		n += fh.dials
	}
	return n
}

// MaxOpen returns the highest number of simultaneously open sessions seen.
func (f *Fleet) MaxOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

func (f *Fleet) record(fh *FakeHost, c Call) {
	f.seq++
	c.Seq = f.seq
	fh.calls = append(fh.calls, c)
}

// Dial implements deploy.Dialer.
func (f *Fleet) Dial(ctx context.Context, h model.Host) (deploy.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fh := f.mustHost(h)
	fh.dials++
	if fh.DialFailures < 0 || fh.dials <= fh.DialFailures {
		err := fh.DialErr
		if err == nil {
			err = fmt.Errorf("dial tcp %s: i/o timeout", h.Addr())
		}
		f.record(fh, Call{Op: "dial", Err: err})
		return nil, err
	}
	f.record(fh, Call{Op: "dial"})
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &session{fleet: f, host: fh}, nil
}

type session struct {
	fleet  *Fleet
	host   *FakeHost
	closed bool
}

func (s *session) ReadAuthorizedKeys(ctx context.Context) ([]model.AuthorizedKeyEntry, error) {
	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()
	if s.host.FailRead != nil {
		err := &deploy.RemoteReadError{Host: s.host.Host.Addr(), Path: deploy.DefaultAuthorizedKeysPath, Err: s.host.FailRead}
		s.fleet.record(s.host, Call{Op: "read", Err: err})
		return nil, err
	}
	s.fleet.record(s.host, Call{Op: "read", Before: append([]byte(nil), s.host.Content...)})
	return sshkey.ParseContent(s.host.Content), nil
}

func (s *session) AtomicApply(ctx context.Context, edit sshkey.EditFunc) (bool, error) {
	s.fleet.mu.Lock()
	fh := s.host
	fh.applies++
	n := fh.applies
	delay := fh.ApplyDelay
	hook := fh.OnApply
	s.fleet.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	changed, err := s.apply(n, edit)
	if hook != nil {
		hook(n)
	}
	return changed, err
}

func (s *session) apply(n int, edit sshkey.EditFunc) (bool, error) {
	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()
	fh := s.host
	before := append([]byte(nil), fh.Content...)

	if fh.FailRead != nil {
		err := &deploy.RemoteReadError{Host: fh.Host.Addr(), Path: deploy.DefaultAuthorizedKeysPath, Err: fh.FailRead}
		s.fleet.record(fh, Call{Op: "apply", Err: err, Before: before})
		return false, err
	}
	out, changed, err := sshkey.Apply(before, edit)
	if err != nil {
		s.fleet.record(fh, Call{Op: "apply", Err: err, Before: before})
		return false, err
	}
	if ferr, ok := fh.FailApply[n]; ok && changed {
		if ferr == nil {
			ferr = ErrInjected
		}
		err := &deploy.RemoteWriteError{Host: fh.Host.Addr(), Path: deploy.DefaultAuthorizedKeysPath, Op: "rename", Err: ferr}
		s.fleet.record(fh, Call{Op: "apply", Err: err, Before: before})
		return false, err
	}
	if changed {
		fh.Content = out
		fh.snapshots = append(fh.snapshots, append([]byte(nil), out...))
	}
	s.fleet.record(fh, Call{Op: "apply", Changed: changed, Before: before, After: append([]byte(nil), fh.Content...)})
	return changed, nil
}

func (s *session) Close() error {
	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.fleet.open--
	}
	return nil
}
