// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"bytes"
	"encoding/pem"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	genssh "github.com/toeirei/keyfleet/internal/crypto/ssh"
	"github.com/toeirei/keyfleet/internal/model"
)

// memSftp is an in-memory sftpRaw. failOn injects an error for an operation
// name ("open", "create", "write", "chmod", "rename"); beforeRename runs just
// before the staleness check reads the live file again.
type memSftp struct {
	mu      sync.Mutex
	files   map[string][]byte
	modes   map[string]os.FileMode
	dirs    map[string]bool
	failOn  map[string]error
	calls   []string
	removed []string
	closed  bool

	// afterCreate runs after each temp file is committed.
	afterCreate func(m *memSftp)
}

func newMemSftp() *memSftp {
	return &memSftp{
		files:  map[string][]byte{},
		modes:  map[string]os.FileMode{},
		dirs:   map[string]bool{},
		failOn: map[string]error{},
	}
}

func (m *memSftp) record(op string) error {
	m.calls = append(m.calls, op)
	return m.failOn[op]
}

type memReader struct{ *bytes.Reader }

func (memReader) Write([]byte) (int, error) { return 0, fs.ErrPermission }
func (memReader) Close() error              { return nil }

type memWriter struct {
	m    *memSftp
	path string
	buf  bytes.Buffer
}

func (w *memWriter) Read([]byte) (int, error) { return 0, io.EOF }
func (w *memWriter) Write(p []byte) (int, error) {
	w.m.mu.Lock()
	err := w.m.record("write")
	w.m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}
func (w *memWriter) Close() error {
	w.m.mu.Lock()
	w.m.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	hook := w.m.afterCreate
	w.m.mu.Unlock()
	if hook != nil {
		hook(w.m)
	}
	return nil
}

func (m *memSftp) Open(p string) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("open"); err != nil {
		return nil, err
	}
	data, ok := m.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return memReader{bytes.NewReader(append([]byte(nil), data...))}, nil
}

func (m *memSftp) Create(p string) (io.ReadWriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("create"); err != nil {
		return nil, err
	}
	if dir := path.Dir(p); dir != "." && !m.dirs[dir] {
		return nil, &fs.PathError{Op: "create", Path: p, Err: fs.ErrNotExist}
	}
	return &memWriter{m: m, path: p}, nil
}

func (m *memSftp) Stat(p string) (os.FileInfo, error) {
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (m *memSftp) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "mkdir")
	if m.dirs[p] {
		return fs.ErrExist
	}
	m.dirs[p] = true
	return nil
}

func (m *memSftp) Chmod(p string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("chmod"); err != nil {
		return err
	}
	m.modes[p] = mode
	return nil
}

func (m *memSftp) PosixRename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("rename"); err != nil {
		return err
	}
	data, ok := m.files[oldpath]
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldpath, Err: fs.ErrNotExist}
	}
	m.files[newpath] = data
	m.modes[newpath] = m.modes[oldpath]
	delete(m.files, oldpath)
	delete(m.modes, oldpath)
	return nil
}

func (m *memSftp) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, p)
	delete(m.files, p)
	return nil
}

func (m *memSftp) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSftp) content(p string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.files[p])
}

func (m *memSftp) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

// fakeClient records deadlines and Close calls.
type fakeClient struct {
	mu        sync.Mutex
	deadlines []time.Time
	closed    bool
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

func newTestKey(t *testing.T, label string) model.PublicKey {
	t.Helper()
	pair, err := genssh.Generate(genssh.AlgorithmEd25519, 0, label)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pair.Public
}

func pemEncode(b *pem.Block) []byte { return pem.EncodeToMemory(b) }
