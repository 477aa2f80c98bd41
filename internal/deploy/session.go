// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/toeirei/keyfleet/internal/model"
	"github.com/toeirei/keyfleet/internal/sshkey"
)

// maxApplyCycles bounds how often AtomicApply restarts after detecting a
// concurrent writer.
const maxApplyCycles = 3

// Session is an open connection to one host exposing the authorized_keys
// edit primitive.
type Session interface {
	ReadAuthorizedKeys(ctx context.Context) ([]model.AuthorizedKeyEntry, error)
	// AtomicApply reads the live file, applies edit and replaces the file
	// through a temporary file and a rename. It reports whether the file
	// content changed.
	AtomicApply(ctx context.Context, edit sshkey.EditFunc) (bool, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, host model.Host) (Session, error)
}

// sftpRaw is the subset of *sftp.Client used by sessions. It exists so tests
// can substitute an in-memory filesystem.
type sftpRaw interface {
	Open(path string) (io.ReadWriteCloser, error)
	Create(path string) (io.ReadWriteCloser, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Chmod(path string, mode os.FileMode) error
	PosixRename(oldpath, newpath string) error
	Remove(path string) error
	Close() error
}

// deadliner is implemented by clients whose underlying connection can carry
// an I/O deadline.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// now is swapped in tests that need stable temp file names.
var now = time.Now

// sftpSession implements Session over SFTP so that restricted accounts
// (for example command="internal-sftp") work as well.
type sftpSession struct {
	host   string
	client sshClientIface
	sftp   sftpRaw
	cfg    ConnectionConfig
}

func newSFTPSession(host string, client sshClientIface, raw sftpRaw, cfg ConnectionConfig) *sftpSession {
	return &sftpSession{host: host, client: client, sftp: raw, cfg: cfg.withDefaults()}
}

// arm bounds the next remote step by the operation timeout or the context
// deadline, whichever is earlier.
func (s *sftpSession) arm(ctx context.Context) {
	d, ok := s.client.(deadliner)
	if !ok {
		return
	}
	deadline := now().Add(s.cfg.OperationTimeout)
	if dl, has := ctx.Deadline(); has && dl.Before(deadline) {
		deadline = dl
	}
	_ = d.SetDeadline(deadline)
}

func (s *sftpSession) disarm() {
	if d, ok := s.client.(deadliner); ok {
		_ = d.SetDeadline(time.Time{})
	}
}

func (s *sftpSession) livePath() string { return s.cfg.AuthorizedKeysPath }

// readLive returns the live file content. A missing file or directory reads
// as empty.
func (s *sftpSession) readLive() ([]byte, error) {
	f, err := s.sftp.Open(s.livePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *sftpSession) ReadAuthorizedKeys(ctx context.Context) ([]model.AuthorizedKeyEntry, error) {
	s.arm(ctx)
	defer s.disarm()
	content, err := s.readLive()
	if err != nil {
		return nil, &RemoteReadError{Host: s.host, Path: s.livePath(), Err: err}
	}
	return sshkey.ParseContent(content), nil
}

func (s *sftpSession) AtomicApply(ctx context.Context, edit sshkey.EditFunc) (bool, error) {
	s.arm(ctx)
	defer s.disarm()

	for cycle := 0; cycle < maxApplyCycles; cycle++ {
		before, err := s.readLive()
		if err != nil {
			return false, &RemoteReadError{Host: s.host, Path: s.livePath(), Err: err}
		}
		out, changed, err := sshkey.Apply(before, edit)
		if err != nil {
			return false, fmt.Errorf("edit refused on %s: %w", s.host, err)
		}
		if !changed {
			return false, nil
		}

		tmp, err := s.writeTemp(out)
		if err != nil {
			return false, err
		}

		// Restart if someone else replaced the file while we were writing.
		current, err := s.readLive()
		if err != nil {
			_ = s.sftp.Remove(tmp)
			return false, &RemoteReadError{Host: s.host, Path: s.livePath(), Err: err}
		}
		if !bytes.Equal(current, before) {
			_ = s.sftp.Remove(tmp)
			continue
		}

		if err := s.sftp.PosixRename(tmp, s.livePath()); err != nil {
			_ = s.sftp.Remove(tmp)
			return false, &RemoteWriteError{Host: s.host, Path: s.livePath(), Op: "rename", Err: err}
		}
		return true, nil
	}
	return false, &RemoteWriteError{Host: s.host, Path: s.livePath(), Op: "replace", Err: ErrConcurrentModification}
}

// writeTemp uploads content next to the live file so the final rename stays
// on one filesystem.
func (s *sftpSession) writeTemp(content []byte) (string, error) {
	dir := path.Dir(s.livePath())
	if dir != "." && dir != "/" {
		_ = s.sftp.Mkdir(dir) // may already exist
		if err := s.sftp.Chmod(dir, 0700); err != nil {
			return "", &RemoteWriteError{Host: s.host, Path: dir, Op: "chmod", Err: err}
		}
	}

	tmp := path.Join(dir, fmt.Sprintf("%s.keyfleet.%d", path.Base(s.livePath()), now().UnixNano()))
	f, err := s.sftp.Create(tmp)
	if err != nil {
		return "", &RemoteWriteError{Host: s.host, Path: tmp, Op: "create", Err: err}
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = s.sftp.Remove(tmp)
		return "", &RemoteWriteError{Host: s.host, Path: tmp, Op: "write", Err: err}
	}
	if err := f.Close(); err != nil {
		_ = s.sftp.Remove(tmp)
		return "", &RemoteWriteError{Host: s.host, Path: tmp, Op: "close", Err: err}
	}
	if err := s.sftp.Chmod(tmp, 0600); err != nil {
		_ = s.sftp.Remove(tmp)
		return "", &RemoteWriteError{Host: s.host, Path: tmp, Op: "chmod", Err: err}
	}
	return tmp, nil
}

func (s *sftpSession) Close() error {
	var errs []error
	if s.sftp != nil {
		errs = append(errs, s.sftp.Close())
	}
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}
