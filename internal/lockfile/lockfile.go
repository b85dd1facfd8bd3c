// Package lockfile guards a project state directory against concurrent
// daemons. Two agents gathering the same project would race each other
// over tracker and export state, so the daemon holds an exclusive file
// lock for its lifetime. The lock is advisory and dies with the
// process; a crashed daemon never leaves a stale lock behind.
package lockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grip-on-software/data-gathering-sub000/internal/types"
)

// errHeld marks flock contention, as opposed to an I/O failure.
var errHeld = errors.New("lock held elsewhere")

// Lock is a held daemon lock. Release it when the daemon stops.
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive lock at path without blocking. A lock
// held by another daemon is reported as ErrLockContention, naming the
// holder's pid when it can be read.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 -- path derived from validated configuration
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		pid := readPid(f)
		_ = f.Close()
		if errors.Is(err, errHeld) {
			if pid > 0 {
				return nil, fmt.Errorf("%w: agent daemon already running (pid %d)", types.ErrLockContention, pid)
			}
			return nil, fmt.Errorf("%w: agent daemon already running", types.ErrLockContention)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	// The pid is diagnostic only; the flock itself is the lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. The file stays behind; re-acquiring truncates
// it. Safe to call on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

func readPid(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
