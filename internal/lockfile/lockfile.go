// Package lockfile provides cross-process advisory locks built on flock(2).
// A lock is held for as long as its file descriptor stays open; closing the
// descriptor releases it even if the process dies.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned by TryAcquire when another process holds the lock.
var ErrBusy = fmt.Errorf("lock is held by another process")

// Lock is an acquired advisory lock. Release it exactly once.
type Lock struct {
	path string
	file *os.File
}

func open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	return f, nil
}

// Acquire takes the exclusive lock at path, blocking until it is available.
func Acquire(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	return &Lock{path: path, file: f}, nil
}

// TryAcquire takes the exclusive lock at path without blocking. If another
// process holds it, ErrBusy is returned.
func TryAcquire(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock by closing its descriptor. Safe to call on a nil
// lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }
