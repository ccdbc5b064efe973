//go:build unix

package datafile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vk/aqlbuild/internal/errkind"
	"golang.org/x/sys/unix"
)

// fileLock is an advisory flock held on a sibling lock file.
type fileLock struct {
	f *os.File
}

func acquireLock(ctx context.Context, path string, exclusive bool, timeout, interval time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		// A read-only directory still allows shared access without a lock.
		if !exclusive && errors.Is(err, os.ErrPermission) {
			return &fileLock{}, nil
		}
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return nil, errkind.New(errkind.ErrLockTimeout, "%s still locked after %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, errkind.Wrap(errkind.ErrLockTimeout, ctx.Err(), "waiting for %s", path)
		case <-ticker.C:
		}
	}
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("unlocking %s: %w", l.f.Name(), err)
	}
	return l.f.Close()
}
