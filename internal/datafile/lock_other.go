//go:build !unix

package datafile

import (
	"context"
	"fmt"
	"os"
	"time"
)

// fileLock only materializes the lock file on platforms without flock;
// concurrent processes are not serialized there.
type fileLock struct {
	f *os.File
}

func acquireLock(_ context.Context, path string, _ bool, _, _ time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
