package lock

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLocker takes an advisory flock on "<path>.lock". The lock file is left
// in place on release.
type FileLocker struct{}

func NewFileLocker() *FileLocker {
	return &FileLocker{}
}

func (l *FileLocker) AcquireLock(ctx context.Context, path string) (Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := path + ".lock"
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}

	return &fileLock{file: f}, nil
}

type fileLock struct {
	file *os.File
}

func (l *fileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err = errors.Join(err, l.file.Close())
	l.file = nil
	return err
}
