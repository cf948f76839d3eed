//go:build unix

// Lock strategy based on flock(2).

package sysmutex

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

type lockFile struct {
	f    *os.File
	path string
}

func tryLock(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666) //nolint:gosec // G302: lock files are shared between users of the host
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd()) //nolint:gosec // G115: descriptors fit in an int
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil, errBusy
		}
		return nil, &os.PathError{Op: "flock", Path: path, Err: err}
	}
	// A releasing owner unlinks the file while still holding the lock. If we
	// locked an inode that is no longer at path, somebody else may lock the
	// new file, so this attempt does not count.
	same, err := sameFile(f, path)
	if err != nil || !same {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		return nil, errBusy
	}
	return &lockFile{f: f, path: path}, nil
}

func sameFile(f *os.File, path string) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	pi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(fi, pi), nil
}

// unlock removes the file before unlocking it; see tryLock.
func (l *lockFile) unlock() error {
	_ = os.Remove(l.path)
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN) //nolint:gosec // G115: descriptors fit in an int
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
