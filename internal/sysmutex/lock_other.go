//go:build !unix

// Lock strategy based on exclusive file creation, for platforms without flock.
// It relies on the OS refusing to delete a file another process keeps open,
// which is what Windows does.

package sysmutex

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
)

type lockFile struct {
	f    *os.File
	path string
}

func tryLock(path string) (*lockFile, error) {
	// Clears a file left over by an owner that died. This fails while a live
	// owner still has the file open.
	_ = os.Remove(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o666)
	if err != nil {
		if errors.Is(err, fs.ErrExist) || errors.Is(err, fs.ErrPermission) {
			return nil, errBusy
		}
		return nil, err
	}
	// The PID is only informational.
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return &lockFile{f: f, path: path}, nil
}

func (l *lockFile) unlock() error {
	err := l.f.Close()
	_ = os.Remove(l.path)
	return err
}
