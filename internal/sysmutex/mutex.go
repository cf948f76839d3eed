// Package sysmutex provides a named mutex shared by every process on the host.
//
// # Overview
//
// A mutex is a lock file in a shared directory (os.TempDir by default). On
// unix the file is locked with flock(2); elsewhere the exclusive creation of
// the file is the lock signal. Both strategies expose the same API:
// [TryAcquire], [TimedAcquire], [Do] and [Mutex.Release].
//
// # Semantics
//
// The mutex is advisory and host-local. It is not reentrant: acquiring a name
// already held by the same process reports "not acquired", so nesting the same
// name inside one operation is a bug that ends in a timeout.
//
// A process that dies while holding a mutex releases it only because the OS
// closes its descriptors. There is no finalizer; use [Do] or defer
// [Mutex.Release].
package sysmutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maruel/speedtin/internal/metrics"
)

// Defaults used when Options leaves a field at its zero value.
const (
	DefaultAttempts = 20
	DefaultInterval = 500 * time.Millisecond
)

// forbiddenChars cannot appear in a mutex name since the name becomes a file
// name on every supported platform.
const forbiddenChars = `*?"<>|/\:`

var (
	// ErrInvalidName is returned for names that are empty or contain a
	// character that is not valid in a file name.
	ErrInvalidName = errors.New("invalid mutex name")
	// ErrLockTimeout matches every *TimeoutError.
	ErrLockTimeout = errors.New("timed out acquiring mutex")

	errBusy = errors.New("mutex held by another owner")
)

// TimeoutError is returned by TimedAcquire when all attempts failed.
type TimeoutError struct {
	Name     string
	Attempts int
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not get mutex %q after %d attempts (%s)", e.Name, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrLockTimeout) work.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// Options configures where lock files live and how long TimedAcquire polls.
type Options struct {
	// Dir holds the lock files. Defaults to os.TempDir().
	Dir string
	// Attempts is the number of TryAcquire calls made by TimedAcquire.
	Attempts int
	// Interval is the sleep between two failed attempts.
	Interval time.Duration
}

func (o *Options) dir() string {
	if o == nil || o.Dir == "" {
		return os.TempDir()
	}
	return o.Dir
}

func (o *Options) attempts() int {
	if o == nil || o.Attempts <= 0 {
		return DefaultAttempts
	}
	return o.Attempts
}

func (o *Options) interval() time.Duration {
	if o == nil || o.Interval <= 0 {
		return DefaultInterval
	}
	return o.Interval
}

// CheckName returns ErrInvalidName if name cannot be used as a mutex name.
func CheckName(name string) error {
	if name == "" || strings.ContainsAny(name, forbiddenChars) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Mutex is a held system mutex.
type Mutex struct {
	name string
	path string

	mu       sync.Mutex
	lock     *lockFile
	released bool
}

// Name returns the mutex name.
func (m *Mutex) Name() string {
	return m.name
}

// Path returns the lock file backing the mutex.
func (m *Mutex) Path() string {
	return m.path
}

// Release releases the mutex. Only the first call has an effect; later calls
// return nil.
func (m *Mutex) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil
	}
	m.released = true
	if err := m.lock.unlock(); err != nil {
		return fmt.Errorf("failed to release mutex %q: %w", m.name, err)
	}
	slog.Debug("Released mutex", "name", m.name)
	return nil
}

// TryAcquire makes a single non-blocking attempt to take the mutex.
//
// It returns acquired == false and a nil error when another owner holds the
// mutex. An error is returned for invalid names and unexpected I/O failures.
func TryAcquire(name string, opts *Options) (*Mutex, bool, error) {
	if err := CheckName(name); err != nil {
		return nil, false, err
	}
	path := filepath.Join(opts.dir(), name)
	l, err := tryLock(path)
	if errors.Is(err, errBusy) {
		metrics.LockAttempts.WithLabelValues("busy").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	metrics.LockAttempts.WithLabelValues("acquired").Inc()
	return &Mutex{name: name, path: path, lock: l}, true, nil
}

// TimedAcquire calls TryAcquire up to opts.Attempts times, sleeping
// opts.Interval between failures.
//
// It returns a *TimeoutError when every attempt failed and ctx.Err() when ctx
// is canceled while waiting.
func TimedAcquire(ctx context.Context, name string, opts *Options) (*Mutex, error) {
	attempts := opts.attempts()
	interval := opts.interval()
	start := time.Now()
	for i := range attempts {
		m, ok, err := TryAcquire(name, opts)
		if err != nil {
			return nil, err
		}
		if ok {
			metrics.LockWait.Observe(time.Since(start).Seconds())
			slog.DebugContext(ctx, "Acquired mutex", "name", name, "attempt", i+1)
			return m, nil
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	metrics.LockTimeouts.Inc()
	return nil, &TimeoutError{Name: name, Attempts: attempts, Elapsed: time.Since(start)}
}

// Do runs fn while holding the named mutex. The mutex is released on every
// exit path of fn, including a panic.
func Do(ctx context.Context, name string, opts *Options, fn func() error) (err error) {
	m, err := TimedAcquire(ctx, name, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn()
}
