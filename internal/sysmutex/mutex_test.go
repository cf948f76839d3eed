package sysmutex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckName(t *testing.T) {
	t.Parallel()
	for _, c := range forbiddenChars {
		name := "bad" + string(c) + "name"
		if err := CheckName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("CheckName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	if err := CheckName(""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("CheckName(\"\") = %v, want ErrInvalidName", err)
	}
	for _, name := range []string{"speedtin_benchmark", "a.b-c d", "measurement"} {
		if err := CheckName(name); err != nil {
			t.Errorf("CheckName(%q) = %v", name, err)
		}
	}
}

func TestTryAcquire(t *testing.T) {
	t.Parallel()

	t.Run("exclusive", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir()}
		m, ok, err := TryAcquire("test", opts)
		if err != nil || !ok {
			t.Fatalf("TryAcquire() = %v, %v", ok, err)
		}
		if m.Name() != "test" {
			t.Errorf("Name() = %q", m.Name())
		}
		if m.Path() != filepath.Join(opts.Dir, "test") {
			t.Errorf("Path() = %q", m.Path())
		}
		if _, ok, err := TryAcquire("test", opts); err != nil || ok {
			t.Fatalf("second TryAcquire() = %v, %v; want not acquired", ok, err)
		}
		// A different name is independent.
		other, ok, err := TryAcquire("other", opts)
		if err != nil || !ok {
			t.Fatalf("TryAcquire(other) = %v, %v", ok, err)
		}
		if err := other.Release(); err != nil {
			t.Fatal(err)
		}
		if err := m.Release(); err != nil {
			t.Fatalf("Release() failed: %v", err)
		}
		if err := m.Release(); err != nil {
			t.Fatalf("second Release() failed: %v", err)
		}
		m2, ok, err := TryAcquire("test", opts)
		if err != nil || !ok {
			t.Fatalf("TryAcquire() after release = %v, %v", ok, err)
		}
		_ = m2.Release()
	})

	t.Run("invalid name", func(t *testing.T) {
		t.Parallel()
		if _, _, err := TryAcquire("bad/name", &Options{Dir: t.TempDir()}); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("TryAcquire(bad/name) = %v", err)
		}
	})

	t.Run("leftover file", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir()}
		if err := os.WriteFile(filepath.Join(opts.Dir, "stale"), []byte("12345"), 0o600); err != nil {
			t.Fatal(err)
		}
		m, ok, err := TryAcquire("stale", opts)
		if err != nil || !ok {
			t.Fatalf("TryAcquire() over leftover file = %v, %v", ok, err)
		}
		_ = m.Release()
	})

	t.Run("release removes file", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir()}
		m, ok, err := TryAcquire("gone", opts)
		if err != nil || !ok {
			t.Fatalf("TryAcquire() = %v, %v", ok, err)
		}
		if err := m.Release(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(m.Path()); !os.IsNotExist(err) {
			t.Errorf("lock file still present: %v", err)
		}
	})

	t.Run("missing dir", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: filepath.Join(t.TempDir(), "does", "not", "exist")}
		if _, ok, err := TryAcquire("x", opts); err == nil || ok {
			t.Fatalf("TryAcquire() in missing dir = %v, %v; want error", ok, err)
		}
	})
}

func TestTimedAcquire(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir(), Attempts: 4, Interval: 25 * time.Millisecond}
		held, err := TimedAcquire(t.Context(), "busy", opts)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = held.Release() }()

		start := time.Now()
		_, err = TimedAcquire(t.Context(), "busy", opts)
		elapsed := time.Since(start)
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("TimedAcquire() = %v, want ErrLockTimeout", err)
		}
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("error %T is not *TimeoutError", err)
		}
		if te.Name != "busy" || te.Attempts != 4 {
			t.Errorf("TimeoutError = %+v", te)
		}
		if !strings.Contains(err.Error(), `"busy"`) {
			t.Errorf("error does not name the mutex: %v", err)
		}
		// Three sleeps between four attempts.
		if wantMin := 3 * opts.Interval; elapsed < wantMin || te.Elapsed < wantMin {
			t.Errorf("gave up after %s (reported %s), want >= %s", elapsed, te.Elapsed, wantMin)
		}
		if elapsed > 5*time.Second {
			t.Errorf("took %s to give up", elapsed)
		}
	})

	t.Run("waits for release", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir(), Attempts: 200, Interval: 5 * time.Millisecond}
		held, err := TimedAcquire(t.Context(), "handoff", opts)
		if err != nil {
			t.Fatal(err)
		}
		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = held.Release()
		}()
		m, err := TimedAcquire(t.Context(), "handoff", opts)
		if err != nil {
			t.Fatalf("TimedAcquire() = %v", err)
		}
		_ = m.Release()
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir(), Attempts: 1000, Interval: time.Second}
		held, err := TimedAcquire(t.Context(), "cancel", opts)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = held.Release() }()
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()
		if _, err := TimedAcquire(ctx, "cancel", opts); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("TimedAcquire() = %v, want DeadlineExceeded", err)
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		t.Parallel()
		for _, c := range forbiddenChars {
			name := "bad" + string(c) + "name"
			if _, err := TimedAcquire(t.Context(), name, &Options{Dir: t.TempDir()}); !errors.Is(err, ErrInvalidName) {
				t.Errorf("TimedAcquire(%q) = %v, want ErrInvalidName", name, err)
			}
		}
	})
}

func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("releases on error", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir(), Attempts: 1}
		want := errors.New("boom")
		if err := Do(t.Context(), "do", opts, func() error { return want }); !errors.Is(err, want) {
			t.Fatalf("Do() = %v, want %v", err, want)
		}
		assertFree(t, "do", opts)
	})

	t.Run("releases on panic", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir(), Attempts: 1}
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic")
				}
			}()
			_ = Do(t.Context(), "panic", opts, func() error { panic("boom") })
		}()
		assertFree(t, "panic", opts)
	})

	t.Run("mutual exclusion", func(t *testing.T) {
		t.Parallel()
		opts := &Options{Dir: t.TempDir(), Attempts: 5000, Interval: time.Millisecond}
		var inside, maxInside atomic.Int32
		counter := 0
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 10 {
					err := Do(t.Context(), "shared", opts, func() error {
						n := inside.Add(1)
						if n > maxInside.Load() {
							maxInside.Store(n)
						}
						counter++
						time.Sleep(100 * time.Microsecond)
						inside.Add(-1)
						return nil
					})
					if err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
		wg.Wait()
		if got := maxInside.Load(); got != 1 {
			t.Errorf("%d goroutines held the mutex at once", got)
		}
		if counter != 80 {
			t.Errorf("counter = %d, want 80", counter)
		}
	})
}

func assertFree(t *testing.T, name string, opts *Options) {
	t.Helper()
	m, ok, err := TryAcquire(name, opts)
	if err != nil || !ok {
		t.Fatalf("mutex %q was not released: %v, %v", name, ok, err)
	}
	_ = m.Release()
}
