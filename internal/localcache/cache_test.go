package localcache

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/maruel/speedtin/internal/sysmutex"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "data"), &Options{
		Lock: sysmutex.Options{Dir: t.TempDir(), Attempts: 2000, Interval: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

// names returns the "name" field of every record of bucket.
func names(t *testing.T, c *Cache, bucket string) []string {
	t.Helper()
	var out []string
	err := c.Update(t.Context(), bucket, func(b *Bucket) error {
		for h := range b.All() {
			var v struct {
				Name string `json:"name"`
			}
			if err := h.DecodeData(&v); err != nil {
				return err
			}
			out = append(out, v.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	return out
}

func add(t *testing.T, c *Cache, bucket string, data any) bool {
	t.Helper()
	added, err := c.Add(t.Context(), bucket, data, nil)
	if err != nil {
		t.Fatalf("Add(%v) failed: %v", data, err)
	}
	return added
}

func TestAdd(t *testing.T) {
	t.Parallel()

	t.Run("dedup", func(t *testing.T) {
		t.Parallel()
		c := newCache(t)
		if !add(t, c, "benchmark", map[string]any{"name": "bench1", "n": 1}) {
			t.Fatal("first Add() reported a duplicate")
		}
		// Same content, different key order and number spelling.
		if add(t, c, "benchmark", json.RawMessage(`{"n": 1.0, "name": "bench1"}`)) {
			t.Error("Add() of equal data was not deduplicated")
		}
		if !add(t, c, "benchmark", map[string]any{"name": "bench1", "n": 2}) {
			t.Error("Add() of different data was deduplicated")
		}
		if add(t, c, "benchmark", json.RawMessage(`{"n": 2e0, "name": "bench1"}`)) {
			t.Error("Add() of an equal exponent form was not deduplicated")
		}
		// Integers beyond float64 precision stay distinct.
		if !add(t, c, "benchmark", json.RawMessage(`{"id": 9007199254740993}`)) {
			t.Error("first large integer reported a duplicate")
		}
		if !add(t, c, "benchmark", json.RawMessage(`{"id": 9007199254740992}`)) {
			t.Error("Add() of a distinct large integer was deduplicated")
		}
		// A number never equals its string spelling.
		if !add(t, c, "benchmark", json.RawMessage(`{"id": "9007199254740992"}`)) {
			t.Error("Add() of a string id was deduplicated against a number")
		}
		// Buckets are independent.
		if !add(t, c, "other", map[string]any{"name": "bench1", "n": 1}) {
			t.Error("Add() to another bucket was deduplicated")
		}
		b, err := c.Load(t.Context(), "benchmark")
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = b.Close() }()
		if b.Len() != 5 {
			t.Errorf("Len() = %d, want 5", b.Len())
		}
	})

	t.Run("order", func(t *testing.T) {
		t.Parallel()
		c := newCache(t)
		want := []string{"c", "a", "b", "d"}
		for _, n := range want {
			add(t, c, "benchmark", map[string]string{"name": n})
		}
		if diff := cmp.Diff(want, names(t, c, "benchmark")); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("file format", func(t *testing.T) {
		t.Parallel()
		c := newCache(t)
		add(t, c, "benchmark", map[string]string{"name": "bench1"})
		if _, err := c.Add(t.Context(), "benchmark", map[string]string{"name": "bench2"}, map[string]int{"id": 3}); err != nil {
			t.Fatal(err)
		}
		raw, err := os.ReadFile(c.Path("benchmark"))
		if err != nil {
			t.Fatal(err)
		}
		var got []map[string]any
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("bucket file is not a JSON array: %v\n%s", err, raw)
		}
		want := []map[string]any{
			{"rest_data": "", "data": map[string]any{"name": "bench1"}},
			{"rest_data": map[string]any{"id": 3.0}, "data": map[string]any{"name": "bench2"}},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("file mismatch (-want +got):\n%s", diff)
		}
		entries, err := os.ReadDir(c.Dir())
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if IsTemp(e.Name()) {
				t.Errorf("leftover temp file %s", e.Name())
			}
		}
	})

	t.Run("unmarshalable", func(t *testing.T) {
		t.Parallel()
		c := newCache(t)
		if _, err := c.Add(t.Context(), "benchmark", make(chan int), nil); err == nil {
			t.Fatal("Add(chan) succeeded")
		}
	})
}

func TestInvalidName(t *testing.T) {
	t.Parallel()
	c := newCache(t)
	for _, name := range []string{"", ".hidden", "a/b", `a\b`, "a:b", "a*b", "a?b", `a"b`, "a<b", "a>b", "a|b"} {
		if _, err := c.Add(t.Context(), name, 1, nil); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Add(%q) = %v, want ErrInvalidName", name, err)
		}
		if _, err := c.Load(t.Context(), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Load(%q) = %v, want ErrInvalidName", name, err)
		}
		if err := c.Clear(t.Context(), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Clear(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	c := newCache(t)
	if err := c.Clear(t.Context(), "measurement"); err != nil {
		t.Fatalf("Clear() of missing bucket failed: %v", err)
	}
	add(t, c, "measurement", 1)
	add(t, c, "benchmark", 1)
	if err := c.Clear(t.Context(), "measurement"); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if _, err := os.Stat(c.Path("measurement")); !os.IsNotExist(err) {
		t.Errorf("bucket file still present: %v", err)
	}
	if !add(t, c, "measurement", 1) {
		t.Error("record survived Clear()")
	}
	if add(t, c, "benchmark", 1) {
		t.Error("Clear() touched another bucket")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	all := []string{"a", "b", "c", "d", "e"}
	for _, tc := range []struct {
		name   string
		remove map[string]bool
	}{
		{"none", nil},
		{"first", map[string]bool{"a": true}},
		{"last", map[string]bool{"e": true}},
		{"consecutive", map[string]bool{"b": true, "c": true, "d": true}},
		{"alternate", map[string]bool{"a": true, "c": true, "e": true}},
		{"all", map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newCache(t)
			for _, n := range all {
				add(t, c, "bucket", map[string]string{"name": n})
			}
			var visited []string
			err := c.Update(t.Context(), "bucket", func(b *Bucket) error {
				for h := range b.All() {
					var v struct {
						Name string `json:"name"`
					}
					if err := h.DecodeData(&v); err != nil {
						return err
					}
					visited = append(visited, v.Name)
					if tc.remove[v.Name] {
						if err := h.Remove(); err != nil {
							return err
						}
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Update() failed: %v", err)
			}
			if diff := cmp.Diff(all, visited); diff != "" {
				t.Errorf("visited mismatch (-want +got):\n%s", diff)
			}
			var want []string
			for _, n := range all {
				if !tc.remove[n] {
					want = append(want, n)
				}
			}
			if diff := cmp.Diff(want, names(t, c, "bucket")); diff != "" {
				t.Errorf("remaining mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRestData(t *testing.T) {
	t.Parallel()
	c := newCache(t)
	for _, n := range []string{"bench1", "bench2", "bench3"} {
		add(t, c, "benchmark", map[string]string{"name": n})
	}
	err := c.Update(t.Context(), "benchmark", func(b *Bucket) error {
		for h := range b.All() {
			if h.HasRestData() {
				t.Errorf("new record has rest data: %s", h.Data())
			}
			if _, err := h.RestData(); !errors.Is(err, ErrNoRestData) {
				t.Errorf("RestData() = %v, want ErrNoRestData", err)
			}
			var v struct {
				Name string `json:"name"`
			}
			if err := h.DecodeData(&v); err != nil {
				return err
			}
			if v.Name == "bench2" {
				continue
			}
			if err := h.SetRestData(map[string]any{"id": len(v.Name), "name": v.Name}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	// A new scope sees the persisted responses.
	got := map[string]bool{}
	err = c.Update(t.Context(), "benchmark", func(b *Bucket) error {
		for h := range b.All() {
			var v struct {
				Name string `json:"name"`
			}
			if err := h.DecodeData(&v); err != nil {
				return err
			}
			got[v.Name] = h.HasRestData()
			if h.HasRestData() {
				var rest struct {
					ID   int    `json:"id"`
					Name string `json:"name"`
				}
				if err := h.DecodeRestData(&rest); err != nil {
					return err
				}
				if rest.Name != v.Name || rest.ID != 6 {
					t.Errorf("rest data = %+v", rest)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"bench1": true, "bench2": false, "bench3": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("HasRestData mismatch (-want +got):\n%s", diff)
	}
}

func TestBreakPersists(t *testing.T) {
	t.Parallel()
	c := newCache(t)
	for _, n := range []string{"a", "b", "c"} {
		add(t, c, "bucket", map[string]string{"name": n})
	}
	err := c.Update(t.Context(), "bucket", func(b *Bucket) error {
		for h := range b.All() {
			if err := h.Remove(); err != nil {
				return err
			}
			break
		}
		if b.Len() != 5 {
			t.Errorf("Len() = %d, want 5", b.Len())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, names(t, c, "bucket")); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}
}

func TestHasRestData(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		raw  string
		want bool
	}{
		{``, false},
		{`null`, false},
		{`""`, false},
		{`false`, false},
		{`0`, false},
		{`0.0`, false},
		{`[]`, false},
		{`{}`, false},
		{`"x"`, true},
		{`true`, true},
		{`-1`, true},
		{`[0]`, true},
		{`{"id": 1}`, true},
	} {
		h := &Handle{rec: &record{RestData: json.RawMessage(tc.raw)}}
		if got := h.HasRestData(); got != tc.want {
			t.Errorf("HasRestData(%s) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestHandleOutOfScope(t *testing.T) {
	t.Parallel()
	c := newCache(t)
	add(t, c, "bucket", 1)
	add(t, c, "bucket", 2)
	b, err := c.Load(t.Context(), "bucket")
	if err != nil {
		t.Fatal(err)
	}
	var first *Handle
	for h := range b.All() {
		if first == nil {
			first = h
			continue
		}
		if err := first.SetRestData("late"); !errors.Is(err, ErrClosed) {
			t.Errorf("SetRestData() on a past handle = %v, want ErrClosed", err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if err := first.Remove(); !errors.Is(err, ErrClosed) {
		t.Errorf("Remove() after Close() = %v, want ErrClosed", err)
	}
	n := 0
	for range b.All() {
		n++
	}
	if n != 0 {
		t.Errorf("All() after Close() yielded %d handles", n)
	}
}

func TestCorrupt(t *testing.T) {
	t.Parallel()
	for _, content := range []string{`{"not": "an array"}`, `[1, 2`, `[null]`, `garbage`} {
		t.Run(content, func(t *testing.T) {
			t.Parallel()
			c := newCache(t)
			if err := os.WriteFile(c.Path("bucket"), []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			var se *StorageError
			if _, err := c.Add(t.Context(), "bucket", 1, nil); !errors.As(err, &se) {
				t.Fatalf("Add() = %v, want *StorageError", err)
			}
			if se.Bucket != "bucket" || se.Path != c.Path("bucket") {
				t.Errorf("StorageError = %+v", se)
			}
			if _, err := c.Load(t.Context(), "bucket"); !errors.As(err, &se) {
				t.Fatalf("Load() = %v, want *StorageError", err)
			}
			// The failed Load released the mutex.
			if err := c.Clear(t.Context(), "bucket"); err != nil {
				t.Fatalf("Clear() failed: %v", err)
			}
		})
	}

	t.Run("empty file", func(t *testing.T) {
		t.Parallel()
		c := newCache(t)
		if err := os.WriteFile(c.Path("bucket"), []byte("\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if !add(t, c, "bucket", 1) {
			t.Error("Add() to empty file was deduplicated")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		t.Parallel()
		c := newCache(t)
		if err := os.WriteFile(c.Path("bucket"), []byte(`[{"data": 1}, {}]`), 0o600); err != nil {
			t.Fatal(err)
		}
		b, err := c.Load(t.Context(), "bucket")
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = b.Close() }()
		for h := range b.All() {
			if h.HasRestData() {
				t.Errorf("record %s has rest data", h.Data())
			}
		}
	})
}

func TestLoadTimeout(t *testing.T) {
	t.Parallel()
	lockDir := t.TempDir()
	c, err := New(t.TempDir(), &Options{Lock: sysmutex.Options{Dir: lockDir, Attempts: 2, Interval: time.Millisecond}, MutexPrefix: "test_"})
	if err != nil {
		t.Fatal(err)
	}
	held, err := c.Load(t.Context(), "bucket")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(lockDir, "test_bucket")); err != nil {
		t.Errorf("mutex file not found: %v", err)
	}
	if _, err := c.Load(t.Context(), "bucket"); !errors.Is(err, sysmutex.ErrLockTimeout) {
		t.Errorf("nested Load() = %v, want ErrLockTimeout", err)
	}
	if _, err := c.Add(t.Context(), "bucket", 1, nil); !errors.Is(err, sysmutex.ErrLockTimeout) {
		t.Errorf("Add() while held = %v, want ErrLockTimeout", err)
	}
	if err := held.Close(); err != nil {
		t.Fatal(err)
	}
	if !add(t, c, "bucket", 1) {
		t.Error("Add() after Close() failed")
	}
}

func TestUpdateJoinsErrors(t *testing.T) {
	t.Parallel()
	c := newCache(t)
	want := errors.New("boom")
	if err := c.Update(t.Context(), "bucket", func(*Bucket) error { return want }); !errors.Is(err, want) {
		t.Fatalf("Update() = %v, want %v", err, want)
	}
	// The mutex was released.
	if !add(t, c, "bucket", 1) {
		t.Error("Add() after failed Update() was deduplicated")
	}
}

func TestConcurrentGoroutines(t *testing.T) {
	t.Parallel()
	c := newCache(t)
	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				if _, err := c.Add(t.Context(), "bucket", []int{w, i}, nil); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	b, err := c.Load(t.Context(), "bucket")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.Close() }()
	if b.Len() != workers*perWorker {
		t.Errorf("Len() = %d, want %d", b.Len(), workers*perWorker)
	}
}

const (
	helperEnvData = "SPEEDTIN_TEST_HELPER_DATA"
	helperEnvLock = "SPEEDTIN_TEST_HELPER_LOCK"
	helperEnvID   = "SPEEDTIN_TEST_HELPER_ID"
	helperRecords = 25
)

// TestHelperProcess is run in child processes by TestConcurrentProcesses.
func TestHelperProcess(t *testing.T) {
	dataDir := os.Getenv(helperEnvData)
	if dataDir == "" {
		t.Skip("helper process only")
	}
	c, err := New(dataDir, &Options{Lock: sysmutex.Options{Dir: os.Getenv(helperEnvLock), Attempts: 20000, Interval: time.Millisecond}})
	if err != nil {
		t.Fatal(err)
	}
	id := os.Getenv(helperEnvID)
	for i := range helperRecords {
		if _, err := c.Add(t.Context(), "bucket", fmt.Sprintf("%s-%d", id, i), nil); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConcurrentProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	t.Parallel()
	dataDir := t.TempDir()
	lockDir := t.TempDir()
	const procs = 4
	var wg sync.WaitGroup
	for p := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd := exec.CommandContext(t.Context(), os.Args[0], "-test.run=^TestHelperProcess$", "-test.count=1")
			cmd.Env = append(os.Environ(),
				helperEnvData+"="+dataDir,
				helperEnvLock+"="+lockDir,
				helperEnvID+"="+strconv.Itoa(p),
			)
			if out, err := cmd.CombinedOutput(); err != nil {
				t.Errorf("helper %d failed: %v\n%s", p, err, out)
			}
		}()
	}
	wg.Wait()

	c, err := New(dataDir, &Options{Lock: sysmutex.Options{Dir: lockDir}})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	err = c.Update(t.Context(), "bucket", func(b *Bucket) error {
		for h := range b.All() {
			var s string
			if err := h.DecodeData(&s); err != nil {
				return err
			}
			if seen[s] {
				t.Errorf("record %q stored twice", s)
			}
			seen[s] = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != procs*helperRecords {
		t.Errorf("got %d records, want %d; updates were lost", len(seen), procs*helperRecords)
	}
}
