package localcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
	"github.com/maruel/speedtin/internal/metrics"
	"github.com/maruel/speedtin/internal/sysmutex"
)

// DefaultMutexPrefix is prepended to the bucket name to form its mutex name.
const DefaultMutexPrefix = "speedtin_"

// tmpPrefix marks in-flight writes. Bucket names cannot start with it.
const tmpPrefix = "."

var (
	// ErrInvalidName is returned for bucket names that cannot be used as a
	// file name or a mutex name.
	ErrInvalidName = sysmutex.ErrInvalidName
	// ErrNoRestData is returned by Handle.RestData when the record was not
	// synced.
	ErrNoRestData = errors.New("record has no rest data")
	// ErrClosed is returned when mutating a handle outside of its scope.
	ErrClosed = errors.New("bucket scope is closed")
)

// StorageError reports a failure reading or writing a bucket file.
type StorageError struct {
	Op     string
	Bucket string
	Path   string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s bucket %q (%s): %v", e.Op, e.Bucket, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Options configures a Cache.
type Options struct {
	// Lock configures the mutexes guarding the buckets.
	Lock sysmutex.Options
	// MutexPrefix defaults to DefaultMutexPrefix.
	MutexPrefix string
}

// Cache is a directory of buckets.
type Cache struct {
	dir    string
	lock   sysmutex.Options
	prefix string
}

// New returns a Cache rooted at dir, creating the directory if needed.
func New(dir string, opts *Options) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("localcache: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: the data dir is shared with other tools of the user
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	c := &Cache{dir: dir, prefix: DefaultMutexPrefix}
	if opts != nil {
		c.lock = opts.Lock
		if opts.MutexPrefix != "" {
			c.prefix = opts.MutexPrefix
		}
	}
	return c, nil
}

// Dir returns the directory holding the bucket files.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the file backing bucket.
func (c *Cache) Path(bucket string) string {
	return filepath.Join(c.dir, bucket)
}

// IsTemp reports whether name is an in-flight write rather than a bucket.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), tmpPrefix)
}

func (c *Cache) check(bucket string) error {
	if bucket == "" || strings.HasPrefix(bucket, tmpPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidName, bucket)
	}
	return sysmutex.CheckName(c.prefix + bucket)
}

func (c *Cache) do(ctx context.Context, bucket string, fn func() error) error {
	if err := c.check(bucket); err != nil {
		return err
	}
	return sysmutex.Do(ctx, c.prefix+bucket, &c.lock, fn)
}

// Add appends a record to bucket unless a record with equal data exists.
//
// Equality is structural: both values are compared after a JSON round trip.
// Numbers compare by exact value, so 1 equals 1.0 but 2^53 and 2^53+1 differ.
// A nil restData is stored as "". It returns true when the record was added.
func (c *Cache) Add(ctx context.Context, bucket string, data, restData any) (bool, error) {
	rawData, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal data: %w", err)
	}
	if restData == nil {
		restData = ""
	}
	rawRest, err := json.Marshal(restData)
	if err != nil {
		return false, fmt.Errorf("failed to marshal rest data: %w", err)
	}
	want, err := decodeExact(rawData)
	if err != nil {
		return false, fmt.Errorf("failed to decode data: %w", err)
	}
	added := false
	err = c.do(ctx, bucket, func() error {
		path := c.Path(bucket)
		records, err := readRecords(bucket, path)
		if err != nil {
			return err
		}
		for _, r := range records {
			if got, err := decodeExact(r.Data); err == nil && reflect.DeepEqual(got, want) {
				return nil
			}
		}
		records = append(records, &record{RestData: rawRest, Data: rawData})
		if err := writeRecords(bucket, path, records); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if added {
		metrics.CacheRecords.WithLabelValues(bucket, "added").Inc()
		slog.DebugContext(ctx, "Buffered record", "bucket", bucket)
	} else {
		metrics.CacheRecords.WithLabelValues(bucket, "duplicate").Inc()
		slog.DebugContext(ctx, "Skipped duplicate record", "bucket", bucket)
	}
	return added, nil
}

// exactNumber is a JSON number in canonical rational form. It never compares
// equal to a string.
type exactNumber string

// decodeExact decodes raw into generic values, keeping numbers exact.
func decodeExact(raw []byte) (any, error) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	return canonicalNumbers(v), nil
}

func canonicalNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if r, ok := new(big.Rat).SetString(string(t)); ok {
			return exactNumber(r.RatString())
		}
		return exactNumber(t)
	case map[string]any:
		for k, e := range t {
			t[k] = canonicalNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = canonicalNumbers(e)
		}
	}
	return v
}

// Clear deletes every record of bucket.
func (c *Cache) Clear(ctx context.Context, bucket string) error {
	return c.do(ctx, bucket, func() error {
		path := c.Path(bucket)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &StorageError{Op: "clear", Bucket: bucket, Path: path, Err: err}
		}
		slog.DebugContext(ctx, "Cleared bucket", "bucket", bucket)
		return nil
	})
}

// Load opens an iteration scope over bucket. The bucket's mutex is held until
// Bucket.Close is called.
func (c *Cache) Load(ctx context.Context, bucket string) (*Bucket, error) {
	if err := c.check(bucket); err != nil {
		return nil, err
	}
	m, err := sysmutex.TimedAcquire(ctx, c.prefix+bucket, &c.lock)
	if err != nil {
		return nil, err
	}
	path := c.Path(bucket)
	records, err := readRecords(bucket, path)
	if err != nil {
		return nil, errors.Join(err, m.Release())
	}
	return &Bucket{name: bucket, path: path, mutex: m, records: records}, nil
}

// Update runs fn inside a Load scope and closes it on every path.
//
// The returned error joins fn's error, the first persistence failure and the
// release failure, if any.
func (c *Cache) Update(ctx context.Context, bucket string, fn func(*Bucket) error) error {
	b, err := c.Load(ctx, bucket)
	if err != nil {
		return err
	}
	defer func() {
		_ = b.Close()
	}()
	err = fn(b)
	return errors.Join(err, b.Err(), b.Close())
}

//

type record struct {
	RestData json.RawMessage `json:"rest_data"`
	Data     json.RawMessage `json:"data"`
}

var emptyString = json.RawMessage(`""`)

func readRecords(bucket, path string) ([]*record, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path is built from a validated bucket name
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StorageError{Op: "read", Bucket: bucket, Path: path, Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var records []*record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, &StorageError{Op: "decode", Bucket: bucket, Path: path, Err: err}
	}
	for i, r := range records {
		if r == nil {
			return nil, &StorageError{Op: "decode", Bucket: bucket, Path: path, Err: fmt.Errorf("record %d is null", i)}
		}
		if len(r.RestData) == 0 {
			r.RestData = emptyString
		}
		if len(r.Data) == 0 {
			r.Data = json.RawMessage("null")
		}
	}
	return records, nil
}

func writeRecords(bucket, path string, records []*record) error {
	if records == nil {
		records = []*record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return &StorageError{Op: "encode", Bucket: bucket, Path: path, Err: err}
	}
	f, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &StorageError{Op: "write", Bucket: bucket, Path: path, Err: err}
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &StorageError{Op: "write", Bucket: bucket, Path: path, Err: errors.Join(err, os.Remove(tmp))}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &StorageError{Op: "write", Bucket: bucket, Path: path, Err: errors.Join(err, os.Remove(tmp))}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "write", Bucket: bucket, Path: path, Err: errors.Join(err, os.Remove(tmp))}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &StorageError{Op: "write", Bucket: bucket, Path: path, Err: errors.Join(err, os.Remove(tmp))}
	}
	metrics.CacheSnapshots.WithLabelValues(bucket).Inc()
	return nil
}
