package localcache

import (
	"bytes"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/maruel/speedtin/internal/sysmutex"
)

// Bucket is an open scope over one bucket. It holds the bucket's mutex until
// Close is called. A Bucket is not safe for concurrent use.
type Bucket struct {
	name  string
	path  string
	mutex *sysmutex.Mutex

	records []*record
	err     error

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Len returns the number of records currently in the bucket.
func (b *Bucket) Len() int {
	return len(b.records)
}

// Err returns the first error that stopped an iteration.
func (b *Bucket) Err() error {
	return b.err
}

// Close releases the bucket's mutex. It is safe to call more than once.
func (b *Bucket) Close() error {
	b.closeOnce.Do(func() {
		b.closed = true
		b.closeErr = b.mutex.Release()
	})
	return b.closeErr
}

// All yields a handle per record in stored order.
//
// Changes made through a handle are applied once the loop body returns for
// it, including when the loop breaks: a removed record is dropped without
// skipping the next one, then the whole bucket is written. A write failure
// ends the iteration; see Err.
func (b *Bucket) All() iter.Seq[*Handle] {
	return func(yield func(*Handle) bool) {
		if b.closed || b.err != nil {
			return
		}
		for i := 0; i < len(b.records); {
			h := &Handle{bucket: b, rec: b.records[i]}
			more := yield(h)
			h.done = true
			switch {
			case h.removed:
				b.records = slices.Delete(b.records, i, i+1)
			case h.changed:
				i++
			default:
				i++
				if !more {
					return
				}
				continue
			}
			if err := writeRecords(b.name, b.path, b.records); err != nil {
				b.err = err
				return
			}
			if !more {
				return
			}
		}
	}
}

// Handle is a view over one record during an iteration step of Bucket.All.
//
// Mutations are accepted until the loop body returns for this handle.
type Handle struct {
	bucket  *Bucket
	rec     *record
	changed bool
	removed bool
	done    bool
}

// Data returns the record's payload.
func (h *Handle) Data() json.RawMessage {
	return h.rec.Data
}

// DecodeData unmarshals the record's payload into v.
func (h *Handle) DecodeData(v any) error {
	if err := json.Unmarshal(h.rec.Data, v); err != nil {
		return fmt.Errorf("failed to decode record of bucket %q: %w", h.bucket.name, err)
	}
	return nil
}

// HasRestData reports whether the record holds a server response. Empty or
// falsy JSON values (null, "", false, 0, [] and {}) count as absent.
func (h *Handle) HasRestData() bool {
	return truthy(h.rec.RestData)
}

// RestData returns the server response stored with the record, or
// ErrNoRestData.
func (h *Handle) RestData() (json.RawMessage, error) {
	if !h.HasRestData() {
		return nil, ErrNoRestData
	}
	return h.rec.RestData, nil
}

// DecodeRestData unmarshals the server response into v.
func (h *Handle) DecodeRestData(v any) error {
	raw, err := h.RestData()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode rest data of bucket %q: %w", h.bucket.name, err)
	}
	return nil
}

// SetRestData replaces the server response stored with the record.
func (h *Handle) SetRestData(v any) error {
	if err := h.check(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal rest data: %w", err)
	}
	h.rec.RestData = raw
	h.changed = true
	return nil
}

// Remove deletes the record from the bucket.
func (h *Handle) Remove() error {
	if err := h.check(); err != nil {
		return err
	}
	h.removed = true
	return nil
}

func (h *Handle) check() error {
	if h.done || h.bucket.closed {
		return ErrClosed
	}
	return nil
}

func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) != 0
	case map[string]any:
		return len(v) != 0
	default:
		return true
	}
}
