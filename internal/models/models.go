// Package models defines the records buffered locally and exchanged with the
// dashboard API.
package models

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// MaxBenchmarkNameLen is the longest benchmark name the server accepts.
const MaxBenchmarkNameLen = 50

// TimeLayout is the wire format of timestamps.
const TimeLayout = "2006-01-02 15:04:05.000000"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Time is a timestamp serialized in UTC with TimeLayout. The zero Time is
// serialized as "".
type Time struct {
	time.Time
}

// Now returns the current time truncated to microseconds.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Microsecond)}
}

// FormatTime formats t with TimeLayout. The zero time formats as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatTime(t.Time))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = v
	return nil
}

// Benchmark is the payload registering a benchmark.
type Benchmark struct {
	Name string `json:"name" validate:"required,max=50"`
}

// Validate checks the benchmark name.
func (b *Benchmark) Validate() error {
	if err := getValidator().Struct(b); err != nil {
		return fmt.Errorf("invalid benchmark %q: %w", b.Name, err)
	}
	return nil
}

// BenchmarkInfo is a benchmark as known by the server.
type BenchmarkInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UnmarshalJSON accepts the id as a number or a numeric string.
func (b *BenchmarkInfo) UnmarshalJSON(data []byte) error {
	var v struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	raw := bytes.Trim(bytes.TrimSpace(v.ID), `"`)
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid benchmark id %s: %w", v.ID, err)
	}
	b.ID = id
	b.Name = v.Name
	return nil
}

// Measurement is one benchmark run.
type Measurement struct {
	Value       float64 `json:"value"`
	Version     string  `json:"version"`
	Released    bool    `json:"released"`
	Branch      string  `json:"branch"`
	OS          string  `json:"os"`
	CommitID    string  `json:"commit_id"`
	CommitDate  Time    `json:"commit_date"`
	MachineName string  `json:"machine_name"`
	Tag1        string  `json:"tag1"`
	Tag2        string  `json:"tag2"`
}

// NewMeasurement returns a measurement with the default version and the
// current OS.
func NewMeasurement(value float64) Measurement {
	return Measurement{Value: value, Version: "dev", OS: runtime.GOOS}
}

// BenchmarkRef points to a benchmark either by name or by server id.
//
// It is serialized as a JSON string for names and a JSON number for ids.
type BenchmarkRef struct {
	name string
	id   int64
	byID bool
}

// ByName references a benchmark by its name.
func ByName(name string) BenchmarkRef {
	return BenchmarkRef{name: name}
}

// ByID references a benchmark by its server id.
func ByID(id int64) BenchmarkRef {
	return BenchmarkRef{id: id, byID: true}
}

// ID returns the id and true if r was created by ByID.
func (r BenchmarkRef) ID() (int64, bool) {
	return r.id, r.byID
}

// Name returns the name and true if r was created by ByName.
func (r BenchmarkRef) Name() (string, bool) {
	return r.name, !r.byID
}

func (r BenchmarkRef) String() string {
	if r.byID {
		return "#" + strconv.FormatInt(r.id, 10)
	}
	return strconv.Quote(r.name)
}

// MarshalJSON implements json.Marshaler.
func (r BenchmarkRef) MarshalJSON() ([]byte, error) {
	if r.byID {
		return json.Marshal(r.id)
	}
	return json.Marshal(r.name)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *BenchmarkRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("empty benchmark reference")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ByName(s)
		return nil
	}
	// Numbers written by other clients may carry a fraction or exponent.
	s := string(b)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		*r = ByID(id)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		*r = ByID(int64(f))
		return nil
	}
	return fmt.Errorf("invalid benchmark reference %s", b)
}

// PendingMeasurement is a measurement waiting to be committed. It is stored
// as the two element array [benchmark, measurement].
type PendingMeasurement struct {
	Benchmark   BenchmarkRef
	Measurement Measurement
}

// MarshalJSON implements json.Marshaler.
func (p PendingMeasurement) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Benchmark, p.Measurement})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PendingMeasurement) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("invalid pending measurement: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("invalid pending measurement: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Benchmark); err != nil {
		return fmt.Errorf("invalid pending measurement: %w", err)
	}
	// Unset fields keep their zero value, not the NewMeasurement defaults.
	p.Measurement = Measurement{}
	if err := json.Unmarshal(raw[1], &p.Measurement); err != nil {
		return fmt.Errorf("invalid pending measurement: %w", err)
	}
	return nil
}
