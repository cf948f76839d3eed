// Package benchimport converts the output of "go test -bench" into values
// ready to be buffered as measurements.
package benchimport

import (
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/perf/benchfmt"
	"golang.org/x/perf/benchmath"
)

// DefaultUnit is the tidied unit of "ns/op".
const DefaultUnit = "sec/op"

// Options configures Read.
type Options struct {
	// Unit selects the measured value, in benchfmt's tidied form such as
	// "sec/op", "B/op" or "allocs/op". Defaults to DefaultUnit.
	Unit string
}

// Entry is the summary of every run of one benchmark.
type Entry struct {
	// Name is the full benchmark name, e.g. "BenchmarkEncode/small-8".
	Name string
	Unit string
	// Value is the median of the runs.
	Value   float64
	Samples int
	// Config holds the file configuration of the first run, e.g. goos or
	// pkg.
	Config map[string]string
}

// Read parses benchmark results from r. fileName is only used in messages.
//
// Results lacking the unit are ignored. Lines that do not parse are logged
// and skipped. Entries are returned in the order benchmarks first appear.
func Read(r io.Reader, fileName string, opts *Options) ([]Entry, error) {
	unit := DefaultUnit
	if opts != nil && opts.Unit != "" {
		unit = opts.Unit
	}
	var order []string
	values := map[string][]float64{}
	configs := map[string]map[string]string{}
	br := benchfmt.NewReader(r, fileName)
	for br.Scan() {
		switch rec := br.Result().(type) {
		case *benchfmt.SyntaxError:
			slog.Warn("Skipping malformed benchmark line", "err", rec)
		case *benchfmt.Result:
			v, ok := rec.Value(unit)
			if !ok {
				continue
			}
			// benchfmt strips the prefix that go test prints.
			name := "Benchmark" + rec.Name.String()
			if _, seen := values[name]; !seen {
				order = append(order, name)
				cfg := map[string]string{}
				for _, c := range rec.Config {
					if c.File {
						cfg[c.Key] = string(c.Value)
					}
				}
				configs[name] = cfg
			}
			values[name] = append(values[name], v)
		}
	}
	if err := br.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}
	entries := make([]Entry, 0, len(order))
	for _, name := range order {
		s := benchmath.NewSample(values[name], &benchmath.DefaultThresholds)
		entries = append(entries, Entry{
			Name:    name,
			Unit:    unit,
			Value:   benchmath.AssumeNothing.Summary(s, 0.95).Center,
			Samples: len(values[name]),
			Config:  configs[name],
		})
	}
	return entries, nil
}
