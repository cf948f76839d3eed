// Package syncsvc buffers benchmarks and measurements in the local cache and
// commits them to the dashboard.
package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/maruel/speedtin/internal/localcache"
	"github.com/maruel/speedtin/internal/metrics"
	"github.com/maruel/speedtin/internal/models"
)

// Bucket names.
const (
	BucketBenchmark   = "benchmark"
	BucketMeasurement = "measurement"
)

// commitTimeout bounds a commit started by TriggerCommit.
const commitTimeout = 5 * time.Minute

// API is the subset of the dashboard API used to commit. *remote.Client
// implements it.
type API interface {
	CreateBenchmark(ctx context.Context, b models.Benchmark) (json.RawMessage, error)
	ListBenchmarks(ctx context.Context) ([]models.BenchmarkInfo, []json.RawMessage, error)
	CreateMeasurement(ctx context.Context, benchmarkID int64, m models.Measurement) (json.RawMessage, error)
}

// ErrUnknownBenchmark matches every *UnknownBenchmarkError.
var ErrUnknownBenchmark = errors.New("unknown benchmark")

// UnknownBenchmarkError is reported for a measurement referencing a benchmark
// name that neither the local cache nor the server knows.
type UnknownBenchmarkError struct {
	Name string
}

func (e *UnknownBenchmarkError) Error() string {
	return fmt.Sprintf("unable to find benchmark with the name %q", e.Name)
}

// Is makes errors.Is(err, ErrUnknownBenchmark) work.
func (e *UnknownBenchmarkError) Is(target error) bool {
	return target == ErrUnknownBenchmark
}

// CommitResult summarizes a Commit, including a partial one.
type CommitResult struct {
	// Benchmarks lists the names of the benchmarks created on the server.
	Benchmarks []string
	// Measurements is the number of measurements posted and removed.
	Measurements int
	// Pending is the number of measurements left in the cache.
	Pending int
}

// Service is the sync orchestrator.
type Service struct {
	cache *localcache.Cache
	api   API

	commitMu sync.Mutex

	mu          sync.Mutex
	timer       *time.Timer
	triggered   sync.WaitGroup
	afterCommit func(*CommitResult, error)
}

// New returns a Service buffering in cache and committing to api.
func New(cache *localcache.Cache, api API) *Service {
	return &Service{cache: cache, api: api}
}

// Cache returns the local cache used for buffering.
func (s *Service) Cache() *localcache.Cache {
	return s.cache
}

// AddBenchmark buffers the creation of a benchmark. Adding a name already
// buffered is a no-op.
func (s *Service) AddBenchmark(ctx context.Context, name string) error {
	b := models.Benchmark{Name: name}
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := s.cache.Add(ctx, BucketBenchmark, b, nil)
	return err
}

// AddMeasurement buffers a measurement of the referenced benchmark.
func (s *Service) AddMeasurement(ctx context.Context, ref models.BenchmarkRef, m models.Measurement) error {
	if name, ok := ref.Name(); ok && name == "" {
		return errors.New("measurement references an empty benchmark name")
	}
	_, err := s.cache.Add(ctx, BucketMeasurement, models.PendingMeasurement{Benchmark: ref, Measurement: m}, nil)
	return err
}

// Commit posts the buffered benchmarks, then the buffered measurements.
//
// A failure to create a benchmark or to post a measurement stops the commit;
// what was committed before stays committed. Measurements referencing an
// unknown benchmark name are kept for a later commit and reported as
// *UnknownBenchmarkError after the other measurements were processed.
func (s *Service) Commit(ctx context.Context) (*CommitResult, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	res := &CommitResult{}
	slog.InfoContext(ctx, "Committing results")
	if err := s.commitBenchmarks(ctx, res); err != nil {
		return res, err
	}
	ids, err := s.benchmarkIDs(ctx)
	if err != nil {
		return res, err
	}
	return res, s.commitMeasurements(ctx, ids, res)
}

func (s *Service) commitBenchmarks(ctx context.Context, res *CommitResult) error {
	return s.cache.Update(ctx, BucketBenchmark, func(b *localcache.Bucket) error {
		for h := range b.All() {
			if h.HasRestData() {
				continue
			}
			var bench models.Benchmark
			if err := h.DecodeData(&bench); err != nil {
				return err
			}
			resp, err := s.api.CreateBenchmark(ctx, bench)
			if err != nil {
				metrics.CommitFailures.WithLabelValues("benchmark", "remote").Inc()
				return fmt.Errorf("failed to create benchmark %q: %w", bench.Name, err)
			}
			if err := h.SetRestData(resp); err != nil {
				return err
			}
			metrics.Committed.WithLabelValues("benchmark").Inc()
			res.Benchmarks = append(res.Benchmarks, bench.Name)
			slog.InfoContext(ctx, "Saved benchmark", "name", bench.Name, "response", string(resp))
		}
		return nil
	})
}

// benchmarkIDs maps the names of synced benchmarks to their server id.
func (s *Service) benchmarkIDs(ctx context.Context) (map[string]int64, error) {
	ids := map[string]int64{}
	err := s.cache.Update(ctx, BucketBenchmark, func(b *localcache.Bucket) error {
		for h := range b.All() {
			if !h.HasRestData() {
				continue
			}
			var info models.BenchmarkInfo
			if err := h.DecodeRestData(&info); err != nil {
				slog.WarnContext(ctx, "Ignoring benchmark with unexpected server data", "data", string(h.Data()), "err", err)
				continue
			}
			var bench models.Benchmark
			if err := h.DecodeData(&bench); err != nil {
				slog.WarnContext(ctx, "Ignoring malformed benchmark", "data", string(h.Data()), "err", err)
				continue
			}
			ids[bench.Name] = info.ID
		}
		return nil
	})
	return ids, err
}

func (s *Service) commitMeasurements(ctx context.Context, ids map[string]int64, res *CommitResult) error {
	var unknown []error
	listed := false
	err := s.cache.Update(ctx, BucketMeasurement, func(b *localcache.Bucket) error {
		defer func() { res.Pending = b.Len() }()
		for h := range b.All() {
			var p models.PendingMeasurement
			if err := h.DecodeData(&p); err != nil {
				return err
			}
			id, ok := p.Benchmark.ID()
			if !ok {
				name, _ := p.Benchmark.Name()
				if id, ok = ids[name]; !ok && !listed {
					listed = true
					if err := s.refreshBenchmarks(ctx, ids); err != nil {
						return err
					}
					id, ok = ids[name]
				}
				if !ok {
					metrics.CommitFailures.WithLabelValues("measurement", "unknown_benchmark").Inc()
					unknown = append(unknown, &UnknownBenchmarkError{Name: name})
					continue
				}
			}
			resp, err := s.api.CreateMeasurement(ctx, id, p.Measurement)
			if err != nil {
				metrics.CommitFailures.WithLabelValues("measurement", "remote").Inc()
				return fmt.Errorf("failed to create measurement for benchmark %s: %w", p.Benchmark, err)
			}
			if err := h.Remove(); err != nil {
				return err
			}
			metrics.Committed.WithLabelValues("measurement").Inc()
			res.Measurements++
			slog.InfoContext(ctx, "Saved measurement", "benchmark", p.Benchmark.String(), "response", string(resp))
		}
		return nil
	})
	return errors.Join(append([]error{err}, unknown...)...)
}

// refreshBenchmarks fetches the server's benchmarks, adds the ones missing
// from ids and caches them as synced.
func (s *Service) refreshBenchmarks(ctx context.Context, ids map[string]int64) error {
	infos, raws, err := s.api.ListBenchmarks(ctx)
	if err != nil {
		metrics.CommitFailures.WithLabelValues("measurement", "list").Inc()
		return fmt.Errorf("failed to get the benchmarks from the server: %w", err)
	}
	for i, info := range infos {
		if _, ok := ids[info.Name]; ok {
			continue
		}
		ids[info.Name] = info.ID
		var rest any = info
		if i < len(raws) {
			rest = raws[i]
		}
		if _, err := s.cache.Add(ctx, BucketBenchmark, models.Benchmark{Name: info.Name}, rest); err != nil {
			return err
		}
	}
	slog.DebugContext(ctx, "Fetched benchmarks", "count", len(infos))
	return nil
}

// Pending returns the data of every buffered measurement.
func (s *Service) Pending(ctx context.Context) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := s.cache.Update(ctx, BucketMeasurement, func(b *localcache.Bucket) error {
		for h := range b.All() {
			out = append(out, h.Data())
		}
		return nil
	})
	return out, err
}

// CheckPending handles measurements left over by a previous run: they are
// deleted when clearPrevious is set, otherwise a warning lists them. Leftover
// measurements are sent by the next Commit.
func (s *Service) CheckPending(ctx context.Context, clearPrevious bool) error {
	if clearPrevious {
		return s.cache.Clear(ctx, BucketMeasurement)
	}
	pending, err := s.Pending(ctx)
	if err != nil || len(pending) == 0 {
		return err
	}
	slog.WarnContext(ctx, "Measurements from a previous run were not committed; they will be sent with the next commit",
		"count", len(pending), "dir", s.cache.Dir())
	for _, p := range pending {
		slog.WarnContext(ctx, "Pending measurement", "data", string(p))
	}
	return nil
}

// Clear deletes every record of bucket.
func (s *Service) Clear(ctx context.Context, bucket string) error {
	return s.cache.Clear(ctx, bucket)
}

// TriggerCommit schedules a Commit after delay. A pending trigger is replaced
// so a burst of calls results in a single commit.
func (s *Service) TriggerCommit(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimer()
	s.triggered.Add(1)
	s.timer = time.AfterFunc(delay, func() {
		defer s.triggered.Done()
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		defer cancel()
		res, err := s.Commit(ctx)
		if err != nil {
			slog.Error("Auto-commit failed", "err", err)
		} else {
			slog.Info("Auto-commit done", "benchmarks", len(res.Benchmarks), "measurements", res.Measurements)
		}
		s.mu.Lock()
		f := s.afterCommit
		s.mu.Unlock()
		if f != nil {
			f(res, err)
		}
	})
}

// Stop cancels a pending TriggerCommit and waits for a triggered commit
// already running.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopTimer()
	s.mu.Unlock()
	s.triggered.Wait()
}

// stopTimer must be called with mu held.
func (s *Service) stopTimer() {
	if s.timer != nil && s.timer.Stop() {
		s.triggered.Done()
	}
	s.timer = nil
}
